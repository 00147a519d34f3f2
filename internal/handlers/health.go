package handlers

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const healthTimeout = 5 * time.Second

// HealthStatus runs every registered check concurrently. Any failing
// check turns the response into a 503.
func (h *Handler) HealthStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	names := make([]string, 0, len(h.Health))
	for name := range h.Health {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]string, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, check HealthCheck) {
			defer wg.Done()
			if err := check(ctx); err != nil {
				results[i] = err.Error()
				return
			}
			results[i] = "ok"
		}(i, h.Health[name])
	}
	wg.Wait()

	checks := make(gin.H, len(names))
	healthy := true
	for i, name := range names {
		checks[name] = results[i]
		if results[i] != "ok" {
			healthy = false
		}
	}
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "message": "unhealthy", "checks": checks})
		return
	}
	success(c, http.StatusOK, gin.H{"checks": checks})
}
