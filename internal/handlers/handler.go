// Package handlers implements the HTTP API. Every response uses the
// envelope {"status": "success"|"error", ...}.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dlmmrotation/internal/apperr"
	"dlmmrotation/internal/cache"
	"dlmmrotation/internal/monitor"
	"dlmmrotation/internal/position"
	"dlmmrotation/internal/store"
)

const defaultAuthCodeTTL = 10 * time.Minute

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Handler carries the services the routes depend on. Grouped and Health
// are optional.
type Handler struct {
	Store   store.Repository
	Pools   *cache.PoolCache
	Grouped *cache.GroupedPoolCache
	Monitor *monitor.Scheduler
	Degen   *monitor.DegenMonitor
	Tracker *position.Tracker
	Health  map[string]HealthCheck

	AuthCodeTTL time.Duration
	Log         *logrus.Entry

	now func() time.Time
}

func (h *Handler) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}

func (h *Handler) authCodeTTL() time.Duration {
	if h.AuthCodeTTL > 0 {
		return h.AuthCodeTTL
	}
	return defaultAuthCodeTTL
}

func success(c *gin.Context, code int, body gin.H) {
	if body == nil {
		body = gin.H{}
	}
	body["status"] = "success"
	c.JSON(code, body)
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": message})
}

// fail maps err onto a status code. Internal errors are logged and
// answered with a generic message.
func (h *Handler) fail(c *gin.Context, err error) {
	var code int
	message := err.Error()
	switch {
	case errors.Is(err, apperr.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, apperr.ErrUpstreamUnavailable):
		code = http.StatusBadGateway
		message = "pool data is temporarily unavailable"
	default:
		code = http.StatusInternalServerError
		message = "internal server error"
	}
	if code >= http.StatusInternalServerError {
		h.Log.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		}).WithError(err).Error("request failed")
	}
	c.JSON(code, gin.H{"status": "error", "message": message})
}

// wallet reads the wallet address from the query and validates it.
func wallet(c *gin.Context) (string, error) {
	w := c.Query("walletAddress")
	if w == "" {
		w = c.Query("wallet_address")
	}
	if err := monitor.ValidateWallet(w); err != nil {
		return "", err
	}
	return w, nil
}
