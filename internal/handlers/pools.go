package handlers

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"dlmmrotation/internal/apperr"
	"dlmmrotation/pkg/meteora"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// PoolView is a pool with its derived metrics.
type PoolView struct {
	meteora.Pool
	FeeRate30m float64 `json:"fee_rate_30min"`
	APR        float64 `json:"apr"`
}

var sortKeys = map[string]func(meteora.Pool) float64{
	"liquidity": meteora.Pool.TVL,
	"volume":    meteora.Pool.Volume24h,
	"fees":      meteora.Pool.FeesDaily,
	"fee_rate":  meteora.Pool.FeeRate30m,
	"apr":       meteora.Pool.APR,
}

// PoolQuery is the parsed query string of GET /api/pools
type PoolQuery struct {
	Search       string
	SortBy       string
	Ascending    bool
	Page         int
	PageSize     int
	MinLiquidity float64
	Refresh      bool
	Grouped      bool
}

func parsePoolQuery(c *gin.Context) (PoolQuery, error) {
	q := PoolQuery{
		Search:   strings.ToLower(strings.TrimSpace(c.Query("search"))),
		SortBy:   c.DefaultQuery("sort_by", "liquidity"),
		Page:     1,
		PageSize: defaultPageSize,
		Refresh:  c.Query("refresh") == "true",
		Grouped:  c.Query("source") == "grouped",
	}
	if _, ok := sortKeys[q.SortBy]; !ok {
		return q, apperr.Validation("sort_by must be one of liquidity, volume, fees, fee_rate, apr")
	}
	switch c.DefaultQuery("order", "desc") {
	case "asc":
		q.Ascending = true
	case "desc":
	default:
		return q, apperr.Validation("order must be asc or desc")
	}
	if v := c.Query("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return q, apperr.Validation("page must be a positive integer")
		}
		q.Page = n
	}
	if v := c.Query("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPageSize {
			return q, apperr.Validation("page_size must be between 1 and %d", maxPageSize)
		}
		q.PageSize = n
	}
	if v := c.Query("min_liquidity"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return q, apperr.Validation("min_liquidity must be a non-negative number")
		}
		q.MinLiquidity = f
	}
	return q, nil
}

func matches(p meteora.Pool, search string) bool {
	if search == "" {
		return true
	}
	return strings.Contains(strings.ToLower(p.Name), search) ||
		strings.EqualFold(p.Address, search) ||
		strings.EqualFold(p.MintX, search) ||
		strings.EqualFold(p.MintY, search)
}

// selectPools filters, sorts and pages pools. The input slice is shared
// with the cache and is not modified.
func selectPools(pools []meteora.Pool, q PoolQuery) ([]PoolView, int) {
	kept := make([]meteora.Pool, 0, len(pools))
	for _, p := range pools {
		if p.TVL() >= q.MinLiquidity && matches(p, q.Search) {
			kept = append(kept, p)
		}
	}
	key := sortKeys[q.SortBy]
	sort.SliceStable(kept, func(i, j int) bool {
		if q.Ascending {
			return key(kept[i]) < key(kept[j])
		}
		return key(kept[i]) > key(kept[j])
	})

	total := len(kept)
	start := (q.Page - 1) * q.PageSize
	if start > total {
		start = total
	}
	end := start + q.PageSize
	if end > total {
		end = total
	}
	out := make([]PoolView, 0, end-start)
	for _, p := range kept[start:end] {
		out = append(out, PoolView{Pool: p, FeeRate30m: p.FeeRate30m(), APR: p.APR()})
	}
	return out, total
}

// ListPools returns the filtered, sorted and paginated pool list.
func (h *Handler) ListPools(c *gin.Context) {
	q, err := parsePoolQuery(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	var pools []meteora.Pool
	if q.Grouped {
		if h.Grouped == nil {
			badRequest(c, "grouped pool source is not enabled")
			return
		}
		pools, err = h.Grouped.GetPools(c.Request.Context(), q.Refresh)
	} else {
		pools, err = h.Pools.GetPools(c.Request.Context(), q.Refresh)
	}
	if err != nil {
		h.fail(c, err)
		return
	}

	data, total := selectPools(pools, q)
	success(c, http.StatusOK, gin.H{
		"data":      data,
		"count":     len(data),
		"total":     total,
		"page":      q.Page,
		"page_size": q.PageSize,
		"pages":     (total + q.PageSize - 1) / q.PageSize,
	})
}

// PoolStats returns the cache statistics.
func (h *Handler) PoolStats(c *gin.Context) {
	body := gin.H{"pools": h.Pools.Stats()}
	if h.Grouped != nil {
		body["grouped"] = h.Grouped.Stats()
	}
	success(c, http.StatusOK, body)
}

// InvalidateCache drops cached pool data so the next read refetches.
// With ?group=<id> only that group's pool list is dropped.
func (h *Handler) InvalidateCache(c *gin.Context) {
	if group := c.Query("group"); group != "" {
		if h.Grouped == nil {
			badRequest(c, "grouped pool source is not enabled")
			return
		}
		h.Grouped.InvalidateGroup(group)
		success(c, http.StatusOK, gin.H{"invalidated": "group", "group": group})
		return
	}
	h.Pools.Invalidate()
	if h.Grouped != nil {
		h.Grouped.Invalidate()
	}
	h.Log.Info("> pool caches invalidated")
	success(c, http.StatusOK, gin.H{"invalidated": "all"})
}
