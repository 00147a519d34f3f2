// Package cache holds the process-wide pool caches. Both variants are built
// once in main and handed to every component that reads pool data.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"dlmmrotation/internal/metrics"
	"dlmmrotation/pkg/meteora"

	"github.com/sirupsen/logrus"
)

const (
	DefaultTTL    = 5 * time.Minute
	DefaultMinTVL = 100.0
)

// PoolSource is what consumers of pool data depend on. Returned slices are
// shared between callers and must not be modified.
type PoolSource interface {
	GetPools(ctx context.Context, forceRefresh bool) ([]meteora.Pool, error)
}

// AllPoolsFetcher is the upstream used by PoolCache
type AllPoolsFetcher interface {
	GetAllPools(ctx context.Context) ([]meteora.Pool, error)
}

type filterCounts struct {
	Raw         int `json:"raw"`
	Kept        int `json:"kept"`
	Hidden      int `json:"hidden"`
	Blacklisted int `json:"blacklisted"`
	LowTVL      int `json:"low_tvl"`
}

// filterPools drops hidden pools, blacklisted pools and pools below minTVL.
func filterPools(pools []meteora.Pool, minTVL float64) ([]meteora.Pool, filterCounts) {
	counts := filterCounts{Raw: len(pools)}
	kept := make([]meteora.Pool, 0, len(pools))
	for _, p := range pools {
		switch {
		case p.Hide:
			counts.Hidden++
		case p.IsBlacklisted:
			counts.Blacklisted++
		case p.TVL() < minTVL:
			counts.LowTVL++
		default:
			kept = append(kept, p)
		}
	}
	counts.Kept = len(kept)
	return kept, counts
}

// Stats is a point-in-time view of cache activity
type Stats struct {
	Hits              uint64       `json:"cache_hits"`
	Misses            uint64       `json:"cache_misses"`
	StaleServed       uint64       `json:"stale_served"`
	HitRatePercent    float64      `json:"hit_rate_percent"`
	LastFetchDuration float64      `json:"last_fetch_duration_seconds"`
	LastFetchAt       *time.Time   `json:"last_fetch_at,omitempty"`
	Fresh             bool         `json:"cache_fresh"`
	AgeSeconds        float64      `json:"cache_age_seconds"`
	Filter            filterCounts `json:"filter"`
}

func hitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

// PoolCache caches the filtered result of /pair/all
type PoolCache struct {
	source  AllPoolsFetcher
	ttl     time.Duration
	minTVL  float64
	log     *logrus.Entry
	metrics *metrics.Metrics
	now     func() time.Time

	slot slot[meteora.Pool]

	hits   atomic.Uint64
	misses atomic.Uint64
	stale  atomic.Uint64

	statsMu       sync.Mutex
	lastDuration  time.Duration
	lastFetchAt   time.Time
	lastFilterRun filterCounts
}

// NewPoolCache builds a flat pool cache. Zero ttl or minTVL select the
// defaults (5 minutes, 100 USD).
func NewPoolCache(source AllPoolsFetcher, ttl time.Duration, minTVL float64, log *logrus.Entry, m *metrics.Metrics) *PoolCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if minTVL <= 0 {
		minTVL = DefaultMinTVL
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &PoolCache{
		source:  source,
		ttl:     ttl,
		minTVL:  minTVL,
		log:     log.WithField("component", "pool_cache"),
		metrics: m,
		now:     time.Now,
	}
}

// GetPools returns the filtered pool list, refreshing it at most once per
// TTL. On upstream failure the previous list is served if there is one.
func (c *PoolCache) GetPools(ctx context.Context, forceRefresh bool) ([]meteora.Pool, error) {
	pools, out, err := c.slot.get(ctx, c.now, c.ttl, forceRefresh, c.fetch)
	switch out {
	case outcomeHit:
		c.hits.Add(1)
		c.metrics.CacheHit("flat")
	case outcomeStale:
		c.stale.Add(1)
		c.metrics.CacheStale("flat")
		c.log.WithError(err).WithField("pools", len(pools)).Warn("> upstream fetch failed, serving stale pool list")
		return pools, nil
	}
	if err != nil {
		c.metrics.CacheFetchFailed("flat")
		return nil, fmt.Errorf("fetch pools: %w", err)
	}
	return pools, nil
}

func (c *PoolCache) fetch(ctx context.Context) ([]meteora.Pool, error) {
	c.misses.Add(1)
	c.metrics.CacheMiss("flat")

	start := time.Now()
	raw, err := c.source.GetAllPools(ctx)
	if err != nil {
		return nil, err
	}
	kept, counts := filterPools(raw, c.minTVL)
	took := time.Since(start)

	c.statsMu.Lock()
	c.lastDuration = took
	c.lastFetchAt = c.now()
	c.lastFilterRun = counts
	c.statsMu.Unlock()

	c.metrics.CacheFetched("flat", took, len(kept))
	c.log.WithFields(logrus.Fields{
		"raw":         counts.Raw,
		"kept":        counts.Kept,
		"hidden":      counts.Hidden,
		"blacklisted": counts.Blacklisted,
		"low_tvl":     counts.LowTVL,
		"took":        took.String(),
	}).Info("> pool cache refreshed")
	return kept, nil
}

// Invalidate drops the cached list; the next call fetches.
func (c *PoolCache) Invalidate() {
	c.slot.invalidate()
	c.log.Info("> pool cache invalidated")
}

func (c *PoolCache) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	s := Stats{
		Hits:           hits,
		Misses:         misses,
		StaleServed:    c.stale.Load(),
		HitRatePercent: hitRate(hits, misses),
	}

	c.statsMu.Lock()
	s.LastFetchDuration = c.lastDuration.Seconds()
	if !c.lastFetchAt.IsZero() {
		at := c.lastFetchAt
		s.LastFetchAt = &at
	}
	s.Filter = c.lastFilterRun
	c.statsMu.Unlock()

	if age, ok := c.slot.age(c.now()); ok {
		s.AgeSeconds = age.Seconds()
		s.Fresh = age < c.ttl
	}
	return s
}
