package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"dlmmrotation/internal/metrics"
	"dlmmrotation/pkg/meteora"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// GroupFetcher is the paginated upstream used by GroupedPoolCache
type GroupFetcher interface {
	GetGroups(ctx context.Context) ([]meteora.Group, error)
	GetGroupPools(ctx context.Context, groupID string) ([]meteora.Pool, error)
}

type GroupedConfig struct {
	GroupsTTL   time.Duration
	PoolsTTL    time.Duration
	MinGroupTVL float64
	MinPoolTVL  float64
	// GroupLimit caps how many groups (by TVL) GetPools loads. 0 loads all.
	GroupLimit int
	// Concurrency bounds parallel group fetches inside one GetPools call.
	Concurrency int
}

func (c *GroupedConfig) setDefaults() {
	if c.GroupsTTL <= 0 {
		c.GroupsTTL = time.Hour
	}
	if c.PoolsTTL <= 0 {
		c.PoolsTTL = DefaultTTL
	}
	if c.MinGroupTVL <= 0 {
		c.MinGroupTVL = 10000
	}
	if c.MinPoolTVL <= 0 {
		c.MinPoolTVL = DefaultMinTVL
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
}

// GroupedStats extends Stats with per-group counters
type GroupedStats struct {
	GroupHits           uint64  `json:"groups_cache_hits"`
	GroupMisses         uint64  `json:"groups_cache_misses"`
	GroupsFetched       int     `json:"total_groups_fetched"`
	GroupsKept          int     `json:"total_groups_filtered"`
	GroupsFresh         bool    `json:"groups_cache_fresh"`
	GroupsAgeSeconds    float64 `json:"groups_cache_age_seconds"`
	PoolHits            uint64  `json:"pools_cache_hits"`
	PoolMisses          uint64  `json:"pools_cache_misses"`
	PoolHitRatePercent  float64 `json:"pools_hit_rate_percent"`
	GroupsLoaded        int     `json:"groups_loaded"`
	LastGroupsFetchSecs float64 `json:"last_groups_fetch_duration_seconds"`
	LastPoolsFetchSecs  float64 `json:"last_pools_fetch_duration_seconds"`
}

// GroupedPoolCache is the two-tier variant: a coarse list of token pair
// groups and a lazily filled pool list per group, each with its own TTL
// and lock.
type GroupedPoolCache struct {
	source  GroupFetcher
	cfg     GroupedConfig
	log     *logrus.Entry
	metrics *metrics.Metrics
	now     func() time.Time

	groups slot[meteora.Group]

	mu      sync.Mutex
	entries map[string]*slot[meteora.Pool]

	groupHits, groupMisses atomic.Uint64
	poolHits, poolMisses   atomic.Uint64

	statsMu         sync.Mutex
	groupsFetched   int
	groupsKept      int
	lastGroupsFetch time.Duration
	lastPoolsFetch  time.Duration
}

func NewGroupedPoolCache(source GroupFetcher, cfg GroupedConfig, log *logrus.Entry, m *metrics.Metrics) *GroupedPoolCache {
	cfg.setDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &GroupedPoolCache{
		source:  source,
		cfg:     cfg,
		log:     log.WithField("component", "grouped_pool_cache"),
		metrics: m,
		now:     time.Now,
		entries: make(map[string]*slot[meteora.Pool]),
	}
}

// GetPools aggregates the pools of the top groups. forceRefresh reloads the
// group list; each group's pools keep their own TTL. Only a failure to load
// the group list itself is returned as an error.
func (c *GroupedPoolCache) GetPools(ctx context.Context, forceRefresh bool) ([]meteora.Pool, error) {
	groups, err := c.Groups(ctx, forceRefresh)
	if err != nil {
		return nil, err
	}
	if c.cfg.GroupLimit > 0 && len(groups) > c.cfg.GroupLimit {
		groups = groups[:c.cfg.GroupLimit]
	}

	results := make([][]meteora.Pool, len(groups))
	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for i, group := range groups {
		i, id := i, group.LexicalOrderMints
		g.Go(func() error {
			results[i] = c.GroupPools(ctx, id, false)
			return nil
		})
	}
	g.Wait()

	var all []meteora.Pool
	for _, pools := range results {
		all = append(all, pools...)
	}
	c.log.WithFields(logrus.Fields{
		"pools":  len(all),
		"groups": len(groups),
	}).Debug("> aggregated grouped pools")
	return all, nil
}

// Groups returns groups with total TVL above the minimum, sorted by TVL
// descending.
func (c *GroupedPoolCache) Groups(ctx context.Context, forceRefresh bool) ([]meteora.Group, error) {
	groups, out, err := c.groups.get(ctx, c.now, c.cfg.GroupsTTL, forceRefresh, c.fetchGroups)
	switch out {
	case outcomeHit:
		c.groupHits.Add(1)
		c.metrics.CacheHit("groups")
	case outcomeStale:
		c.metrics.CacheStale("groups")
		c.log.WithError(err).Warn("> group fetch failed, serving stale group list")
		return groups, nil
	}
	if err != nil {
		c.metrics.CacheFetchFailed("groups")
		return nil, fmt.Errorf("fetch groups: %w", err)
	}
	return groups, nil
}

func (c *GroupedPoolCache) fetchGroups(ctx context.Context) ([]meteora.Group, error) {
	c.groupMisses.Add(1)
	c.metrics.CacheMiss("groups")

	start := time.Now()
	raw, err := c.source.GetGroups(ctx)
	if err != nil {
		return nil, err
	}

	kept := make([]meteora.Group, 0, len(raw))
	for _, g := range raw {
		if g.TotalTVL.Float64() >= c.cfg.MinGroupTVL {
			kept = append(kept, g)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].TotalTVL > kept[j].TotalTVL
	})
	took := time.Since(start)

	c.statsMu.Lock()
	c.groupsFetched = len(raw)
	c.groupsKept = len(kept)
	c.lastGroupsFetch = took
	c.statsMu.Unlock()

	c.metrics.CacheFetched("groups", took, len(kept))
	c.log.WithFields(logrus.Fields{
		"fetched": len(raw),
		"kept":    len(kept),
		"took":    took.String(),
	}).Info("> group list refreshed")
	return kept, nil
}

// GroupPools returns the filtered pools of one group. It never fails: on
// upstream error the group's previous list is returned, or an empty list
// when there is none, so one bad group cannot break the aggregate.
func (c *GroupedPoolCache) GroupPools(ctx context.Context, groupID string, forceRefresh bool) []meteora.Pool {
	entry := c.entry(groupID)
	fetch := func(ctx context.Context) ([]meteora.Pool, error) {
		return c.fetchGroupPools(ctx, groupID)
	}

	pools, out, err := entry.get(ctx, c.now, c.cfg.PoolsTTL, forceRefresh, fetch)
	switch out {
	case outcomeHit:
		c.poolHits.Add(1)
		c.metrics.CacheHit("group_pools")
		return pools
	case outcomeStale:
		c.metrics.CacheStale("group_pools")
		c.log.WithError(err).WithField("group", groupID).Warn("> group pool fetch failed, serving stale list")
		return pools
	}
	if err != nil {
		c.metrics.CacheFetchFailed("group_pools")
		c.log.WithError(err).WithField("group", groupID).Error("> group pool fetch failed, no cached list")
		return []meteora.Pool{}
	}
	return pools
}

func (c *GroupedPoolCache) fetchGroupPools(ctx context.Context, groupID string) ([]meteora.Pool, error) {
	c.poolMisses.Add(1)
	c.metrics.CacheMiss("group_pools")

	start := time.Now()
	raw, err := c.source.GetGroupPools(ctx, groupID)
	if err != nil {
		return nil, err
	}
	kept, _ := filterPools(raw, c.cfg.MinPoolTVL)
	took := time.Since(start)

	c.statsMu.Lock()
	c.lastPoolsFetch = took
	c.statsMu.Unlock()

	c.metrics.CacheFetched("group_pools", took, len(kept))
	return kept, nil
}

func (c *GroupedPoolCache) entry(groupID string) *slot[meteora.Pool] {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[groupID]
	if !ok {
		e = &slot[meteora.Pool]{}
		c.entries[groupID] = e
	}
	return e
}

// InvalidateGroups drops the group list only
func (c *GroupedPoolCache) InvalidateGroups() {
	c.groups.invalidate()
}

// InvalidateGroup drops the cached pools of one group
func (c *GroupedPoolCache) InvalidateGroup(groupID string) {
	c.mu.Lock()
	e, ok := c.entries[groupID]
	c.mu.Unlock()
	if ok {
		e.invalidate()
	}
}

// Invalidate drops the group list and every group's pools
func (c *GroupedPoolCache) Invalidate() {
	c.groups.invalidate()
	c.mu.Lock()
	c.entries = make(map[string]*slot[meteora.Pool])
	c.mu.Unlock()
	c.log.Info("> grouped pool cache invalidated")
}

func (c *GroupedPoolCache) Stats() GroupedStats {
	poolHits, poolMisses := c.poolHits.Load(), c.poolMisses.Load()
	s := GroupedStats{
		GroupHits:          c.groupHits.Load(),
		GroupMisses:        c.groupMisses.Load(),
		PoolHits:           poolHits,
		PoolMisses:         poolMisses,
		PoolHitRatePercent: hitRate(poolHits, poolMisses),
	}

	c.statsMu.Lock()
	s.GroupsFetched = c.groupsFetched
	s.GroupsKept = c.groupsKept
	s.LastGroupsFetchSecs = c.lastGroupsFetch.Seconds()
	s.LastPoolsFetchSecs = c.lastPoolsFetch.Seconds()
	c.statsMu.Unlock()

	if age, ok := c.groups.age(c.now()); ok {
		s.GroupsAgeSeconds = age.Seconds()
		s.GroupsFresh = age < c.cfg.GroupsTTL
	}

	c.mu.Lock()
	for _, e := range c.entries {
		if _, ok := e.age(c.now()); ok {
			s.GroupsLoaded++
		}
	}
	c.mu.Unlock()
	return s
}
