package cache

import (
	"context"
	"sync"
	"time"
)

type outcome int

const (
	outcomeHit outcome = iota
	outcomeMiss
	outcomeStale
)

// slot is one cache key. Reads of fresh data only take the read lock;
// refreshes are serialised on fetchMu so at most one upstream call is in
// flight per key and waiting callers observe its result.
type slot[T any] struct {
	fetchMu sync.Mutex

	mu        sync.RWMutex
	data      []T
	fetchedAt time.Time
}

func (s *slot[T]) read() ([]T, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data, s.fetchedAt
}

func (s *slot[T]) write(data []T, at time.Time) {
	s.mu.Lock()
	s.data = data
	s.fetchedAt = at
	s.mu.Unlock()
}

func (s *slot[T]) fresh(now time.Time, ttl time.Duration) ([]T, bool) {
	data, fetchedAt := s.read()
	if fetchedAt.IsZero() || now.Sub(fetchedAt) >= ttl {
		return nil, false
	}
	return data, true
}

func (s *slot[T]) age(now time.Time) (time.Duration, bool) {
	_, fetchedAt := s.read()
	if fetchedAt.IsZero() {
		return 0, false
	}
	return now.Sub(fetchedAt), true
}

func (s *slot[T]) invalidate() {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()
	s.write(nil, time.Time{})
}

// get returns the slot's data, calling fetch when it is stale or force is
// set. A forced call that waited behind another refresh reuses that result
// instead of fetching again. When fetch fails and older data exists the old
// data is returned together with the error and outcomeStale.
func (s *slot[T]) get(ctx context.Context, clock func() time.Time, ttl time.Duration, force bool,
	fetch func(context.Context) ([]T, error)) ([]T, outcome, error) {

	requested := clock()
	if !force {
		if data, ok := s.fresh(requested, ttl); ok {
			return data, outcomeHit, nil
		}
	}

	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	data, fetchedAt := s.read()
	if !fetchedAt.IsZero() {
		if force && fetchedAt.After(requested) {
			return data, outcomeHit, nil
		}
		if !force && clock().Sub(fetchedAt) < ttl {
			return data, outcomeHit, nil
		}
	}

	fetched, err := fetch(ctx)
	if err != nil {
		if !fetchedAt.IsZero() {
			return data, outcomeStale, err
		}
		return nil, outcomeMiss, err
	}

	s.write(fetched, clock())
	return fetched, outcomeMiss, nil
}
