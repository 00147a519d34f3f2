// Package lock provides named cluster-wide locks so that exactly one
// instance runs the bot poller and the execution worker.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
)

// ErrLost is returned by Check when the lock is no longer held.
var ErrLost = errors.New("lock lost")

// Locker acquires a named lock without blocking. ok is false when another
// holder has it. release must be called exactly once when ok is true.
type Locker interface {
	TryLock(ctx context.Context, name string) (release func(), ok bool, err error)
	// Check reports whether this process still holds name. Long-lived
	// holders call it periodically and step down on error.
	Check(ctx context.Context, name string) error
}

// Key maps a lock name to the int64 key space of pg advisory locks.
func Key(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

// Postgres uses session-level advisory locks. Each held lock pins one
// connection from the pool until released; the lock dies with that session.
type Postgres struct {
	db *sql.DB

	mu   sync.Mutex
	held map[string]*sql.Conn
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, held: make(map[string]*sql.Conn)}
}

func (p *Postgres) TryLock(ctx context.Context, name string) (func(), bool, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("lock %s: %w", name, err)
	}
	key := Key(name)

	var ok bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("lock %s: %w", name, err)
	}
	if !ok {
		conn.Close()
		return nil, false, nil
	}

	p.mu.Lock()
	p.held[name] = conn
	p.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.held, name)
			p.mu.Unlock()
			// unlock on a fresh context, the caller's may be done
			conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", key)
			conn.Close()
		})
	}
	return release, true, nil
}

// Check pings the session pinned by name. A dropped session has released
// the advisory lock on the server side.
func (p *Postgres) Check(ctx context.Context, name string) error {
	p.mu.Lock()
	conn, ok := p.held[name]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s not held", ErrLost, name)
	}
	if err := conn.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrLost, name, err)
	}
	return nil
}

// Local is an in-process Locker for tests and single instance runs.
type Local struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocal() *Local {
	return &Local{held: make(map[string]bool)}
}

func (l *Local) TryLock(ctx context.Context, name string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return nil, false, nil
	}
	l.held[name] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, name)
			l.mu.Unlock()
		})
	}, true, nil
}

func (l *Local) Check(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held[name] {
		return fmt.Errorf("%w: %s not held", ErrLost, name)
	}
	return nil
}
