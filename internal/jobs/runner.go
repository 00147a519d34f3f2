// Package jobs runs recurring background work on robfig/cron. Jobs are
// keyed by id, never overlap with themselves, and share a fixed number of
// worker slots.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"dlmmrotation/internal/metrics"
)

// Func is one invocation of a job.
type Func func(ctx context.Context) error

type Config struct {
	// Slots bounds how many job invocations run at once. Default 8.
	Slots int
	// MisfireGrace is how long an invocation may wait for a slot before
	// it is dropped for this cycle. Default 3 minutes.
	MisfireGrace time.Duration
	// Timeout bounds each invocation. Default 5 minutes.
	Timeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Slots <= 0 {
		c.Slots = 8
	}
	if c.MisfireGrace <= 0 {
		c.MisfireGrace = 3 * time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
}

var (
	// ErrDropped is returned by Run when no slot freed up within the grace
	// period.
	ErrDropped = errors.New("job dropped: no free slot within grace period")
	// ErrRunning is returned by Run when an invocation with the same id is
	// still in flight.
	ErrRunning = errors.New("job skipped: previous run still in flight")
)

type Runner struct {
	cron    *cron.Cron
	cfg     Config
	log     *logrus.Entry
	metrics *metrics.Metrics
	slots   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]cron.EntryID
	running map[string]bool
}

func New(cfg Config, log *logrus.Entry, m *metrics.Metrics) *Runner {
	cfg.setDefaults()
	cronLog := cronLogger{log: log.WithField("component", "cron")}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog)),
		),
		cfg:     cfg,
		log:     log,
		metrics: m,
		slots:   make(chan struct{}, cfg.Slots),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
		running: make(map[string]bool),
	}
}

func (r *Runner) Start() {
	r.cron.Start()
	r.log.Info("> job runner started")
}

// Stop stops scheduling, cancels running invocations and waits for them.
func (r *Runner) Stop() {
	done := r.cron.Stop()
	r.cancel()
	<-done.Done()
	r.log.Info("> job runner stopped")
}

// Every installs fn under id, replacing any job already using that id.
func (r *Runner) Every(id string, interval time.Duration, fn Func) error {
	if interval < time.Second {
		return fmt.Errorf("job %s: interval %s below one second", id, interval)
	}
	job := cron.FuncJob(func() {
		err := r.Run(r.ctx, id, fn)
		if err != nil && !errors.Is(err, ErrDropped) && !errors.Is(err, ErrRunning) {
			r.log.WithField("job", id).WithError(err).Error("job failed")
		}
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.entries[id]; ok {
		r.cron.Remove(old)
	}
	r.entries[id] = r.cron.Schedule(cron.Every(interval), job)
	return nil
}

// Remove unschedules id. It reports whether a job was installed.
func (r *Runner) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if ok {
		r.cron.Remove(entry)
		delete(r.entries, id)
	}
	return ok
}

func (r *Runner) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// Next returns the next fire time of id. It is zero until the runner has
// been started.
func (r *Runner) Next(id string) (time.Time, bool) {
	r.mu.Lock()
	entry, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return r.cron.Entry(entry).Next, true
}

// Count returns the number of installed jobs whose id has prefix.
func (r *Runner) Count(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id := range r.entries {
		if strings.HasPrefix(id, prefix) {
			n++
		}
	}
	return n
}

// Run executes fn in a worker slot with the configured timeout. It is used
// for scheduled invocations and for synchronous ones such as the first
// monitor tick. At most one invocation per id is in flight; a second one
// returns ErrRunning without calling fn, also across Every replacing the job.
func (r *Runner) Run(ctx context.Context, id string, fn Func) error {
	if !r.claim(id) {
		r.log.WithField("job", id).Debug("previous run still in flight, skipping")
		return ErrRunning
	}
	defer r.release(id)

	grace := time.NewTimer(r.cfg.MisfireGrace)
	defer grace.Stop()
	select {
	case r.slots <- struct{}{}:
	case <-grace.C:
		r.log.WithField("job", id).Warn("no free slot within grace period, dropping this run")
		r.metrics.Dropped(jobKind(id))
		return ErrDropped
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-r.slots }()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	return fn(ctx)
}

func (r *Runner) claim(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[id] {
		return false
	}
	r.running[id] = true
	return true
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	delete(r.running, id)
	r.mu.Unlock()
}

// jobKind strips the per-wallet suffix so metric labels stay bounded.
func jobKind(id string) string {
	if i := strings.IndexByte(id, '_'); i > 0 && strings.Count(id, "_") == 1 {
		return id[:i]
	}
	return id
}

// cronLogger adapts logrus to cron.Logger. cron's info output is per tick,
// so it goes to debug.
type cronLogger struct {
	log *logrus.Entry
}

func fields(keysAndValues []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).WithError(err).Error(msg)
}
