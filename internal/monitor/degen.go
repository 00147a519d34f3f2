package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"dlmmrotation/internal/apperr"
	"dlmmrotation/internal/cache"
	"dlmmrotation/internal/jobs"
	"dlmmrotation/internal/models"
	"dlmmrotation/internal/notify"
	"dlmmrotation/internal/store"
)

const (
	degenPrefix   = "degen_"
	degenInterval = time.Minute
	// DegenCooldown is how long a pool stays quiet after being announced.
	DegenCooldown = 30 * time.Minute
)

func DegenJobID(wallet string) string {
	return degenPrefix + wallet
}

// DegenMonitor alerts a wallet every minute about any pool whose 30 minute
// fee rate is at or above the wallet's degen threshold.
type DegenMonitor struct {
	store    store.Repository
	pools    cache.PoolSource
	runner   *jobs.Runner
	notifier *notify.Notifier
	log      *logrus.Entry
	now      func() time.Time
}

func NewDegenMonitor(repo store.Repository, pools cache.PoolSource, runner *jobs.Runner, notifier *notify.Notifier, log *logrus.Entry) *DegenMonitor {
	return &DegenMonitor{
		store:    repo,
		pools:    pools,
		runner:   runner,
		notifier: notifier,
		log:      log.WithField("component", "degen"),
		now:      time.Now,
	}
}

// Enable turns on degen alerts and runs the first check right away.
func (d *DegenMonitor) Enable(ctx context.Context, wallet string, threshold float64) (*models.MonitorConfig, error) {
	if err := ValidateWallet(wallet); err != nil {
		return nil, err
	}
	if threshold <= 0 {
		threshold = models.DefaultDegenThreshold
	}
	if _, err := linkedChat(ctx, d.store, wallet); err != nil {
		return nil, err
	}

	cfg, err := d.store.GetMonitorConfig(ctx, wallet)
	if errors.Is(err, apperr.ErrNotFound) {
		cfg = models.NewMonitorConfig(wallet)
	} else if err != nil {
		return nil, err
	}
	cfg.DegenEnabled = true
	cfg.DegenThreshold = threshold
	if err := d.store.SaveMonitorConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("save degen config: %w", err)
	}
	if err := d.schedule(wallet); err != nil {
		return nil, err
	}
	d.log.WithFields(logrus.Fields{"wallet": wallet, "threshold": threshold}).Info("> degen alerts enabled")

	err = d.runner.Run(ctx, DegenJobID(wallet), func(ctx context.Context) error {
		return d.Check(ctx, wallet)
	})
	if errors.Is(err, jobs.ErrRunning) {
		d.log.WithField("wallet", wallet).Debug("degen check already running")
	} else if err != nil {
		d.log.WithField("wallet", wallet).WithError(err).Warn("initial degen check failed")
	}
	return cfg, nil
}

func (d *DegenMonitor) schedule(wallet string) error {
	return d.runner.Every(DegenJobID(wallet), degenInterval, func(ctx context.Context) error {
		return d.Check(ctx, wallet)
	})
}

// Disable turns degen alerts off. Idempotent.
func (d *DegenMonitor) Disable(ctx context.Context, wallet string) error {
	cfg, err := d.store.GetMonitorConfig(ctx, wallet)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
	case err != nil:
		return err
	case cfg.DegenEnabled:
		cfg.DegenEnabled = false
		if err := d.store.SaveMonitorConfig(ctx, cfg); err != nil {
			return fmt.Errorf("save degen config: %w", err)
		}
	}
	if d.runner.Remove(DegenJobID(wallet)) {
		d.log.WithField("wallet", wallet).Info("> degen alerts disabled")
	}
	return nil
}

func (d *DegenMonitor) UpdateThreshold(ctx context.Context, wallet string, threshold float64) error {
	if threshold <= 0 {
		return apperr.Validation("degen threshold must be positive")
	}
	cfg, err := d.store.GetMonitorConfig(ctx, wallet)
	if err != nil {
		return err
	}
	cfg.DegenThreshold = threshold
	return d.store.SaveMonitorConfig(ctx, cfg)
}

// LoadActive re-arms the degen job of every wallet that has it enabled.
func (d *DegenMonitor) LoadActive(ctx context.Context) (int, error) {
	configs, err := d.store.ListDegenConfigs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list degen configs: %w", err)
	}
	for _, cfg := range configs {
		if err := d.schedule(cfg.WalletAddress); err != nil {
			return 0, err
		}
	}
	d.log.Infof("> loaded %d degen monitors", len(configs))
	return len(configs), nil
}

// HotPools returns pools at or above threshold, best fee rate first.
func HotPools(ctx context.Context, pools cache.PoolSource, threshold float64) ([]notify.HotPool, error) {
	all, err := pools.GetPools(ctx, false)
	if err != nil {
		return nil, err
	}
	var hot []notify.HotPool
	for _, p := range all {
		if p.TVL() <= 0 {
			continue
		}
		if rate := p.FeeRate30m(); rate >= threshold {
			hot = append(hot, notify.HotPool{
				Address: p.Address,
				Name:    p.Name,
				TVL:     p.TVL(),
				Fees30m: p.Fees30m(),
				FeeRate: rate,
			})
		}
	}
	sort.SliceStable(hot, func(i, j int) bool {
		if hot[i].FeeRate != hot[j].FeeRate {
			return hot[i].FeeRate > hot[j].FeeRate
		}
		return hot[i].Address < hot[j].Address
	})
	return hot, nil
}

// Check is one degen tick. Pools announced within DegenCooldown are held
// back; at most five are sent per tick.
func (d *DegenMonitor) Check(ctx context.Context, wallet string) error {
	log := d.log.WithField("wallet", wallet)
	cfg, err := d.store.GetMonitorConfig(ctx, wallet)
	if errors.Is(err, apperr.ErrNotFound) || (err == nil && !cfg.DegenEnabled) {
		return nil
	}
	if err != nil {
		return err
	}
	chatID, err := linkedChat(ctx, d.store, wallet)
	if err != nil {
		log.WithError(err).Warn("degen check skipped")
		return nil
	}

	hot, err := HotPools(ctx, d.pools, cfg.DegenThreshold)
	if err != nil {
		return fmt.Errorf("degen check: %w", err)
	}

	now := d.now()
	notified := models.TimeMap{}
	for addr, at := range cfg.DegenNotified {
		if now.Sub(at) <= DegenCooldown {
			notified[addr] = at
		}
	}
	var fresh []notify.HotPool
	for _, p := range hot {
		if _, recent := notified[p.Address]; recent {
			continue
		}
		fresh = append(fresh, p)
		if len(fresh) == maxNotifications {
			break
		}
	}
	log.WithFields(logrus.Fields{"hot": len(hot), "new": len(fresh)}).Debug("degen check")

	if len(fresh) > 0 {
		d.notifier.Deliver(ctx, notify.KindDegen, chatID, notify.DegenMessage(fresh, cfg.DegenThreshold))
		for _, p := range fresh {
			notified[p.Address] = now
		}
	}
	if len(fresh) > 0 || len(notified) != len(cfg.DegenNotified) {
		if err := d.store.SetDegenNotified(ctx, wallet, notified); err != nil {
			return fmt.Errorf("save degen notified: %w", err)
		}
	}
	return nil
}
