// Package monitor runs the per-wallet opportunity checks. The monitor
// config table decides which wallets are watched; the jobs registered on
// the runner are rebuilt from it at startup.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"

	"dlmmrotation/internal/apperr"
	"dlmmrotation/internal/cache"
	"dlmmrotation/internal/jobs"
	"dlmmrotation/internal/metrics"
	"dlmmrotation/internal/models"
	"dlmmrotation/internal/notify"
	"dlmmrotation/internal/opportunity"
	"dlmmrotation/internal/store"
)

const (
	jobPrefix        = "monitor_"
	sweepJob         = "snapshot-sweep"
	sweepInterval    = time.Hour
	maxNotifications = 5
)

// ErrNotLinked is returned by Start for a wallet without a Telegram chat.
var ErrNotLinked = fmt.Errorf("%w: wallet has no linked Telegram chat, link it with /start first", apperr.ErrValidation)

// JobID returns the runner id of a wallet's monitor job.
func JobID(wallet string) string {
	return jobPrefix + wallet
}

// ValidateWallet checks that wallet is a base58 ed25519 public key.
func ValidateWallet(wallet string) error {
	if wallet == "" {
		return apperr.Validation("wallet address is required")
	}
	if _, err := solana.PublicKeyFromBase58(wallet); err != nil {
		return apperr.Validation("invalid wallet address %q", wallet)
	}
	return nil
}

// Settings are the user supplied monitor parameters. Zero values take the
// defaults; MinFees30m and QuotePreferences are pointers because their zero
// value is meaningful.
type Settings struct {
	IntervalMinutes     int                           `json:"interval_minutes"`
	ThresholdMultiplier float64                       `json:"threshold_multiplier"`
	TokenWhitelist      []string                      `json:"whitelist"`
	QuotePreferences    *opportunity.QuotePreferences `json:"quote_preferences"`
	MinFees30m          *float64                      `json:"min_fees_30min"`
}

func (s Settings) apply(cfg *models.MonitorConfig) error {
	if s.IntervalMinutes < 0 {
		return apperr.Validation("interval_minutes must be positive")
	}
	if s.ThresholdMultiplier < 0 {
		return apperr.Validation("threshold_multiplier must be positive")
	}
	if s.MinFees30m != nil && *s.MinFees30m < 0 {
		return apperr.Validation("min_fees_30min must not be negative")
	}

	cfg.IntervalMinutes = models.DefaultIntervalMinutes
	if s.IntervalMinutes > 0 {
		cfg.IntervalMinutes = s.IntervalMinutes
	}
	cfg.ThresholdMultiplier = opportunity.DefaultThresholdMultiplier
	if s.ThresholdMultiplier > 0 {
		cfg.ThresholdMultiplier = s.ThresholdMultiplier
	}
	cfg.TokenWhitelist = append(models.StringList{}, s.TokenWhitelist...)
	cfg.QuotePreferences = models.QuotePreferences{SOL: true, USDC: true}
	if s.QuotePreferences != nil {
		cfg.QuotePreferences = models.QuotePreferences(*s.QuotePreferences)
	}
	cfg.MinFees30m = opportunity.DefaultMinFees30m
	if s.MinFees30m != nil {
		cfg.MinFees30m = *s.MinFees30m
	}
	return nil
}

// Config builds an unsaved config for wallet from s.
func (s Settings) Config(wallet string) (*models.MonitorConfig, error) {
	cfg := models.NewMonitorConfig(wallet)
	if err := s.apply(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Status is the monitor view returned to the API and the bot.
type Status struct {
	Active            bool                  `json:"active"`
	NextRun           *time.Time            `json:"next_run"`
	IntervalMinutes   int                   `json:"interval_minutes,omitempty"`
	LastCheck         *time.Time            `json:"last_check"`
	TelegramConnected bool                  `json:"telegram_connected"`
	Config            *models.MonitorConfig `json:"config,omitempty"`
}

type Scheduler struct {
	store    store.Repository
	pools    cache.PoolSource
	runner   *jobs.Runner
	notifier *notify.Notifier
	log      *logrus.Entry
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewScheduler(repo store.Repository, pools cache.PoolSource, runner *jobs.Runner, notifier *notify.Notifier, log *logrus.Entry, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		store:    repo,
		pools:    pools,
		runner:   runner,
		notifier: notifier,
		log:      log.WithField("component", "monitor"),
		metrics:  m,
		now:      time.Now,
	}
}

// linkedChat returns the wallet's chat id, or ErrNotLinked.
func linkedChat(ctx context.Context, repo store.UserStore, wallet string) (int64, error) {
	user, err := repo.GetUser(ctx, wallet)
	if errors.Is(err, apperr.ErrNotFound) {
		return 0, ErrNotLinked
	}
	if err != nil {
		return 0, err
	}
	if !user.Linked() {
		return 0, ErrNotLinked
	}
	return *user.TelegramChatID, nil
}

// Start enables monitoring for wallet, (re)installs its job and runs one
// check before returning. A failing first check is logged, not returned.
func (s *Scheduler) Start(ctx context.Context, wallet string, settings Settings) (*models.MonitorConfig, error) {
	if err := ValidateWallet(wallet); err != nil {
		return nil, err
	}
	if _, err := linkedChat(ctx, s.store, wallet); err != nil {
		return nil, err
	}

	cfg, err := s.store.GetMonitorConfig(ctx, wallet)
	if errors.Is(err, apperr.ErrNotFound) {
		cfg = models.NewMonitorConfig(wallet)
	} else if err != nil {
		return nil, err
	}
	if err := settings.apply(cfg); err != nil {
		return nil, err
	}
	cfg.Enabled = true
	if err := s.store.SaveMonitorConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("save monitor config: %w", err)
	}

	if err := s.schedule(wallet, cfg.Interval()); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"wallet": wallet, "interval": cfg.Interval()}).Info("> monitoring started")

	err = s.runner.Run(ctx, JobID(wallet), func(ctx context.Context) error {
		return s.CheckOpportunities(ctx, wallet)
	})
	if errors.Is(err, jobs.ErrRunning) {
		s.log.WithField("wallet", wallet).Debug("check already running, not starting another")
	} else if err != nil {
		s.log.WithField("wallet", wallet).WithError(err).Warn("initial check failed")
	}

	if fresh, err := s.store.GetMonitorConfig(ctx, wallet); err == nil {
		cfg = fresh
	}
	return cfg, nil
}

func (s *Scheduler) schedule(wallet string, interval time.Duration) error {
	err := s.runner.Every(JobID(wallet), interval, func(ctx context.Context) error {
		return s.CheckOpportunities(ctx, wallet)
	})
	if err != nil {
		return fmt.Errorf("schedule monitor for %s: %w", wallet, err)
	}
	s.metrics.SetActiveMonitors(s.runner.Count(jobPrefix))
	return nil
}

// Stop disables monitoring and removes the job. Stopping a wallet that is
// not monitored is not an error.
func (s *Scheduler) Stop(ctx context.Context, wallet string) error {
	if wallet == "" {
		return apperr.Validation("wallet address is required")
	}
	if err := s.store.SetMonitorEnabled(ctx, wallet, false); err != nil {
		return fmt.Errorf("disable monitor config: %w", err)
	}
	if s.runner.Remove(JobID(wallet)) {
		s.log.WithField("wallet", wallet).Info("> monitoring stopped")
	}
	s.metrics.SetActiveMonitors(s.runner.Count(jobPrefix))
	return nil
}

// Disconnect removes the wallet's monitor and degen jobs, then its chat
// link, config and snapshots.
func (s *Scheduler) Disconnect(ctx context.Context, wallet string) error {
	s.runner.Remove(JobID(wallet))
	s.runner.Remove(DegenJobID(wallet))
	if err := s.store.Disconnect(ctx, wallet); err != nil {
		return fmt.Errorf("disconnect wallet: %w", err)
	}
	s.metrics.SetActiveMonitors(s.runner.Count(jobPrefix))
	s.log.WithField("wallet", wallet).Info("> telegram disconnected")
	return nil
}

// Status reports the wallet's monitor. A wallet without a config is
// reported inactive rather than as an error.
func (s *Scheduler) Status(ctx context.Context, wallet string) (Status, error) {
	if wallet == "" {
		return Status{}, apperr.Validation("wallet address is required")
	}
	var st Status
	if _, err := linkedChat(ctx, s.store, wallet); err == nil {
		st.TelegramConnected = true
	} else if !errors.Is(err, ErrNotLinked) {
		return Status{}, err
	}

	cfg, err := s.store.GetMonitorConfig(ctx, wallet)
	if errors.Is(err, apperr.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return Status{}, err
	}
	st.Active = cfg.Enabled
	st.IntervalMinutes = cfg.IntervalMinutes
	st.LastCheck = cfg.LastCheck
	st.Config = cfg
	if next, ok := s.runner.Next(JobID(wallet)); ok && !next.IsZero() {
		st.NextRun = &next
	}
	return st, nil
}

// SetThreshold changes the improvement multiplier of an existing config.
func (s *Scheduler) SetThreshold(ctx context.Context, wallet string, multiplier float64) error {
	if multiplier <= 1 {
		return apperr.Validation("threshold must be greater than 1, got %g", multiplier)
	}
	cfg, err := s.store.GetMonitorConfig(ctx, wallet)
	if err != nil {
		return err
	}
	cfg.ThresholdMultiplier = multiplier
	return s.store.SaveMonitorConfig(ctx, cfg)
}

// LoadActiveMonitors re-arms every durably enabled monitor and the hourly
// snapshot sweep. It is called once at process start.
func (s *Scheduler) LoadActiveMonitors(ctx context.Context) (int, error) {
	configs, err := s.store.ListEnabledMonitorConfigs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list enabled monitors: %w", err)
	}
	loaded := 0
	for _, cfg := range configs {
		if err := s.schedule(cfg.WalletAddress, cfg.Interval()); err != nil {
			s.log.WithField("wallet", cfg.WalletAddress).WithError(err).Error("failed to schedule monitor")
			continue
		}
		loaded++
	}

	if err := s.runner.Every(sweepJob, sweepInterval, s.SweepSnapshots); err != nil {
		return loaded, err
	}
	s.log.Infof("> loaded %d active monitors", loaded)
	return loaded, nil
}

// SweepSnapshots keeps the newest snapshots of every wallet.
func (s *Scheduler) SweepSnapshots(ctx context.Context) error {
	removed, err := s.store.PruneSnapshots(ctx, store.SnapshotsToKeep)
	if err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	if removed > 0 {
		s.log.Infof("> pruned %d old snapshots", removed)
	}
	return nil
}

// CheckOpportunities is one monitor tick. A disabled or missing config is a
// silent no-op. When pools cannot be loaded nothing is written, so the next
// tick retries from the same baseline.
func (s *Scheduler) CheckOpportunities(ctx context.Context, wallet string) error {
	log := s.log.WithField("wallet", wallet)

	cfg, err := s.store.GetMonitorConfig(ctx, wallet)
	if errors.Is(err, apperr.ErrNotFound) || (err == nil && !cfg.Enabled) {
		log.Debug("monitor disabled, skipping tick")
		s.metrics.Tick("skipped")
		return nil
	}
	if err != nil {
		s.metrics.Tick("error")
		return fmt.Errorf("load monitor config: %w", err)
	}

	current, err := s.evaluate(ctx, cfg)
	if err != nil {
		s.metrics.Tick("error")
		log.WithError(err).Warn("opportunity check failed, will retry next tick")
		return err
	}

	var previous []opportunity.Opportunity
	snap, err := s.store.LatestSnapshot(ctx, wallet)
	switch {
	case err == nil:
		previous = snap.Opportunities
	case !errors.Is(err, apperr.ErrNotFound):
		s.metrics.Tick("error")
		return fmt.Errorf("load latest snapshot: %w", err)
	}

	found := opportunity.Diff(previous, current, cfg.ThresholdMultiplier)
	log.WithFields(logrus.Fields{
		"previous": len(previous),
		"current":  len(current),
		"notify":   len(found),
	}).Info("> opportunity check")

	// a Stop or Disconnect may have landed while pools were loading
	latest, err := s.store.GetMonitorConfig(ctx, wallet)
	if errors.Is(err, apperr.ErrNotFound) || (err == nil && !latest.Enabled) {
		log.Info("> monitor stopped during check, discarding result")
		s.metrics.Tick("skipped")
		return nil
	}
	if err != nil {
		s.metrics.Tick("error")
		return fmt.Errorf("reload monitor config: %w", err)
	}

	if len(found) > 0 {
		s.deliver(ctx, log, wallet, found)
	}

	now := s.now()
	err = s.store.CommitCheck(ctx, &models.OpportunitySnapshot{
		WalletAddress: wallet,
		Opportunities: current,
		CreatedAt:     now,
	}, now, now.Add(cfg.Interval()))
	if err != nil {
		s.metrics.Tick("error")
		return fmt.Errorf("commit check: %w", err)
	}
	s.metrics.Tick("ok")
	return nil
}

// Analyze runs the evaluator for a config without touching stored state.
func (s *Scheduler) Analyze(ctx context.Context, cfg *models.MonitorConfig) ([]opportunity.Opportunity, error) {
	return s.evaluate(ctx, cfg)
}

func (s *Scheduler) evaluate(ctx context.Context, cfg *models.MonitorConfig) ([]opportunity.Opportunity, error) {
	pools, err := s.pools.GetPools(ctx, false)
	if err != nil {
		return nil, err
	}
	held, err := s.store.ListPositions(ctx, cfg.WalletAddress, models.PositionActive)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	addrs := make([]string, 0, len(held))
	for _, p := range held {
		addrs = append(addrs, p.PoolAddress)
	}
	return opportunity.Find(pools, cfg.Criteria(addrs)), nil
}

func (s *Scheduler) deliver(ctx context.Context, log *logrus.Entry, wallet string, found []opportunity.Opportunity) {
	chatID, err := linkedChat(ctx, s.store, wallet)
	if err != nil {
		log.WithError(err).Warn("no chat to notify")
		return
	}
	if len(found) > maxNotifications {
		found = found[:maxNotifications]
	}
	for _, o := range found {
		s.notifier.Deliver(ctx, notify.KindOpportunity, chatID, notify.OpportunityMessage(o))
	}
}
