package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"dlmmrotation/internal/apperr"
	"dlmmrotation/internal/cache"
	"dlmmrotation/internal/jobs"
	"dlmmrotation/internal/metrics"
	"dlmmrotation/internal/models"
	"dlmmrotation/internal/notify"
	"dlmmrotation/internal/position"
	"dlmmrotation/internal/store"
	"dlmmrotation/pkg/meteora"
)

const (
	PositionsJob = "positions-monitor"
	CompoundJob  = "compound-scheduler"
	TxStatusJob  = "tx-status"

	positionsInterval = 5 * time.Minute
	compoundInterval  = time.Hour
	txStatusInterval  = time.Minute
)

// PositionReader reads live position state from chain.
type PositionReader interface {
	GetPositionData(ctx context.Context, positionAddress, poolAddress string) (*meteora.PositionData, error)
}

// StatusChecker maps transaction signatures to a transaction status.
// Signatures the cluster does not know yet are left out of the result.
type StatusChecker interface {
	Statuses(ctx context.Context, signatures []string) (map[string]string, error)
}

type Scheduler struct {
	store    store.Repository
	reader   PositionReader
	pools    cache.PoolSource
	tracker  *position.Tracker
	checker  StatusChecker
	runner   *jobs.Runner
	notifier *notify.Notifier
	log      *logrus.Entry
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewScheduler builds the position automation jobs. checker may be nil, in
// which case transaction statuses are not tracked.
func NewScheduler(repo store.Repository, reader PositionReader, pools cache.PoolSource, tracker *position.Tracker,
	checker StatusChecker, runner *jobs.Runner, notifier *notify.Notifier, log *logrus.Entry, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		store:    repo,
		reader:   reader,
		pools:    pools,
		tracker:  tracker,
		checker:  checker,
		runner:   runner,
		notifier: notifier,
		log:      log.WithField("component", "automation"),
		metrics:  m,
		now:      time.Now,
	}
}

// Start installs the recurring automation jobs.
func (s *Scheduler) Start() error {
	if err := s.runner.Every(PositionsJob, positionsInterval, s.MonitorPositions); err != nil {
		return err
	}
	if err := s.runner.Every(CompoundJob, compoundInterval, s.CheckCompounds); err != nil {
		return err
	}
	if s.checker != nil {
		if err := s.runner.Every(TxStatusJob, txStatusInterval, s.RefreshTransactions); err != nil {
			return err
		}
	}
	s.log.Info("> automation jobs scheduled")
	return nil
}

// walletGate caches each wallet's automation config for one pass.
type walletGate struct {
	store store.PositionStore
	seen  map[string]*models.AutomationConfig
}

func newWalletGate(repo store.PositionStore) *walletGate {
	return &walletGate{store: repo, seen: make(map[string]*models.AutomationConfig)}
}

func (g *walletGate) config(ctx context.Context, wallet string) (*models.AutomationConfig, error) {
	if cfg, ok := g.seen[wallet]; ok {
		return cfg, nil
	}
	cfg, err := g.store.GetAutomationConfig(ctx, wallet)
	if errors.Is(err, apperr.ErrNotFound) {
		cfg, err = models.NewAutomationConfig(wallet), nil
	}
	if err != nil {
		return nil, err
	}
	g.seen[wallet] = cfg
	return cfg, nil
}

// MonitorPositions refreshes every active position from chain, stores it
// and queues the first rule that fires. One position failing does not
// stop the pass.
func (s *Scheduler) MonitorPositions(ctx context.Context) error {
	positions, err := s.store.ListPositions(ctx, "", models.PositionActive)
	if err != nil {
		return fmt.Errorf("list active positions: %w", err)
	}
	if len(positions) == 0 {
		return nil
	}

	pools := s.poolIndex(ctx)
	prices := s.tracker.Prices(ctx)
	gate := newWalletGate(s.store)
	triggered := 0
	for i := range positions {
		pos := &positions[i]
		log := s.log.WithFields(logrus.Fields{"position": pos.PositionAddress, "wallet": pos.WalletAddress})

		cfg, err := gate.config(ctx, pos.WalletAddress)
		if err != nil {
			log.WithError(err).Error("load automation config")
			continue
		}
		if !cfg.AutomationEnabled {
			continue
		}
		if err := s.refresh(ctx, pos, pools, prices); err != nil {
			log.WithError(err).Warn("could not refresh position")
			continue
		}

		rules, err := s.store.GetRules(ctx, pos.PositionAddress)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			log.WithError(err).Error("load automation rules")
			continue
		}
		if d, ok := EvaluateRules(*pos, *rules); ok {
			log.WithField("action", d.Action).Infof("> rule triggered: %s", d.Reason)
			if s.enqueue(ctx, *pos, d.Action, cfg.NotifyOnTrigger) {
				triggered++
			}
		}
	}
	s.log.Infof("> monitored %d positions, %d actions queued", len(positions), triggered)
	return nil
}

func (s *Scheduler) poolIndex(ctx context.Context) map[string]meteora.Pool {
	index := make(map[string]meteora.Pool)
	pools, err := s.pools.GetPools(ctx, false)
	if err != nil {
		s.log.WithError(err).Warn("pool data unavailable, using SDK service valuations")
		return index
	}
	for _, p := range pools {
		index[p.Address] = p
	}
	return index
}

// refresh reads pos from chain, values it and stores it.
func (s *Scheduler) refresh(ctx context.Context, pos *models.LiquidityPosition, pools map[string]meteora.Pool, prices position.Prices) error {
	data, err := s.reader.GetPositionData(ctx, pos.PositionAddress, pos.PoolAddress)
	if err != nil {
		return err
	}
	raw := position.RawAmounts{
		AmountX: data.AmountX.String(),
		AmountY: data.AmountY.String(),
		FeeX:    data.FeeX.String(),
		FeeY:    data.FeeY.String(),
	}

	valueUSD, feesUSD := data.ValueUSD.Float64(), data.FeesUSD.Float64()
	var v position.Value
	if pool, ok := pools[pos.PoolAddress]; ok {
		v = s.tracker.Value(pool, raw, prices)
		if v.Priced {
			valueUSD, feesUSD = v.ValueUSD, v.FeesPendingUSD
		}
	} else {
		v = position.ComputePositionValue(meteora.Pool{MintX: pos.TokenXMint, MintY: pos.TokenYMint}, raw, prices)
	}

	now := s.now()
	pos.CurrentAmountX, pos.CurrentAmountY = v.TokenXAmount, v.TokenYAmount
	pos.RawAmountX, pos.RawAmountY = raw.AmountX, raw.AmountY
	pos.CurrentValueUSD = valueUSD
	pos.FeesEarnedUSD = feesUSD
	pos.ActiveBinID = data.ActiveBinID.Int()
	if lower, upper := data.LowerBinID.Int(), data.UpperBinID.Int(); upper > lower {
		pos.LowerBinID, pos.UpperBinID = lower, upper
	}
	pos.InRange = data.InRange
	current := pos.CurrentValueUSD
	if current <= 0 {
		// unpriced positions are held at their opening value
		current = pos.InitialValueUSD
	}
	pos.ProfitPercentage = ProfitPercentage(pos.InitialValueUSD, current, pos.FeesEarnedUSD)
	pos.LastMonitoredAt = &now
	return s.store.SavePosition(ctx, pos)
}

// CheckCompounds queues a compound for every position that is due.
func (s *Scheduler) CheckCompounds(ctx context.Context) error {
	rules, err := s.store.ListAutoCompoundRules(ctx)
	if err != nil {
		return fmt.Errorf("list compound rules: %w", err)
	}
	gate := newWalletGate(s.store)
	now := s.now()
	for _, r := range rules {
		log := s.log.WithField("position", r.PositionAddress)
		pos, err := s.store.GetPosition(ctx, r.PositionAddress)
		if err != nil {
			if !errors.Is(err, apperr.ErrNotFound) {
				log.WithError(err).Error("load position")
			}
			continue
		}
		cfg, err := gate.config(ctx, pos.WalletAddress)
		if err != nil {
			log.WithError(err).Error("load automation config")
			continue
		}
		if !cfg.AutomationEnabled || !CompoundDue(*pos, r, now) {
			continue
		}
		log.WithField("fees_usd", pos.FeesEarnedUSD).Info("> compound due")
		s.enqueue(ctx, *pos, models.ActionCompound, cfg.NotifyOnTrigger)
	}
	return nil
}

// enqueue writes the action and notifies the wallet. It reports whether the
// queue accepted the action.
func (s *Scheduler) enqueue(ctx context.Context, pos models.LiquidityPosition, action string, notifyWallet bool) bool {
	log := s.log.WithFields(logrus.Fields{"position": pos.PositionAddress, "action": action})
	ok, err := s.store.EnqueueAction(ctx, pos.PositionAddress, action, s.now())
	if err != nil {
		log.WithError(err).Error("enqueue action")
		return false
	}
	if !ok {
		log.Info("> action already executing, not queued")
		return false
	}
	s.metrics.Enqueued(action)
	if notifyWallet {
		if chatID, ok := chatFor(ctx, s.store, pos.WalletAddress); ok {
			s.notifier.Deliver(ctx, notify.KindTrigger, chatID, notify.TriggerMessage(action, pos))
		}
	}
	return true
}

func chatFor(ctx context.Context, repo store.UserStore, wallet string) (int64, bool) {
	user, err := repo.GetUser(ctx, wallet)
	if err != nil || !user.Linked() {
		return 0, false
	}
	return *user.TelegramChatID, true
}

// RefreshTransactions moves pending and confirmed transaction rows forward
// using the cluster's signature statuses.
func (s *Scheduler) RefreshTransactions(ctx context.Context) error {
	var open []models.LiquidityTransaction
	for _, status := range []string{models.TxPending, models.TxConfirmed} {
		txs, err := s.store.ListTransactions(ctx, "", status)
		if err != nil {
			return fmt.Errorf("list %s transactions: %w", status, err)
		}
		open = append(open, txs...)
	}

	var sigs []string
	for _, tx := range open {
		if tx.Signature != "" {
			sigs = append(sigs, tx.Signature)
		}
	}
	if len(sigs) == 0 {
		return nil
	}
	statuses, err := s.checker.Statuses(ctx, sigs)
	if err != nil {
		return fmt.Errorf("signature statuses: %w", err)
	}

	now := s.now()
	for _, tx := range open {
		next, ok := statuses[tx.Signature]
		if !ok || next == tx.Status {
			continue
		}
		var at *time.Time
		if next != models.TxFailed {
			at = &now
			if tx.ConfirmedAt != nil {
				at = tx.ConfirmedAt
			}
		}
		if err := s.store.UpdateTransactionStatus(ctx, tx.ID, next, at); err != nil {
			s.log.WithField("signature", tx.Signature).WithError(err).Error("update transaction status")
		}
	}
	return nil
}
