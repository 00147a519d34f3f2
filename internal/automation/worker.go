package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"dlmmrotation/internal/apperr"
	"dlmmrotation/internal/cache"
	"dlmmrotation/internal/jobs"
	"dlmmrotation/internal/lock"
	"dlmmrotation/internal/metrics"
	"dlmmrotation/internal/models"
	"dlmmrotation/internal/notify"
	"dlmmrotation/internal/position"
	"dlmmrotation/internal/store"
	"dlmmrotation/pkg/meteora"
)

const (
	WorkerJob  = "execution-worker"
	WorkerLock = "execution_worker"

	workerInterval = 2 * time.Minute
	claimBatch     = 10
)

// Provider executes DLMM actions. *meteora.SDKClient implements it.
type Provider interface {
	PositionReader
	ClosePosition(ctx context.Context, positionAddress, poolAddress string) (string, error)
	CompoundPosition(ctx context.Context, positionAddress, poolAddress string) (*meteora.CompoundResult, error)
	OpenPosition(ctx context.Context, req meteora.OpenPositionRequest) (*meteora.OpenPositionResult, error)
}

// ExecutionError is stored on a failed queue entry. It matches
// apperr.ErrExecution.
type ExecutionError struct {
	Action   string
	Position string
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Action, e.Position, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func (e *ExecutionError) Is(target error) bool { return target == apperr.ErrExecution }

// Worker drains the action queue. Only the instance holding the
// execution_worker lock processes a pass.
type Worker struct {
	store    store.Repository
	provider Provider
	locker   lock.Locker
	pools    cache.PoolSource
	runner   *jobs.Runner
	notifier *notify.Notifier
	log      *logrus.Entry
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewWorker builds the execution worker. pools may be nil; it is only used
// to price the range of rebalanced positions.
func NewWorker(repo store.Repository, provider Provider, locker lock.Locker, pools cache.PoolSource,
	runner *jobs.Runner, notifier *notify.Notifier, log *logrus.Entry, m *metrics.Metrics) *Worker {
	return &Worker{
		store:    repo,
		provider: provider,
		locker:   locker,
		pools:    pools,
		runner:   runner,
		notifier: notifier,
		log:      log.WithField("component", "execution"),
		metrics:  m,
		now:      time.Now,
	}
}

func (w *Worker) Start() error {
	if err := w.runner.Every(WorkerJob, workerInterval, w.ProcessQueue); err != nil {
		return err
	}
	w.log.Info("> execution worker scheduled")
	return nil
}

// ProcessQueue claims up to ten pending entries and executes them in
// order. Each entry ends completed or failed; failures are not retried.
func (w *Worker) ProcessQueue(ctx context.Context) error {
	release, ok, err := w.locker.TryLock(ctx, WorkerLock)
	if err != nil {
		return fmt.Errorf("acquire %s lock: %w", WorkerLock, err)
	}
	if !ok {
		w.log.Debug("another instance holds the execution lock, skipping pass")
		return nil
	}
	defer release()

	entries, err := w.store.ClaimPending(ctx, claimBatch, w.now())
	if err != nil {
		return fmt.Errorf("claim pending actions: %w", err)
	}
	if len(entries) > 0 {
		w.log.Infof("> processing %d queued actions", len(entries))
	}
	for _, e := range entries {
		w.execute(ctx, e)
	}
	return nil
}

func (w *Worker) execute(ctx context.Context, e models.ActionQueueEntry) {
	log := w.log.WithFields(logrus.Fields{"position": e.PositionAddress, "action": e.ActionType})

	pos, err := w.store.GetPosition(ctx, e.PositionAddress)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			err = errors.New("position not found")
		}
		w.fail(ctx, log, e, models.LiquidityPosition{PositionAddress: e.PositionAddress}, err)
		return
	}

	var signature string
	switch e.ActionType {
	case models.ActionTakeProfit, models.ActionStopLoss:
		signature, err = w.close(ctx, e, *pos)
	case models.ActionCompound:
		signature, err = w.compound(ctx, e, *pos)
	case models.ActionRebalance:
		signature, err = w.rebalance(ctx, e, *pos)
	default:
		err = fmt.Errorf("unknown action %q", e.ActionType)
	}
	if err != nil {
		var execErr *ExecutionError
		if !errors.As(err, &execErr) {
			err = &ExecutionError{Action: e.ActionType, Position: e.PositionAddress, Err: err}
		}
		w.fail(ctx, log, e, *pos, err)
		return
	}

	w.metrics.Executed(e.ActionType, nil)
	log.WithField("signature", signature).Info("> action executed")
	w.report(ctx, e.ActionType, *pos, signature, nil)
}

func (w *Worker) fail(ctx context.Context, log *logrus.Entry, e models.ActionQueueEntry, pos models.LiquidityPosition, err error) {
	log.WithError(err).Error("action failed")
	w.metrics.Executed(e.ActionType, err)
	if ferr := w.store.FailAction(ctx, e.ID, err.Error(), w.now()); ferr != nil {
		log.WithError(ferr).Error("could not mark action failed")
	}
	if pos.WalletAddress != "" {
		w.report(ctx, e.ActionType, pos, "", err)
	}
}

func (w *Worker) report(ctx context.Context, action string, pos models.LiquidityPosition, signature string, err error) {
	chatID, ok := chatFor(ctx, w.store, pos.WalletAddress)
	if !ok {
		return
	}
	w.notifier.Deliver(ctx, notify.KindExecution, chatID, notify.ExecutionMessage(action, pos, signature, err))
}

func (w *Worker) close(ctx context.Context, e models.ActionQueueEntry, pos models.LiquidityPosition) (string, error) {
	sig, err := w.provider.ClosePosition(ctx, pos.PositionAddress, pos.PoolAddress)
	if err != nil {
		return "", err
	}
	err = w.store.RecordClose(ctx, store.CloseResult{
		QueueID:         e.ID,
		PositionAddress: pos.PositionAddress,
		WalletAddress:   pos.WalletAddress,
		Reason:          e.ActionType,
		Signature:       sig,
		At:              w.now(),
	})
	if err != nil {
		return sig, fmt.Errorf("position closed (signature %s) but not recorded: %w", sig, err)
	}
	return sig, nil
}

func (w *Worker) compound(ctx context.Context, e models.ActionQueueEntry, pos models.LiquidityPosition) (string, error) {
	res, err := w.provider.CompoundPosition(ctx, pos.PositionAddress, pos.PoolAddress)
	if err != nil {
		return "", err
	}
	sig := res.ClaimSignature
	if sig == "" {
		sig = res.AddSignature
	}
	err = w.store.RecordCompound(ctx, store.CompoundResult{
		QueueID:         e.ID,
		PositionAddress: pos.PositionAddress,
		WalletAddress:   pos.WalletAddress,
		Signature:       sig,
		FeesClaimedUSD:  pos.FeesEarnedUSD,
		At:              w.now(),
	})
	if err != nil {
		return sig, fmt.Errorf("fees compounded (signature %s) but not recorded: %w", sig, err)
	}
	return sig, nil
}

// RebalanceRange centers a range of the given width on the active bin.
func RebalanceRange(activeBin, width int) (lower, upper int) {
	lower = activeBin - width/2
	return lower, lower + width
}

func addRaw(a, b string) string {
	x, err := decimal.NewFromString(a)
	if err != nil {
		x = decimal.Zero
	}
	y, err := decimal.NewFromString(b)
	if err != nil {
		y = decimal.Zero
	}
	return x.Add(y).String()
}

// rebalance closes the position and opens a new one of the same width
// around the active bin, funded with what the close returned.
func (w *Worker) rebalance(ctx context.Context, e models.ActionQueueEntry, pos models.LiquidityPosition) (string, error) {
	data, err := w.provider.GetPositionData(ctx, pos.PositionAddress, pos.PoolAddress)
	if err != nil {
		return "", fmt.Errorf("read position before rebalance: %w", err)
	}
	width := pos.UpperBinID - pos.LowerBinID
	if width <= 0 {
		width = data.UpperBinID.Int() - data.LowerBinID.Int()
	}
	if width <= 0 {
		return "", errors.New("position has no bin range to rebalance")
	}
	lower, upper := RebalanceRange(data.ActiveBinID.Int(), width)

	closeSig, err := w.provider.ClosePosition(ctx, pos.PositionAddress, pos.PoolAddress)
	if err != nil {
		return "", err
	}

	opened, err := w.provider.OpenPosition(ctx, meteora.OpenPositionRequest{
		PoolAddress: pos.PoolAddress,
		LowerBinID:  lower,
		UpperBinID:  upper,
		AmountX:     addRaw(data.AmountX.String(), data.FeeX.String()),
		AmountY:     addRaw(data.AmountY.String(), data.FeeY.String()),
		Strategy:    pos.Strategy,
	})
	if err != nil {
		execErr := &ExecutionError{
			Action:   e.ActionType,
			Position: pos.PositionAddress,
			Err:      fmt.Errorf("position closed (signature %s) but reopen failed: %w", closeSig, err),
		}
		// the old position is gone on chain either way
		rerr := w.store.RecordClose(ctx, store.CloseResult{
			QueueID:         e.ID,
			PositionAddress: pos.PositionAddress,
			WalletAddress:   pos.WalletAddress,
			Reason:          models.ActionRebalance,
			Signature:       closeSig,
			Failure:         execErr.Error(),
			At:              w.now(),
		})
		if rerr != nil {
			execErr.Err = fmt.Errorf("%w; close not recorded: %v", execErr.Err, rerr)
		}
		return closeSig, execErr
	}

	now := w.now()
	next := models.LiquidityPosition{
		PositionAddress: opened.PositionAddress,
		WalletAddress:   pos.WalletAddress,
		PoolAddress:     pos.PoolAddress,
		TokenXMint:      pos.TokenXMint,
		TokenYMint:      pos.TokenYMint,
		TokenXSymbol:    pos.TokenXSymbol,
		TokenYSymbol:    pos.TokenYSymbol,
		InitialAmountX:  pos.CurrentAmountX,
		InitialAmountY:  pos.CurrentAmountY,
		InitialValueUSD: pos.CurrentValueUSD + pos.FeesEarnedUSD,
		CurrentAmountX:  pos.CurrentAmountX,
		CurrentAmountY:  pos.CurrentAmountY,
		CurrentValueUSD: pos.CurrentValueUSD + pos.FeesEarnedUSD,
		LowerBinID:      lower,
		UpperBinID:      upper,
		ActiveBinID:     data.ActiveBinID.Int(),
		InRange:         true,
		Strategy:        pos.Strategy,
		Status:          models.PositionActive,
		OpenedAt:        now,
	}
	next.LowerPrice, next.UpperPrice = w.rangePrices(ctx, pos, lower, upper)

	err = w.store.RecordRebalance(ctx, store.RebalanceResult{
		QueueID:        e.ID,
		Old:            pos,
		CloseSignature: closeSig,
		New:            next,
		OpenSignature:  opened.Signature,
		At:             now,
	})
	if err != nil {
		return opened.Signature, fmt.Errorf("rebalanced into %s (signatures %s, %s) but not recorded: %w",
			opened.PositionAddress, closeSig, opened.Signature, err)
	}
	return opened.Signature, nil
}

// rangePrices prices the new bin range when the pool's bin step is known,
// otherwise it keeps the old prices.
func (w *Worker) rangePrices(ctx context.Context, pos models.LiquidityPosition, lower, upper int) (float64, float64) {
	if w.pools == nil {
		return pos.LowerPrice, pos.UpperPrice
	}
	pools, err := w.pools.GetPools(ctx, false)
	if err != nil {
		return pos.LowerPrice, pos.UpperPrice
	}
	for _, p := range pools {
		if p.Address == pos.PoolAddress && p.BinStep.Int() > 0 {
			step := p.BinStep.Int()
			return position.BinPrice(lower, step, p.MintX, p.MintY), position.BinPrice(upper, step, p.MintX, p.MintY)
		}
	}
	return pos.LowerPrice, pos.UpperPrice
}
