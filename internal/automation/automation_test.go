package automation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"dlmmrotation/internal/apperr"
	"dlmmrotation/internal/jobs"
	"dlmmrotation/internal/lock"
	"dlmmrotation/internal/metrics"
	"dlmmrotation/internal/models"
	"dlmmrotation/internal/notify"
	"dlmmrotation/internal/opportunity"
	"dlmmrotation/internal/position"
	"dlmmrotation/internal/store"
	"dlmmrotation/pkg/meteora"
	"dlmmrotation/pkg/utils"
)

const (
	wallet  = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	posAddr = "PosA111111111111111111111111111111111111111"
	newAddr = "PosB111111111111111111111111111111111111111"
	poolSOL = "PoolSOLUSDC"
	chatID  = int64(99)
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) GetPositionData(ctx context.Context, positionAddress, poolAddress string) (*meteora.PositionData, error) {
	args := m.Called(positionAddress, poolAddress)
	data, _ := args.Get(0).(*meteora.PositionData)
	return data, args.Error(1)
}

func (m *mockProvider) ClosePosition(ctx context.Context, positionAddress, poolAddress string) (string, error) {
	args := m.Called(positionAddress, poolAddress)
	return args.String(0), args.Error(1)
}

func (m *mockProvider) CompoundPosition(ctx context.Context, positionAddress, poolAddress string) (*meteora.CompoundResult, error) {
	args := m.Called(positionAddress, poolAddress)
	res, _ := args.Get(0).(*meteora.CompoundResult)
	return res, args.Error(1)
}

func (m *mockProvider) OpenPosition(ctx context.Context, req meteora.OpenPositionRequest) (*meteora.OpenPositionResult, error) {
	args := m.Called(req)
	res, _ := args.Get(0).(*meteora.OpenPositionResult)
	return res, args.Error(1)
}

type mockChecker struct {
	mock.Mock
}

func (m *mockChecker) Statuses(ctx context.Context, signatures []string) (map[string]string, error) {
	args := m.Called(signatures)
	out, _ := args.Get(0).(map[string]string)
	return out, args.Error(1)
}

type staticPools struct {
	pools []meteora.Pool
	err   error
}

func (s staticPools) GetPools(ctx context.Context, force bool) ([]meteora.Pool, error) {
	return s.pools, s.err
}

type recordingSink struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingSink) Send(ctx context.Context, chat int64, html string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, html)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type env struct {
	store    *store.MemoryStore
	provider *mockProvider
	checker  *mockChecker
	sink     *recordingSink
	metrics  *metrics.Metrics
	runner   *jobs.Runner
	sched    *Scheduler
	worker   *Worker
	locker   *lock.Local
	now      time.Time
}

func newEnv(t *testing.T, pools staticPools) *env {
	t.Helper()
	logger, _ := test.NewNullLogger()
	log := logrus.NewEntry(logger)

	e := &env{
		store:    store.NewMemoryStore(),
		provider: &mockProvider{},
		checker:  &mockChecker{},
		sink:     &recordingSink{},
		metrics:  metrics.New(prometheus.NewRegistry()),
		locker:   lock.NewLocal(),
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	e.runner = jobs.New(jobs.Config{}, log, e.metrics)
	notifier := notify.NewNotifier(e.sink, log, e.metrics)
	tracker := position.NewTracker(nil, log)
	e.sched = NewScheduler(e.store, e.provider, pools, tracker, e.checker, e.runner, notifier, log, e.metrics)
	e.sched.now = func() time.Time { return e.now }
	e.worker = NewWorker(e.store, e.provider, e.locker, pools, e.runner, notifier, log, e.metrics)
	e.worker.now = func() time.Time { return e.now }

	id := chatID
	e.store.PutUser(models.User{WalletAddress: wallet, TelegramChatID: &id})
	return e
}

func solPool() meteora.Pool {
	return meteora.Pool{
		Address:      poolSOL,
		Name:         "SOL-USDC",
		MintX:        opportunity.SOLMint,
		MintY:        opportunity.USDCMint,
		CurrentPrice: 150,
		Liquidity:    100000,
		BinStep:      10,
	}
}

func (e *env) addPosition(t *testing.T, rules *models.PositionAutomationRules) {
	t.Helper()
	require.NoError(t, e.store.CreatePosition(context.Background(), &models.LiquidityPosition{
		PositionAddress: posAddr,
		WalletAddress:   wallet,
		PoolAddress:     poolSOL,
		TokenXMint:      opportunity.SOLMint,
		TokenYMint:      opportunity.USDCMint,
		TokenXSymbol:    "SOL",
		TokenYSymbol:    "USDC",
		InitialValueUSD: 300,
		LowerBinID:      100,
		UpperBinID:      120,
		Strategy:        "spot",
		Status:          models.PositionActive,
		OpenedAt:        e.now.Add(-48 * time.Hour),
	}, rules))
}

// one SOL and 150 USDC with 0.1 SOL and 15 USDC of fees: $300 + $30 at $150
func chainData(active int) *meteora.PositionData {
	return &meteora.PositionData{
		AmountX:     "1000000000",
		AmountY:     "150000000",
		FeeX:        "100000000",
		FeeY:        "15000000",
		ValueUSD:    1,
		FeesUSD:     1,
		InRange:     true,
		ActiveBinID: utils.Int(active),
		LowerBinID:  100,
		UpperBinID:  120,
	}
}

func TestMonitorPositionsValuesAndTakesProfit(t *testing.T) {
	e := newEnv(t, staticPools{pools: []meteora.Pool{solPool()}})
	e.addPosition(t, &models.PositionAutomationRules{
		TakeProfitEnabled:  true,
		TakeProfitType:     models.RuleTypePercentage,
		TakeProfitValue:    10,
		RebalancingEnabled: true,
		RebalanceTriggers:  models.TriggerList{{Type: models.TriggerFeeThreshold, Value: 1}},
	})
	e.provider.On("GetPositionData", posAddr, poolSOL).Return(chainData(110), nil).Once()

	require.NoError(t, e.sched.MonitorPositions(context.Background()))
	e.provider.AssertExpectations(t)

	pos, err := e.store.GetPosition(context.Background(), posAddr)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, pos.CurrentAmountX, 1e-9)
	assert.InDelta(t, 150.0, pos.CurrentAmountY, 1e-9)
	assert.InDelta(t, 300.0, pos.CurrentValueUSD, 1e-6)
	assert.InDelta(t, 30.0, pos.FeesEarnedUSD, 1e-6)
	assert.InDelta(t, 10.0, pos.ProfitPercentage, 1e-6)
	assert.Equal(t, "1000000000", pos.RawAmountX)
	assert.NotNil(t, pos.LastMonitoredAt)

	queue, err := e.store.ListQueue(context.Background(), models.QueuePending)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, models.ActionTakeProfit, queue[0].ActionType)
	assert.Equal(t, 1, e.sink.count())
	assert.Contains(t, e.sink.sent[0], "Take Profit Triggered")
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.ActionsEnqueued.WithLabelValues(models.ActionTakeProfit)))
}

func TestMonitorPositionsFallsBackToProviderValues(t *testing.T) {
	e := newEnv(t, staticPools{err: errors.New("upstream down")})
	e.addPosition(t, &models.PositionAutomationRules{
		StopLossEnabled: true,
		StopLossType:    models.RuleTypePercentage,
		StopLossValue:   -10,
	})
	data := chainData(110)
	data.ValueUSD, data.FeesUSD = 240, 6
	e.provider.On("GetPositionData", posAddr, poolSOL).Return(data, nil).Once()

	require.NoError(t, e.sched.MonitorPositions(context.Background()))

	pos, err := e.store.GetPosition(context.Background(), posAddr)
	require.NoError(t, err)
	assert.InDelta(t, 240.0, pos.CurrentValueUSD, 1e-9)
	assert.InDelta(t, -18.0, pos.ProfitPercentage, 1e-9)

	queue, err := e.store.ListQueue(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, models.ActionStopLoss, queue[0].ActionType)
}

func TestMonitorPositionsSkipsDisabledWallet(t *testing.T) {
	e := newEnv(t, staticPools{pools: []meteora.Pool{solPool()}})
	e.addPosition(t, &models.PositionAutomationRules{TakeProfitEnabled: true, TakeProfitValue: 1})
	cfg := models.NewAutomationConfig(wallet)
	cfg.AutomationEnabled = false
	require.NoError(t, e.store.SaveAutomationConfig(context.Background(), cfg))

	require.NoError(t, e.sched.MonitorPositions(context.Background()))
	e.provider.AssertNotCalled(t, "GetPositionData", mock.Anything, mock.Anything)

	queue, err := e.store.ListQueue(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestMonitorPositionsContinuesAfterReadFailure(t *testing.T) {
	e := newEnv(t, staticPools{pools: []meteora.Pool{solPool()}})
	e.addPosition(t, &models.PositionAutomationRules{TakeProfitEnabled: true, TakeProfitValue: 1})
	e.provider.On("GetPositionData", posAddr, poolSOL).
		Return(nil, &meteora.ProviderError{Endpoint: "/position/data", Status: 500, Message: "rpc"}).Once()

	require.NoError(t, e.sched.MonitorPositions(context.Background()))

	pos, err := e.store.GetPosition(context.Background(), posAddr)
	require.NoError(t, err)
	assert.Nil(t, pos.LastMonitoredAt)
	queue, _ := e.store.ListQueue(context.Background(), "")
	assert.Empty(t, queue)
}

func TestEnqueueDoesNotTouchProcessingEntry(t *testing.T) {
	e := newEnv(t, staticPools{pools: []meteora.Pool{solPool()}})
	e.addPosition(t, &models.PositionAutomationRules{TakeProfitEnabled: true, TakeProfitValue: 1})
	ctx := context.Background()

	_, err := e.store.EnqueueAction(ctx, posAddr, models.ActionCompound, e.now)
	require.NoError(t, err)
	_, err = e.store.ClaimPending(ctx, 10, e.now)
	require.NoError(t, err)

	e.provider.On("GetPositionData", posAddr, poolSOL).Return(chainData(110), nil).Once()
	require.NoError(t, e.sched.MonitorPositions(ctx))

	queue, err := e.store.ListQueue(ctx, "")
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, models.QueueProcessing, queue[0].Status)
	assert.Equal(t, models.ActionCompound, queue[0].ActionType)
	assert.Zero(t, e.sink.count())
}

func TestCheckCompounds(t *testing.T) {
	e := newEnv(t, staticPools{})
	e.addPosition(t, &models.PositionAutomationRules{
		AutoCompoundEnabled:     true,
		CompoundFrequencyHours:  24,
		CompoundMinThresholdUSD: 10,
	})
	ctx := context.Background()

	// no fees yet
	require.NoError(t, e.sched.CheckCompounds(ctx))
	queue, _ := e.store.ListQueue(ctx, "")
	assert.Empty(t, queue)

	pos, err := e.store.GetPosition(ctx, posAddr)
	require.NoError(t, err)
	pos.FeesEarnedUSD = 25
	require.NoError(t, e.store.SavePosition(ctx, pos))

	require.NoError(t, e.sched.CheckCompounds(ctx))
	queue, _ = e.store.ListQueue(ctx, models.QueuePending)
	require.Len(t, queue, 1)
	assert.Equal(t, models.ActionCompound, queue[0].ActionType)
	assert.Contains(t, e.sink.sent[0], "Auto-Compound Queued")
}

func TestRefreshTransactions(t *testing.T) {
	e := newEnv(t, staticPools{})
	e.addPosition(t, nil)
	ctx := context.Background()
	require.NoError(t, e.store.RecordClose(ctx, store.CloseResult{PositionAddress: posAddr, WalletAddress: wallet, Reason: models.ActionTakeProfit, Signature: "SigClose", At: e.now}))
	require.NoError(t, e.store.RecordCompound(ctx, store.CompoundResult{PositionAddress: posAddr, WalletAddress: wallet, Signature: "SigCompound", At: e.now}))

	e.checker.On("Statuses", mock.MatchedBy(func(sigs []string) bool { return len(sigs) == 2 })).
		Return(map[string]string{"SigClose": models.TxFinalized, "SigCompound": models.TxFailed}, nil).Once()

	require.NoError(t, e.sched.RefreshTransactions(ctx))
	e.checker.AssertExpectations(t)

	txs, err := e.store.ListTransactions(ctx, wallet, "")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	byType := map[string]models.LiquidityTransaction{}
	for _, tx := range txs {
		byType[tx.TransactionType] = tx
	}
	assert.Equal(t, models.TxFinalized, byType[models.TxRemove].Status)
	assert.NotNil(t, byType[models.TxRemove].ConfirmedAt)
	assert.Equal(t, models.TxFailed, byType[models.TxCompound].Status)
	assert.Nil(t, byType[models.TxCompound].ConfirmedAt)

	// nothing open any more: no RPC call
	require.NoError(t, e.sched.RefreshTransactions(ctx))
	e.checker.AssertNumberOfCalls(t, "Statuses", 1)
}

func TestStartInstallsJobs(t *testing.T) {
	e := newEnv(t, staticPools{})
	require.NoError(t, e.sched.Start())
	require.NoError(t, e.worker.Start())
	for _, id := range []string{PositionsJob, CompoundJob, TxStatusJob, WorkerJob} {
		assert.True(t, e.runner.Has(id), id)
	}
}

func TestExecutionErrorMatchesSentinel(t *testing.T) {
	err := &ExecutionError{Action: models.ActionCompound, Position: posAddr, Err: errors.New("slippage")}
	assert.ErrorIs(t, err, apperr.ErrExecution)
	assert.Contains(t, err.Error(), "slippage")
}
