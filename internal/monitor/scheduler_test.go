package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dlmmrotation/internal/apperr"
	"dlmmrotation/internal/jobs"
	"dlmmrotation/internal/models"
	"dlmmrotation/internal/notify"
	"dlmmrotation/internal/opportunity"
	"dlmmrotation/internal/store"
	"dlmmrotation/pkg/meteora"
	"dlmmrotation/pkg/utils"
)

const (
	wallet      = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	otherWallet = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	chatID      = int64(4242)
)

type fakePools struct {
	mu    sync.Mutex
	pools []meteora.Pool
	err   error

	onFetch     func()
	inFlight    int
	maxInFlight int
}

func (f *fakePools) GetPools(ctx context.Context, force bool) ([]meteora.Pool, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	hook := f.onFetch
	f.mu.Unlock()

	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	return f.pools, f.err
}

func (f *fakePools) set(pools []meteora.Pool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pools, f.err = pools, err
}

type fakeSink struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSink) Send(ctx context.Context, chat int64, html string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, html)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func solUSDC(addr string, liquidity, fees30m float64) meteora.Pool {
	return meteora.Pool{
		Address:   addr,
		Name:      "SOL-USDC",
		MintX:     opportunity.SOLMint,
		MintY:     opportunity.USDCMint,
		Liquidity: utils.Float(liquidity),
		Fees:      meteora.Window{Min30: utils.Float(fees30m)},
		Volume:    meteora.Window{Min30: 5000},
	}
}

type fixture struct {
	store  *store.MemoryStore
	pools  *fakePools
	sink   *fakeSink
	runner *jobs.Runner
	sched  *Scheduler
	degen  *DegenMonitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	log := logrus.NewEntry(logger)

	f := &fixture{
		store: store.NewMemoryStore(),
		pools: &fakePools{},
		sink:  &fakeSink{},
	}
	f.runner = jobs.New(jobs.Config{}, log, nil)
	notifier := notify.NewNotifier(f.sink, log, nil)
	f.sched = NewScheduler(f.store, f.pools, f.runner, notifier, log, nil)
	f.degen = NewDegenMonitor(f.store, f.pools, f.runner, notifier, log)
	return f
}

func (f *fixture) link(w string) {
	id := chatID
	f.store.PutUser(models.User{WalletAddress: w, TelegramChatID: &id})
}

func solWhitelist() Settings {
	return Settings{TokenWhitelist: []string{opportunity.SOLMint}}
}

func TestStartRequiresLinkedChat(t *testing.T) {
	f := newFixture(t)

	_, err := f.sched.Start(context.Background(), wallet, solWhitelist())
	assert.ErrorIs(t, err, ErrNotLinked)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.False(t, f.runner.Has(JobID(wallet)))

	f.store.PutUser(models.User{WalletAddress: wallet})
	_, err = f.sched.Start(context.Background(), wallet, solWhitelist())
	assert.ErrorIs(t, err, ErrNotLinked)
}

func TestStartRejectsInvalidWallet(t *testing.T) {
	f := newFixture(t)
	_, err := f.sched.Start(context.Background(), "not-a-wallet", solWhitelist())
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestStartPersistsSchedulesAndRunsFirstTick(t *testing.T) {
	f := newFixture(t)
	f.link(wallet)
	f.pools.set([]meteora.Pool{solUSDC("PoolA", 50000, 300)}, nil)

	cfg, err := f.sched.Start(context.Background(), wallet, Settings{
		IntervalMinutes: 30,
		TokenWhitelist:  []string{opportunity.SOLMint},
	})
	require.NoError(t, err)

	assert.True(t, cfg.Enabled)
	assert.Equal(t, 30, cfg.IntervalMinutes)
	assert.Equal(t, opportunity.DefaultThresholdMultiplier, cfg.ThresholdMultiplier)
	assert.Equal(t, opportunity.DefaultMinFees30m, cfg.MinFees30m)
	require.NotNil(t, cfg.LastCheck)
	require.NotNil(t, cfg.NextCheck)
	assert.Equal(t, 30*time.Minute, cfg.NextCheck.Sub(*cfg.LastCheck))

	assert.True(t, f.runner.Has(JobID(wallet)))
	assert.Equal(t, 1, f.store.Snapshots(wallet))
	require.Equal(t, 1, f.sink.count())
	assert.Contains(t, f.sink.sent[0], "New pool discovered")

	// same pools again: nothing new to report, baseline still advances
	require.NoError(t, f.sched.CheckOpportunities(context.Background(), wallet))
	assert.Equal(t, 1, f.sink.count())
	assert.Equal(t, 2, f.store.Snapshots(wallet))
}

func TestImprovedPoolIsNotified(t *testing.T) {
	f := newFixture(t)
	f.link(wallet)
	f.pools.set([]meteora.Pool{solUSDC("PoolA", 50000, 500)}, nil)
	_, err := f.sched.Start(context.Background(), wallet, solWhitelist())
	require.NoError(t, err)
	require.Equal(t, 1, f.sink.count())

	// 1.0% -> 1.25% stays below the 1.3x threshold
	f.pools.set([]meteora.Pool{solUSDC("PoolA", 50000, 625)}, nil)
	require.NoError(t, f.sched.CheckOpportunities(context.Background(), wallet))
	assert.Equal(t, 1, f.sink.count())

	// 1.25% -> 1.7%
	f.pools.set([]meteora.Pool{solUSDC("PoolA", 50000, 850)}, nil)
	require.NoError(t, f.sched.CheckOpportunities(context.Background(), wallet))
	require.Equal(t, 2, f.sink.count())
	assert.Contains(t, f.sink.sent[1], "Fee rate improved by")
}

func TestCheckOnDisabledConfigIsNoop(t *testing.T) {
	f := newFixture(t)
	f.link(wallet)
	f.pools.set([]meteora.Pool{solUSDC("PoolA", 50000, 300)}, nil)
	_, err := f.sched.Start(context.Background(), wallet, solWhitelist())
	require.NoError(t, err)

	require.NoError(t, f.store.SetMonitorEnabled(context.Background(), wallet, false))
	f.pools.set([]meteora.Pool{solUSDC("PoolB", 50000, 400)}, nil)

	require.NoError(t, f.sched.CheckOpportunities(context.Background(), wallet))
	assert.Equal(t, 1, f.store.Snapshots(wallet))
	assert.Equal(t, 1, f.sink.count())

	// never configured at all
	require.NoError(t, f.sched.CheckOpportunities(context.Background(), otherWallet))
}

func TestConcurrentStartsRunOneCheck(t *testing.T) {
	f := newFixture(t)
	f.link(wallet)
	f.pools.set([]meteora.Pool{solUSDC("PoolA", 50000, 300)}, nil)

	fetching := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.pools.onFetch = func() {
		first := false
		once.Do(func() { first = true })
		if first {
			close(fetching)
			<-release
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.sched.Start(context.Background(), wallet, solWhitelist())
		done <- err
	}()
	<-fetching

	// the first check is still loading pools
	cfg, err := f.sched.Start(context.Background(), wallet, solWhitelist())
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)

	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, 1, f.pools.maxInFlight)
	assert.Equal(t, 1, f.store.Snapshots(wallet))
	assert.Equal(t, 1, f.sink.count())
	assert.True(t, f.runner.Has(JobID(wallet)))
}

func TestStopDuringCheckDiscardsResult(t *testing.T) {
	f := newFixture(t)
	f.link(wallet)
	f.pools.set([]meteora.Pool{solUSDC("PoolA", 50000, 300)}, nil)
	f.pools.onFetch = func() {
		require.NoError(t, f.sched.Stop(context.Background(), wallet))
	}

	_, err := f.sched.Start(context.Background(), wallet, solWhitelist())
	require.NoError(t, err)

	assert.Zero(t, f.sink.count())
	assert.Zero(t, f.store.Snapshots(wallet))
	assert.False(t, f.runner.Has(JobID(wallet)))
}

func TestUpstreamFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	f.link(wallet)
	f.pools.set([]meteora.Pool{solUSDC("PoolA", 50000, 300)}, nil)
	_, err := f.sched.Start(context.Background(), wallet, solWhitelist())
	require.NoError(t, err)
	before, err := f.store.GetMonitorConfig(context.Background(), wallet)
	require.NoError(t, err)

	upstream := fmt.Errorf("%w: timeout", apperr.ErrUpstreamUnavailable)
	f.pools.set(nil, upstream)
	err = f.sched.CheckOpportunities(context.Background(), wallet)
	assert.ErrorIs(t, err, apperr.ErrUpstreamUnavailable)

	after, err := f.store.GetMonitorConfig(context.Background(), wallet)
	require.NoError(t, err)
	assert.Equal(t, before.LastCheck, after.LastCheck)
	assert.Equal(t, 1, f.store.Snapshots(wallet))
}

func TestAtMostFiveNotificationsPerTick(t *testing.T) {
	f := newFixture(t)
	f.link(wallet)
	var pools []meteora.Pool
	for i := 0; i < 7; i++ {
		pools = append(pools, solUSDC(fmt.Sprintf("Pool%d", i), 50000, float64(200+i*10)))
	}
	f.pools.set(pools, nil)

	_, err := f.sched.Start(context.Background(), wallet, solWhitelist())
	require.NoError(t, err)
	assert.Equal(t, 5, f.sink.count())

	snap, err := f.store.LatestSnapshot(context.Background(), wallet)
	require.NoError(t, err)
	assert.Len(t, snap.Opportunities, 7)
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.link(wallet)
	f.pools.set(nil, nil)
	_, err := f.sched.Start(context.Background(), wallet, solWhitelist())
	require.NoError(t, err)

	require.NoError(t, f.sched.Stop(context.Background(), wallet))
	require.NoError(t, f.sched.Stop(context.Background(), wallet))
	assert.False(t, f.runner.Has(JobID(wallet)))

	cfg, err := f.store.GetMonitorConfig(context.Background(), wallet)
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)

	require.NoError(t, f.sched.Stop(context.Background(), otherWallet))
}

func TestStatus(t *testing.T) {
	f := newFixture(t)

	st, err := f.sched.Status(context.Background(), wallet)
	require.NoError(t, err)
	assert.False(t, st.Active)
	assert.False(t, st.TelegramConnected)
	assert.Nil(t, st.Config)

	f.link(wallet)
	f.pools.set(nil, nil)
	_, err = f.sched.Start(context.Background(), wallet, solWhitelist())
	require.NoError(t, err)

	st, err = f.sched.Status(context.Background(), wallet)
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.True(t, st.TelegramConnected)
	assert.Equal(t, models.DefaultIntervalMinutes, st.IntervalMinutes)
	assert.NotNil(t, st.LastCheck)
	// runner not started, so no next fire time yet
	assert.Nil(t, st.NextRun)
}

func TestSetThreshold(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.sched.SetThreshold(context.Background(), wallet, 0.9), apperr.ErrValidation)
	assert.ErrorIs(t, f.sched.SetThreshold(context.Background(), wallet, 1.5), apperr.ErrNotFound)

	require.NoError(t, f.store.SaveMonitorConfig(context.Background(), models.NewMonitorConfig(wallet)))
	require.NoError(t, f.sched.SetThreshold(context.Background(), wallet, 1.5))
	cfg, err := f.store.GetMonitorConfig(context.Background(), wallet)
	require.NoError(t, err)
	assert.Equal(t, 1.5, cfg.ThresholdMultiplier)
}

func TestLoadActiveMonitors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, w := range []string{wallet, otherWallet} {
		cfg := models.NewMonitorConfig(w)
		cfg.Enabled = true
		require.NoError(t, f.store.SaveMonitorConfig(ctx, cfg))
	}
	require.NoError(t, f.store.SaveMonitorConfig(ctx, models.NewMonitorConfig(opportunity.SOLMint)))

	n, err := f.sched.LoadActiveMonitors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, f.runner.Has(JobID(wallet)))
	assert.True(t, f.runner.Has(JobID(otherWallet)))
	assert.False(t, f.runner.Has(JobID(opportunity.SOLMint)))
	assert.True(t, f.runner.Has(sweepJob))
}

func TestSweepKeepsNewestSnapshots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < store.SnapshotsToKeep+3; i++ {
		at := now.Add(time.Duration(i) * time.Minute)
		require.NoError(t, f.store.CommitCheck(ctx, &models.OpportunitySnapshot{WalletAddress: wallet, CreatedAt: at}, at, at))
	}
	require.NoError(t, f.sched.SweepSnapshots(ctx))
	assert.Equal(t, store.SnapshotsToKeep, f.store.Snapshots(wallet))
}

func TestAnalyzeDoesNotPersist(t *testing.T) {
	f := newFixture(t)
	f.pools.set([]meteora.Pool{solUSDC("PoolA", 50000, 300)}, nil)
	cfg := models.NewMonitorConfig(wallet)
	cfg.TokenWhitelist = models.StringList{opportunity.SOLMint}

	found, err := f.sched.Analyze(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.InDelta(t, 0.6, found[0].FeeRate30m, 1e-9)
	assert.Zero(t, f.store.Snapshots(wallet))

	f.pools.set(nil, errors.New("boom"))
	_, err = f.sched.Analyze(context.Background(), cfg)
	assert.Error(t, err)
}

func TestSettingsConfig(t *testing.T) {
	cfg, err := Settings{TokenWhitelist: []string{opportunity.SOLMint}}.Config(wallet)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultIntervalMinutes, cfg.IntervalMinutes)
	assert.Equal(t, opportunity.DefaultThresholdMultiplier, cfg.ThresholdMultiplier)
	assert.True(t, cfg.QuotePreferences.SOL)
	assert.False(t, cfg.Enabled)

	_, err = Settings{IntervalMinutes: -1}.Config(wallet)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestDisconnectRemovesJobsAndLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.link(wallet)
	f.pools.set([]meteora.Pool{solUSDC("PoolA", 50000, 300)}, nil)

	_, err := f.sched.Start(ctx, wallet, Settings{TokenWhitelist: []string{opportunity.SOLMint}})
	require.NoError(t, err)
	_, err = f.degen.Enable(ctx, wallet, 0)
	require.NoError(t, err)
	require.True(t, f.runner.Has(JobID(wallet)))
	require.True(t, f.runner.Has(DegenJobID(wallet)))

	require.NoError(t, f.sched.Disconnect(ctx, wallet))
	assert.False(t, f.runner.Has(JobID(wallet)))
	assert.False(t, f.runner.Has(DegenJobID(wallet)))
	_, err = f.store.GetUser(ctx, wallet)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.store.GetMonitorConfig(ctx, wallet)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Zero(t, f.store.Snapshots(wallet))

	assert.ErrorIs(t, f.sched.Disconnect(ctx, otherWallet), apperr.ErrNotFound)
}
