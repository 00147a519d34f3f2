package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dlmmrotation/internal/apperr"
	"dlmmrotation/internal/cache"
	"dlmmrotation/internal/jobs"
	"dlmmrotation/internal/models"
	"dlmmrotation/internal/monitor"
	"dlmmrotation/internal/notify"
	"dlmmrotation/internal/opportunity"
	"dlmmrotation/internal/position"
	"dlmmrotation/internal/store"
	"dlmmrotation/pkg/meteora"
)

const (
	testWallet = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	jupMint    = "JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN"
	posAddr    = "PosA111111111111111111111111111111111111111"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeUpstream struct {
	mu    sync.Mutex
	pools []meteora.Pool
	err   error
	calls int
}

func (f *fakeUpstream) GetAllPools(ctx context.Context) ([]meteora.Pool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.pools, f.err
}

func (f *fakeUpstream) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type nopSink struct{}

func (nopSink) Send(ctx context.Context, chatID int64, html string) error { return nil }

type fixture struct {
	store    *store.MemoryStore
	upstream *fakeUpstream
	runner   *jobs.Runner
	handler  *Handler
	router   *gin.Engine
}

func testPools() []meteora.Pool {
	return []meteora.Pool{
		{
			Address: "PoolA", Name: "SOL-USDC",
			MintX: opportunity.SOLMint, MintY: opportunity.USDCMint,
			CurrentPrice: 150, Liquidity: 50000,
			Fees:   meteora.Window{Min30: 300, Hour24: 1000},
			Volume: meteora.Window{Min30: 5000, Hour24: 90000},
		},
		{
			Address: "PoolB", Name: "JUP-USDC",
			MintX: jupMint, MintY: opportunity.USDCMint,
			CurrentPrice: 0.8, Liquidity: 20000,
			Fees:   meteora.Window{Min30: 10, Hour24: 4000},
			Volume: meteora.Window{Min30: 800, Hour24: 10000},
		},
		{Address: "Hidden", Name: "HID-USDC", Liquidity: 90000, Hide: true},
		{Address: "Tiny", Name: "TINY-USDC", Liquidity: 50},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	log := logrus.NewEntry(logger)

	f := &fixture{
		store:    store.NewMemoryStore(),
		upstream: &fakeUpstream{pools: testPools()},
	}
	pools := cache.NewPoolCache(f.upstream, time.Minute, 100, log, nil)
	f.runner = jobs.New(jobs.Config{}, log, nil)
	t.Cleanup(f.runner.Stop)
	notifier := notify.NewNotifier(nopSink{}, log, nil)

	f.handler = &Handler{
		Store:   f.store,
		Pools:   pools,
		Monitor: monitor.NewScheduler(f.store, pools, f.runner, notifier, log, nil),
		Degen:   monitor.NewDegenMonitor(f.store, pools, f.runner, notifier, log),
		Tracker: position.NewTracker(nil, log),
		Log:     log,
	}

	r := gin.New()
	api := r.Group("/api")
	api.GET("/pools", f.handler.ListPools)
	api.GET("/pools/stats", f.handler.PoolStats)
	api.POST("/pools/cache/invalidate", f.handler.InvalidateCache)
	api.GET("/wallet/positions", f.handler.WalletPositions)
	api.POST("/opportunities/analyze", f.handler.AnalyzeOpportunities)
	api.POST("/monitoring/start", f.handler.StartMonitoring)
	api.POST("/monitoring/stop", f.handler.StopMonitoring)
	api.GET("/monitoring/status", f.handler.MonitoringStatus)
	api.PUT("/monitoring/degen", f.handler.UpdateDegen)
	api.POST("/telegram/auth-code", f.handler.CreateAuthCode)
	api.DELETE("/telegram/disconnect", f.handler.DisconnectTelegram)
	api.GET("/liquidity/positions", f.handler.ListPositions)
	api.POST("/liquidity/positions", f.handler.CreatePosition)
	api.GET("/liquidity/positions/:address", f.handler.GetPosition)
	api.PUT("/liquidity/positions/:address/automation", f.handler.UpdateAutomation)
	api.GET("/liquidity/automation/config", f.handler.GetAutomationConfig)
	api.PUT("/liquidity/automation/config", f.handler.UpdateAutomationConfig)
	api.GET("/liquidity/transactions", f.handler.ListTransactions)
	api.GET("/liquidity/queue", f.handler.ListQueue)
	api.GET("/liquidity/favorites", f.handler.ListFavorites)
	api.POST("/liquidity/favorites", f.handler.AddFavorite)
	api.DELETE("/liquidity/favorites/:id", f.handler.RemoveFavorite)
	r.GET("/health", f.handler.HealthStatus)
	f.router = r
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return w.Code, out
}

func (f *fixture) link(chat int64) {
	f.store.PutUser(models.User{WalletAddress: testWallet, TelegramChatID: &chat})
}

func addresses(t *testing.T, body map[string]interface{}) []string {
	t.Helper()
	data, ok := body["data"].([]interface{})
	require.True(t, ok, "data is not a list: %v", body["data"])
	out := make([]string, 0, len(data))
	for _, item := range data {
		out = append(out, item.(map[string]interface{})["address"].(string))
	}
	return out
}

func TestListPools(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/pools", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, []string{"PoolA", "PoolB"}, addresses(t, body))
	assert.EqualValues(t, 2, body["total"])

	_, body = f.do(t, http.MethodGet, "/api/pools?sort_by=fee_rate&order=asc", nil)
	assert.Equal(t, []string{"PoolB", "PoolA"}, addresses(t, body))

	_, body = f.do(t, http.MethodGet, "/api/pools?sort_by=apr", nil)
	assert.Equal(t, []string{"PoolB", "PoolA"}, addresses(t, body))

	_, body = f.do(t, http.MethodGet, "/api/pools?search=jup", nil)
	assert.Equal(t, []string{"PoolB"}, addresses(t, body))

	_, body = f.do(t, http.MethodGet, "/api/pools?page=2&page_size=1", nil)
	assert.Equal(t, []string{"PoolB"}, addresses(t, body))
	assert.EqualValues(t, 2, body["pages"])

	_, body = f.do(t, http.MethodGet, "/api/pools?min_liquidity=30000", nil)
	assert.Equal(t, []string{"PoolA"}, addresses(t, body))

	_, body = f.do(t, http.MethodGet, "/api/pools?page=9", nil)
	assert.Empty(t, addresses(t, body))

	data := func() map[string]interface{} {
		_, b := f.do(t, http.MethodGet, "/api/pools?page_size=1", nil)
		return b["data"].([]interface{})[0].(map[string]interface{})
	}()
	assert.InDelta(t, 0.6, data["fee_rate_30min"], 1e-9)
	assert.Equal(t, 1, f.upstream.callCount())
}

func TestListPoolsRejectsBadQuery(t *testing.T) {
	f := newFixture(t)
	for _, q := range []string{"sort_by=name", "order=up", "page=0", "page_size=101", "min_liquidity=-1"} {
		code, body := f.do(t, http.MethodGet, "/api/pools?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, code, q)
		assert.Equal(t, "error", body["status"], q)
	}
	assert.Zero(t, f.upstream.callCount())
}

func TestListPoolsUpstreamUnavailable(t *testing.T) {
	f := newFixture(t)
	f.upstream.err = fmt.Errorf("%w: dial tcp: i/o timeout", apperr.ErrUpstreamUnavailable)

	code, body := f.do(t, http.MethodGet, "/api/pools", nil)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, "pool data is temporarily unavailable", body["message"])
}

func TestRefreshAndInvalidate(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/api/pools", nil)
	f.do(t, http.MethodGet, "/api/pools", nil)
	assert.Equal(t, 1, f.upstream.callCount())

	f.do(t, http.MethodGet, "/api/pools?refresh=true", nil)
	assert.Equal(t, 2, f.upstream.callCount())

	code, _ := f.do(t, http.MethodPost, "/api/pools/cache/invalidate", nil)
	require.Equal(t, http.StatusOK, code)
	f.do(t, http.MethodGet, "/api/pools", nil)
	assert.Equal(t, 3, f.upstream.callCount())

	code, body := f.do(t, http.MethodGet, "/api/pools/stats", nil)
	require.Equal(t, http.StatusOK, code)
	stats := body["pools"].(map[string]interface{})
	assert.EqualValues(t, 3, stats["cache_misses"])
	assert.EqualValues(t, 1, stats["cache_hits"])
	assert.NotContains(t, body, "grouped")

	code, _ = f.do(t, http.MethodPost, "/api/pools/cache/invalidate?group=abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestGroupedSourceDisabled(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodGet, "/api/pools?source=grouped", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAuthCodeMonitoringAndDisconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code, body := f.do(t, http.MethodPost, "/api/monitoring/start", map[string]interface{}{"walletAddress": testWallet})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["message"], "/start")

	code, body = f.do(t, http.MethodPost, "/api/telegram/auth-code", map[string]string{"walletAddress": testWallet})
	require.Equal(t, http.StatusOK, code)
	authCode := body["code"].(string)
	assert.Len(t, authCode, authCodeLength)
	_, err := f.store.RedeemAuthCode(ctx, authCode, 99, "alice", time.Now())
	require.NoError(t, err)

	code, body = f.do(t, http.MethodPost, "/api/monitoring/start", map[string]interface{}{
		"walletAddress":    testWallet,
		"interval_minutes": 30,
		"whitelist":        []string{opportunity.SOLMint},
	})
	require.Equal(t, http.StatusOK, code, body)
	cfg := body["config"].(map[string]interface{})
	assert.Equal(t, true, cfg["enabled"])
	assert.EqualValues(t, 30, cfg["interval_minutes"])
	assert.True(t, f.runner.Has(monitor.JobID(testWallet)))

	code, body = f.do(t, http.MethodGet, "/api/monitoring/status?walletAddress="+testWallet, nil)
	require.Equal(t, http.StatusOK, code)
	st := body["data"].(map[string]interface{})
	assert.Equal(t, true, st["active"])
	assert.Equal(t, true, st["telegram_connected"])
	assert.NotNil(t, st["last_check"])

	code, body = f.do(t, http.MethodPut, "/api/monitoring/degen", map[string]interface{}{"walletAddress": testWallet, "enabled": true, "threshold": 2.5})
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 2.5, body["degen_threshold"])
	assert.True(t, f.runner.Has(monitor.DegenJobID(testWallet)))

	code, _ = f.do(t, http.MethodPut, "/api/monitoring/degen", map[string]interface{}{"walletAddress": testWallet, "enabled": false})
	require.Equal(t, http.StatusOK, code)
	assert.False(t, f.runner.Has(monitor.DegenJobID(testWallet)))

	code, _ = f.do(t, http.MethodPost, "/api/monitoring/stop", map[string]string{"walletAddress": testWallet})
	require.Equal(t, http.StatusOK, code)
	assert.False(t, f.runner.Has(monitor.JobID(testWallet)))

	code, _ = f.do(t, http.MethodDelete, "/api/telegram/disconnect?walletAddress="+testWallet, nil)
	require.Equal(t, http.StatusOK, code)
	_, err = f.store.GetUser(ctx, testWallet)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	code, _ = f.do(t, http.MethodDelete, "/api/telegram/disconnect?walletAddress="+testWallet, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestWalletValidation(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodGet, "/api/monitoring/status?walletAddress=not-a-key", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["message"], "invalid wallet address")

	code, _ = f.do(t, http.MethodGet, "/api/monitoring/status", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPost, "/api/telegram/auth-code", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestStatusOfUnknownWalletIsInactive(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodGet, "/api/monitoring/status?walletAddress="+testWallet, nil)
	require.Equal(t, http.StatusOK, code)
	st := body["data"].(map[string]interface{})
	assert.Equal(t, false, st["active"])
	assert.Equal(t, false, st["telegram_connected"])
}

func TestAnalyzeOpportunities(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodPost, "/api/opportunities/analyze", map[string]interface{}{
		"walletAddress": testWallet,
		"whitelist":     []string{opportunity.SOLMint},
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 1, body["count"])
	first := body["opportunities"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "PoolA", first["address"])
	assert.Zero(t, f.store.Snapshots(testWallet))

	code, _ = f.do(t, http.MethodPost, "/api/opportunities/analyze", map[string]interface{}{
		"walletAddress":    testWallet,
		"interval_minutes": -5,
	})
	assert.Equal(t, http.StatusBadRequest, code)
}

func createBody() map[string]interface{} {
	return map[string]interface{}{
		"walletAddress":        testWallet,
		"poolAddress":          "PoolA",
		"positionAddress":      posAddr,
		"tokenXMint":           opportunity.SOLMint,
		"tokenYMint":           opportunity.USDCMint,
		"tokenXSymbol":         "SOL",
		"tokenYSymbol":         "USDC",
		"amountX":              1,
		"amountY":              150,
		"liquidityUsd":         300,
		"lowerPrice":           140,
		"upperPrice":           160,
		"lowerBinId":           100,
		"upperBinId":           120,
		"activeBinId":          110,
		"strategyName":         "spot",
		"transactionSignature": "sig-open",
	}
}

func TestCreatePositionAndUpdateRules(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/liquidity/positions", createBody())
	require.Equal(t, http.StatusCreated, code, body)
	pos := body["position"].(map[string]interface{})
	assert.Equal(t, models.PositionActive, pos["status"])
	assert.Equal(t, true, pos["in_range"])
	rules := pos["automation_rules"].(map[string]interface{})
	assert.Equal(t, true, rules["take_profit_enabled"])
	assert.EqualValues(t, 20, rules["take_profit_value"])
	assert.Equal(t, true, rules["stop_loss_enabled"])
	assert.EqualValues(t, -10, rules["stop_loss_value"])

	code, _ = f.do(t, http.MethodPost, "/api/liquidity/positions", createBody())
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.do(t, http.MethodPut, "/api/liquidity/positions/"+posAddr+"/automation", map[string]interface{}{
		"takeProfitValue":    35,
		"rebalancingEnabled": true,
		"rebalanceTriggers":  []map[string]interface{}{{"type": "price_drift", "value": 5}},
	})
	require.Equal(t, http.StatusOK, code, body)
	rules = body["automation_rules"].(map[string]interface{})
	assert.EqualValues(t, 35, rules["take_profit_value"])
	assert.Equal(t, true, rules["take_profit_enabled"])
	assert.Equal(t, true, rules["rebalancing_enabled"])

	stored, err := f.store.GetRules(context.Background(), posAddr)
	require.NoError(t, err)
	assert.Equal(t, models.TriggerList{{Type: models.TriggerPriceDrift, Value: 5}}, stored.RebalanceTriggers)

	code, _ = f.do(t, http.MethodPut, "/api/liquidity/positions/"+posAddr+"/automation", map[string]interface{}{"takeProfitType": "bps"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodPut, "/api/liquidity/positions/"+posAddr+"/automation", map[string]interface{}{
		"rebalanceTriggers": []map[string]interface{}{{"type": "moon", "value": 1}},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodPut, "/api/liquidity/positions/Missing/automation", map[string]interface{}{})
	assert.Equal(t, http.StatusNotFound, code)

	code, body = f.do(t, http.MethodGet, "/api/liquidity/positions/"+posAddr, nil)
	require.Equal(t, http.StatusOK, code)
	txs := body["transactions"].([]interface{})
	require.Len(t, txs, 1)
	tx := txs[0].(map[string]interface{})
	assert.Equal(t, models.TxAdd, tx["transaction_type"])
	assert.Equal(t, "sig-open", tx["signature"])
	assert.Equal(t, models.TxPending, tx["status"])

	code, body = f.do(t, http.MethodGet, "/api/liquidity/positions?walletAddress="+testWallet, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])

	code, body = f.do(t, http.MethodGet, "/api/liquidity/positions?walletAddress="+testWallet+"&status=closed", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["count"])

	code, _ = f.do(t, http.MethodGet, "/api/liquidity/positions?walletAddress="+testWallet+"&status=open", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodGet, "/api/liquidity/positions/Missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCreatePositionValidation(t *testing.T) {
	f := newFixture(t)

	body := createBody()
	delete(body, "transactionSignature")
	code, _ := f.do(t, http.MethodPost, "/api/liquidity/positions", body)
	assert.Equal(t, http.StatusBadRequest, code)

	body = createBody()
	body["lowerBinId"], body["upperBinId"] = 130, 120
	code, _ = f.do(t, http.MethodPost, "/api/liquidity/positions", body)
	assert.Equal(t, http.StatusBadRequest, code)

	body = createBody()
	body["automationRules"] = map[string]interface{}{"stopLossType": "bps"}
	code, _ = f.do(t, http.MethodPost, "/api/liquidity/positions", body)
	assert.Equal(t, http.StatusBadRequest, code)

	_, err := f.store.GetPosition(context.Background(), posAddr)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCreatePositionUsesWalletDefaults(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodPut, "/api/liquidity/automation/config", map[string]interface{}{
		"walletAddress":               testWallet,
		"defaultTakeProfitPercentage": 50,
		"defaultStopLossPercentage":   0,
	})
	require.Equal(t, http.StatusOK, code)

	body := createBody()
	body["automationRules"] = map[string]interface{}{"autoCompoundEnabled": true}
	code, resp := f.do(t, http.MethodPost, "/api/liquidity/positions", body)
	require.Equal(t, http.StatusCreated, code, resp)
	rules := resp["position"].(map[string]interface{})["automation_rules"].(map[string]interface{})
	assert.EqualValues(t, 50, rules["take_profit_value"])
	assert.Equal(t, false, rules["stop_loss_enabled"])
	assert.Equal(t, true, rules["auto_compound_enabled"])
	assert.EqualValues(t, 24, rules["compound_frequency_hours"])
}

func TestAutomationConfig(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/liquidity/automation/config?walletAddress="+testWallet, nil)
	require.Equal(t, http.StatusOK, code)
	cfg := body["config"].(map[string]interface{})
	assert.Equal(t, true, cfg["automation_enabled"])
	_, err := f.store.GetAutomationConfig(context.Background(), testWallet)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	code, body = f.do(t, http.MethodPut, "/api/liquidity/automation/config", map[string]interface{}{
		"walletAddress":     testWallet,
		"automationEnabled": false,
	})
	require.Equal(t, http.StatusOK, code)
	cfg = body["config"].(map[string]interface{})
	assert.Equal(t, false, cfg["automation_enabled"])
	assert.EqualValues(t, 20, cfg["default_take_profit"])

	stored, err := f.store.GetAutomationConfig(context.Background(), testWallet)
	require.NoError(t, err)
	assert.False(t, stored.AutomationEnabled)

	code, _ = f.do(t, http.MethodPut, "/api/liquidity/automation/config", map[string]interface{}{
		"walletAddress":                 testWallet,
		"defaultCompoundFrequencyHours": 0,
	})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestTransactionsAndQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i, txType := range []string{models.TxAdd, models.TxCompound, models.TxRemove} {
		require.NoError(t, f.store.AddTransaction(ctx, &models.LiquidityTransaction{
			PositionAddress: posAddr,
			WalletAddress:   testWallet,
			TransactionType: txType,
			Signature:       fmt.Sprintf("sig-%d", i),
			CreatedAt:       base.Add(time.Duration(i) * time.Minute),
		}))
	}

	code, body := f.do(t, http.MethodGet, "/api/liquidity/transactions?walletAddress="+testWallet+"&limit=2", nil)
	require.Equal(t, http.StatusOK, code)
	txs := body["transactions"].([]interface{})
	require.Len(t, txs, 2)
	assert.Equal(t, "sig-2", txs[0].(map[string]interface{})["signature"])

	_, body = f.do(t, http.MethodGet, "/api/liquidity/transactions?walletAddress="+testWallet+"&type=compound", nil)
	assert.EqualValues(t, 1, body["count"])

	code, _ = f.do(t, http.MethodGet, "/api/liquidity/transactions?walletAddress="+testWallet+"&limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	ok, err := f.store.EnqueueAction(ctx, posAddr, models.ActionCompound, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	code, body = f.do(t, http.MethodGet, "/api/liquidity/queue?status=pending", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])
	_, body = f.do(t, http.MethodGet, "/api/liquidity/queue?status=failed", nil)
	assert.EqualValues(t, 0, body["count"])
	code, _ = f.do(t, http.MethodGet, "/api/liquidity/queue?status=weird", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWalletPositionsSummary(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreatePosition(context.Background(), &models.LiquidityPosition{
		PositionAddress: posAddr,
		WalletAddress:   testWallet,
		PoolAddress:     "PoolA",
		Status:          models.PositionActive,
		RawAmountX:      "1000000000",
		RawAmountY:      "150000000",
	}, nil))

	code, body := f.do(t, http.MethodGet, "/api/wallet/positions?walletAddress="+testWallet, nil)
	require.Equal(t, http.StatusOK, code, body)
	summary := body["data"].(map[string]interface{})
	assert.InDelta(t, 300, summary["totalValueUsd"], 1e-6)
	assert.InDelta(t, 0.6, summary["bestFeeRate30min"], 1e-9)
	holdings := summary["positions"].([]interface{})
	require.Len(t, holdings, 1)
	assert.Equal(t, "SOL-USDC", holdings[0].(map[string]interface{})["pairName"])
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	f.handler.Health = map[string]HealthCheck{
		"database": func(ctx context.Context) error { return nil },
	}
	code, body := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["checks"].(map[string]interface{})["database"])

	f.handler.Health["rpc"] = func(ctx context.Context) error { return errors.New("connection refused") }
	code, body = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "connection refused", body["checks"].(map[string]interface{})["rpc"])
}

func TestInternalErrorsAreGeneric(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req

	f.handler.fail(c, errors.New("pq: relation \"users\" does not exist"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "pq:")
	assert.Contains(t, w.Body.String(), "internal server error")
}

func TestFavorites(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	f.handler.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Minute)
	}

	code, body := f.do(t, http.MethodPost, "/api/liquidity/favorites", map[string]interface{}{
		"walletAddress": testWallet, "poolAddress": "PoolA", "pairName": "SOL-USDC",
	})
	require.Equal(t, http.StatusCreated, code, body)
	first := body["favorite"].(map[string]interface{})
	assert.Equal(t, "PoolA", first["pool_address"])

	code, _ = f.do(t, http.MethodPost, "/api/liquidity/favorites", map[string]interface{}{
		"walletAddress": testWallet, "poolAddress": "PoolB", "pairName": "JUP-USDC",
	})
	require.Equal(t, http.StatusCreated, code)

	code, body = f.do(t, http.MethodPost, "/api/liquidity/favorites", map[string]interface{}{
		"walletAddress": testWallet, "poolAddress": "PoolA",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["message"], "already favorited")

	code, _ = f.do(t, http.MethodPost, "/api/liquidity/favorites", map[string]interface{}{"walletAddress": testWallet})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.do(t, http.MethodGet, "/api/liquidity/favorites?walletAddress="+testWallet, nil)
	require.Equal(t, http.StatusOK, code)
	favs := body["favorites"].([]interface{})
	require.Len(t, favs, 2)
	assert.Equal(t, "PoolB", favs[0].(map[string]interface{})["pool_address"])

	id := fmt.Sprintf("%.0f", first["id"].(float64))
	code, _ = f.do(t, http.MethodDelete, "/api/liquidity/favorites/"+id, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodDelete, "/api/liquidity/favorites/"+id, nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, http.MethodDelete, "/api/liquidity/favorites/abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.do(t, http.MethodGet, "/api/liquidity/favorites?walletAddress="+testWallet, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["favorites"], 1)
}
