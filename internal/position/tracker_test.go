package position

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dlmmrotation/internal/opportunity"
	"dlmmrotation/pkg/meteora"
	"dlmmrotation/pkg/utils"
)

const (
	bonkMint    = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
	unknownMint = "Unknown1111111111111111111111111111111111111"
	otherMint   = "Other11111111111111111111111111111111111111"
)

type fixedPrice struct {
	price  float64
	cached bool
	err    error
}

func (f fixedPrice) GetSOLPrice(ctx context.Context) (float64, bool, error) {
	return f.price, f.cached, f.err
}

func TestDecimals(t *testing.T) {
	assert.Equal(t, int32(9), Decimals(opportunity.SOLMint))
	assert.Equal(t, int32(6), Decimals(opportunity.USDCMint))
	assert.Equal(t, int32(5), Decimals(bonkMint))
	assert.Equal(t, int32(6), Decimals(unknownMint))
}

func TestComputePositionValueUSDCQuote(t *testing.T) {
	pool := meteora.Pool{MintX: opportunity.SOLMint, MintY: opportunity.USDCMint, CurrentPrice: utils.Float(160)}
	raw := RawAmounts{AmountX: "2000000000", AmountY: "100000000", FeeX: "10000000", FeeY: "500000"}

	v := ComputePositionValue(pool, raw, Prices{SOLUSD: 999})

	require.True(t, v.Priced)
	assert.InDelta(t, 2.0, v.TokenXAmount, 1e-12)
	assert.InDelta(t, 100.0, v.TokenYAmount, 1e-12)
	// USDC anchor wins over the supplied SOL price
	assert.InDelta(t, 2*160+100, v.ValueUSD, 1e-9)
	assert.InDelta(t, 0.01*160+0.5, v.FeesPendingUSD, 1e-9)
}

func TestComputePositionValueSOLQuote(t *testing.T) {
	pool := meteora.Pool{MintX: bonkMint, MintY: opportunity.SOLMint, CurrentPrice: utils.Float(0.0000002)}
	raw := RawAmounts{AmountX: "1000000000000", AmountY: "500000000"}

	v := ComputePositionValue(pool, raw, Prices{SOLUSD: 150})

	require.True(t, v.Priced)
	assert.InDelta(t, 10_000_000.0, v.TokenXAmount, 1e-6)
	assert.InDelta(t, 0.5, v.TokenYAmount, 1e-12)
	assert.InDelta(t, 10_000_000*0.0000002*150+0.5*150, v.ValueUSD, 1e-6)
	assert.Zero(t, v.FeesPendingUSD)
}

func TestComputePositionValueQuoteOnXSide(t *testing.T) {
	pool := meteora.Pool{MintX: opportunity.USDCMint, MintY: otherMint, CurrentPrice: utils.Float(4)}
	raw := RawAmounts{AmountX: "1000000", AmountY: "8000000"}

	v := ComputePositionValue(pool, raw, Prices{SOLUSD: 150})

	require.True(t, v.Priced)
	// 4 Y per USDC: each Y is worth 0.25
	assert.InDelta(t, 1+8*0.25, v.ValueUSD, 1e-9)
}

func TestComputePositionValueUnknownPair(t *testing.T) {
	pool := meteora.Pool{MintX: unknownMint, MintY: otherMint, CurrentPrice: utils.Float(3)}
	v := ComputePositionValue(pool, RawAmounts{AmountX: "1000000", AmountY: "not-a-number"}, Prices{SOLUSD: 150})

	assert.False(t, v.Priced)
	assert.InDelta(t, 1.0, v.TokenXAmount, 1e-12)
	assert.Zero(t, v.TokenYAmount)
	assert.Zero(t, v.ValueUSD)
}

func TestTrackerValueLogsUnpricedPool(t *testing.T) {
	logger, hook := test.NewNullLogger()
	tracker := NewTracker(nil, logrus.NewEntry(logger))

	tracker.Value(meteora.Pool{Address: "pool", MintX: unknownMint, MintY: otherMint}, RawAmounts{}, Prices{SOLUSD: 150})

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "pool", hook.LastEntry().Data["pool"])
}

func TestTrackerPricesFallback(t *testing.T) {
	logger, _ := test.NewNullLogger()
	log := logrus.NewEntry(logger)

	assert.Equal(t, 172.5, NewTracker(fixedPrice{price: 172.5}, log).Prices(context.Background()).SOLUSD)
	assert.Equal(t, FallbackSOLPrice, NewTracker(fixedPrice{err: errors.New("down")}, log).Prices(context.Background()).SOLUSD)
	assert.Equal(t, FallbackSOLPrice, NewTracker(nil, log).Prices(context.Background()).SOLUSD)
}

func TestSummarize(t *testing.T) {
	logger, _ := test.NewNullLogger()
	tracker := NewTracker(fixedPrice{price: 100}, logrus.NewEntry(logger))

	pools := []meteora.Pool{{
		Address:      "p1",
		Name:         "SOL-USDC",
		MintX:        opportunity.SOLMint,
		MintY:        opportunity.USDCMint,
		CurrentPrice: utils.Float(100),
		Liquidity:    utils.Float(50000),
		Fees:         meteora.Window{Min30: utils.Float(300)},
	}}
	inputs := []Input{
		{PositionAddress: "pos1", PoolAddress: "p1", Raw: RawAmounts{AmountX: "1000000000", AmountY: "50000000"}},
		{PositionAddress: "pos2", PoolAddress: "missing", Raw: RawAmounts{AmountX: "1000000"}},
	}

	s := tracker.Summarize(context.Background(), pools, inputs)

	require.Len(t, s.Positions, 2)
	assert.True(t, s.Positions[0].InPoolCache)
	assert.InDelta(t, 0.6, s.Positions[0].FeeRate30m, 1e-9)
	assert.InDelta(t, 150.0, s.Positions[0].ValueUSD, 1e-9)
	assert.False(t, s.Positions[1].InPoolCache)
	assert.Zero(t, s.Positions[1].ValueUSD)
	assert.InDelta(t, 150.0, s.TotalValueUSD, 1e-9)
	assert.InDelta(t, 0.6, s.BestFeeRate30m, 1e-9)
	assert.Equal(t, 100.0, s.SOLPriceUSD)
}

func TestBinPrice(t *testing.T) {
	assert.InDelta(t, 1000.0, BinPrice(0, 10, opportunity.SOLMint, opportunity.USDCMint), 1e-9)
	assert.InDelta(t, 1.0, BinPrice(0, 25, "unknown", opportunity.USDCMint), 1e-12)
	up := BinPrice(100, 10, "unknown", opportunity.USDCMint)
	assert.InDelta(t, math.Pow(1.001, 100), up, 1e-9)
	assert.Less(t, BinPrice(-100, 10, "unknown", opportunity.USDCMint), 1.0)
}
