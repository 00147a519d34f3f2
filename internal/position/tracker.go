// Package position values DLMM positions from raw on-chain amounts.
package position

import (
	"context"
	"math"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"dlmmrotation/internal/opportunity"
	"dlmmrotation/pkg/meteora"
)

// FallbackSOLPrice is used when no live SOL price can be obtained.
const FallbackSOLPrice = 150.0

const defaultDecimals = 6

var tokenDecimals = map[string]int32{
	opportunity.SOLMint:                            9,
	opportunity.USDCMint:                           6,
	"Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB": 6, // USDT
	"JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN":  6, // JUP
	"DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263": 5, // BONK
	"mSoLzYCxHdYgdzU16g5QSh3i5K3z3KZK7ytfqcJm7So":  9, // mSOL
	"J1toso1uCk3RLmjorhTtrVwY9HJ7X8V9yYac6Y7kGCPn": 9, // jitoSOL
}

// Decimals returns the known decimals for mint, or 6.
func Decimals(mint string) int32 {
	if d, ok := tokenDecimals[mint]; ok {
		return d
	}
	return defaultDecimals
}

// RawAmounts are base-unit integer strings as read from chain.
type RawAmounts struct {
	AmountX string
	AmountY string
	FeeX    string
	FeeY    string
}

type Prices struct {
	SOLUSD float64
}

// Value is a position valued in USD. Priced is false when neither side of
// the pool is a known quote token; the USD fields are then 0.
type Value struct {
	TokenXAmount   float64 `json:"tokenXAmount"`
	TokenYAmount   float64 `json:"tokenYAmount"`
	ValueUSD       float64 `json:"valueUsd"`
	FeesPendingUSD float64 `json:"feesPendingUsd"`
	Priced         bool    `json:"priced"`
}

// TokenPrices derives USD prices for both sides of pool from its current
// price (Y per X), anchoring on USDC first and SOL second.
func TokenPrices(pool meteora.Pool, solUSD float64) (priceX, priceY float64, ok bool) {
	price := pool.CurrentPrice.Float64()
	anchor := func(mint string) (float64, bool) {
		switch mint {
		case opportunity.USDCMint:
			return 1, true
		case opportunity.SOLMint:
			return solUSD, true
		}
		return 0, false
	}

	for _, quote := range []string{opportunity.USDCMint, opportunity.SOLMint} {
		if pool.MintY == quote {
			py, _ := anchor(quote)
			return price * py, py, true
		}
		if pool.MintX == quote {
			px, _ := anchor(quote)
			if price <= 0 {
				return px, 0, true
			}
			return px, px / price, true
		}
	}
	return 0, 0, false
}

func scale(raw string, decimals int32) decimal.Decimal {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d.Shift(-decimals)
}

// ComputePositionValue converts raw amounts to token units and prices them.
func ComputePositionValue(pool meteora.Pool, raw RawAmounts, prices Prices) Value {
	dx, dy := Decimals(pool.MintX), Decimals(pool.MintY)
	amountX, amountY := scale(raw.AmountX, dx), scale(raw.AmountY, dy)
	feeX, feeY := scale(raw.FeeX, dx), scale(raw.FeeY, dy)

	v := Value{
		TokenXAmount: amountX.InexactFloat64(),
		TokenYAmount: amountY.InexactFloat64(),
	}
	px, py, ok := TokenPrices(pool, prices.SOLUSD)
	if !ok {
		return v
	}
	priceX, priceY := decimal.NewFromFloat(px), decimal.NewFromFloat(py)
	v.ValueUSD = amountX.Mul(priceX).Add(amountY.Mul(priceY)).InexactFloat64()
	v.FeesPendingUSD = feeX.Mul(priceX).Add(feeY.Mul(priceY)).InexactFloat64()
	v.Priced = true
	return v
}

// SOLPriceSource is satisfied by utils.JupiterClient.
type SOLPriceSource interface {
	GetSOLPrice(ctx context.Context) (float64, bool, error)
}

// Tracker values positions using a live SOL price.
type Tracker struct {
	prices SOLPriceSource
	log    *logrus.Entry
}

func NewTracker(prices SOLPriceSource, log *logrus.Entry) *Tracker {
	return &Tracker{prices: prices, log: log}
}

// Prices returns the current price inputs, falling back to FallbackSOLPrice.
func (t *Tracker) Prices(ctx context.Context) Prices {
	if t.prices == nil {
		return Prices{SOLUSD: FallbackSOLPrice}
	}
	price, cached, err := t.prices.GetSOLPrice(ctx)
	if err != nil || price <= 0 {
		t.log.WithError(err).Warnf("SOL price unavailable, using fallback %.2f", FallbackSOLPrice)
		return Prices{SOLUSD: FallbackSOLPrice}
	}
	if cached {
		t.log.Debug("using cached SOL price")
	}
	return Prices{SOLUSD: price}
}

// Value prices one position and logs pools that cannot be priced.
func (t *Tracker) Value(pool meteora.Pool, raw RawAmounts, prices Prices) Value {
	v := ComputePositionValue(pool, raw, prices)
	if !v.Priced {
		t.log.WithFields(logrus.Fields{
			"pool":   pool.Address,
			"mint_x": pool.MintX,
			"mint_y": pool.MintY,
		}).Warn("no quote token on either side, position valued at 0")
	}
	return v
}

// Holding is one entry of a wallet summary.
type Holding struct {
	PositionAddress string  `json:"positionAddress"`
	PoolAddress     string  `json:"poolAddress"`
	PairName        string  `json:"pairName"`
	FeeRate30m      float64 `json:"feeRate30min"`
	Liquidity       float64 `json:"liquidity"`
	InPoolCache     bool    `json:"inPoolCache"`
	Value
}

type Summary struct {
	Positions      []Holding `json:"positions"`
	TotalValueUSD  float64   `json:"totalValueUsd"`
	TotalFeesUSD   float64   `json:"totalFeesUsd"`
	BestFeeRate30m float64   `json:"bestFeeRate30min"`
	SOLPriceUSD    float64   `json:"solPriceUsd"`
}

// Input is one position to summarize.
type Input struct {
	PositionAddress string
	PoolAddress     string
	Raw             RawAmounts
}

// Summarize values every position against the pool list. Positions whose
// pool is absent from pools keep token amounts only.
func (t *Tracker) Summarize(ctx context.Context, pools []meteora.Pool, positions []Input) Summary {
	byAddress := make(map[string]meteora.Pool, len(pools))
	for _, p := range pools {
		byAddress[p.Address] = p
	}
	prices := t.Prices(ctx)

	out := Summary{Positions: make([]Holding, 0, len(positions)), SOLPriceUSD: prices.SOLUSD}
	for _, in := range positions {
		h := Holding{PositionAddress: in.PositionAddress, PoolAddress: in.PoolAddress}
		pool, ok := byAddress[in.PoolAddress]
		if ok {
			h.InPoolCache = true
			h.PairName = pool.Name
			h.FeeRate30m = FeeRate30m(pool)
			h.Liquidity = pool.TVL()
			h.Value = t.Value(pool, in.Raw, prices)
		} else {
			h.Value = ComputePositionValue(meteora.Pool{Address: in.PoolAddress}, in.Raw, prices)
		}
		out.TotalValueUSD += h.ValueUSD
		out.TotalFeesUSD += h.FeesPendingUSD
		if h.FeeRate30m > out.BestFeeRate30m {
			out.BestFeeRate30m = h.FeeRate30m
		}
		out.Positions = append(out.Positions, h)
	}
	return out
}

// FeeRate30m is the pool's 30 minute fee rate in percent.
func FeeRate30m(pool meteora.Pool) float64 {
	return pool.FeeRate30m()
}

// BinPrice is the Y per X price of a DLMM bin in token units.
func BinPrice(binID, binStep int, mintX, mintY string) float64 {
	perLamport := math.Pow(1+float64(binStep)/10000, float64(binID))
	return perLamport * math.Pow10(int(Decimals(mintX)-Decimals(mintY)))
}
