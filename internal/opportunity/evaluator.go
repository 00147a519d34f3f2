// Package opportunity ranks pools by 30 minute fee rate against a wallet's
// token preferences and finds what changed since the previous check.
package opportunity

import (
	"sort"

	"dlmmrotation/pkg/meteora"
)

const (
	SOLMint  = "So11111111111111111111111111111111111111112"
	USDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

	DefaultThresholdMultiplier = 1.3
	DefaultMinFees30m          = 100.0

	minLiquidity = 1000.0
	minVolume30m = 20.0
	maxResults   = 20
)

// QuotePreferences selects which quote tokens are acceptable pair sides
type QuotePreferences struct {
	SOL  bool `json:"sol"`
	USDC bool `json:"usdc"`
}

// Opportunity is a ranked pool. Score equals FeeRate30m.
type Opportunity struct {
	Address    string  `json:"address"`
	PairName   string  `json:"pairName"`
	FeeRate30m float64 `json:"feeRate30min"`
	Fees30m    float64 `json:"fees30min"`
	Volume30m  float64 `json:"volume30min"`
	Liquidity  float64 `json:"liquidity"`
	BinStep    int     `json:"binStep"`
	BaseFee    float64 `json:"baseFee"`
	MintX      string  `json:"mintX"`
	MintY      string  `json:"mintY"`
	Score      float64 `json:"score"`
	Reason     string  `json:"reason,omitempty"`
}

type Criteria struct {
	Whitelist  []string
	Quotes     QuotePreferences
	MinFees30m float64
	// CurrentPositions are pool addresses the wallet already provides
	// liquidity to.
	CurrentPositions []string
	// ThresholdMultiplier defaults to 1.3 when zero.
	ThresholdMultiplier float64
}

// FromPool converts a pool into an unranked opportunity record
func FromPool(p meteora.Pool) Opportunity {
	rate := p.FeeRate30m()
	return Opportunity{
		Address:    p.Address,
		PairName:   p.Name,
		FeeRate30m: rate,
		Fees30m:    p.Fees30m(),
		Volume30m:  p.Volume30m(),
		Liquidity:  p.TVL(),
		BinStep:    p.BinStep.Int(),
		BaseFee:    p.BaseFeePercentage.Float64(),
		MintX:      p.MintX,
		MintY:      p.MintY,
		Score:      rate,
	}
}

// Find returns at most 20 pools matching c, best fee rate first. It is a
// pure function of its inputs.
func Find(pools []meteora.Pool, c Criteria) []Opportunity {
	if len(c.Whitelist) == 0 {
		return []Opportunity{}
	}
	multiplier := c.ThresholdMultiplier
	if multiplier <= 0 {
		multiplier = DefaultThresholdMultiplier
	}

	whitelist := make(map[string]bool, len(c.Whitelist))
	allowed := make(map[string]bool, len(c.Whitelist)+2)
	for _, mint := range c.Whitelist {
		whitelist[mint] = true
		allowed[mint] = true
	}
	if c.Quotes.SOL {
		allowed[SOLMint] = true
	}
	if c.Quotes.USDC {
		allowed[USDCMint] = true
	}

	held := make(map[string]bool, len(c.CurrentPositions))
	for _, addr := range c.CurrentPositions {
		held[addr] = true
	}
	bestHeld := 0.0
	if len(held) > 0 {
		for _, p := range pools {
			if held[p.Address] && p.FeeRate30m() > bestHeld {
				bestHeld = p.FeeRate30m()
			}
		}
	}

	out := make([]Opportunity, 0)
	for _, p := range pools {
		if !allowed[p.MintX] || !allowed[p.MintY] {
			continue
		}
		if !whitelist[p.MintX] && !whitelist[p.MintY] && !(isQuotePair(p) && c.Quotes.SOL && c.Quotes.USDC) {
			continue
		}
		if p.TVL() < minLiquidity || p.Volume30m() < minVolume30m || p.Fees30m() < c.MinFees30m {
			continue
		}

		o := FromPool(p)
		if len(held) > 0 {
			if held[p.Address] || o.FeeRate30m <= bestHeld*multiplier {
				continue
			}
		}
		out = append(out, o)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Address < out[j].Address
	})
	if len(out) > maxResults {
		out = out[:maxResults]
	}
	return out
}

func isQuote(mint string) bool {
	return mint == SOLMint || mint == USDCMint
}

func isQuotePair(p meteora.Pool) bool {
	return isQuote(p.MintX) && isQuote(p.MintY)
}
