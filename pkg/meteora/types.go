package meteora

import "dlmmrotation/pkg/utils"

// Pool is a DLMM pair as returned by /pair/all and /pair/groups/{id}.
// Only the consumed fields are decoded.
type Pool struct {
	Address           string      `json:"address"`
	Name              string      `json:"name"`
	MintX             string      `json:"mint_x"`
	MintY             string      `json:"mint_y"`
	CurrentPrice      utils.Float `json:"current_price"`
	Liquidity         utils.Float `json:"liquidity"`
	Fees24h           utils.Float `json:"fees_24h"`
	Fees              Window      `json:"fees"`
	Volume            Window      `json:"volume"`
	BinStep           utils.Int   `json:"bin_step"`
	BaseFeePercentage utils.Float `json:"base_fee_percentage"`
	IsBlacklisted     bool        `json:"is_blacklisted"`
	Hide              bool        `json:"hide"`
}

// Window holds rolling totals keyed by period
type Window struct {
	Min30  utils.Float `json:"min_30"`
	Hour1  utils.Float `json:"hour_1"`
	Hour24 utils.Float `json:"hour_24"`
}

func (p Pool) TVL() float64 {
	if p.Liquidity < 0 {
		return 0
	}
	return p.Liquidity.Float64()
}

func (p Pool) Fees30m() float64 { return p.Fees.Min30.Float64() }

func (p Pool) Volume30m() float64 { return p.Volume.Min30.Float64() }

func (p Pool) Volume24h() float64 { return p.Volume.Hour24.Float64() }

// FeesDaily prefers fees.hour_24 and falls back to fees_24h.
func (p Pool) FeesDaily() float64 {
	if v := p.Fees.Hour24.Float64(); v > 0 {
		return v
	}
	return p.Fees24h.Float64()
}

// FeeRate30m is the 30 minute fee revenue as a percentage of TVL.
func (p Pool) FeeRate30m() float64 {
	tvl := p.TVL()
	if tvl <= 0 {
		return 0
	}
	return p.Fees30m() / tvl * 100
}

// APR annualises the daily fee yield.
func (p Pool) APR() float64 {
	tvl := p.TVL()
	if tvl <= 0 {
		return 0
	}
	return p.FeesDaily() / tvl * 365 * 100
}

// Group is a token pair group from /pair/groups. Its id is the
// lexical_order_mints field.
type Group struct {
	Name              string      `json:"name"`
	LexicalOrderMints string      `json:"lexical_order_mints"`
	TotalTVL          utils.Float `json:"total_tvl"`
	TotalVolume       utils.Float `json:"total_volume"`
	PairCount         utils.Int   `json:"pair_count"`
}

type pagedResponse[T any] struct {
	Data  []T       `json:"data"`
	Pages utils.Int `json:"pages"`
}
