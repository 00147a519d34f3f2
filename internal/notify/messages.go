package notify

import (
	"fmt"
	"html"
	"strings"

	"dlmmrotation/internal/models"
	"dlmmrotation/internal/opportunity"
)

const (
	meteoraPoolURL  = "https://app.meteora.ag/dlmm/"
	solscanAccount  = "https://solscan.io/account/"
	solscanTx       = "https://solscan.io/tx/"
	defaultReason   = "New opportunity"
	maxDegenEntries = 5
)

// OpportunityMessage formats one new or improved pool.
func OpportunityMessage(o opportunity.Opportunity) string {
	reason := o.Reason
	if reason == "" {
		reason = defaultReason
	}
	var b strings.Builder
	b.WriteString("🚀 <b>New Capital Rotation Opportunity!</b>\n\n")
	fmt.Fprintf(&b, "<b>Pool:</b> %s\n", html.EscapeString(o.PairName))
	fmt.Fprintf(&b, "<b>Reason:</b> %s\n\n", html.EscapeString(reason))
	b.WriteString("💰 <b>Metrics:</b>\n")
	fmt.Fprintf(&b, "• Fee Rate (30min): %.4f%%\n", o.FeeRate30m)
	fmt.Fprintf(&b, "• 30min Fees: $%.2f\n", o.Fees30m)
	fmt.Fprintf(&b, "• 30min Volume: $%.2f\n", o.Volume30m)
	fmt.Fprintf(&b, "• Liquidity: $%.2f\n\n", o.Liquidity)
	b.WriteString("⚙️ <b>Config:</b>\n")
	fmt.Fprintf(&b, "• Bin Step: %d\n", o.BinStep)
	fmt.Fprintf(&b, "• Base Fee: %g%%\n\n", o.BaseFee)
	fmt.Fprintf(&b, `<a href="%s%s">View on Meteora</a>`, meteoraPoolURL, o.Address)
	return b.String()
}

// HotPool is a pool above a wallet's degen threshold.
type HotPool struct {
	Address string
	Name    string
	TVL     float64
	Fees30m float64
	FeeRate float64
}

// DegenMessage lists up to five hot pools.
func DegenMessage(pools []HotPool, threshold float64) string {
	if len(pools) > maxDegenEntries {
		pools = pools[:maxDegenEntries]
	}
	var b strings.Builder
	b.WriteString("🚨 <b>DEGEN ALERT</b> 🚨\n\n")
	fmt.Fprintf(&b, "Found %d pool(s) with fee rate ≥ %g%%:\n\n", len(pools), threshold)
	for i, p := range pools {
		fmt.Fprintf(&b, "<b>%d. %s</b>\n", i+1, html.EscapeString(p.Name))
		fmt.Fprintf(&b, "   Fee Rate: <b>%.2f%%</b>\n", p.FeeRate)
		fmt.Fprintf(&b, "   TVL: $%.0f\n", p.TVL)
		fmt.Fprintf(&b, "   30min Fees: $%.2f\n", p.Fees30m)
		fmt.Fprintf(&b, "   🔗 <a href=\"%s%s\">Trade on Meteora</a>\n\n", meteoraPoolURL, p.Address)
	}
	b.WriteString("⚡️ High fee rates don't last long.")
	return b.String()
}

func pairLabel(pos models.LiquidityPosition) string {
	x, y := pos.TokenXSymbol, pos.TokenYSymbol
	if x == "" {
		x = shorten(pos.TokenXMint)
	}
	if y == "" {
		y = shorten(pos.TokenYMint)
	}
	return html.EscapeString(x + "/" + y)
}

func shorten(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:4] + "…" + s[len(s)-4:]
}

// TriggerMessage announces an enqueued automation action.
func TriggerMessage(action string, pos models.LiquidityPosition) string {
	var b strings.Builder
	switch action {
	case models.ActionTakeProfit:
		b.WriteString("🎯 <b>Take Profit Triggered</b>\n\n")
		fmt.Fprintf(&b, "Position: %s\nProfit: %.2f%%\nPosition queued for closure.\n\n", pairLabel(pos), pos.ProfitPercentage)
	case models.ActionStopLoss:
		b.WriteString("🛑 <b>Stop Loss Triggered</b>\n\n")
		fmt.Fprintf(&b, "Position: %s\nLoss: %.2f%%\nPosition queued for closure.\n\n", pairLabel(pos), pos.ProfitPercentage)
	case models.ActionCompound:
		b.WriteString("💰 <b>Auto-Compound Queued</b>\n\n")
		fmt.Fprintf(&b, "Position: %s\nFees: $%.2f\nReinvesting fees.\n\n", pairLabel(pos), pos.FeesEarnedUSD)
	case models.ActionRebalance:
		b.WriteString("⚖️ <b>Rebalancing Position</b>\n\n")
		fmt.Fprintf(&b, "Position: %s\nActive bin %d, range [%d, %d].\nAdjusting liquidity range.\n\n",
			pairLabel(pos), pos.ActiveBinID, pos.LowerBinID, pos.UpperBinID)
	default:
		fmt.Fprintf(&b, "<b>%s</b>\n\nPosition: %s\n\n", html.EscapeString(action), pairLabel(pos))
	}
	fmt.Fprintf(&b, `<a href="%s%s">View Position</a>`, solscanAccount, pos.PositionAddress)
	return b.String()
}

// ExecutionMessage reports the outcome of an executed queue entry.
func ExecutionMessage(action string, pos models.LiquidityPosition, signature string, execErr error) string {
	var b strings.Builder
	if execErr != nil {
		fmt.Fprintf(&b, "❌ <b>Automation failed</b>: %s\n\n", html.EscapeString(action))
		fmt.Fprintf(&b, "Position: %s\nError: %s\n\n", pairLabel(pos), html.EscapeString(execErr.Error()))
		fmt.Fprintf(&b, `<a href="%s%s">View Position</a>`, solscanAccount, pos.PositionAddress)
		return b.String()
	}
	fmt.Fprintf(&b, "✅ <b>Automation executed</b>: %s\n\n", html.EscapeString(action))
	fmt.Fprintf(&b, "Position: %s\n\n", pairLabel(pos))
	if signature != "" {
		fmt.Fprintf(&b, `<a href="%s%s">View Transaction</a>`, solscanTx, signature)
	} else {
		fmt.Fprintf(&b, `<a href="%s%s">View Position</a>`, solscanAccount, pos.PositionAddress)
	}
	return b.String()
}
