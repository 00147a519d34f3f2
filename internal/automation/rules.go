// Package automation evaluates take profit, stop loss, compound and
// rebalance rules against live position data, queues the resulting actions
// and executes them through the SDK service.
package automation

import (
	"fmt"
	"time"

	"dlmmrotation/internal/models"
)

const defaultCompoundHours = 24

// ProfitPercentage is (current + fees - initial) / initial in percent, or 0
// when the initial value is unknown.
func ProfitPercentage(initial, current, fees float64) float64 {
	if initial <= 0 {
		return 0
	}
	return (current + fees - initial) / initial * 100
}

// Decision is the outcome of evaluating one position's rules.
type Decision struct {
	Action string
	Reason string
}

func profitUSD(pos models.LiquidityPosition) float64 {
	return pos.CurrentValueUSD + pos.FeesEarnedUSD - pos.InitialValueUSD
}

// measure returns the value a take profit or stop loss rule compares
// against, depending on the rule type.
func measure(ruleType string, pos models.LiquidityPosition) (float64, string) {
	if ruleType == models.RuleTypeUSD {
		return profitUSD(pos), "$"
	}
	return pos.ProfitPercentage, "%"
}

// EvaluateRules decides what to do with an active position. Take profit
// wins over stop loss, and both win over rebalancing.
func EvaluateRules(pos models.LiquidityPosition, rules models.PositionAutomationRules) (Decision, bool) {
	if rules.TakeProfitEnabled {
		v, unit := measure(rules.TakeProfitType, pos)
		if v >= rules.TakeProfitValue {
			return Decision{
				Action: models.ActionTakeProfit,
				Reason: fmt.Sprintf("profit %.2f%s >= %.2f%s", v, unit, rules.TakeProfitValue, unit),
			}, true
		}
	}
	if rules.StopLossEnabled {
		v, unit := measure(rules.StopLossType, pos)
		if v <= rules.StopLossValue {
			return Decision{
				Action: models.ActionStopLoss,
				Reason: fmt.Sprintf("profit %.2f%s <= %.2f%s", v, unit, rules.StopLossValue, unit),
			}, true
		}
	}
	if rules.RebalancingEnabled {
		for _, t := range rules.RebalanceTriggers {
			if reason, fired := triggerFired(t, pos); fired {
				return Decision{Action: models.ActionRebalance, Reason: reason}, true
			}
		}
	}
	return Decision{}, false
}

func triggerFired(t models.RebalanceTrigger, pos models.LiquidityPosition) (string, bool) {
	switch t.Type {
	case models.TriggerFeeThreshold:
		if pos.FeesEarnedUSD >= t.Value {
			return fmt.Sprintf("fees $%.2f >= $%.2f", pos.FeesEarnedUSD, t.Value), true
		}
	case models.TriggerPriceDrift:
		drift := 0
		switch {
		case pos.ActiveBinID < pos.LowerBinID:
			drift = pos.LowerBinID - pos.ActiveBinID
		case pos.ActiveBinID > pos.UpperBinID:
			drift = pos.ActiveBinID - pos.UpperBinID
		}
		if drift > 0 && float64(drift) > t.Value {
			return fmt.Sprintf("active bin %d is %d bins outside [%d, %d]", pos.ActiveBinID, drift, pos.LowerBinID, pos.UpperBinID), true
		}
	}
	return "", false
}

// CompoundDue reports whether a position should be compounded at now.
func CompoundDue(pos models.LiquidityPosition, rules models.PositionAutomationRules, now time.Time) bool {
	if !rules.AutoCompoundEnabled || pos.Status != models.PositionActive {
		return false
	}
	hours := rules.CompoundFrequencyHours
	if hours <= 0 {
		hours = defaultCompoundHours
	}
	minUSD := rules.CompoundMinThresholdUSD
	if minUSD <= 0 {
		minUSD = models.DefaultCompoundThresholdUSD
	}
	last := pos.OpenedAt
	if rules.LastCompoundAt != nil {
		last = *rules.LastCompoundAt
	}
	return now.Sub(last) >= time.Duration(hours)*time.Hour && pos.FeesEarnedUSD >= minUSD
}
