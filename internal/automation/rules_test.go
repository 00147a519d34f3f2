package automation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"dlmmrotation/internal/models"
)

func TestProfitPercentage(t *testing.T) {
	assert.InDelta(t, 25.0, ProfitPercentage(1000, 1200, 50), 1e-9)
	assert.InDelta(t, -10.0, ProfitPercentage(1000, 880, 20), 1e-9)
	assert.Zero(t, ProfitPercentage(0, 1200, 50))
	assert.Zero(t, ProfitPercentage(-5, 1200, 50))
}

func TestEvaluateRulesOrder(t *testing.T) {
	rules := models.PositionAutomationRules{
		TakeProfitEnabled:  true,
		TakeProfitType:     models.RuleTypePercentage,
		TakeProfitValue:    20,
		StopLossEnabled:    true,
		StopLossType:       models.RuleTypePercentage,
		StopLossValue:      -10,
		RebalancingEnabled: true,
		RebalanceTriggers:  models.TriggerList{{Type: models.TriggerFeeThreshold, Value: 5}},
	}

	tests := []struct {
		name   string
		pos    models.LiquidityPosition
		action string
	}{
		{"take profit wins over rebalance", models.LiquidityPosition{ProfitPercentage: 25, FeesEarnedUSD: 100}, models.ActionTakeProfit},
		{"take profit at threshold", models.LiquidityPosition{ProfitPercentage: 20}, models.ActionTakeProfit},
		{"stop loss", models.LiquidityPosition{ProfitPercentage: -12, FeesEarnedUSD: 100}, models.ActionStopLoss},
		{"stop loss at threshold", models.LiquidityPosition{ProfitPercentage: -10}, models.ActionStopLoss},
		{"rebalance on fees", models.LiquidityPosition{ProfitPercentage: 3, FeesEarnedUSD: 5}, models.ActionRebalance},
		{"nothing", models.LiquidityPosition{ProfitPercentage: 3, FeesEarnedUSD: 1}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ok := EvaluateRules(tt.pos, rules)
			assert.Equal(t, tt.action != "", ok)
			assert.Equal(t, tt.action, d.Action)
		})
	}
}

func TestEvaluateRulesUSDType(t *testing.T) {
	rules := models.PositionAutomationRules{
		TakeProfitEnabled: true,
		TakeProfitType:    models.RuleTypeUSD,
		TakeProfitValue:   100,
		StopLossEnabled:   true,
		StopLossType:      models.RuleTypeUSD,
		StopLossValue:     -50,
	}
	pos := models.LiquidityPosition{InitialValueUSD: 1000, CurrentValueUSD: 1080, FeesEarnedUSD: 30, ProfitPercentage: 11}
	d, ok := EvaluateRules(pos, rules)
	assert.True(t, ok)
	assert.Equal(t, models.ActionTakeProfit, d.Action)
	assert.Contains(t, d.Reason, "$")

	pos = models.LiquidityPosition{InitialValueUSD: 1000, CurrentValueUSD: 940, FeesEarnedUSD: 5}
	d, ok = EvaluateRules(pos, rules)
	assert.True(t, ok)
	assert.Equal(t, models.ActionStopLoss, d.Action)

	pos = models.LiquidityPosition{InitialValueUSD: 1000, CurrentValueUSD: 990}
	_, ok = EvaluateRules(pos, rules)
	assert.False(t, ok)
}

func TestPriceDriftTrigger(t *testing.T) {
	rules := models.PositionAutomationRules{
		RebalancingEnabled: true,
		RebalanceTriggers:  models.TriggerList{{Type: models.TriggerPriceDrift, Value: 3}},
	}
	pos := models.LiquidityPosition{LowerBinID: 100, UpperBinID: 120}

	for active, want := range map[int]bool{110: false, 97: false, 96: true, 123: false, 124: true} {
		pos.ActiveBinID = active
		_, ok := EvaluateRules(pos, rules)
		assert.Equal(t, want, ok, "active bin %d", active)
	}

	rules.RebalancingEnabled = false
	pos.ActiveBinID = 200
	_, ok := EvaluateRules(pos, rules)
	assert.False(t, ok)
}

func TestCompoundDue(t *testing.T) {
	opened := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	pos := models.LiquidityPosition{Status: models.PositionActive, OpenedAt: opened, FeesEarnedUSD: 12}
	rules := models.PositionAutomationRules{AutoCompoundEnabled: true, CompoundFrequencyHours: 6, CompoundMinThresholdUSD: 10}

	assert.False(t, CompoundDue(pos, rules, opened.Add(5*time.Hour)))
	assert.True(t, CompoundDue(pos, rules, opened.Add(6*time.Hour)))

	last := opened.Add(10 * time.Hour)
	rules.LastCompoundAt = &last
	assert.False(t, CompoundDue(pos, rules, opened.Add(12*time.Hour)))
	assert.True(t, CompoundDue(pos, rules, opened.Add(16*time.Hour)))

	pos.FeesEarnedUSD = 9.99
	assert.False(t, CompoundDue(pos, rules, opened.Add(16*time.Hour)))

	// zero values fall back to 24h and $10
	pos.FeesEarnedUSD = 10
	rules = models.PositionAutomationRules{AutoCompoundEnabled: true}
	assert.False(t, CompoundDue(pos, rules, opened.Add(23*time.Hour)))
	assert.True(t, CompoundDue(pos, rules, opened.Add(24*time.Hour)))

	pos.Status = models.PositionClosed
	assert.False(t, CompoundDue(pos, rules, opened.Add(48*time.Hour)))
}

func TestRebalanceRange(t *testing.T) {
	lower, upper := RebalanceRange(500, 20)
	assert.Equal(t, 490, lower)
	assert.Equal(t, 510, upper)

	lower, upper = RebalanceRange(500, 21)
	assert.Equal(t, 21, upper-lower)
	assert.LessOrEqual(t, lower, 500)
	assert.GreaterOrEqual(t, upper, 500)
}
