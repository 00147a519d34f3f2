package models

import (
	"time"

	"dlmmrotation/internal/opportunity"
)

const (
	DefaultIntervalMinutes = 15
	DefaultDegenThreshold  = 5.0
)

// MonitorConfig is the durable per-wallet monitoring setup. It is the
// source of truth for which monitor jobs should be armed.
type MonitorConfig struct {
	ID                  uint             `json:"id" gorm:"primaryKey"`
	WalletAddress       string           `json:"wallet_address" gorm:"type:varchar(64);uniqueIndex;not null"`
	Enabled             bool             `json:"enabled" gorm:"index"`
	IntervalMinutes     int              `json:"interval_minutes"`
	ThresholdMultiplier float64          `json:"threshold_multiplier"`
	TokenWhitelist      StringList       `json:"token_whitelist" gorm:"type:jsonb"`
	QuotePreferences    QuotePreferences `json:"quote_preferences" gorm:"type:jsonb"`
	MinFees30m          float64          `json:"min_fees_30min" gorm:"column:min_fees_30min"`
	LastCheck           *time.Time       `json:"last_check"`
	NextCheck           *time.Time       `json:"next_check"`

	// high fee rate alert mode
	DegenEnabled   bool    `json:"degen_enabled"`
	DegenThreshold float64 `json:"degen_threshold"`
	DegenNotified  TimeMap `json:"-" gorm:"type:jsonb"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for MonitorConfig
func (MonitorConfig) TableName() string {
	return "monitoring_configs"
}

// NewMonitorConfig returns a disabled config with the default settings
func NewMonitorConfig(wallet string) *MonitorConfig {
	return &MonitorConfig{
		WalletAddress:       wallet,
		IntervalMinutes:     DefaultIntervalMinutes,
		ThresholdMultiplier: opportunity.DefaultThresholdMultiplier,
		TokenWhitelist:      StringList{},
		QuotePreferences:    QuotePreferences{SOL: true, USDC: true},
		MinFees30m:          opportunity.DefaultMinFees30m,
		DegenThreshold:      DefaultDegenThreshold,
		DegenNotified:       TimeMap{},
	}
}

// Criteria builds evaluator input from the config
func (c *MonitorConfig) Criteria(currentPositions []string) opportunity.Criteria {
	return opportunity.Criteria{
		Whitelist:           c.TokenWhitelist,
		Quotes:              opportunity.QuotePreferences(c.QuotePreferences),
		MinFees30m:          c.MinFees30m,
		CurrentPositions:    currentPositions,
		ThresholdMultiplier: c.ThresholdMultiplier,
	}
}

// Interval returns the tick interval, never below one minute
func (c *MonitorConfig) Interval() time.Duration {
	if c.IntervalMinutes < 1 {
		return time.Minute
	}
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// OpportunitySnapshot is an append-only record of one check's results
type OpportunitySnapshot struct {
	ID            uint            `json:"id" gorm:"primaryKey"`
	WalletAddress string          `json:"wallet_address" gorm:"type:varchar(64);index:idx_snapshot_wallet_created,priority:1"`
	Opportunities OpportunityList `json:"opportunities" gorm:"type:jsonb"`
	CreatedAt     time.Time       `json:"created_at" gorm:"index:idx_snapshot_wallet_created,priority:2"`
}

// TableName specifies the table name for OpportunitySnapshot
func (OpportunitySnapshot) TableName() string {
	return "opportunity_snapshots"
}
