package models

import "time"

// Position status values
const (
	PositionActive = "active"
	PositionClosed = "closed"
	PositionFailed = "failed"
)

// Queue action types
const (
	ActionTakeProfit = "take_profit"
	ActionStopLoss   = "stop_loss"
	ActionCompound   = "compound"
	ActionRebalance  = "rebalance"
)

// Queue entry status values
const (
	QueuePending    = "pending"
	QueueProcessing = "processing"
	QueueCompleted  = "completed"
	QueueFailed     = "failed"
)

// Transaction types and statuses
const (
	TxRemove   = "remove"
	TxAdd      = "add"
	TxCompound = "compound"

	TxPending   = "pending"
	TxConfirmed = "confirmed"
	TxFinalized = "finalized"
	TxFailed    = "failed"
)

// Rule value types for take profit / stop loss
const (
	RuleTypePercentage = "percentage"
	RuleTypeUSD        = "usd"
)

// Rebalance trigger types
const (
	TriggerFeeThreshold = "fee_threshold"
	TriggerPriceDrift   = "price_drift"
)

const DefaultCompoundThresholdUSD = 10.0

// LiquidityPosition is a user's DLMM position as last observed on chain
type LiquidityPosition struct {
	ID              uint   `json:"id" gorm:"primaryKey"`
	PositionAddress string `json:"position_address" gorm:"type:varchar(64);uniqueIndex;not null"`
	WalletAddress   string `json:"wallet_address" gorm:"type:varchar(64);index;not null"`
	PoolAddress     string `json:"pool_address" gorm:"type:varchar(64);index;not null"`
	TokenXMint      string `json:"token_x_mint" gorm:"type:varchar(64)"`
	TokenYMint      string `json:"token_y_mint" gorm:"type:varchar(64)"`
	TokenXSymbol    string `json:"token_x_symbol" gorm:"type:varchar(32)"`
	TokenYSymbol    string `json:"token_y_symbol" gorm:"type:varchar(32)"`

	InitialAmountX  float64 `json:"initial_amount_x"`
	InitialAmountY  float64 `json:"initial_amount_y"`
	InitialValueUSD float64 `json:"initial_value_usd"`
	CurrentAmountX  float64 `json:"current_amount_x"`
	CurrentAmountY  float64 `json:"current_amount_y"`
	CurrentValueUSD float64 `json:"current_value_usd"`
	// raw base-unit amounts from the last chain read, used to reopen on rebalance
	RawAmountX string `json:"-" gorm:"type:varchar(40)"`
	RawAmountY string `json:"-" gorm:"type:varchar(40)"`

	LowerPrice  float64 `json:"lower_price"`
	UpperPrice  float64 `json:"upper_price"`
	LowerBinID  int     `json:"lower_bin_id"`
	UpperBinID  int     `json:"upper_bin_id"`
	ActiveBinID int     `json:"active_bin_id"`
	InRange     bool    `json:"in_range"`
	Strategy    string  `json:"strategy" gorm:"type:varchar(32)"`

	Status           string  `json:"status" gorm:"type:varchar(16);index;not null"`
	FeesEarnedUSD    float64 `json:"fees_earned_usd"`
	ProfitPercentage float64 `json:"profit_percentage"`

	OpenedAt        time.Time  `json:"opened_at"`
	ClosedAt        *time.Time `json:"closed_at"`
	CloseReason     string     `json:"close_reason" gorm:"type:varchar(32)"`
	LastMonitoredAt *time.Time `json:"last_monitored_at"`
	CreatedAt       time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt       time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for LiquidityPosition
func (LiquidityPosition) TableName() string {
	return "liquidity_positions"
}

// PositionAutomationRules holds the per-position automation settings
type PositionAutomationRules struct {
	ID              uint   `json:"id" gorm:"primaryKey"`
	PositionAddress string `json:"position_address" gorm:"type:varchar(64);uniqueIndex;not null"`

	TakeProfitEnabled bool    `json:"take_profit_enabled"`
	TakeProfitType    string  `json:"take_profit_type" gorm:"type:varchar(16)"`
	TakeProfitValue   float64 `json:"take_profit_value"`
	StopLossEnabled   bool    `json:"stop_loss_enabled"`
	StopLossType      string  `json:"stop_loss_type" gorm:"type:varchar(16)"`
	StopLossValue     float64 `json:"stop_loss_value"`

	AutoCompoundEnabled     bool    `json:"auto_compound_enabled"`
	CompoundFrequencyHours  int     `json:"compound_frequency_hours"`
	CompoundMinThresholdUSD float64 `json:"compound_min_threshold_usd" gorm:"column:compound_min_threshold_usd"`

	RebalancingEnabled bool        `json:"rebalancing_enabled"`
	RebalanceTriggers  TriggerList `json:"rebalance_triggers" gorm:"type:jsonb"`

	LastCompoundAt  *time.Time `json:"last_compound_at"`
	LastRebalanceAt *time.Time `json:"last_rebalance_at"`
	CreatedAt       time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt       time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for PositionAutomationRules
func (PositionAutomationRules) TableName() string {
	return "position_automation_rules"
}

// AutomationConfig holds wallet level automation defaults and the master switch
type AutomationConfig struct {
	ID                    uint      `json:"id" gorm:"primaryKey"`
	WalletAddress         string    `json:"wallet_address" gorm:"type:varchar(64);uniqueIndex;not null"`
	AutomationEnabled     bool      `json:"automation_enabled"`
	DefaultTakeProfit     float64   `json:"default_take_profit"`
	DefaultStopLoss       float64   `json:"default_stop_loss"`
	DefaultCompoundHours  int       `json:"default_compound_hours"`
	DefaultCompoundMinUSD float64   `json:"default_compound_min_usd" gorm:"column:default_compound_min_usd"`
	NotifyOnTrigger       bool      `json:"notify_on_trigger"`
	CreatedAt             time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt             time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for AutomationConfig
func (AutomationConfig) TableName() string {
	return "automation_configs"
}

// NewAutomationConfig returns the defaults used when a wallet has no row
func NewAutomationConfig(wallet string) *AutomationConfig {
	return &AutomationConfig{
		WalletAddress:         wallet,
		AutomationEnabled:     true,
		DefaultTakeProfit:     20,
		DefaultStopLoss:       -10,
		DefaultCompoundHours:  24,
		DefaultCompoundMinUSD: DefaultCompoundThresholdUSD,
		NotifyOnTrigger:       true,
	}
}

// LiquidityTransaction is the log of executed on-chain actions
type LiquidityTransaction struct {
	ID              uint       `json:"id" gorm:"primaryKey"`
	PositionAddress string     `json:"position_address" gorm:"type:varchar(64);index"`
	WalletAddress   string     `json:"wallet_address" gorm:"type:varchar(64);index"`
	TransactionType string     `json:"transaction_type" gorm:"type:varchar(16)"`
	Signature       string     `json:"signature" gorm:"type:varchar(100);index"`
	Status          string     `json:"status" gorm:"type:varchar(16);index"`
	Metadata        JSONMap    `json:"metadata" gorm:"type:jsonb"`
	ConfirmedAt     *time.Time `json:"confirmed_at"`
	CreatedAt       time.Time  `json:"created_at" gorm:"autoCreateTime"`
}

// TableName specifies the table name for LiquidityTransaction
func (LiquidityTransaction) TableName() string {
	return "liquidity_transactions"
}

// ActionQueueEntry is the single outstanding automation action of a position
type ActionQueueEntry struct {
	ID              uint       `json:"id" gorm:"primaryKey"`
	PositionAddress string     `json:"position_address" gorm:"type:varchar(64);uniqueIndex;not null"`
	ActionType      string     `json:"action_type" gorm:"type:varchar(16);not null"`
	Status          string     `json:"status" gorm:"type:varchar(16);index;not null"`
	ErrorMessage    string     `json:"error_message" gorm:"type:text"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
	ProcessedAt     *time.Time `json:"processed_at"`
}

// TableName specifies the table name for ActionQueueEntry
func (ActionQueueEntry) TableName() string {
	return "position_monitoring_queue"
}

// PoolFavorite is a pool bookmarked by a wallet. A pool is favorited at
// most once per wallet.
type PoolFavorite struct {
	ID            uint      `json:"id" gorm:"primaryKey"`
	WalletAddress string    `json:"wallet_address" gorm:"type:varchar(64);uniqueIndex:idx_pool_favorites_wallet_pool;not null"`
	PoolAddress   string    `json:"pool_address" gorm:"type:varchar(64);uniqueIndex:idx_pool_favorites_wallet_pool;not null"`
	PairName      string    `json:"pair_name" gorm:"type:varchar(64)"`
	TokenXMint    string    `json:"token_x_mint" gorm:"type:varchar(64)"`
	TokenYMint    string    `json:"token_y_mint" gorm:"type:varchar(64)"`
	TokenXSymbol  string    `json:"token_x_symbol" gorm:"type:varchar(32)"`
	TokenYSymbol  string    `json:"token_y_symbol" gorm:"type:varchar(32)"`
	CreatedAt     time.Time `json:"created_at"`
}

// TableName specifies the table name for PoolFavorite
func (PoolFavorite) TableName() string {
	return "pool_favorites"
}
