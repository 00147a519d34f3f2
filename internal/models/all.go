package models

// All lists every persisted model, in dependency order, for AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&User{},
		&TelegramAuthCode{},
		&MonitorConfig{},
		&OpportunitySnapshot{},
		&LiquidityPosition{},
		&PositionAutomationRules{},
		&AutomationConfig{},
		&LiquidityTransaction{},
		&ActionQueueEntry{},
		&PoolFavorite{},
	}
}
