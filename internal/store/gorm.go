package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"dlmmrotation/internal/apperr"
	"dlmmrotation/internal/models"
)

// GormStore implements Repository on Postgres.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(format, args...)
	}
	return err
}

// ---- users ----

func (s *GormStore) GetUser(ctx context.Context, wallet string) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "wallet_address = ?", wallet).Error; err != nil {
		return nil, notFound(err, "wallet %s", wallet)
	}
	return &user, nil
}

func (s *GormStore) GetUserByChatID(ctx context.Context, chatID int64) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "telegram_chat_id = ?", chatID).Error; err != nil {
		return nil, notFound(err, "chat %d", chatID)
	}
	return &user, nil
}

func (s *GormStore) CreateAuthCode(ctx context.Context, code *models.TelegramAuthCode) error {
	return s.db.WithContext(ctx).Create(code).Error
}

func (s *GormStore) RedeemAuthCode(ctx context.Context, code string, chatID int64, username string, now time.Time) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var auth models.TelegramAuthCode
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&auth, "code = ?", code).Error; err != nil {
			return notFound(err, "auth code")
		}
		if !auth.Valid(now) {
			return apperr.Validation("auth code expired or already used")
		}
		if err := tx.Model(&auth).Update("used", true).Error; err != nil {
			return err
		}
		// a chat links to one wallet at a time
		if err := tx.Model(&models.User{}).
			Where("telegram_chat_id = ? AND wallet_address <> ?", chatID, auth.WalletAddress).
			Update("telegram_chat_id", nil).Error; err != nil {
			return err
		}
		user = models.User{WalletAddress: auth.WalletAddress, TelegramChatID: &chatID, TelegramUsername: username}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "wallet_address"}},
			DoUpdates: clause.AssignmentColumns([]string{"telegram_chat_id", "telegram_username", "updated_at"}),
		}).Create(&user).Error
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *GormStore) Disconnect(ctx context.Context, wallet string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("wallet_address = ?", wallet).Delete(&models.OpportunitySnapshot{}).Error; err != nil {
			return err
		}
		if err := tx.Where("wallet_address = ?", wallet).Delete(&models.MonitorConfig{}).Error; err != nil {
			return err
		}
		if err := tx.Where("wallet_address = ?", wallet).Delete(&models.TelegramAuthCode{}).Error; err != nil {
			return err
		}
		res := tx.Where("wallet_address = ?", wallet).Delete(&models.User{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.NotFound("wallet %s", wallet)
		}
		return nil
	})
}

// ---- monitoring ----

func (s *GormStore) GetMonitorConfig(ctx context.Context, wallet string) (*models.MonitorConfig, error) {
	var cfg models.MonitorConfig
	if err := s.db.WithContext(ctx).First(&cfg, "wallet_address = ?", wallet).Error; err != nil {
		return nil, notFound(err, "monitor config for %s", wallet)
	}
	return &cfg, nil
}

func (s *GormStore) SaveMonitorConfig(ctx context.Context, cfg *models.MonitorConfig) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "wallet_address"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"enabled", "interval_minutes", "threshold_multiplier", "token_whitelist",
			"quote_preferences", "min_fees_30min", "last_check", "next_check",
			"degen_enabled", "degen_threshold", "updated_at",
		}),
	}).Create(cfg).Error
}

func (s *GormStore) SetMonitorEnabled(ctx context.Context, wallet string, enabled bool) error {
	return s.db.WithContext(ctx).Model(&models.MonitorConfig{}).
		Where("wallet_address = ?", wallet).
		Update("enabled", enabled).Error
}

func (s *GormStore) ListEnabledMonitorConfigs(ctx context.Context) ([]models.MonitorConfig, error) {
	var cfgs []models.MonitorConfig
	err := s.db.WithContext(ctx).Where("enabled = ?", true).Order("wallet_address").Find(&cfgs).Error
	return cfgs, err
}

func (s *GormStore) ListDegenConfigs(ctx context.Context) ([]models.MonitorConfig, error) {
	var cfgs []models.MonitorConfig
	err := s.db.WithContext(ctx).Where("degen_enabled = ?", true).Order("wallet_address").Find(&cfgs).Error
	return cfgs, err
}

func (s *GormStore) SetDegenNotified(ctx context.Context, wallet string, notified models.TimeMap) error {
	return s.db.WithContext(ctx).Model(&models.MonitorConfig{}).
		Where("wallet_address = ?", wallet).
		Update("degen_notified", notified).Error
}

func (s *GormStore) LatestSnapshot(ctx context.Context, wallet string) (*models.OpportunitySnapshot, error) {
	var snap models.OpportunitySnapshot
	err := s.db.WithContext(ctx).
		Where("wallet_address = ?", wallet).
		Order("created_at DESC, id DESC").
		First(&snap).Error
	if err != nil {
		return nil, notFound(err, "snapshot for %s", wallet)
	}
	return &snap, nil
}

func (s *GormStore) CommitCheck(ctx context.Context, snap *models.OpportunitySnapshot, lastCheck, nextCheck time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(snap).Error; err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		return tx.Model(&models.MonitorConfig{}).
			Where("wallet_address = ?", snap.WalletAddress).
			Updates(map[string]interface{}{"last_check": lastCheck, "next_check": nextCheck}).Error
	})
}

const pruneSnapshotsSQL = `
DELETE FROM opportunity_snapshots WHERE id IN (
	SELECT id FROM (
		SELECT id, ROW_NUMBER() OVER (PARTITION BY wallet_address ORDER BY created_at DESC, id DESC) AS rn
		FROM opportunity_snapshots
	) ranked WHERE rn > ?
)`

func (s *GormStore) PruneSnapshots(ctx context.Context, keep int) (int64, error) {
	res := s.db.WithContext(ctx).Exec(pruneSnapshotsSQL, keep)
	return res.RowsAffected, res.Error
}

// ---- positions ----

func (s *GormStore) ListPositions(ctx context.Context, wallet, status string) ([]models.LiquidityPosition, error) {
	q := s.db.WithContext(ctx).Model(&models.LiquidityPosition{})
	if wallet != "" {
		q = q.Where("wallet_address = ?", wallet)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var positions []models.LiquidityPosition
	err := q.Order("opened_at DESC").Find(&positions).Error
	return positions, err
}

func (s *GormStore) GetPosition(ctx context.Context, address string) (*models.LiquidityPosition, error) {
	var pos models.LiquidityPosition
	if err := s.db.WithContext(ctx).First(&pos, "position_address = ?", address).Error; err != nil {
		return nil, notFound(err, "position %s", address)
	}
	return &pos, nil
}

func (s *GormStore) CreatePosition(ctx context.Context, pos *models.LiquidityPosition, rules *models.PositionAutomationRules) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(pos).Error; err != nil {
			return err
		}
		if rules == nil {
			return nil
		}
		rules.PositionAddress = pos.PositionAddress
		return tx.Create(rules).Error
	})
}

func (s *GormStore) SavePosition(ctx context.Context, pos *models.LiquidityPosition) error {
	return s.db.WithContext(ctx).Save(pos).Error
}

func (s *GormStore) GetRules(ctx context.Context, positionAddress string) (*models.PositionAutomationRules, error) {
	var rules models.PositionAutomationRules
	if err := s.db.WithContext(ctx).First(&rules, "position_address = ?", positionAddress).Error; err != nil {
		return nil, notFound(err, "automation rules for %s", positionAddress)
	}
	return &rules, nil
}

func (s *GormStore) SaveRules(ctx context.Context, rules *models.PositionAutomationRules) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "position_address"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"take_profit_enabled", "take_profit_type", "take_profit_value",
			"stop_loss_enabled", "stop_loss_type", "stop_loss_value",
			"auto_compound_enabled", "compound_frequency_hours", "compound_min_threshold_usd",
			"rebalancing_enabled", "rebalance_triggers", "updated_at",
		}),
	}).Create(rules).Error
}

func (s *GormStore) ListAutoCompoundRules(ctx context.Context) ([]models.PositionAutomationRules, error) {
	var rules []models.PositionAutomationRules
	err := s.db.WithContext(ctx).Where("auto_compound_enabled = ?", true).Find(&rules).Error
	return rules, err
}

func (s *GormStore) GetAutomationConfig(ctx context.Context, wallet string) (*models.AutomationConfig, error) {
	var cfg models.AutomationConfig
	if err := s.db.WithContext(ctx).First(&cfg, "wallet_address = ?", wallet).Error; err != nil {
		return nil, notFound(err, "automation config for %s", wallet)
	}
	return &cfg, nil
}

func (s *GormStore) SaveAutomationConfig(ctx context.Context, cfg *models.AutomationConfig) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "wallet_address"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"automation_enabled", "default_take_profit", "default_stop_loss",
			"default_compound_hours", "default_compound_min_usd", "notify_on_trigger", "updated_at",
		}),
	}).Create(cfg).Error
}

func (s *GormStore) AddTransaction(ctx context.Context, tx *models.LiquidityTransaction) error {
	if tx.Status == "" {
		tx.Status = models.TxPending
	}
	return s.db.WithContext(ctx).Create(tx).Error
}

func (s *GormStore) ListTransactions(ctx context.Context, wallet, status string) ([]models.LiquidityTransaction, error) {
	q := s.db.WithContext(ctx).Model(&models.LiquidityTransaction{})
	if wallet != "" {
		q = q.Where("wallet_address = ?", wallet)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var txs []models.LiquidityTransaction
	err := q.Order("created_at DESC").Limit(500).Find(&txs).Error
	return txs, err
}

func (s *GormStore) UpdateTransactionStatus(ctx context.Context, id uint, status string, confirmedAt *time.Time) error {
	return s.db.WithContext(ctx).Model(&models.LiquidityTransaction{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "confirmed_at": confirmedAt}).Error
}

// ---- queue ----

func (s *GormStore) EnqueueAction(ctx context.Context, positionAddress, action string, now time.Time) (bool, error) {
	entry := models.ActionQueueEntry{
		PositionAddress: positionAddress,
		ActionType:      action,
		Status:          models.QueuePending,
		CreatedAt:       now,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "position_address"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"action_type":   action,
			"status":        models.QueuePending,
			"error_message": "",
			"created_at":    now,
			"updated_at":    now,
			"processed_at":  nil,
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Neq{Column: clause.Column{Table: models.ActionQueueEntry{}.TableName(), Name: "status"}, Value: models.QueueProcessing},
		}},
	}).Create(&entry)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) ClaimPending(ctx context.Context, limit int, now time.Time) ([]models.ActionQueueEntry, error) {
	var candidates []models.ActionQueueEntry
	err := s.db.WithContext(ctx).
		Where("status = ?", models.QueuePending).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	claimed := make([]models.ActionQueueEntry, 0, len(candidates))
	for _, c := range candidates {
		res := s.db.WithContext(ctx).Model(&models.ActionQueueEntry{}).
			Where("id = ? AND status = ?", c.ID, models.QueuePending).
			Updates(map[string]interface{}{"status": models.QueueProcessing, "updated_at": now})
		if res.Error != nil {
			return claimed, res.Error
		}
		if res.RowsAffected == 1 {
			c.Status = models.QueueProcessing
			claimed = append(claimed, c)
		}
	}
	return claimed, nil
}

func finishEntry(tx *gorm.DB, id uint, status, message string, now time.Time) error {
	return tx.Model(&models.ActionQueueEntry{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        status,
			"error_message": message,
			"processed_at":  now,
			"updated_at":    now,
		}).Error
}

func (s *GormStore) FailAction(ctx context.Context, id uint, message string, now time.Time) error {
	return finishEntry(s.db.WithContext(ctx), id, models.QueueFailed, message, now)
}

func (s *GormStore) ListQueue(ctx context.Context, status string) ([]models.ActionQueueEntry, error) {
	q := s.db.WithContext(ctx).Model(&models.ActionQueueEntry{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var entries []models.ActionQueueEntry
	err := q.Order("created_at ASC").Find(&entries).Error
	return entries, err
}

func closePosition(tx *gorm.DB, address, reason string, at time.Time) error {
	return tx.Model(&models.LiquidityPosition{}).
		Where("position_address = ?", address).
		Updates(map[string]interface{}{
			"status":       models.PositionClosed,
			"close_reason": reason,
			"closed_at":    at,
		}).Error
}

func (s *GormStore) RecordClose(ctx context.Context, res CloseResult) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := closePosition(tx, res.PositionAddress, res.Reason, res.At); err != nil {
			return err
		}
		if err := tx.Create(&models.LiquidityTransaction{
			PositionAddress: res.PositionAddress,
			WalletAddress:   res.WalletAddress,
			TransactionType: models.TxRemove,
			Signature:       res.Signature,
			Status:          models.TxPending,
			Metadata:        models.JSONMap{"reason": res.Reason},
		}).Error; err != nil {
			return err
		}
		return finishEntry(tx, res.QueueID, res.queueStatus(), res.Failure, res.At)
	})
}

func (s *GormStore) RecordCompound(ctx context.Context, res CompoundResult) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&models.LiquidityTransaction{
			PositionAddress: res.PositionAddress,
			WalletAddress:   res.WalletAddress,
			TransactionType: models.TxCompound,
			Signature:       res.Signature,
			Status:          models.TxPending,
			Metadata:        models.JSONMap{"fees_claimed_usd": res.FeesClaimedUSD},
		}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.LiquidityPosition{}).
			Where("position_address = ?", res.PositionAddress).
			Update("fees_earned_usd", 0).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.PositionAutomationRules{}).
			Where("position_address = ?", res.PositionAddress).
			Update("last_compound_at", res.At).Error; err != nil {
			return err
		}
		return finishEntry(tx, res.QueueID, models.QueueCompleted, "", res.At)
	})
}

func (s *GormStore) RecordRebalance(ctx context.Context, res RebalanceResult) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		old := res.Old.PositionAddress
		if err := closePosition(tx, old, models.ActionRebalance, res.At); err != nil {
			return err
		}
		newPos := res.New
		if err := tx.Create(&newPos).Error; err != nil {
			return fmt.Errorf("insert rebalanced position: %w", err)
		}

		var rules models.PositionAutomationRules
		err := tx.First(&rules, "position_address = ?", old).Error
		switch {
		case err == nil:
			copied := rules
			copied.ID = 0
			copied.PositionAddress = newPos.PositionAddress
			copied.LastRebalanceAt = &res.At
			copied.CreatedAt, copied.UpdatedAt = time.Time{}, time.Time{}
			if err := tx.Create(&copied).Error; err != nil {
				return err
			}
			if err := tx.Model(&rules).Update("last_rebalance_at", res.At).Error; err != nil {
				return err
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		txs := []models.LiquidityTransaction{
			{
				PositionAddress: old,
				WalletAddress:   res.Old.WalletAddress,
				TransactionType: models.TxRemove,
				Signature:       res.CloseSignature,
				Status:          models.TxPending,
				Metadata:        models.JSONMap{"reason": models.ActionRebalance},
			},
			{
				PositionAddress: newPos.PositionAddress,
				WalletAddress:   newPos.WalletAddress,
				TransactionType: models.TxAdd,
				Signature:       res.OpenSignature,
				Status:          models.TxPending,
				Metadata:        models.JSONMap{"rebalanced_from": old},
			},
		}
		if err := tx.Create(&txs).Error; err != nil {
			return err
		}
		return finishEntry(tx, res.QueueID, models.QueueCompleted, "", res.At)
	})
}

var _ Repository = (*GormStore)(nil)

// ---- favorites ----

func (s *GormStore) ListFavorites(ctx context.Context, wallet string) ([]models.PoolFavorite, error) {
	var favs []models.PoolFavorite
	err := s.db.WithContext(ctx).
		Where("wallet_address = ?", wallet).
		Order("created_at DESC, id DESC").
		Find(&favs).Error
	return favs, err
}

func (s *GormStore) AddFavorite(ctx context.Context, fav *models.PoolFavorite) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.PoolFavorite{}).
			Where("wallet_address = ? AND pool_address = ?", fav.WalletAddress, fav.PoolAddress).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return apperr.Validation("pool %s already favorited", fav.PoolAddress)
		}
		return tx.Create(fav).Error
	})
}

func (s *GormStore) DeleteFavorite(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&models.PoolFavorite{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("favorite %d", id)
	}
	return nil
}
