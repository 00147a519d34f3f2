// Package store persists wallets, monitor configs, snapshots, positions and
// the automation queue. Repository has a gorm/Postgres implementation and
// an in-memory one with the same contract.
package store

import (
	"context"
	"time"

	"dlmmrotation/internal/models"
)

// SnapshotsToKeep is the number of snapshots retained per wallet by the
// hourly sweep.
const SnapshotsToKeep = 10

// CloseResult is a position closed on chain by take profit, stop loss or
// the first phase of a rebalance. A non-empty Failure finishes the queue
// entry as failed with that message instead of completed.
type CloseResult struct {
	QueueID         uint
	PositionAddress string
	WalletAddress   string
	Reason          string
	Signature       string
	Failure         string
	At              time.Time
}

func (r CloseResult) queueStatus() string {
	if r.Failure != "" {
		return models.QueueFailed
	}
	return models.QueueCompleted
}

// CompoundResult is a successful compound execution.
type CompoundResult struct {
	QueueID         uint
	PositionAddress string
	WalletAddress   string
	Signature       string
	FeesClaimedUSD  float64
	At              time.Time
}

// RebalanceResult is a completed two-phase rebalance. New is inserted and
// inherits the old position's rules.
type RebalanceResult struct {
	QueueID        uint
	Old            models.LiquidityPosition
	CloseSignature string
	New            models.LiquidityPosition
	OpenSignature  string
	At             time.Time
}

type UserStore interface {
	GetUser(ctx context.Context, wallet string) (*models.User, error)
	GetUserByChatID(ctx context.Context, chatID int64) (*models.User, error)
	CreateAuthCode(ctx context.Context, code *models.TelegramAuthCode) error
	// RedeemAuthCode marks a valid code used and links chatID to its
	// wallet in one transaction.
	RedeemAuthCode(ctx context.Context, code string, chatID int64, username string, now time.Time) (*models.User, error)
	// Disconnect removes the wallet's chat link, monitor config and
	// snapshots.
	Disconnect(ctx context.Context, wallet string) error
}

type MonitorStore interface {
	GetMonitorConfig(ctx context.Context, wallet string) (*models.MonitorConfig, error)
	SaveMonitorConfig(ctx context.Context, cfg *models.MonitorConfig) error
	SetMonitorEnabled(ctx context.Context, wallet string, enabled bool) error
	ListEnabledMonitorConfigs(ctx context.Context) ([]models.MonitorConfig, error)
	ListDegenConfigs(ctx context.Context) ([]models.MonitorConfig, error)
	SetDegenNotified(ctx context.Context, wallet string, notified models.TimeMap) error

	LatestSnapshot(ctx context.Context, wallet string) (*models.OpportunitySnapshot, error)
	// CommitCheck appends snap and sets the wallet's last/next check in one
	// transaction.
	CommitCheck(ctx context.Context, snap *models.OpportunitySnapshot, lastCheck, nextCheck time.Time) error
	PruneSnapshots(ctx context.Context, keep int) (int64, error)
}

type PositionStore interface {
	ListPositions(ctx context.Context, wallet, status string) ([]models.LiquidityPosition, error)
	GetPosition(ctx context.Context, address string) (*models.LiquidityPosition, error)
	CreatePosition(ctx context.Context, pos *models.LiquidityPosition, rules *models.PositionAutomationRules) error
	SavePosition(ctx context.Context, pos *models.LiquidityPosition) error

	GetRules(ctx context.Context, positionAddress string) (*models.PositionAutomationRules, error)
	SaveRules(ctx context.Context, rules *models.PositionAutomationRules) error
	ListAutoCompoundRules(ctx context.Context) ([]models.PositionAutomationRules, error)

	GetAutomationConfig(ctx context.Context, wallet string) (*models.AutomationConfig, error)
	SaveAutomationConfig(ctx context.Context, cfg *models.AutomationConfig) error

	AddTransaction(ctx context.Context, tx *models.LiquidityTransaction) error
	ListTransactions(ctx context.Context, wallet, status string) ([]models.LiquidityTransaction, error)
	UpdateTransactionStatus(ctx context.Context, id uint, status string, confirmedAt *time.Time) error
}

type QueueStore interface {
	// EnqueueAction upserts the single queue row of a position. A row in
	// processing is left untouched and false is returned.
	EnqueueAction(ctx context.Context, positionAddress, action string, now time.Time) (bool, error)
	// ClaimPending moves up to limit pending rows to processing, oldest
	// first. Each row is claimed by at most one caller.
	ClaimPending(ctx context.Context, limit int, now time.Time) ([]models.ActionQueueEntry, error)
	FailAction(ctx context.Context, id uint, message string, now time.Time) error
	ListQueue(ctx context.Context, status string) ([]models.ActionQueueEntry, error)

	RecordClose(ctx context.Context, res CloseResult) error
	RecordCompound(ctx context.Context, res CompoundResult) error
	RecordRebalance(ctx context.Context, res RebalanceResult) error
}

type FavoriteStore interface {
	// ListFavorites returns the wallet's favorites, newest first.
	ListFavorites(ctx context.Context, wallet string) ([]models.PoolFavorite, error)
	// AddFavorite fails with a validation error when the wallet already
	// favorited the pool.
	AddFavorite(ctx context.Context, fav *models.PoolFavorite) error
	DeleteFavorite(ctx context.Context, id uint) error
}

type Repository interface {
	UserStore
	MonitorStore
	PositionStore
	QueueStore
	FavoriteStore
}
