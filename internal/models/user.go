package models

import "time"

// User links a wallet to a Telegram chat
type User struct {
	WalletAddress    string    `json:"wallet_address" gorm:"primaryKey;type:varchar(64)"`
	TelegramChatID   *int64    `json:"telegram_chat_id" gorm:"uniqueIndex"`
	TelegramUsername string    `json:"telegram_username" gorm:"type:varchar(100)"`
	CreatedAt        time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt        time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for User
func (User) TableName() string {
	return "users"
}

// Linked reports whether the wallet has a chat to notify
func (u *User) Linked() bool {
	return u != nil && u.TelegramChatID != nil
}

// TelegramAuthCode is a one-time code a user sends to the bot with /start
type TelegramAuthCode struct {
	ID            uint      `json:"id" gorm:"primaryKey"`
	Code          string    `json:"code" gorm:"type:varchar(16);uniqueIndex"`
	WalletAddress string    `json:"wallet_address" gorm:"type:varchar(64);index"`
	ExpiresAt     time.Time `json:"expires_at"`
	Used          bool      `json:"used"`
	CreatedAt     time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName specifies the table name for TelegramAuthCode
func (TelegramAuthCode) TableName() string {
	return "telegram_auth_codes"
}

// Valid reports whether the code can still be redeemed at now
func (c *TelegramAuthCode) Valid(now time.Time) bool {
	return !c.Used && now.Before(c.ExpiresAt)
}
