package entity

import "time"

// TelegramUser telegram 用户与内部用户的映射
type TelegramUser struct {
	TelegramUserID int64
	UserID         string
	TelegramChatID int64
	Username       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
