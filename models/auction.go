package models

import (
	"time"
)

// Auction 代表一筆拍賣的目前狀態
// 包含賣家、名稱、起標價、目前最高出價與領先者、時間窗口等資訊
type Auction struct {
	ID              uint64    `gorm:"primaryKey;autoIncrement:false"`
	Creator         string    `gorm:"type:varchar(255);not null;index;<-:create"`
	Name            string    `gorm:"type:varchar(1024);not null;<-:create"`
	StartTime       time.Time `gorm:"not null;<-:create"`
	DurationSeconds int64     `gorm:"not null;<-:create"`
	StartPrice      uint64    `gorm:"not null;<-:create"`
	CurrentPrice    uint64    `gorm:"not null"`
	LastBidder      string    `gorm:"type:varchar(255);not null;default:''"`
	LastBidTime     *time.Time
	IsActive        bool   `gorm:"not null;index"`
	Version         uint64 `gorm:"not null"`

	CreatedAt time.Time
	UpdatedAt time.Time

	// 外鍵關聯
	Bids []Bid `gorm:"foreignKey:AuctionID"`
}
