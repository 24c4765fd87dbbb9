package models

import (
	"time"
)

// Bid 代表一筆被接受的出價紀錄
// Sequence 與拍賣的 Version 相同，同一筆拍賣內唯一且遞增
type Bid struct {
	ID        uint64    `gorm:"primaryKey"`
	AuctionID uint64    `gorm:"not null;uniqueIndex:idx_bid_auction_id_sequence;<-:create"`
	Sequence  uint64    `gorm:"not null;uniqueIndex:idx_bid_auction_id_sequence;<-:create"`
	Bidder    string    `gorm:"type:varchar(255);not null;index;<-:create"`
	Amount    uint64    `gorm:"not null;<-:create"`
	Time      time.Time `gorm:"not null;<-:create"`

	CreatedAt time.Time
}
