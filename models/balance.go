package models

import "time"

// Balance 代表參與者可提領的餘額
type Balance struct {
	Identity string `gorm:"type:varchar(255);primaryKey"`
	Amount   uint64 `gorm:"not null"`

	UpdatedAt time.Time
}
