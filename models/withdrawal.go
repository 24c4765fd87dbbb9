package models

import (
	"time"
)

// Withdrawal 代表一次提領，轉帳前以 pending 狀態寫入，轉帳後更新為 completed 或 failed
// Reference 同時是送往轉帳服務的冪等鍵
type Withdrawal struct {
	Reference string    `gorm:"type:varchar(64);primaryKey;<-:create"`
	Kind      string    `gorm:"type:varchar(16);not null;<-:create"`
	Identity  string    `gorm:"type:varchar(255);not null;index;<-:create"`
	Amount    uint64    `gorm:"not null;<-:create"`
	Time      time.Time `gorm:"not null;<-:create"`
	Status    string    `gorm:"type:varchar(16);not null;index"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
