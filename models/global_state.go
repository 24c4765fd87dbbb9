package models

// GlobalStateID 全域狀態只有一列
const GlobalStateID = 1

// GlobalState 保存拍賣計數器與手續費池
type GlobalState struct {
	ID             uint   `gorm:"primaryKey;autoIncrement:false"`
	AuctionCounter uint64 `gorm:"not null;default:0"`
	FeePool        uint64 `gorm:"not null;default:0"`
}
