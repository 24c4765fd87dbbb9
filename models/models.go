package models

// All 回傳所有需要遷移的模型，遷移工具與 AutoMigrate 共用
func All() []any {
	return []any{
		&Auction{},
		&Bid{},
		&Balance{},
		&GlobalState{},
		&Withdrawal{},
	}
}
