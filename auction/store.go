package auction

import "context"

// Store 是拍賣狀態的儲存層
type Store interface {
	// Atomically 在一個隔離的交易中執行 fn，只有 fn 回傳 nil 時變更才會被提交，
	// 否則所有變更都會被丟棄
	Atomically(ctx context.Context, fn func(tx Tx) error) error
}

// Tx 是在交易中可以進行的操作
type Tx interface {
	// NextAuctionID 遞增並回傳拍賣計數器，第一筆拍賣為 1
	NextAuctionID() (uint64, error)
	InsertAuction(a Auction) error
	// GetAuction 找不到時回傳 ErrNotFound
	GetAuction(id uint64) (Auction, error)
	UpdateAuction(a Auction) error

	AppendBid(b Bid) error
	ListBids(auctionID uint64) ([]Bid, error)

	// Balance 不存在的帳戶餘額為 0
	Balance(who Identity) (Amount, error)
	// Credit 在現有餘額上累加，結果超過 MaxAmount 時回傳錯誤
	Credit(who Identity, amount Amount) error
	SetBalance(who Identity, amount Amount) error

	FeePool() (Amount, error)
	SetFeePool(amount Amount) error

	RecordWithdrawal(w Withdrawal) error
	// SetWithdrawalStatus 找不到 reference 時回傳 ErrNotFound
	SetWithdrawalStatus(reference string, status WithdrawalStatus) error
}

// Payment 是一次對外轉帳的請求
type Payment struct {
	// Reference 每次提領唯一，可作為轉帳服務的冪等鍵
	Reference string
	To        Identity
	Amount    Amount
}

// Transferer 是將金額轉出給參與者的外部能力，可能失敗(例如收款方拒收)
type Transferer interface {
	Transfer(ctx context.Context, payment Payment) error
}

// TransferFunc 讓一般函數可以當作 Transferer 使用
type TransferFunc func(ctx context.Context, payment Payment) error

func (f TransferFunc) Transfer(ctx context.Context, payment Payment) error {
	return f(ctx, payment)
}

// Locker 是跨實例的互斥鎖，Lock 成功後回傳的 context 會在鎖失效時被取消
type Locker interface {
	Lock(ctx context.Context) (context.Context, error)
	Unlock() (bool, error)
}

// LockFactory 依照 key 建立對應的 Locker
type LockFactory func(key string) Locker
