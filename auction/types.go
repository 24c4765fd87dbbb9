package auction

import (
	"math"
	"time"
)

// Identity 代表一個參與者(賣家、出價者或平台擁有者)的識別字串
type Identity string

// NoBidder 表示拍賣尚未有人出價
const NoBidder Identity = ""

// Amount 是以最小貨幣單位表示的金額
type Amount uint64

// MaxAmount 是可以接受的最大金額，資料庫以有號 64 位元整數保存金額與餘額
const MaxAmount Amount = math.MaxInt64

// Auction 代表一筆拍賣的完整狀態
type Auction struct {
	ID           uint64
	Creator      Identity
	Name         string
	StartTime    time.Time
	Duration     time.Duration
	StartPrice   Amount
	CurrentPrice Amount
	LastBidder   Identity
	LastBidTime  time.Time
	IsActive     bool

	// Version 每次狀態變更都會遞增，建立時為1，用於通知的排序
	Version uint64
}

// EndTime 回傳拍賣時間窗口的結束時間
func (a Auction) EndTime() time.Time {
	return a.StartTime.Add(a.Duration)
}

// HasBids 判斷拍賣是否已經有人出價
func (a Auction) HasBids() bool {
	return a.LastBidder != NoBidder
}

// Expired 判斷在 now 這個時間點拍賣的時間窗口是否已經結束
// NOTE: 時間窗口包含結束時間本身，所以剛好在結束時間出價仍然有效
func (a Auction) Expired(now time.Time) bool {
	return now.After(a.EndTime())
}

// Bid 代表一筆被接受的出價紀錄
type Bid struct {
	AuctionID uint64
	Sequence  uint64
	Bidder    Identity
	Amount    Amount
	Time      time.Time
}

// Settlement 是結算後的資金分配結果
type Settlement struct {
	AuctionID  uint64
	Winner     Identity
	FinalPrice Amount
	Fee        Amount
	Payout     Amount
	Time       time.Time
}

// WithdrawalKind 區分提領的資金來源
type WithdrawalKind string

const (
	WithdrawalBalance WithdrawalKind = "balance"
	WithdrawalFees    WithdrawalKind = "fees"
)

// WithdrawalStatus 是提領的處理狀態
type WithdrawalStatus string

const (
	// WithdrawalPending 金額已經扣除，轉帳結果尚未記錄
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalCompleted WithdrawalStatus = "completed"
	// WithdrawalFailed 轉帳失敗，金額已經退回
	WithdrawalFailed WithdrawalStatus = "failed"
)

// Withdrawal 是一筆提領紀錄，Reference 同時是轉帳的冪等鍵
type Withdrawal struct {
	Reference string
	Kind      WithdrawalKind
	Identity  Identity
	Amount    Amount
	Status    WithdrawalStatus
	Time      time.Time
}
