package auction

import (
	"context"
	"time"
)

// EventKind 代表通知的種類
type EventKind string

const (
	KindCreated EventKind = "created"
	KindBid     EventKind = "bid"
	KindSettled EventKind = "settled"
)

// Event 是拍賣狀態變更後發出的通知，只有本套件內的三種型別會實作這個介面
type Event interface {
	Kind() EventKind
	AuctionID() uint64
	// Sequence 等於該次變更後的 Auction.Version
	Sequence() uint64
	isEvent()
}

// Created 在拍賣建立後發出
type Created struct {
	ID         uint64
	Seq        uint64
	Name       string
	Creator    Identity
	StartTime  time.Time
	Duration   time.Duration
	StartPrice Amount
}

// BidPlaced 在出價被接受後發出
type BidPlaced struct {
	ID     uint64
	Seq    uint64
	Name   string
	Bidder Identity
	Amount Amount
	Time   time.Time
}

// Settled 在拍賣結算後發出，沒有人出價時 Winner 為 NoBidder，Fee 與 Payout 為 0
type Settled struct {
	ID         uint64
	Seq        uint64
	Name       string
	Creator    Identity
	Winner     Identity
	FinalPrice Amount
	Fee        Amount
	Payout     Amount
	Time       time.Time
}

func (Created) Kind() EventKind     { return KindCreated }
func (e Created) AuctionID() uint64 { return e.ID }
func (e Created) Sequence() uint64  { return e.Seq }
func (Created) isEvent()            {}

func (BidPlaced) Kind() EventKind     { return KindBid }
func (e BidPlaced) AuctionID() uint64 { return e.ID }
func (e BidPlaced) Sequence() uint64  { return e.Seq }
func (BidPlaced) isEvent()            {}

func (Settled) Kind() EventKind     { return KindSettled }
func (e Settled) AuctionID() uint64 { return e.ID }
func (e Settled) Sequence() uint64  { return e.Seq }
func (Settled) isEvent()            {}

// Notifier 負責將通知送往外部觀察者(indexer、UI)
// 通知在交易提交之後才會送出，送出失敗不會影響已提交的狀態
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// NotifierFunc 讓一般函數可以當作 Notifier 使用
type NotifierFunc func(ctx context.Context, event Event) error

func (f NotifierFunc) Notify(ctx context.Context, event Event) error {
	return f(ctx, event)
}
