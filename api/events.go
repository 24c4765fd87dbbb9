package api

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redisAdapter "lastbid/adapters/redis"
	"lastbid/adapters/sse"
	"lastbid/auction"
)

// EventMessage 是通知在 Redis Stream 與 SSE 上的格式
type EventMessage struct {
	Kind      auction.EventKind `json:"kind" msgpack:"kind"`
	AuctionID uint64            `json:"auctionId" msgpack:"auction_id"`
	Seq       uint64            `json:"seq" msgpack:"seq"`
	Name      string            `json:"name" msgpack:"name"`
	Time      time.Time         `json:"time" msgpack:"time"`

	// created
	Creator    string     `json:"creator,omitempty" msgpack:"creator,omitempty"`
	StartPrice uint64     `json:"startPrice,omitempty" msgpack:"start_price,omitempty"`
	EndTime    *time.Time `json:"endTime,omitempty" msgpack:"end_time,omitempty"`

	// bid
	Bidder string `json:"bidder,omitempty" msgpack:"bidder,omitempty"`
	Amount uint64 `json:"amount,omitempty" msgpack:"amount,omitempty"`

	// settled
	Winner     string `json:"winner,omitempty" msgpack:"winner,omitempty"`
	FinalPrice uint64 `json:"finalPrice,omitempty" msgpack:"final_price,omitempty"`
	Fee        uint64 `json:"fee,omitempty" msgpack:"fee,omitempty"`
	Payout     uint64 `json:"payout,omitempty" msgpack:"payout,omitempty"`
}

// Channel 回傳這則通知對應的 SSE 頻道
func (m EventMessage) Channel() string {
	return strconv.FormatUint(m.AuctionID, 10)
}

func newEventMessage(event auction.Event) EventMessage {
	message := EventMessage{
		Kind:      event.Kind(),
		AuctionID: event.AuctionID(),
		Seq:       event.Sequence(),
	}
	switch e := event.(type) {
	case auction.Created:
		endTime := e.StartTime.Add(e.Duration)
		message.Name = e.Name
		message.Time = e.StartTime
		message.Creator = string(e.Creator)
		message.StartPrice = uint64(e.StartPrice)
		message.EndTime = &endTime
	case auction.BidPlaced:
		message.Name = e.Name
		message.Time = e.Time
		message.Bidder = string(e.Bidder)
		message.Amount = uint64(e.Amount)
	case auction.Settled:
		message.Name = e.Name
		message.Time = e.Time
		message.Creator = string(e.Creator)
		message.Winner = string(e.Winner)
		message.FinalPrice = uint64(e.FinalPrice)
		message.Fee = uint64(e.Fee)
		message.Payout = uint64(e.Payout)
	}
	return message
}

// StreamNotifier 將通知寫入 Redis Stream
// 同一筆拍賣的序號只會前進，重送或過期的通知會被丟棄
type StreamNotifier struct {
	producer redisAdapter.IProducer[EventMessage]
}

func NewStreamNotifier(producer redisAdapter.IProducer[EventMessage]) *StreamNotifier {
	return &StreamNotifier{producer: producer}
}

func (n *StreamNotifier) Notify(_ context.Context, event auction.Event) error {
	const op = "StreamNotifier.Notify"
	if err := n.producer.Publish(newEventMessage(event)); err != nil {
		return fmt.Errorf("[%s] Fail to publish event, err=%w", op, err)
	}
	return nil
}

// eventProducerOptions 設定事件串流的序號保護與索引欄位
func eventProducerOptions(keyPrefix string, maxLen int64) []redisAdapter.ProducerOption[EventMessage] {
	return []redisAdapter.ProducerOption[EventMessage]{
		redisAdapter.WithProducerSequence(func(m EventMessage) (string, uint64) {
			return keyPrefix + "auction:" + m.Channel() + ":seq", m.Seq
		}),
		redisAdapter.WithProducerParseFunc(redisAdapter.ParseToMessageWithFields(func(m EventMessage) map[string]any {
			return map[string]any{
				"kind":       string(m.Kind),
				"auction_id": m.AuctionID,
			}
		})),
		redisAdapter.WithProducerMaxLen[EventMessage](maxLen),
	}
}

// parseEventRequest 將串流訊息轉換成 SSE 的發布請求
func parseEventRequest(values map[string]any) (sse.PublishRequest[EventMessage], error) {
	message, err := redisAdapter.DefaultParseFromMessage[EventMessage](values)
	if err != nil {
		return sse.PublishRequest[EventMessage]{}, fmt.Errorf("fail to parse message to sse.PublishRequest[EventMessage], err=%w", err)
	}
	return sse.PublishRequest[EventMessage]{
		Channel: message.Channel(),
		Message: message,
	}, nil
}

// localNotifier 沒有 Redis 時直接廣播給本機的 SSE 連線
func localNotifier(manager sse.IConnectionManager[EventMessage]) auction.Notifier {
	return auction.NotifierFunc(func(_ context.Context, event auction.Event) error {
		message := newEventMessage(event)
		return manager.Publish(message.Channel(), message)
	})
}
