package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	redisAdapter "lastbid/adapters/redis"
	"lastbid/auction"
)

// Receipt 是結算後存檔的收據
type Receipt struct {
	AuctionID  uint64    `json:"auctionId"`
	Seq        uint64    `json:"seq"`
	Name       string    `json:"name"`
	Seller     string    `json:"seller"`
	Winner     string    `json:"winner,omitempty"`
	FinalPrice uint64    `json:"finalPrice"`
	Fee        uint64    `json:"fee"`
	Payout     uint64    `json:"payout"`
	SettledAt  time.Time `json:"settledAt"`
	SourceID   string    `json:"sourceId"`
}

// ReceiptArchive 是收據的存放位置，例如 adapters/s3.ObjectArchive
type ReceiptArchive interface {
	Put(ctx context.Context, name, contentType string, content []byte) (string, error)
}

// ReceiptArchiver 從事件串流讀取結算通知並將收據存檔
// 同一個 consumer group 中每則通知只會被一個實例處理
type ReceiptArchiver struct {
	consumer   redisAdapter.IGroupConsumer[EventMessage]
	archive    ReceiptArchive
	logger     *slog.Logger
	wg         sync.WaitGroup
	cancelFunc context.CancelFunc
}

func NewReceiptArchiver(consumer redisAdapter.IGroupConsumer[EventMessage], archive ReceiptArchive, logger *slog.Logger) *ReceiptArchiver {
	return &ReceiptArchiver{
		consumer: consumer,
		archive:  archive,
		logger:   logger.With(slog.String("caller", "ReceiptArchiver")),
	}
}

func (a *ReceiptArchiver) Start() error {
	const op = "ReceiptArchiver.Start"
	if err := a.consumer.Start(); err != nil {
		return fmt.Errorf("[%s] Fail to start group consumer, err=%w", op, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancelFunc = cancel
	a.logger.Info("Start receipt archive worker")

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.logger.Info("Receipt archive worker stopped")
		ch := a.consumer.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				a.handle(ctx, msg)
			}
		}
	}()
	return nil
}

func (a *ReceiptArchiver) handle(ctx context.Context, msg *redisAdapter.Message[EventMessage]) {
	logger := a.logger.With(slog.String("messageId", msg.ID), slog.Uint64("auctionID", msg.Data.AuctionID))
	if msg.Data.Kind != auction.KindSettled {
		if err := msg.Done(ctx); err != nil {
			logger.Error("Fail to done message", slog.Any("error", err))
		}
		return
	}

	location, handleErr := a.archiveReceipt(ctx, msg)
	if handleErr != nil {
		logger.Error("Fail to archive receipt", slog.Any("error", handleErr))
		if err := msg.Fail(ctx, handleErr); err != nil {
			logger.Error("Fail to fail message", slog.Any("error", err))
		}
		return
	}
	if err := msg.Done(ctx); err != nil {
		// 收據以拍賣 ID 命名，重新處理只會覆蓋相同的內容
		logger.Error("Archive success but fail to done message", slog.Any("error", err))
		return
	}
	logger.Info("Receipt archived", slog.String("location", location))
}

func (a *ReceiptArchiver) archiveReceipt(ctx context.Context, msg *redisAdapter.Message[EventMessage]) (string, error) {
	receipt := Receipt{
		AuctionID:  msg.Data.AuctionID,
		Seq:        msg.Data.Seq,
		Name:       msg.Data.Name,
		Seller:     msg.Data.Creator,
		Winner:     msg.Data.Winner,
		FinalPrice: msg.Data.FinalPrice,
		Fee:        msg.Data.Fee,
		Payout:     msg.Data.Payout,
		SettledAt:  msg.Data.Time.UTC(),
		SourceID:   msg.ID,
	}
	content, err := json.MarshalIndent(receipt, "", "  ")
	if err != nil {
		return "", fmt.Errorf("fail to marshal receipt, err=%w", err)
	}
	return a.archive.Put(ctx, fmt.Sprintf("auction-%d.json", receipt.AuctionID), "application/json", content)
}

func (a *ReceiptArchiver) Close() {
	if err := a.consumer.Close(); err != nil {
		a.logger.Warn("Fail to close group consumer", slog.Any("error", err))
	}
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	a.wg.Wait()
}
