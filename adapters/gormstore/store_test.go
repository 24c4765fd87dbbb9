package gormstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"lastbid/auction"
	"lastbid/models"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(Config{Driver: "sqlite", Database: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})
	store, err := New(db, WithStoreLogger(discardLogger))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestNew(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"})
	assert.Error(t, err)
}

func TestStore_Migrate_Idempotent(t *testing.T) {
	store := setupStore(t)
	require.NoError(t, store.Migrate(context.Background()))

	var count int64
	require.NoError(t, store.db.Model(&models.GlobalState{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestStore_AuctionRoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	start := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	var id uint64
	require.NoError(t, store.Atomically(ctx, func(tx auction.Tx) error {
		var err error
		id, err = tx.NextAuctionID()
		if err != nil {
			return err
		}
		return tx.InsertAuction(auction.Auction{
			ID:           id,
			Creator:      "seller",
			Name:         "Test Item",
			StartTime:    start,
			Duration:     time.Hour,
			StartPrice:   100,
			CurrentPrice: 100,
			IsActive:     true,
			Version:      1,
		})
	}))
	assert.Equal(t, uint64(1), id)

	require.NoError(t, store.Atomically(ctx, func(tx auction.Tx) error {
		a, err := tx.GetAuction(id)
		require.NoError(t, err)
		assert.True(t, a.StartTime.Equal(start))
		assert.Equal(t, time.Hour, a.Duration)
		assert.Equal(t, auction.NoBidder, a.LastBidder)
		assert.True(t, a.LastBidTime.IsZero())

		a.CurrentPrice = 150
		a.LastBidder = "bidder1"
		a.LastBidTime = start.Add(time.Minute)
		a.Version = 2
		return tx.UpdateAuction(a)
	}))

	require.NoError(t, store.Atomically(ctx, func(tx auction.Tx) error {
		a, err := tx.GetAuction(id)
		require.NoError(t, err)
		assert.Equal(t, auction.Amount(150), a.CurrentPrice)
		assert.Equal(t, auction.Identity("bidder1"), a.LastBidder)
		assert.True(t, a.LastBidTime.Equal(start.Add(time.Minute)))
		assert.Equal(t, uint64(2), a.Version)
		// 建立後不可變更的欄位
		assert.Equal(t, "Test Item", a.Name)
		assert.Equal(t, auction.Amount(100), a.StartPrice)

		_, err = tx.GetAuction(99)
		assert.ErrorIs(t, err, auction.ErrNotFound)
		assert.ErrorIs(t, tx.UpdateAuction(auction.Auction{ID: 99}), auction.ErrNotFound)
		return nil
	}))
}

func TestStore_Rollback(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	errAbort := errors.New("abort")

	err := store.Atomically(ctx, func(tx auction.Tx) error {
		_, err := tx.NextAuctionID()
		require.NoError(t, err)
		require.NoError(t, tx.Credit("bidder1", 10))
		require.NoError(t, tx.SetFeePool(5))
		return errAbort
	})
	assert.ErrorIs(t, err, errAbort)

	require.NoError(t, store.Atomically(ctx, func(tx auction.Tx) error {
		id, err := tx.NextAuctionID()
		require.NoError(t, err)
		assert.Equal(t, uint64(1), id)
		balance, err := tx.Balance("bidder1")
		require.NoError(t, err)
		assert.Equal(t, auction.Amount(0), balance)
		pool, err := tx.FeePool()
		require.NoError(t, err)
		assert.Equal(t, auction.Amount(0), pool)
		return nil
	}))
}

func TestStore_Balances(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Atomically(ctx, func(tx auction.Tx) error {
		require.NoError(t, tx.Credit("bidder1", 10))
		require.NoError(t, tx.Credit("bidder1", 15))
		require.NoError(t, tx.Credit("bidder2", 1))
		return nil
	}))
	require.NoError(t, store.Atomically(ctx, func(tx auction.Tx) error {
		balance, err := tx.Balance("bidder1")
		require.NoError(t, err)
		assert.Equal(t, auction.Amount(25), balance)

		require.NoError(t, tx.SetBalance("bidder1", 0))
		balance, err = tx.Balance("bidder1")
		require.NoError(t, err)
		assert.Equal(t, auction.Amount(0), balance)

		balance, err = tx.Balance("nobody")
		require.NoError(t, err)
		assert.Equal(t, auction.Amount(0), balance)
		return nil
	}))
}

func TestStore_ConcurrentCredits(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := range workers {
		wg.Add(1)
		go func(amount auction.Amount) {
			defer wg.Done()
			errs <- store.Atomically(ctx, func(tx auction.Tx) error {
				return tx.Credit("fresh", amount)
			})
		}(auction.Amount(i + 1))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.NoError(t, store.Atomically(ctx, func(tx auction.Tx) error {
		balance, err := tx.Balance("fresh")
		require.NoError(t, err)
		assert.Equal(t, auction.Amount(workers*(workers+1)/2), balance)
		return nil
	}))
}

func TestStore_CreditStatement(t *testing.T) {
	store := setupStore(t)
	tx := &storeTx{db: store.db.Session(&gorm.Session{DryRun: true})}

	sql := tx.creditStatement("bidder1", 25).Statement.SQL.String()
	assert.Contains(t, sql, "ON CONFLICT")
	assert.Contains(t, sql, "balances.amount + ?")
	assert.NotContains(t, sql, "excluded.amount")
}

func TestStore_CreditLimits(t *testing.T) {
	tests := []struct {
		name    string
		current auction.Amount
		amount  auction.Amount
		wantErr bool
	}{
		{name: "累加到上限", current: auction.MaxAmount - 1, amount: 1},
		{name: "超過可保存的範圍", current: auction.MaxAmount, amount: 1, wantErr: true},
		{name: "無號整數溢位", current: 1, amount: ^auction.Amount(0), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := setupStore(t)
			ctx := context.Background()
			require.NoError(t, store.Atomically(ctx, func(tx auction.Tx) error {
				return tx.SetBalance("bidder1", tt.current)
			}))

			err := store.Atomically(ctx, func(tx auction.Tx) error {
				return tx.Credit("bidder1", tt.amount)
			})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestStore_WithdrawalStatus(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.Atomically(ctx, func(tx auction.Tx) error {
		return tx.RecordWithdrawal(auction.Withdrawal{
			Reference: "ref-1",
			Kind:      auction.WithdrawalBalance,
			Identity:  "bidder1",
			Amount:    10,
			Status:    auction.WithdrawalPending,
			Time:      now,
		})
	}))

	tests := []struct {
		name      string
		reference string
		status    auction.WithdrawalStatus
		wantErr   error
	}{
		{name: "標記為完成", reference: "ref-1", status: auction.WithdrawalCompleted},
		{name: "不存在的紀錄", reference: "ref-missing", status: auction.WithdrawalFailed, wantErr: auction.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Atomically(ctx, func(tx auction.Tx) error {
				return tx.SetWithdrawalStatus(tt.reference, tt.status)
			})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			var record models.Withdrawal
			require.NoError(t, store.db.First(&record, "reference = ?", tt.reference).Error)
			assert.Equal(t, string(tt.status), record.Status)
			assert.Equal(t, uint64(10), record.Amount)
		})
	}
}

// TestStore_House 以資料庫實作執行一次完整的拍賣流程
func TestStore_House(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	clock := &fixedClock{now: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)}

	var payments []auction.Payment
	var rejectPayments bool
	bank := auction.TransferFunc(func(_ context.Context, payment auction.Payment) error {
		if rejectPayments {
			return errors.New("rejected")
		}
		payments = append(payments, payment)
		return nil
	})
	house, err := auction.NewHouse(store, bank, "owner", auction.WithClock(clock), auction.WithLogger(discardLogger))
	require.NoError(t, err)

	id, err := house.CreateAuction(ctx, "seller", "Test Item", 100, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	_, err = house.PlaceBid(ctx, id, "bidder1", 150)
	require.NoError(t, err)
	_, err = house.PlaceBid(ctx, id, "bidder2", 151)
	assert.ErrorIs(t, err, auction.ErrBidTooLow)
	_, err = house.PlaceBid(ctx, id, "bidder2", 15000)
	require.NoError(t, err)

	bids, err := house.Bids(ctx, id)
	require.NoError(t, err)
	require.Len(t, bids, 2)
	assert.Equal(t, uint64(2), bids[0].Sequence)
	assert.Equal(t, uint64(3), bids[1].Sequence)

	clock.Advance(time.Hour)
	settlement, err := house.EndAuction(ctx, id, "random")
	require.NoError(t, err)
	assert.Equal(t, auction.Amount(750), settlement.Fee)
	assert.Equal(t, auction.Amount(14250), settlement.Payout)

	_, err = house.EndAuction(ctx, id, "random")
	assert.ErrorIs(t, err, auction.ErrAlreadyEnded)

	// 轉帳失敗時餘額退回，提領紀錄標記為失敗
	rejectPayments = true
	_, err = house.Withdraw(ctx, "bidder1")
	assert.ErrorIs(t, err, auction.ErrTransferFailed)
	balance, err := house.Balance(ctx, "bidder1")
	require.NoError(t, err)
	assert.Equal(t, auction.Amount(150), balance)
	var failed []models.Withdrawal
	require.NoError(t, store.db.Where("identity = ?", "bidder1").Find(&failed).Error)
	require.Len(t, failed, 1)
	assert.Equal(t, string(auction.WithdrawalFailed), failed[0].Status)

	rejectPayments = false
	amount, err := house.Withdraw(ctx, "bidder1")
	require.NoError(t, err)
	assert.Equal(t, auction.Amount(150), amount)
	amount, err = house.WithdrawFees(ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, auction.Amount(750), amount)
	pool, err := house.FeePool(ctx)
	require.NoError(t, err)
	assert.Equal(t, auction.Amount(0), pool)

	require.Len(t, payments, 2)
	var withdrawal models.Withdrawal
	require.NoError(t, store.db.First(&withdrawal, "reference = ?", payments[0].Reference).Error)
	assert.Equal(t, string(auction.WithdrawalBalance), withdrawal.Kind)
	assert.Equal(t, "bidder1", withdrawal.Identity)
	assert.Equal(t, string(auction.WithdrawalCompleted), withdrawal.Status)
	var fees models.Withdrawal
	require.NoError(t, store.db.First(&fees, "reference = ?", payments[1].Reference).Error)
	assert.Equal(t, string(auction.WithdrawalFees), fees.Kind)
	assert.Equal(t, uint64(750), fees.Amount)
	assert.Equal(t, string(auction.WithdrawalCompleted), fees.Status)
}
