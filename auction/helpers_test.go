package auction

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	owner   Identity = "owner"
	seller  Identity = "seller"
	bidder1 Identity = "bidder1"
	bidder2 Identity = "bidder2"
	random  Identity = "random"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// testClock 是可以手動推進的時間來源
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testBank 記錄所有轉帳，fail 不為 nil 時轉帳會失敗
type testBank struct {
	mu       sync.Mutex
	payments []Payment
	fail     error
}

func (b *testBank) Transfer(_ context.Context, payment Payment) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	b.payments = append(b.payments, payment)
	return nil
}

func (b *testBank) Payments() []Payment {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Payment(nil), b.payments...)
}

// eventRecorder 依序記錄收到的通知
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
	fail   error
}

func (r *eventRecorder) Notify(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.fail
}

func (r *eventRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type testEnv struct {
	house  *House
	store  *MemoryStore
	clock  *testClock
	bank   *testBank
	events *eventRecorder
}

func setupHouse(t *testing.T, opts ...Option) testEnv {
	t.Helper()
	env := testEnv{
		store:  NewMemoryStore(),
		clock:  newTestClock(),
		bank:   &testBank{},
		events: &eventRecorder{},
	}
	options := append([]Option{
		WithClock(env.clock),
		WithNotifier(env.events),
		WithLogger(discardLogger),
	}, opts...)
	house, err := NewHouse(env.store, env.bank, owner, options...)
	require.NoError(t, err)
	env.house = house
	return env
}

// createTestItem 建立測試用的拍賣: 起標價 100，時間 3600 秒
func (env testEnv) createTestItem(t *testing.T) uint64 {
	t.Helper()
	id, err := env.house.CreateAuction(context.Background(), seller, "Test Item", 100, 3600*time.Second)
	require.NoError(t, err)
	return id
}

var errRejected = errors.New("recipient rejected funds")

// faultyStore 讓指定的提領紀錄操作失敗，其他操作交給 MemoryStore
type faultyStore struct {
	*MemoryStore
	recordErr error
	statusErr error
}

func (s *faultyStore) Atomically(ctx context.Context, fn func(tx Tx) error) error {
	return s.MemoryStore.Atomically(ctx, func(tx Tx) error {
		return fn(faultyTx{Tx: tx, store: s})
	})
}

type faultyTx struct {
	Tx
	store *faultyStore
}

func (tx faultyTx) RecordWithdrawal(w Withdrawal) error {
	if tx.store.recordErr != nil {
		return tx.store.recordErr
	}
	return tx.Tx.RecordWithdrawal(w)
}

func (tx faultyTx) SetWithdrawalStatus(reference string, status WithdrawalStatus) error {
	if tx.store.statusErr != nil {
		return tx.store.statusErr
	}
	return tx.Tx.SetWithdrawalStatus(reference, status)
}
