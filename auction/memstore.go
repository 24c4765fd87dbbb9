package auction

import (
	"context"
	"errors"
	"slices"
	"sync"
)

var errBalanceOverflow = errors.New("balance overflow")

// MemoryStore 是以記憶體實作的 Store，所有交易以單一互斥鎖序列化，
// 交易中的寫入會先暫存，fn 成功後才套用到實際資料
type MemoryStore struct {
	mu sync.Mutex

	counter     uint64
	auctions    map[uint64]Auction
	bids        map[uint64][]Bid
	balances    map[Identity]Amount
	feePool     Amount
	withdrawals []Withdrawal
}

// NewMemoryStore 建立一個空的 MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		auctions: make(map[uint64]Auction),
		bids:     make(map[uint64][]Bid),
		balances: make(map[Identity]Amount),
	}
}

func (s *MemoryStore) Atomically(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:    s,
		counter:  s.counter,
		auctions: make(map[uint64]Auction),
		bids:     make(map[uint64][]Bid),
		balances: make(map[Identity]Amount),
		feePool:  s.feePool,
		statuses: make(map[string]WithdrawalStatus),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// Withdrawals 回傳所有提領紀錄的副本
func (s *MemoryStore) Withdrawals() []Withdrawal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.withdrawals)
}

type memTx struct {
	store *MemoryStore

	counter     uint64
	auctions    map[uint64]Auction
	bids        map[uint64][]Bid
	balances    map[Identity]Amount
	feePool     Amount
	withdrawals []Withdrawal
	statuses    map[string]WithdrawalStatus
}

func (tx *memTx) commit() {
	s := tx.store
	s.counter = tx.counter
	for id, a := range tx.auctions {
		s.auctions[id] = a
	}
	for id, bids := range tx.bids {
		s.bids[id] = append(s.bids[id], bids...)
	}
	for who, amount := range tx.balances {
		s.balances[who] = amount
	}
	s.feePool = tx.feePool
	s.withdrawals = append(s.withdrawals, tx.withdrawals...)
	for i, w := range s.withdrawals {
		if status, ok := tx.statuses[w.Reference]; ok {
			s.withdrawals[i].Status = status
		}
	}
}

func (tx *memTx) NextAuctionID() (uint64, error) {
	tx.counter++
	return tx.counter, nil
}

func (tx *memTx) InsertAuction(a Auction) error {
	if _, err := tx.GetAuction(a.ID); err == nil {
		return errors.New("auction already exists")
	}
	tx.auctions[a.ID] = a
	return nil
}

func (tx *memTx) GetAuction(id uint64) (Auction, error) {
	if a, ok := tx.auctions[id]; ok {
		return a, nil
	}
	if a, ok := tx.store.auctions[id]; ok {
		return a, nil
	}
	return Auction{}, ErrNotFound
}

func (tx *memTx) UpdateAuction(a Auction) error {
	if _, err := tx.GetAuction(a.ID); err != nil {
		return err
	}
	tx.auctions[a.ID] = a
	return nil
}

func (tx *memTx) AppendBid(b Bid) error {
	tx.bids[b.AuctionID] = append(tx.bids[b.AuctionID], b)
	return nil
}

func (tx *memTx) ListBids(auctionID uint64) ([]Bid, error) {
	out := slices.Clone(tx.store.bids[auctionID])
	return append(out, tx.bids[auctionID]...), nil
}

func (tx *memTx) Balance(who Identity) (Amount, error) {
	if amount, ok := tx.balances[who]; ok {
		return amount, nil
	}
	return tx.store.balances[who], nil
}

func (tx *memTx) Credit(who Identity, amount Amount) error {
	current, _ := tx.Balance(who)
	if current+amount < current || current+amount > MaxAmount {
		return errBalanceOverflow
	}
	tx.balances[who] = current + amount
	return nil
}

func (tx *memTx) SetBalance(who Identity, amount Amount) error {
	tx.balances[who] = amount
	return nil
}

func (tx *memTx) FeePool() (Amount, error) {
	return tx.feePool, nil
}

func (tx *memTx) SetFeePool(amount Amount) error {
	tx.feePool = amount
	return nil
}

func (tx *memTx) RecordWithdrawal(w Withdrawal) error {
	tx.withdrawals = append(tx.withdrawals, w)
	return nil
}

func (tx *memTx) SetWithdrawalStatus(reference string, status WithdrawalStatus) error {
	exists := func(w Withdrawal) bool { return w.Reference == reference }
	if !slices.ContainsFunc(tx.withdrawals, exists) && !slices.ContainsFunc(tx.store.withdrawals, exists) {
		return ErrNotFound
	}
	tx.statuses[reference] = status
	return nil
}
