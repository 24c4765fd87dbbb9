package gormstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"lastbid/auction"
	"lastbid/models"
)

type storeOptions struct {
	logger *slog.Logger
}

type StoreOption func(*storeOptions)

// WithStoreLogger 設置日誌記錄器
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(o *storeOptions) {
		o.logger = logger
	}
}

// Store 以 gorm 實作 auction.Store，每次 Atomically 都是一個資料庫交易
//
// 拍賣列與全域狀態列在交易中以 SELECT ... FOR UPDATE 讀取，
// 同時執行的交易會在資料庫端被序列化(不支援列鎖的方言會忽略這個子句)
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

func New(db *gorm.DB, opts ...StoreOption) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}

	// 默認選項
	options := storeOptions{
		logger: slog.Default(),
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Store{
		db:     db,
		logger: options.logger.With(slog.String("caller", "GormStore")),
	}, nil
}

// Migrate 建立資料表並確保全域狀態列存在
func (s *Store) Migrate(ctx context.Context) error {
	const op = "GormStore.Migrate"
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("[%s] Fail to migrate models, err=%w", op, err)
	}
	state := models.GlobalState{ID: models.GlobalStateID}
	if result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&state); result.Error != nil {
		return fmt.Errorf("[%s] Fail to initial global state, err=%w", op, result.Error)
	}
	s.logger.Info("Database migrated")
	return nil
}

func (s *Store) Atomically(ctx context.Context, fn func(tx auction.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&storeTx{db: db})
	})
}

type storeTx struct {
	db *gorm.DB
}

func (tx *storeTx) forUpdate() *gorm.DB {
	return tx.db.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate})
}

// state 讀取並鎖定全域狀態列，不存在時建立
func (tx *storeTx) state() (models.GlobalState, error) {
	state := models.GlobalState{ID: models.GlobalStateID}
	result := tx.forUpdate().Limit(1).Find(&state, models.GlobalStateID)
	if result.Error != nil {
		return models.GlobalState{}, fmt.Errorf("fail to load global state, err=%w", result.Error)
	}
	if result.RowsAffected == 0 {
		if err := tx.db.Create(&state).Error; err != nil {
			return models.GlobalState{}, fmt.Errorf("fail to create global state, err=%w", err)
		}
	}
	return state, nil
}

func (tx *storeTx) NextAuctionID() (uint64, error) {
	state, err := tx.state()
	if err != nil {
		return 0, err
	}
	state.AuctionCounter++
	if err := tx.db.Model(&state).Update("auction_counter", state.AuctionCounter).Error; err != nil {
		return 0, fmt.Errorf("fail to update auction counter, err=%w", err)
	}
	return state.AuctionCounter, nil
}

func (tx *storeTx) InsertAuction(a auction.Auction) error {
	record := toAuctionModel(a)
	if err := tx.db.Create(&record).Error; err != nil {
		return fmt.Errorf("fail to create auction, id=%d, err=%w", a.ID, err)
	}
	return nil
}

func (tx *storeTx) GetAuction(id uint64) (auction.Auction, error) {
	var record models.Auction
	if err := tx.forUpdate().First(&record, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return auction.Auction{}, auction.ErrNotFound
		}
		return auction.Auction{}, fmt.Errorf("fail to find auction, id=%d, err=%w", id, err)
	}
	return toAuction(record), nil
}

func (tx *storeTx) UpdateAuction(a auction.Auction) error {
	record := toAuctionModel(a)
	result := tx.db.Model(&models.Auction{ID: a.ID}).
		Select("current_price", "last_bidder", "last_bid_time", "is_active", "version", "updated_at").
		Updates(&record)
	if result.Error != nil {
		return fmt.Errorf("fail to update auction, id=%d, err=%w", a.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return auction.ErrNotFound
	}
	return nil
}

func (tx *storeTx) AppendBid(b auction.Bid) error {
	record := models.Bid{
		AuctionID: b.AuctionID,
		Sequence:  b.Sequence,
		Bidder:    string(b.Bidder),
		Amount:    uint64(b.Amount),
		Time:      b.Time,
	}
	if err := tx.db.Create(&record).Error; err != nil {
		return fmt.Errorf("fail to create bid, auctionID=%d, err=%w", b.AuctionID, err)
	}
	return nil
}

func (tx *storeTx) ListBids(auctionID uint64) ([]auction.Bid, error) {
	var records []models.Bid
	if err := tx.db.Where("auction_id = ?", auctionID).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "sequence"}}).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("fail to list bids, auctionID=%d, err=%w", auctionID, err)
	}
	bids := make([]auction.Bid, len(records))
	for i, record := range records {
		bids[i] = auction.Bid{
			AuctionID: record.AuctionID,
			Sequence:  record.Sequence,
			Bidder:    auction.Identity(record.Bidder),
			Amount:    auction.Amount(record.Amount),
			Time:      record.Time.UTC(),
		}
	}
	return bids, nil
}

func (tx *storeTx) Balance(who auction.Identity) (auction.Amount, error) {
	var record models.Balance
	result := tx.forUpdate().Where(map[string]any{"identity": string(who)}).Limit(1).Find(&record)
	if result.Error != nil {
		return 0, fmt.Errorf("fail to find balance, identity=%s, err=%w", who, result.Error)
	}
	return auction.Amount(record.Amount), nil
}

// Credit 以單一 upsert 累加餘額，餘額列不存在時由資料庫處理並發的插入
func (tx *storeTx) Credit(who auction.Identity, amount auction.Amount) error {
	current, err := tx.Balance(who)
	if err != nil {
		return err
	}
	if current+amount < current || current+amount > auction.MaxAmount {
		return fmt.Errorf("balance overflow, identity=%s", who)
	}
	if err := tx.creditStatement(who, amount).Error; err != nil {
		return fmt.Errorf("fail to credit balance, identity=%s, err=%w", who, err)
	}
	return nil
}

func (tx *storeTx) creditStatement(who auction.Identity, amount auction.Amount) *gorm.DB {
	record := models.Balance{Identity: string(who), Amount: uint64(amount)}
	return tx.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "identity"}},
		DoUpdates: clause.Assignments(map[string]any{
			"amount":     gorm.Expr("balances.amount + ?", uint64(amount)),
			"updated_at": tx.db.NowFunc(),
		}),
	}).Create(&record)
}

func (tx *storeTx) SetBalance(who auction.Identity, amount auction.Amount) error {
	record := models.Balance{Identity: string(who), Amount: uint64(amount)}
	err := tx.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity"}},
		DoUpdates: clause.AssignmentColumns([]string{"amount", "updated_at"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("fail to save balance, identity=%s, err=%w", who, err)
	}
	return nil
}

func (tx *storeTx) FeePool() (auction.Amount, error) {
	state, err := tx.state()
	if err != nil {
		return 0, err
	}
	return auction.Amount(state.FeePool), nil
}

func (tx *storeTx) SetFeePool(amount auction.Amount) error {
	if _, err := tx.state(); err != nil {
		return err
	}
	err := tx.db.Model(&models.GlobalState{ID: models.GlobalStateID}).Update("fee_pool", uint64(amount)).Error
	if err != nil {
		return fmt.Errorf("fail to update fee pool, err=%w", err)
	}
	return nil
}

func (tx *storeTx) RecordWithdrawal(w auction.Withdrawal) error {
	record := models.Withdrawal{
		Reference: w.Reference,
		Kind:      string(w.Kind),
		Identity:  string(w.Identity),
		Amount:    uint64(w.Amount),
		Time:      w.Time,
		Status:    string(w.Status),
	}
	if err := tx.db.Create(&record).Error; err != nil {
		return fmt.Errorf("fail to create withdrawal, reference=%s, err=%w", w.Reference, err)
	}
	return nil
}

func (tx *storeTx) SetWithdrawalStatus(reference string, status auction.WithdrawalStatus) error {
	result := tx.db.Model(&models.Withdrawal{Reference: reference}).Update("status", string(status))
	if result.Error != nil {
		return fmt.Errorf("fail to update withdrawal, reference=%s, err=%w", reference, result.Error)
	}
	if result.RowsAffected == 0 {
		return auction.ErrNotFound
	}
	return nil
}

func toAuctionModel(a auction.Auction) models.Auction {
	record := models.Auction{
		ID:              a.ID,
		Creator:         string(a.Creator),
		Name:            a.Name,
		StartTime:       a.StartTime,
		DurationSeconds: int64(a.Duration / time.Second),
		StartPrice:      uint64(a.StartPrice),
		CurrentPrice:    uint64(a.CurrentPrice),
		LastBidder:      string(a.LastBidder),
		IsActive:        a.IsActive,
		Version:         a.Version,
	}
	if !a.LastBidTime.IsZero() {
		t := a.LastBidTime
		record.LastBidTime = &t
	}
	return record
}

func toAuction(record models.Auction) auction.Auction {
	a := auction.Auction{
		ID:           record.ID,
		Creator:      auction.Identity(record.Creator),
		Name:         record.Name,
		StartTime:    record.StartTime.UTC(),
		Duration:     time.Duration(record.DurationSeconds) * time.Second,
		StartPrice:   auction.Amount(record.StartPrice),
		CurrentPrice: auction.Amount(record.CurrentPrice),
		LastBidder:   auction.Identity(record.LastBidder),
		IsActive:     record.IsActive,
		Version:      record.Version,
	}
	if record.LastBidTime != nil {
		a.LastBidTime = record.LastBidTime.UTC()
	}
	return a
}
