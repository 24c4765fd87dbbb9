package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxNameLength 拍賣名稱的最大字元數
const MaxNameLength = 200

type houseOptions struct {
	clock    Clock
	notifier Notifier
	locker   LockFactory
	policy   Policy
	logger   *slog.Logger
}

type Option func(*houseOptions)

// WithClock 設置時間來源
func WithClock(clock Clock) Option {
	return func(o *houseOptions) {
		o.clock = clock
	}
}

// WithNotifier 設置通知的發送者
func WithNotifier(notifier Notifier) Option {
	return func(o *houseOptions) {
		o.notifier = notifier
	}
}

// WithLocker 設置跨實例的鎖，同一筆拍賣或同一個帳戶的操作會被序列化
func WithLocker(factory LockFactory) Option {
	return func(o *houseOptions) {
		o.locker = factory
	}
}

// WithPolicy 設置定價規則
func WithPolicy(policy Policy) Option {
	return func(o *houseOptions) {
		o.policy = policy
	}
}

// WithLogger 設置日誌記錄器
func WithLogger(logger *slog.Logger) Option {
	return func(o *houseOptions) {
		o.logger = logger
	}
}

// House 同時負責拍賣登記(Registry)與結算帳本(Ledger)
//
// 所有公開操作都在 Store.Atomically 中執行，前置條件全部通過之前不會有任何寫入；
// 金額只會以「記入餘額」的方式移動，實際轉帳只發生在 Withdraw 與 WithdrawFees。
type House struct {
	store    Store
	transfer Transferer
	owner    Identity
	clock    Clock
	notifier Notifier
	locker   LockFactory
	policy   Policy
	logger   *slog.Logger
}

func NewHouse(store Store, transfer Transferer, owner Identity, opts ...Option) (*House, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if transfer == nil {
		return nil, errors.New("transferer cannot be nil")
	}
	if owner == NoBidder {
		return nil, errors.New("owner cannot be empty")
	}

	// 默認選項
	options := houseOptions{
		clock:  SystemClock(),
		policy: DefaultPolicy(),
		logger: slog.Default(),
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	if err := options.policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	return &House{
		store:    store,
		transfer: transfer,
		owner:    owner,
		clock:    options.clock,
		notifier: options.notifier,
		locker:   options.locker,
		policy:   options.policy,
		logger:   options.logger.With(slog.String("caller", "House")),
	}, nil
}

// Owner 回傳平台擁有者，只有擁有者可以提領手續費
func (h *House) Owner() Identity {
	return h.owner
}

// Policy 回傳目前使用的定價規則
func (h *House) Policy() Policy {
	return h.policy
}

// CreateAuction 建立一筆新的拍賣並回傳其 ID
func (h *House) CreateAuction(ctx context.Context, creator Identity, name string, startPrice Amount, duration time.Duration) (uint64, error) {
	const op = "House.CreateAuction"
	name = strings.TrimSpace(name)
	duration = duration.Truncate(time.Second)
	if creator == NoBidder {
		return 0, fmt.Errorf("%w: creator is required", ErrInvalidParameters)
	}
	if startPrice == 0 || startPrice > MaxAmount {
		return 0, ErrInvalidStartPrice
	}
	if duration <= h.policy.MinDuration {
		return 0, ErrInvalidDuration
	}
	if name == "" || utf8.RuneCountInString(name) > MaxNameLength {
		return 0, ErrInvalidName
	}

	now := h.clock.Now()
	var created Created
	err := h.store.Atomically(ctx, func(tx Tx) error {
		id, err := tx.NextAuctionID()
		if err != nil {
			return err
		}
		a := Auction{
			ID:           id,
			Creator:      creator,
			Name:         name,
			StartTime:    now,
			Duration:     duration,
			StartPrice:   startPrice,
			CurrentPrice: startPrice,
			LastBidder:   NoBidder,
			IsActive:     true,
			Version:      1,
		}
		if err := tx.InsertAuction(a); err != nil {
			return err
		}
		created = Created{
			ID:         a.ID,
			Seq:        a.Version,
			Name:       a.Name,
			Creator:    a.Creator,
			StartTime:  a.StartTime,
			Duration:   a.Duration,
			StartPrice: a.StartPrice,
		}
		return nil
	})
	if err != nil {
		return 0, h.wrap(op, err)
	}

	h.logger.Info("Auction created",
		slog.Uint64("auctionID", created.ID),
		slog.String("creator", string(creator)),
		slog.Uint64("startPrice", uint64(startPrice)),
		slog.Duration("duration", duration),
	)
	h.notify(ctx, created)
	return created.ID, nil
}

// Auction 回傳拍賣目前的狀態快照
func (h *House) Auction(ctx context.Context, id uint64) (Auction, error) {
	const op = "House.Auction"
	var a Auction
	err := h.store.Atomically(ctx, func(tx Tx) error {
		var err error
		a, err = tx.GetAuction(id)
		return err
	})
	if err != nil {
		return Auction{}, h.wrap(op, err)
	}
	return a, nil
}

// Bids 依照接受順序回傳拍賣的出價紀錄
func (h *House) Bids(ctx context.Context, id uint64) ([]Bid, error) {
	const op = "House.Bids"
	var bids []Bid
	err := h.store.Atomically(ctx, func(tx Tx) error {
		if _, err := tx.GetAuction(id); err != nil {
			return err
		}
		var err error
		bids, err = tx.ListBids(id)
		return err
	})
	if err != nil {
		return nil, h.wrap(op, err)
	}
	return bids, nil
}

// PlaceBid 對拍賣出價，成功時回傳出價後的拍賣快照
//
// 檢查順序:
//  1. 拍賣不存在或已結算 -> ErrAuctionInactive
//  2. 時間窗口已過但尚未結算 -> ErrAuctionExpired
//  3. 賣家對自己的拍賣出價 -> ErrSelfBid
//  4. 未達最小加價 -> ErrBidTooLow
//
// 成功時前一位領先者的出價會全額記入其餘額
func (h *House) PlaceBid(ctx context.Context, id uint64, bidder Identity, amount Amount) (Auction, error) {
	const op = "House.PlaceBid"
	if bidder == NoBidder {
		return Auction{}, fmt.Errorf("%w: bidder is required", ErrInvalidParameters)
	}
	if amount > MaxAmount {
		return Auction{}, fmt.Errorf("%w: amount exceeds %d", ErrInvalidParameters, MaxAmount)
	}

	ctx, unlock, err := h.lock(ctx, auctionLockKey(id))
	if err != nil {
		return Auction{}, fmt.Errorf("[%s] Fail to acquire auction lock, err=%w", op, err)
	}
	defer unlock()

	now := h.clock.Now()
	var (
		updated  Auction
		refunded Identity
		refund   Amount
	)
	err = h.store.Atomically(ctx, func(tx Tx) error {
		a, err := tx.GetAuction(id)
		if errors.Is(err, ErrNotFound) {
			return ErrAuctionInactive
		}
		if err != nil {
			return err
		}
		if !a.IsActive {
			return ErrAuctionInactive
		}
		if a.Expired(now) {
			return ErrAuctionExpired
		}
		if bidder == a.Creator {
			return ErrSelfBid
		}
		if !h.policy.AcceptsBid(a.CurrentPrice, amount) {
			return fmt.Errorf("%w: minimum bid is %d", ErrBidTooLow, h.policy.NextMinimumBid(a.CurrentPrice))
		}

		// 退還被超越的出價
		refunded, refund = NoBidder, 0
		if a.HasBids() {
			if err := tx.Credit(a.LastBidder, a.CurrentPrice); err != nil {
				return err
			}
			refunded, refund = a.LastBidder, a.CurrentPrice
		}

		a.CurrentPrice = amount
		a.LastBidder = bidder
		a.LastBidTime = now
		a.Version++
		if err := tx.UpdateAuction(a); err != nil {
			return err
		}
		if err := tx.AppendBid(Bid{
			AuctionID: a.ID,
			Sequence:  a.Version,
			Bidder:    bidder,
			Amount:    amount,
			Time:      now,
		}); err != nil {
			return err
		}
		updated = a
		return nil
	})
	if err != nil {
		return Auction{}, h.wrap(op, err)
	}

	logger := h.logger.With(slog.Uint64("auctionID", id))
	logger.Info("Higher bid occurs", slog.String("bidder", string(bidder)), slog.Uint64("bid", uint64(amount)))
	if refunded != NoBidder {
		logger.Debug("Previous leader refunded", slog.String("identity", string(refunded)), slog.Uint64("amount", uint64(refund)))
	}
	h.notify(ctx, BidPlaced{
		ID:     updated.ID,
		Seq:    updated.Version,
		Name:   updated.Name,
		Bidder: bidder,
		Amount: amount,
		Time:   now,
	})
	return updated, nil
}

// EndAuction 結算拍賣，任何人都可以在時間窗口結束後呼叫
func (h *House) EndAuction(ctx context.Context, id uint64, caller Identity) (Settlement, error) {
	const op = "House.EndAuction"
	ctx, unlock, err := h.lock(ctx, auctionLockKey(id))
	if err != nil {
		return Settlement{}, fmt.Errorf("[%s] Fail to acquire auction lock, err=%w", op, err)
	}
	defer unlock()

	now := h.clock.Now()
	var (
		settlement Settlement
		settled    Settled
	)
	err = h.store.Atomically(ctx, func(tx Tx) error {
		a, err := tx.GetAuction(id)
		if errors.Is(err, ErrNotFound) {
			return ErrAlreadyEnded
		}
		if err != nil {
			return err
		}
		if !a.IsActive {
			return ErrAlreadyEnded
		}
		if now.Before(a.EndTime()) {
			return ErrNotYetEnded
		}

		// 先標記為結束，之後任何重試都只會得到 ErrAlreadyEnded
		a.IsActive = false
		a.Version++
		if err := tx.UpdateAuction(a); err != nil {
			return err
		}

		settlement = Settlement{
			AuctionID:  a.ID,
			Winner:     a.LastBidder,
			FinalPrice: a.CurrentPrice,
			Time:       now,
		}
		if a.HasBids() {
			fee, payout := h.policy.Split(a.CurrentPrice)
			if err := tx.Credit(a.Creator, payout); err != nil {
				return err
			}
			pool, err := tx.FeePool()
			if err != nil {
				return err
			}
			if pool+fee < pool {
				return errBalanceOverflow
			}
			if err := tx.SetFeePool(pool + fee); err != nil {
				return err
			}
			settlement.Fee, settlement.Payout = fee, payout
		}
		settled = Settled{
			ID:         a.ID,
			Seq:        a.Version,
			Name:       a.Name,
			Creator:    a.Creator,
			Winner:     a.LastBidder,
			FinalPrice: a.CurrentPrice,
			Fee:        settlement.Fee,
			Payout:     settlement.Payout,
			Time:       now,
		}
		return nil
	})
	if err != nil {
		return Settlement{}, h.wrap(op, err)
	}

	h.logger.Info("Auction settled",
		slog.Uint64("auctionID", id),
		slog.String("caller", string(caller)),
		slog.String("winner", string(settlement.Winner)),
		slog.Uint64("finalPrice", uint64(settlement.FinalPrice)),
		slog.Uint64("fee", uint64(settlement.Fee)),
	)
	h.notify(ctx, settled)
	return settlement, nil
}

// Balance 回傳參與者目前可提領的餘額
func (h *House) Balance(ctx context.Context, who Identity) (Amount, error) {
	const op = "House.Balance"
	var amount Amount
	err := h.store.Atomically(ctx, func(tx Tx) error {
		var err error
		amount, err = tx.Balance(who)
		return err
	})
	if err != nil {
		return 0, h.wrap(op, err)
	}
	return amount, nil
}

// FeePool 回傳目前累積的手續費
func (h *House) FeePool(ctx context.Context) (Amount, error) {
	const op = "House.FeePool"
	var amount Amount
	err := h.store.Atomically(ctx, func(tx Tx) error {
		var err error
		amount, err = tx.FeePool()
		return err
	})
	if err != nil {
		return 0, h.wrap(op, err)
	}
	return amount, nil
}

// Withdraw 將參與者的全部餘額轉出，轉帳失敗時餘額會被退回
func (h *House) Withdraw(ctx context.Context, who Identity) (Amount, error) {
	const op = "House.Withdraw"
	if who == NoBidder {
		return 0, fmt.Errorf("%w: identity is required", ErrInvalidParameters)
	}
	ctx, unlock, err := h.lock(ctx, balanceLockKey(who))
	if err != nil {
		return 0, fmt.Errorf("[%s] Fail to acquire balance lock, err=%w", op, err)
	}
	defer unlock()

	amount, reference, err := h.withdraw(ctx, WithdrawalBalance, who,
		func(tx Tx) (Amount, error) {
			balance, err := tx.Balance(who)
			if err != nil {
				return 0, err
			}
			if balance == 0 {
				return 0, ErrNothingToWithdraw
			}
			return balance, tx.SetBalance(who, 0)
		},
		func(tx Tx, amount Amount) error {
			return tx.Credit(who, amount)
		},
	)
	if err != nil {
		return 0, h.wrap(op, err)
	}
	h.logger.Info("Balance withdrawn",
		slog.String("identity", string(who)),
		slog.Uint64("amount", uint64(amount)),
		slog.String("reference", reference),
	)
	return amount, nil
}

// WithdrawFees 將累積的手續費轉給平台擁有者
func (h *House) WithdrawFees(ctx context.Context, caller Identity) (Amount, error) {
	const op = "House.WithdrawFees"
	if caller != h.owner {
		return 0, ErrNotOwner
	}
	ctx, unlock, err := h.lock(ctx, feesLockKey)
	if err != nil {
		return 0, fmt.Errorf("[%s] Fail to acquire fees lock, err=%w", op, err)
	}
	defer unlock()

	amount, reference, err := h.withdraw(ctx, WithdrawalFees, h.owner,
		func(tx Tx) (Amount, error) {
			pool, err := tx.FeePool()
			if err != nil {
				return 0, err
			}
			if pool == 0 {
				return 0, ErrNothingToWithdraw
			}
			return pool, tx.SetFeePool(0)
		},
		func(tx Tx, amount Amount) error {
			pool, err := tx.FeePool()
			if err != nil {
				return err
			}
			if pool+amount < pool {
				return errors.New("fee pool overflow")
			}
			return tx.SetFeePool(pool + amount)
		},
	)
	if err != nil {
		return 0, h.wrap(op, err)
	}
	h.logger.Info("Fees withdrawn", slog.Uint64("amount", uint64(amount)), slog.String("reference", reference))
	return amount, nil
}

// withdraw 以三個步驟完成提領，轉帳不在任何交易之中:
//  1. take 扣除金額並記錄 pending 的提領，提交後才轉帳
//  2. 轉帳失敗時以 restore 退回金額並標記為 failed
//  3. 轉帳成功後標記為 completed；這一步失敗時金額維持扣除，紀錄停在 pending
//
// 轉帳之後的交易不受請求取消影響
func (h *House) withdraw(
	ctx context.Context,
	kind WithdrawalKind,
	who Identity,
	take func(tx Tx) (Amount, error),
	restore func(tx Tx, amount Amount) error,
) (Amount, string, error) {
	reference := uuid.NewString()
	now := h.clock.Now()
	var amount Amount
	err := h.store.Atomically(ctx, func(tx Tx) error {
		var err error
		if amount, err = take(tx); err != nil {
			return err
		}
		return tx.RecordWithdrawal(Withdrawal{
			Reference: reference,
			Kind:      kind,
			Identity:  who,
			Amount:    amount,
			Status:    WithdrawalPending,
			Time:      now,
		})
	})
	if err != nil {
		return 0, reference, err
	}

	logger := h.logger.With(
		slog.String("identity", string(who)),
		slog.String("kind", string(kind)),
		slog.String("reference", reference),
		slog.Uint64("amount", uint64(amount)),
	)
	bookkeeping := context.WithoutCancel(ctx)
	if payErr := h.pay(ctx, Payment{Reference: reference, To: who, Amount: amount}); payErr != nil {
		restoreErr := h.store.Atomically(bookkeeping, func(tx Tx) error {
			if err := restore(tx, amount); err != nil {
				return err
			}
			return tx.SetWithdrawalStatus(reference, WithdrawalFailed)
		})
		if restoreErr != nil {
			logger.Error("Fail to restore funds after failed transfer, withdrawal left pending",
				slog.Any("error", payErr),
				slog.Any("restoreError", restoreErr),
			)
			return 0, reference, errors.Join(payErr, restoreErr)
		}
		logger.Warn("Withdrawal transfer failed, funds restored", slog.Any("error", payErr))
		return 0, reference, payErr
	}

	err = h.store.Atomically(bookkeeping, func(tx Tx) error {
		return tx.SetWithdrawalStatus(reference, WithdrawalCompleted)
	})
	if err != nil {
		logger.Error("Transfer done but fail to complete withdrawal, left pending", slog.Any("error", err))
	}
	return amount, reference, nil
}

func (h *House) pay(ctx context.Context, payment Payment) error {
	if err := h.transfer.Transfer(ctx, payment); err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	return nil
}

// notify 送出通知，失敗只記錄日誌
func (h *House) notify(ctx context.Context, event Event) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.Notify(context.WithoutCancel(ctx), event); err != nil {
		h.logger.Error("Fail to deliver notification",
			slog.String("kind", string(event.Kind())),
			slog.Uint64("auctionID", event.AuctionID()),
			slog.Uint64("seq", event.Sequence()),
			slog.Any("error", err),
		)
	}
}

// lock 取得鎖並回傳帶鎖狀態的 context；未設置 locker 時不做任何事
func (h *House) lock(ctx context.Context, key string) (context.Context, func(), error) {
	if h.locker == nil {
		return ctx, func() {}, nil
	}
	mutex := h.locker(key)
	lockCtx, err := mutex.Lock(ctx)
	if err != nil {
		return nil, nil, err
	}
	return lockCtx, func() {
		if _, err := mutex.Unlock(); err != nil {
			h.logger.Warn("Fail to release lock", slog.String("key", key), slog.Any("error", err))
		}
	}, nil
}

// wrap 保留業務錯誤原樣，其他錯誤加上操作名稱
func (h *House) wrap(op string, err error) error {
	if IsDomainError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("[%s] Fail to access store, err=%w", op, err)
}

const feesLockKey = "fees"

func auctionLockKey(id uint64) string {
	return "auction:" + strconv.FormatUint(id, 10)
}

func balanceLockKey(who Identity) string {
	return "balance:" + string(who)
}
