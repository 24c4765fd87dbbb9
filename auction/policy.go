package auction

import (
	"errors"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Policy 定義平台的定價規則
type Policy struct {
	// FeeRate 結算時平台抽取的手續費比例
	FeeRate decimal.Decimal
	// MinIncrementRate 新出價相對於目前價格最少需要增加的比例
	MinIncrementRate decimal.Decimal
	// MinDuration 拍賣時間長度必須嚴格大於這個值
	MinDuration time.Duration
}

// DefaultPolicy 回傳預設規則: 手續費 5%、最小加價 5%、拍賣時間需超過 60 秒
func DefaultPolicy() Policy {
	return Policy{
		FeeRate:          decimal.New(5, -2),
		MinIncrementRate: decimal.New(5, -2),
		MinDuration:      time.Minute,
	}
}

// Validate 檢查規則本身是否合理
func (p Policy) Validate() error {
	if p.FeeRate.IsNegative() || p.FeeRate.GreaterThan(decimal.NewFromInt(1)) {
		return errors.New("fee rate must be within [0, 1]")
	}
	if p.MinIncrementRate.IsNegative() {
		return errors.New("minimum increment rate cannot be negative")
	}
	if p.MinDuration < 0 {
		return errors.New("minimum duration cannot be negative")
	}
	return nil
}

// MinimumBid 回傳在目前價格下可被接受的最低出價(精確值，可能帶有小數)
func (p Policy) MinimumBid(current Amount) decimal.Decimal {
	return toDecimal(current).Mul(decimal.NewFromInt(1).Add(p.MinIncrementRate))
}

// NextMinimumBid 回傳下一次出價最少需要的整數金額
func (p Policy) NextMinimumBid(current Amount) Amount {
	minimum := fromDecimal(p.MinimumBid(current).Ceil())
	// 出價必須嚴格高於目前價格
	if minimum <= current {
		return current + 1
	}
	return minimum
}

// AcceptsBid 判斷 amount 是否滿足最小加價規則
// e.g. 目前價格 150 時最低需要 157.5，所以 151 會被拒絕
func (p Policy) AcceptsBid(current, amount Amount) bool {
	if amount <= current {
		return false
	}
	return toDecimal(amount).GreaterThanOrEqual(p.MinimumBid(current))
}

// Split 將成交價拆分為手續費(無條件捨去)與賣家實收金額
func (p Policy) Split(price Amount) (fee, payout Amount) {
	fee = fromDecimal(toDecimal(price).Mul(p.FeeRate).Floor())
	if fee > price {
		fee = price
	}
	return fee, price - fee
}

func toDecimal(a Amount) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(a)), 0)
}

// fromDecimal 只接受非負整數，超出範圍時回傳 uint64 上限
func fromDecimal(d decimal.Decimal) Amount {
	n := d.BigInt()
	if n.Sign() <= 0 {
		return 0
	}
	if !n.IsUint64() {
		return Amount(^uint64(0))
	}
	return Amount(n.Uint64())
}
