package auction

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParameters = errors.New("invalid parameters")
	ErrNotFound          = errors.New("auction not found")
	ErrAuctionInactive   = errors.New("auction is not active")
	ErrAuctionExpired    = errors.New("time is up for this auction")
	ErrSelfBid           = errors.New("creator cannot bid on their own auction")
	ErrBidTooLow         = errors.New("bid too low")
	ErrAlreadyEnded      = errors.New("auction already ended")
	ErrNotYetEnded       = errors.New("auction not yet ended")
	ErrNothingToWithdraw = errors.New("nothing to withdraw")
	ErrTransferFailed    = errors.New("transfer failed")
	ErrNotOwner          = errors.New("caller is not the owner")
)

// 建立拍賣時的參數錯誤，皆可以用 errors.Is(err, ErrInvalidParameters) 判斷
var (
	ErrInvalidStartPrice = fmt.Errorf("%w: start price is zero or too large", ErrInvalidParameters)
	ErrInvalidDuration   = fmt.Errorf("%w: duration is too short", ErrInvalidParameters)
	ErrInvalidName       = fmt.Errorf("%w: name is empty or too long", ErrInvalidParameters)
)

// IsDomainError 判斷錯誤是否為業務規則錯誤(呼叫者可以自行修正)，而不是基礎設施的異常
func IsDomainError(err error) bool {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

var domainErrors = []error{
	ErrInvalidParameters,
	ErrNotFound,
	ErrAuctionInactive,
	ErrAuctionExpired,
	ErrSelfBid,
	ErrBidTooLow,
	ErrAlreadyEnded,
	ErrNotYetEnded,
	ErrNothingToWithdraw,
	ErrTransferFailed,
	ErrNotOwner,
}
