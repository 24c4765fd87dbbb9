package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"lastbid/adapters/httplimit"
	redisAdapter "lastbid/adapters/redis"
	"lastbid/adapters/sse"
	"lastbid/auction"
)

// ErrorResponse 是所有錯誤回應的格式
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorMapping struct {
	target error
	status int
	code   string
}

// errorMappings 依序比對，較具體的錯誤要放在前面
var errorMappings = []errorMapping{
	{auction.ErrInvalidParameters, http.StatusBadRequest, "INVALID_PARAMETERS"},
	{auction.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{auction.ErrAuctionInactive, http.StatusConflict, "AUCTION_INACTIVE"},
	{auction.ErrAuctionExpired, http.StatusGone, "AUCTION_EXPIRED"},
	{auction.ErrSelfBid, http.StatusForbidden, "SELF_BID"},
	{auction.ErrBidTooLow, http.StatusBadRequest, "BID_TOO_LOW"},
	{auction.ErrAlreadyEnded, http.StatusConflict, "ALREADY_ENDED"},
	{auction.ErrNotYetEnded, http.StatusConflict, "NOT_YET_ENDED"},
	{auction.ErrNothingToWithdraw, http.StatusConflict, "NOTHING_TO_WITHDRAW"},
	{auction.ErrTransferFailed, http.StatusBadGateway, "TRANSFER_FAILED"},
	{auction.ErrNotOwner, http.StatusForbidden, "NOT_OWNER"},
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Code: code, Message: message})
}

// writeError 將錯誤轉換成對應的狀態碼，無法辨識的錯誤一律回應 500 並記錄日誌
func (impl *ServerImpl) writeError(c *gin.Context, op string, err error) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			abortWithError(c, mapping.status, mapping.code, err.Error())
			return
		}
	}
	var limitErr *httplimit.ReachLimitError
	if errors.As(err, &limitErr) {
		abortWithError(c, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", err.Error())
		return
	}
	// 同一筆拍賣的競爭過於激烈，稍後重試即可
	if errors.Is(err, redisAdapter.ErrLockTimeout) {
		abortWithError(c, http.StatusServiceUnavailable, "BUSY", "resource is busy, try again later")
		return
	}
	if errors.Is(err, sse.ErrManagerClosed) {
		abortWithError(c, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
		return
	}
	impl.logger.Error("Unexpected error", slog.String("op", op), slog.Any("error", err))
	abortWithError(c, http.StatusInternalServerError, "INTERNAL", "internal server error")
}

// writeBindError 處理請求內容無法解析的情況，超過大小限制的內容回應 413
func (impl *ServerImpl) writeBindError(c *gin.Context, op string, err error) {
	var limitErr *httplimit.ReachLimitError
	if errors.As(err, &limitErr) {
		abortWithError(c, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", err.Error())
		return
	}
	impl.logger.Debug("Fail to bind request", slog.String("op", op), slog.Any("error", err))
	abortWithError(c, http.StatusBadRequest, "INVALID_PARAMETERS", err.Error())
}
