package api

import (
	"fmt"
	"html"
	"math"
	"net/http"
	"strconv"
	"time"

	ginsse "github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"lastbid/adapters/httplimit"
	"lastbid/auction"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultBodyLimit         = 64 << 10
)

// RegisterHandlers 註冊所有路由
func (impl *ServerImpl) RegisterHandlers(router gin.IRouter) {
	limit := impl.config.HTTP.BodyLimit
	if limit <= 0 {
		limit = defaultBodyLimit
	}

	router.GET("/auctions/:id", impl.GetAuction)
	router.GET("/auctions/:id/bids", impl.GetAuctionBids)
	router.GET("/auctions/:id/events", impl.GetAuctionEvents)
	router.GET("/fees", impl.GetFees)

	authorized := router.Group("", impl.RequireIdentity(), httplimit.BodyLimit(limit))
	authorized.POST("/auctions", impl.PostAuction)
	authorized.POST("/auctions/:id/bids", impl.PostAuctionBid)
	authorized.POST("/auctions/:id/end", impl.PostAuctionEnd)
	authorized.GET("/balance", impl.GetBalance)
	authorized.POST("/balance/withdraw", impl.PostBalanceWithdraw)
	authorized.POST("/fees/withdraw", impl.PostFeesWithdraw)
}

type CreateAuctionRequest struct {
	Name            string `json:"name"`
	StartPrice      uint64 `json:"startPrice"`
	DurationSeconds int64  `json:"durationSeconds"`
}

type CreateAuctionResponse struct {
	ID uint64 `json:"id"`
}

type PlaceBidRequest struct {
	Amount uint64 `json:"amount"`
}

type AuctionResponse struct {
	ID              uint64     `json:"id"`
	Creator         string     `json:"creator"`
	Name            string     `json:"name"`
	StartTime       time.Time  `json:"startTime"`
	EndTime         time.Time  `json:"endTime"`
	DurationSeconds int64      `json:"durationSeconds"`
	StartPrice      uint64     `json:"startPrice"`
	CurrentPrice    uint64     `json:"currentPrice"`
	MinimumNextBid  uint64     `json:"minimumNextBid"`
	LastBidder      string     `json:"lastBidder,omitempty"`
	LastBidTime     *time.Time `json:"lastBidTime,omitempty"`
	IsActive        bool       `json:"isActive"`
	Expired         bool       `json:"expired"`
	Version         uint64     `json:"version"`
}

type BidResponse struct {
	Sequence uint64    `json:"sequence"`
	Bidder   string    `json:"bidder"`
	Amount   uint64    `json:"amount"`
	Time     time.Time `json:"time"`
}

type SettlementResponse struct {
	AuctionID  uint64    `json:"auctionId"`
	Winner     string    `json:"winner,omitempty"`
	FinalPrice uint64    `json:"finalPrice"`
	Fee        uint64    `json:"fee"`
	Payout     uint64    `json:"payout"`
	Time       time.Time `json:"time"`
}

type BalanceResponse struct {
	Identity string `json:"identity"`
	Amount   uint64 `json:"amount"`
}

type WithdrawResponse struct {
	Amount uint64 `json:"amount"`
}

type FeesResponse struct {
	Owner   string `json:"owner"`
	FeePool uint64 `json:"feePool"`
}

func (impl *ServerImpl) newAuctionResponse(a auction.Auction) AuctionResponse {
	return AuctionResponse{
		ID:              a.ID,
		Creator:         string(a.Creator),
		Name:            a.Name,
		StartTime:       a.StartTime,
		EndTime:         a.EndTime(),
		DurationSeconds: int64(a.Duration / time.Second),
		StartPrice:      uint64(a.StartPrice),
		CurrentPrice:    uint64(a.CurrentPrice),
		MinimumNextBid:  uint64(impl.house.Policy().NextMinimumBid(a.CurrentPrice)),
		LastBidder:      string(a.LastBidder),
		LastBidTime:     lo.Ternary(a.HasBids(), lo.ToPtr(a.LastBidTime), nil),
		IsActive:        a.IsActive,
		Expired:         a.Expired(impl.clock.Now()),
		Version:         a.Version,
	}
}

// parseAuctionID 無法解析的 ID 視為不存在的拍賣
func parseAuctionID(c *gin.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: id=%q", auction.ErrNotFound, c.Param("id"))
	}
	return id, nil
}

// Create a new auction
// (POST /auctions)
func (impl *ServerImpl) PostAuction(c *gin.Context) {
	const op = "PostAuction"
	var request CreateAuctionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		impl.writeBindError(c, op, err)
		return
	}
	// 秒數超過 time.Duration 的範圍時視為不合法
	if request.DurationSeconds < 0 || request.DurationSeconds > math.MaxInt64/int64(time.Second) {
		impl.writeError(c, op, auction.ErrInvalidDuration)
		return
	}
	// 名稱以純文字保存: 移除標籤後還原被轉義的字元，輸出時由 JSON 負責編碼
	name := html.UnescapeString(impl.htmlChecker.Sanitize(request.Name))
	id, err := impl.house.CreateAuction(
		c.Request.Context(),
		caller(c),
		name,
		auction.Amount(request.StartPrice),
		time.Duration(request.DurationSeconds)*time.Second,
	)
	if err != nil {
		impl.writeError(c, op, err)
		return
	}
	c.Header("Location", fmt.Sprintf("/auctions/%d", id))
	c.JSON(http.StatusCreated, CreateAuctionResponse{ID: id})
}

// Get auction details
// (GET /auctions/{id})
func (impl *ServerImpl) GetAuction(c *gin.Context) {
	const op = "GetAuction"
	id, err := parseAuctionID(c)
	if err != nil {
		impl.writeError(c, op, err)
		return
	}
	a, err := impl.house.Auction(c.Request.Context(), id)
	if err != nil {
		impl.writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, impl.newAuctionResponse(a))
}

// List accepted bids of an auction
// (GET /auctions/{id}/bids)
func (impl *ServerImpl) GetAuctionBids(c *gin.Context) {
	const op = "GetAuctionBids"
	id, err := parseAuctionID(c)
	if err != nil {
		impl.writeError(c, op, err)
		return
	}
	bids, err := impl.house.Bids(c.Request.Context(), id)
	if err != nil {
		impl.writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, lo.Map(bids, func(bid auction.Bid, _ int) BidResponse {
		return BidResponse{
			Sequence: bid.Sequence,
			Bidder:   string(bid.Bidder),
			Amount:   uint64(bid.Amount),
			Time:     bid.Time,
		}
	}))
}

// Place a bid on an auction
// (POST /auctions/{id}/bids)
func (impl *ServerImpl) PostAuctionBid(c *gin.Context) {
	const op = "PostAuctionBid"
	id, err := parseAuctionID(c)
	if err != nil {
		impl.writeError(c, op, err)
		return
	}
	var request PlaceBidRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		impl.writeBindError(c, op, err)
		return
	}
	a, err := impl.house.PlaceBid(c.Request.Context(), id, caller(c), auction.Amount(request.Amount))
	if err != nil {
		impl.writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, impl.newAuctionResponse(a))
}

// Settle an auction whose time window has passed
// (POST /auctions/{id}/end)
func (impl *ServerImpl) PostAuctionEnd(c *gin.Context) {
	const op = "PostAuctionEnd"
	id, err := parseAuctionID(c)
	if err != nil {
		impl.writeError(c, op, err)
		return
	}
	settlement, err := impl.house.EndAuction(c.Request.Context(), id, caller(c))
	if err != nil {
		impl.writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, SettlementResponse{
		AuctionID:  settlement.AuctionID,
		Winner:     string(settlement.Winner),
		FinalPrice: uint64(settlement.FinalPrice),
		Fee:        uint64(settlement.Fee),
		Payout:     uint64(settlement.Payout),
		Time:       settlement.Time,
	})
}

// Track auction events
// (GET /auctions/{id}/events)
func (impl *ServerImpl) GetAuctionEvents(c *gin.Context) {
	const op = "GetAuctionEvents"
	id, err := parseAuctionID(c)
	if err != nil {
		impl.writeError(c, op, err)
		return
	}
	// 先訂閱再讀取快照，避免漏掉兩者之間的通知
	channel := strconv.FormatUint(id, 10)
	ch, err := impl.sseManager.Subscribe(channel)
	if err != nil {
		impl.writeError(c, op, err)
		return
	}
	defer impl.sseManager.Unsubscribe(channel, ch)

	a, err := impl.house.Auction(c.Request.Context(), id)
	if err != nil {
		impl.writeError(c, op, err)
		return
	}

	// 請求合法，開始初始化串流
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Render(-1, ginsse.Event{
		Id:    strconv.FormatUint(a.Version, 10),
		Event: "snapshot",
		Data:  impl.newAuctionResponse(a),
	})
	w.Flush()
	if !a.IsActive {
		return
	}

	heartbeat := time.NewTicker(impl.config.HTTP.HeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			// 快照已經包含的變更
			if event.Seq <= a.Version {
				continue
			}
			c.Render(-1, ginsse.Event{
				Id:    strconv.FormatUint(event.Seq, 10),
				Event: string(event.Kind),
				Data:  event,
			})
			w.Flush()
			if event.Kind == auction.KindSettled {
				return
			}
		// 一段時間沒有事件就發送註解行，確保瀏覽器和Proxy不會斷開連線
		case <-heartbeat.C:
			_, _ = w.WriteString(":\n\n")
			w.Flush()
		}
	}
}

// Get the withdrawable balance of the caller
// (GET /balance)
func (impl *ServerImpl) GetBalance(c *gin.Context) {
	const op = "GetBalance"
	who := caller(c)
	amount, err := impl.house.Balance(c.Request.Context(), who)
	if err != nil {
		impl.writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, BalanceResponse{Identity: string(who), Amount: uint64(amount)})
}

// Withdraw the whole balance of the caller
// (POST /balance/withdraw)
func (impl *ServerImpl) PostBalanceWithdraw(c *gin.Context) {
	const op = "PostBalanceWithdraw"
	amount, err := impl.house.Withdraw(c.Request.Context(), caller(c))
	if err != nil {
		impl.writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, WithdrawResponse{Amount: uint64(amount)})
}

// Get the platform owner and accumulated fees
// (GET /fees)
func (impl *ServerImpl) GetFees(c *gin.Context) {
	const op = "GetFees"
	pool, err := impl.house.FeePool(c.Request.Context())
	if err != nil {
		impl.writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, FeesResponse{Owner: string(impl.house.Owner()), FeePool: uint64(pool)})
}

// Withdraw the accumulated fees to the owner
// (POST /fees/withdraw)
func (impl *ServerImpl) PostFeesWithdraw(c *gin.Context) {
	const op = "PostFeesWithdraw"
	amount, err := impl.house.WithdrawFees(c.Request.Context(), caller(c))
	if err != nil {
		impl.writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, WithdrawResponse{Amount: uint64(amount)})
}
