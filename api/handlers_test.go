package api

import (
	"fmt"
	"math"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lastbid/auction"
)

func TestServer_AuctionLifecycle(t *testing.T) {
	env := setupServer(t, nil)

	// 建立拍賣
	w := env.do(t, http.MethodPost, "/auctions", seller, CreateAuctionRequest{
		Name:            "Test Item",
		StartPrice:      100,
		DurationSeconds: 3600,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "/auctions/1", w.Header().Get("Location"))
	assert.Equal(t, uint64(1), decode[CreateAuctionResponse](t, w).ID)

	w = env.do(t, http.MethodGet, "/auctions/1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	created := decode[AuctionResponse](t, w)
	assert.Equal(t, seller, created.Creator)
	assert.Equal(t, "Test Item", created.Name)
	assert.Equal(t, uint64(100), created.CurrentPrice)
	assert.Equal(t, uint64(105), created.MinimumNextBid)
	assert.Equal(t, int64(3600), created.DurationSeconds)
	assert.Equal(t, env.clock.Now().Add(time.Hour), created.EndTime)
	assert.Empty(t, created.LastBidder)
	assert.Nil(t, created.LastBidTime)
	assert.True(t, created.IsActive)
	assert.False(t, created.Expired)
	assert.Equal(t, uint64(1), created.Version)

	// 出價
	w = env.do(t, http.MethodPost, "/auctions/1/bids", bidder1, PlaceBidRequest{Amount: 105})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	afterBid := decode[AuctionResponse](t, w)
	assert.Equal(t, uint64(105), afterBid.CurrentPrice)
	assert.Equal(t, uint64(111), afterBid.MinimumNextBid)
	assert.Equal(t, bidder1, afterBid.LastBidder)
	require.NotNil(t, afterBid.LastBidTime)
	assert.Equal(t, uint64(2), afterBid.Version)

	requireError(t, env.do(t, http.MethodPost, "/auctions/1/bids", bidder2, PlaceBidRequest{Amount: 110}), http.StatusBadRequest, "BID_TOO_LOW")
	requireError(t, env.do(t, http.MethodPost, "/auctions/1/bids", seller, PlaceBidRequest{Amount: 200}), http.StatusForbidden, "SELF_BID")
	requireError(t, env.do(t, http.MethodPost, "/auctions/1/bids", bidder2, PlaceBidRequest{Amount: math.MaxInt64 + 1}), http.StatusBadRequest, "INVALID_PARAMETERS")

	env.clock.Advance(10 * time.Minute)
	w = env.do(t, http.MethodPost, "/auctions/1/bids", bidder2, PlaceBidRequest{Amount: 150})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// 被超越的出價者可以提領
	w = env.do(t, http.MethodGet, "/balance", bidder1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, BalanceResponse{Identity: bidder1, Amount: 105}, decode[BalanceResponse](t, w))

	w = env.do(t, http.MethodGet, "/auctions/1/bids", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	bids := decode[[]BidResponse](t, w)
	require.Len(t, bids, 2)
	assert.Equal(t, BidResponse{Sequence: 2, Bidder: bidder1, Amount: 105, Time: env.clock.Now().Add(-10 * time.Minute)}, bids[0])
	assert.Equal(t, BidResponse{Sequence: 3, Bidder: bidder2, Amount: 150, Time: env.clock.Now()}, bids[1])

	// 結算
	requireError(t, env.do(t, http.MethodPost, "/auctions/1/end", random, nil), http.StatusConflict, "NOT_YET_ENDED")
	env.clock.Advance(50 * time.Minute)
	w = env.do(t, http.MethodPost, "/auctions/1/end", random, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, SettlementResponse{
		AuctionID:  1,
		Winner:     bidder2,
		FinalPrice: 150,
		Fee:        7,
		Payout:     143,
		Time:       env.clock.Now(),
	}, decode[SettlementResponse](t, w))

	requireError(t, env.do(t, http.MethodPost, "/auctions/1/end", random, nil), http.StatusConflict, "ALREADY_ENDED")
	requireError(t, env.do(t, http.MethodPost, "/auctions/1/bids", bidder1, PlaceBidRequest{Amount: 500}), http.StatusConflict, "AUCTION_INACTIVE")

	w = env.do(t, http.MethodGet, "/auctions/1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	ended := decode[AuctionResponse](t, w)
	assert.False(t, ended.IsActive)
	assert.Equal(t, uint64(4), ended.Version)

	// 提領
	w = env.do(t, http.MethodPost, "/balance/withdraw", seller, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, uint64(143), decode[WithdrawResponse](t, w).Amount)
	requireError(t, env.do(t, http.MethodPost, "/balance/withdraw", seller, nil), http.StatusConflict, "NOTHING_TO_WITHDRAW")

	w = env.do(t, http.MethodGet, "/fees", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, FeesResponse{Owner: owner, FeePool: 7}, decode[FeesResponse](t, w))

	requireError(t, env.do(t, http.MethodPost, "/fees/withdraw", random, nil), http.StatusForbidden, "NOT_OWNER")
	w = env.do(t, http.MethodPost, "/fees/withdraw", owner, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, uint64(7), decode[WithdrawResponse](t, w).Amount)

	payments := env.bank.Payments()
	require.Len(t, payments, 2)
	assert.Equal(t, auction.Identity(seller), payments[0].To)
	assert.Equal(t, auction.Amount(143), payments[0].Amount)
	assert.Equal(t, auction.Identity(owner), payments[1].To)
	assert.Equal(t, auction.Amount(7), payments[1].Amount)
}

func TestServer_Expired(t *testing.T) {
	env := setupServer(t, nil)
	id := env.createTestItem(t)
	assert.Equal(t, uint64(1), id)

	// 結束時間當下仍然可以出價
	env.clock.Advance(time.Hour)
	w := env.do(t, http.MethodPost, "/auctions/1/bids", bidder1, PlaceBidRequest{Amount: 105})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	env.clock.Advance(time.Second)
	requireError(t, env.do(t, http.MethodPost, "/auctions/1/bids", bidder2, PlaceBidRequest{Amount: 200}), http.StatusGone, "AUCTION_EXPIRED")

	w = env.do(t, http.MethodGet, "/auctions/1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	a := decode[AuctionResponse](t, w)
	assert.True(t, a.IsActive)
	assert.True(t, a.Expired)
}

func TestServer_CreateAuctionErrors(t *testing.T) {
	env := setupServer(t, nil)

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{
			name:   "無法解析的內容",
			body:   "{not json",
			status: http.StatusBadRequest,
			code:   "INVALID_PARAMETERS",
		},
		{
			name:   "起標價超過可保存的範圍",
			body:   CreateAuctionRequest{Name: "Item", StartPrice: math.MaxInt64 + 1, DurationSeconds: 3600},
			status: http.StatusBadRequest,
			code:   "INVALID_PARAMETERS",
		},
		{
			name:   "起標價為0",
			body:   CreateAuctionRequest{Name: "Item", StartPrice: 0, DurationSeconds: 3600},
			status: http.StatusBadRequest,
			code:   "INVALID_PARAMETERS",
		},
		{
			name:   "時間剛好等於最短時間",
			body:   CreateAuctionRequest{Name: "Item", StartPrice: 100, DurationSeconds: 60},
			status: http.StatusBadRequest,
			code:   "INVALID_PARAMETERS",
		},
		{
			name:   "負的時間",
			body:   CreateAuctionRequest{Name: "Item", StartPrice: 100, DurationSeconds: -1},
			status: http.StatusBadRequest,
			code:   "INVALID_PARAMETERS",
		},
		{
			name:   "時間超出範圍",
			body:   CreateAuctionRequest{Name: "Item", StartPrice: 100, DurationSeconds: 1 << 62},
			status: http.StatusBadRequest,
			code:   "INVALID_PARAMETERS",
		},
		{
			name:   "名稱只有HTML標籤",
			body:   CreateAuctionRequest{Name: "<b></b>", StartPrice: 100, DurationSeconds: 3600},
			status: http.StatusBadRequest,
			code:   "INVALID_PARAMETERS",
		},
		{
			name:   "名稱過長",
			body:   CreateAuctionRequest{Name: strings.Repeat("a", auction.MaxNameLength+1), StartPrice: 100, DurationSeconds: 3600},
			status: http.StatusBadRequest,
			code:   "INVALID_PARAMETERS",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireError(t, env.do(t, http.MethodPost, "/auctions", seller, tt.body), tt.status, tt.code)
		})
	}

	// 名稱中的HTML標籤會被移除，其餘文字保持原樣
	names := []struct {
		name  string
		input string
		want  string
	}{
		{name: "HTML標籤", input: "<b>Vase</b>", want: "Vase"},
		{name: "&符號", input: "Fish & Chips", want: "Fish & Chips"},
		{name: "單引號與小於符號", input: "Tom's <3 vase", want: "Tom's <3 vase"},
		{name: "雙引號", input: `"Quoted"`, want: `"Quoted"`},
		{name: "已轉義的實體", input: "a &amp; b", want: "a & b"},
	}
	for _, tt := range names {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/auctions", seller, CreateAuctionRequest{Name: tt.input, StartPrice: 100, DurationSeconds: 61})
			require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
			id := decode[CreateAuctionResponse](t, w).ID
			w = env.do(t, http.MethodGet, fmt.Sprintf("/auctions/%d", id), "", nil)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.want, decode[AuctionResponse](t, w).Name)
		})
	}

	// 長度以還原後的文字計算
	w := env.do(t, http.MethodPost, "/auctions", seller, CreateAuctionRequest{Name: strings.Repeat("&", auction.MaxNameLength), StartPrice: 100, DurationSeconds: 61})
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestServer_NotFound(t *testing.T) {
	env := setupServer(t, nil)

	tests := []struct {
		name     string
		method   string
		path     string
		identity string
		body     any
		status   int
		code     string
	}{
		{"不存在的拍賣", http.MethodGet, "/auctions/99", "", nil, http.StatusNotFound, "NOT_FOUND"},
		{"無法解析的ID", http.MethodGet, "/auctions/abc", "", nil, http.StatusNotFound, "NOT_FOUND"},
		{"不存在拍賣的出價紀錄", http.MethodGet, "/auctions/99/bids", "", nil, http.StatusNotFound, "NOT_FOUND"},
		{"對不存在的拍賣出價", http.MethodPost, "/auctions/99/bids", bidder1, PlaceBidRequest{Amount: 100}, http.StatusConflict, "AUCTION_INACTIVE"},
		{"結算不存在的拍賣", http.MethodPost, "/auctions/99/end", bidder1, nil, http.StatusConflict, "ALREADY_ENDED"},
		{"不存在拍賣的事件", http.MethodGet, "/auctions/99/events", "", nil, http.StatusNotFound, "NOT_FOUND"},
		{"沒有餘額", http.MethodPost, "/balance/withdraw", bidder1, nil, http.StatusConflict, "NOTHING_TO_WITHDRAW"},
		{"沒有手續費", http.MethodPost, "/fees/withdraw", owner, nil, http.StatusConflict, "NOTHING_TO_WITHDRAW"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireError(t, env.do(t, tt.method, tt.path, tt.identity, tt.body), tt.status, tt.code)
		})
	}
}

func TestServer_TransferFailed(t *testing.T) {
	env := setupServer(t, nil)
	env.createTestItem(t)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/auctions/1/bids", bidder1, PlaceBidRequest{Amount: 105}).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/auctions/1/bids", bidder2, PlaceBidRequest{Amount: 150}).Code)

	env.bank.SetFail(errRejected)
	requireError(t, env.do(t, http.MethodPost, "/balance/withdraw", bidder1, nil), http.StatusBadGateway, "TRANSFER_FAILED")

	// 轉帳失敗時餘額保留
	w := env.do(t, http.MethodGet, "/balance", bidder1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, uint64(105), decode[BalanceResponse](t, w).Amount)

	env.bank.SetFail(nil)
	w = env.do(t, http.MethodPost, "/balance/withdraw", bidder1, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, uint64(105), decode[WithdrawResponse](t, w).Amount)
}

func TestServer_BodyLimit(t *testing.T) {
	env := setupServer(t, func(config *ServerConfig) {
		config.HTTP.BodyLimit = 64
	})

	body := CreateAuctionRequest{Name: strings.Repeat("a", 100), StartPrice: 100, DurationSeconds: 3600}
	requireError(t, env.do(t, http.MethodPost, "/auctions", seller, body), http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE")

	w := env.do(t, http.MethodPost, "/auctions", seller, CreateAuctionRequest{Name: "a", StartPrice: 100, DurationSeconds: 3600})
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestServer_Policy(t *testing.T) {
	env := setupServer(t, func(config *ServerConfig) {
		config.Auction.MinDuration = time.Hour
	})

	requireError(t, env.do(t, http.MethodPost, "/auctions", seller, CreateAuctionRequest{Name: "a", StartPrice: 100, DurationSeconds: 3600}), http.StatusBadRequest, "INVALID_PARAMETERS")
	w := env.do(t, http.MethodPost, "/auctions", seller, CreateAuctionRequest{Name: "a", StartPrice: 100, DurationSeconds: 3601})
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}
