package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"lastbid/auction"
)

const (
	testIssuer = "lastbid"
	owner      = "owner"
	seller     = "seller"
	bidder1    = "bidder1"
	bidder2    = "bidder2"
	random     = "random"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func init() {
	gin.SetMode(gin.TestMode)
}

// testClock 是可以手動推進的時間來源
type testClock struct {
	mu  sync.Mutex
	now time.Time
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
	payments []auction.Payment
	fail     error
}

func (b *testBank) Transfer(_ context.Context, payment auction.Payment) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	b.payments = append(b.payments, payment)
	return nil
}

func (b *testBank) Payments() []auction.Payment {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]auction.Payment(nil), b.payments...)
}

func (b *testBank) SetFail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = err
}

// fakeArchive 以記憶體保存收據
type fakeArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    error
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{objects: make(map[string][]byte)}
}

func (a *fakeArchive) Put(_ context.Context, name, _ string, content []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail != nil {
		return "", a.fail
	}
	a.objects[name] = content
	return "mem://" + name, nil
}

func (a *fakeArchive) Get(name string) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	content, ok := a.objects[name]
	return content, ok
}

func (a *fakeArchive) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.objects)
}

type testServer struct {
	server     *ServerImpl
	router     *gin.Engine
	clock      *testClock
	bank       *testBank
	privateKey ed25519.PrivateKey
}

func testConfig(t *testing.T) (ServerConfig, ed25519.PrivateKey) {
	t.Helper()
	publicKey, privateKey, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return ServerConfig{
		ID:    "test-instance",
		Owner: owner,
		Auth: AuthConfig{
			PublicKey: publicKey,
			Issuer:    testIssuer,
		},
	}, privateKey
}

// setupServer 建立使用記憶體儲存的伺服器，modify 可以在建立前調整設定
func setupServer(t *testing.T, modify func(*ServerConfig), opts ...ServerOption) *testServer {
	t.Helper()
	config, privateKey := testConfig(t)
	if modify != nil {
		modify(&config)
	}
	env := &testServer{
		clock:      &testClock{now: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)},
		bank:       &testBank{},
		privateKey: privateKey,
	}
	options := append([]ServerOption{
		WithServerLogger(discardLogger),
		WithServerClock(env.clock),
		WithServerTransferer(env.bank),
	}, opts...)
	server, err := NewServer(config, options...)
	require.NoError(t, err)
	require.NoError(t, server.Start())
	t.Cleanup(server.Close)

	env.server = server
	env.router = gin.New()
	server.RegisterHandlers(env.router)
	return env
}

func (env *testServer) token(t *testing.T, subject string) string {
	t.Helper()
	token, err := IssueToken(env.privateKey, subject, testIssuer, "", time.Hour)
	require.NoError(t, err)
	return token
}

// do 發送請求，identity 為空時不帶 token
func (env *testServer) do(t *testing.T, method, path, identity string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(v)
	default:
		content, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(content)
	}
	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if identity != "" {
		req.Header.Set("Authorization", "Bearer "+env.token(t, identity))
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var result T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result), w.Body.String())
	return result
}

// requireError 檢查錯誤回應的狀態碼與錯誤代碼
func requireError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, w.Code, w.Body.String())
	require.Equal(t, code, decode[ErrorResponse](t, w).Code)
}

// createTestItem 建立測試用的拍賣: 起標價 100，時間 3600 秒
func (env *testServer) createTestItem(t *testing.T) uint64 {
	t.Helper()
	w := env.do(t, http.MethodPost, "/auctions", seller, CreateAuctionRequest{
		Name:            "Test Item",
		StartPrice:      100,
		DurationSeconds: 3600,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[CreateAuctionResponse](t, w).ID
}

var errRejected = errors.New("recipient rejected funds")
