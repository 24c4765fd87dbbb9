package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"lastbid/auction"
)

// ErrRejected 表示收款方或支付閘道明確拒絕了這筆轉帳，重送同一筆請求也不會成功
var ErrRejected = errors.New("payout rejected")

type webhookOptions struct {
	logger  *slog.Logger
	client  *http.Client
	token   string
	timeout time.Duration

	credentials *clientcredentials.Config
}

type WebhookOption func(*webhookOptions)

// WithWebhookLogger 設置日誌記錄器
func WithWebhookLogger(logger *slog.Logger) WebhookOption {
	return func(o *webhookOptions) {
		o.logger = logger
	}
}

// WithWebhookClient 設置發送請求使用的 http.Client
func WithWebhookClient(client *http.Client) WebhookOption {
	return func(o *webhookOptions) {
		o.client = client
	}
}

// WithWebhookToken 設置 Authorization: Bearer 使用的 token
func WithWebhookToken(token string) WebhookOption {
	return func(o *webhookOptions) {
		o.token = token
	}
}

// WithWebhookTimeout 設置單次轉帳請求的逾時時間
func WithWebhookTimeout(d time.Duration) WebhookOption {
	return func(o *webhookOptions) {
		o.timeout = d
	}
}

// Webhook 以 HTTP POST 將轉帳請求送到支付閘道
// 每筆請求帶有 Idempotency-Key，閘道可以依此避免重複轉帳
// WithWebhookClientCredentials 以 OAuth2 client credentials 向閘道取得 access token
// token 會被快取並在過期前自動更新，設置後 WithWebhookToken 會被忽略
func WithWebhookClientCredentials(tokenURL, clientID, clientSecret string, scopes ...string) WebhookOption {
	return func(o *webhookOptions) {
		o.credentials = &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		}
	}
}

type Webhook struct {
	endpoint string
	logger   *slog.Logger
	options  webhookOptions
}

type paymentRequest struct {
	Reference string `json:"reference"`
	To        string `json:"to"`
	Amount    uint64 `json:"amount"`
}

func NewWebhook(endpoint string, opts ...WebhookOption) (*Webhook, error) {
	const op = "NewWebhook"
	if endpoint == "" {
		return nil, errors.New("endpoint cannot be empty")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("[%s] Fail to parse endpoint, err=%w", op, err)
	}

	// 默認選項
	options := webhookOptions{
		logger:  slog.Default(),
		client:  http.DefaultClient,
		timeout: 10 * time.Second,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	if options.credentials != nil {
		// 取得 token 的請求也使用同一個 http.Client
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, options.client)
		options.client = options.credentials.Client(ctx)
		options.token = ""
	}

	return &Webhook{
		endpoint: endpoint,
		logger:   options.logger.With(slog.String("caller", "PayoutWebhook")),
		options:  options,
	}, nil
}

// Transfer 實作 auction.Transferer
// 2xx 視為成功，4xx 視為拒收(ErrRejected)，其他情況回傳一般錯誤
func (w *Webhook) Transfer(ctx context.Context, payment auction.Payment) error {
	const op = "Webhook.Transfer"
	body, err := json.Marshal(paymentRequest{
		Reference: payment.Reference,
		To:        string(payment.To),
		Amount:    uint64(payment.Amount),
	})
	if err != nil {
		return fmt.Errorf("[%s] Fail to marshal payment, err=%w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.options.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("[%s] Fail to create request, err=%w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", payment.Reference)
	if w.options.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.options.token)
	}

	resp, err := w.options.client.Do(req)
	if err != nil {
		return fmt.Errorf("[%s] Fail to send payment, err=%w", op, err)
	}
	defer resp.Body.Close()
	// 最多讀取 4KB 作為錯誤訊息
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		w.logger.Debug("payment sent",
			slog.String("reference", payment.Reference),
			slog.Uint64("amount", uint64(payment.Amount)),
		)
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("[%s] %w, status=%d, detail=%s", op, ErrRejected, resp.StatusCode, detail)
	default:
		return fmt.Errorf("[%s] Unexpected response from payout gateway, status=%d, detail=%s", op, resp.StatusCode, detail)
	}
}
