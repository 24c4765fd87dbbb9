package api

import (
	"crypto/ed25519"
	"time"

	"github.com/shopspring/decimal"

	"lastbid/adapters/gormstore"
	"lastbid/adapters/s3"
	"lastbid/auction"
)

type ServerConfig struct {
	// ID 用於識別服務實例，作為 consumer group 中的消費者名稱
	ID      string
	Owner   string
	Auth    AuthConfig
	Auction AuctionConfig
	Store   StoreConfig
	Redis   RedisConfig
	S3      s3.Config
	Payout  PayoutConfig
	HTTP    HTTPConfig
}

type AuthConfig struct {
	// PublicKey 用於驗證 access token
	PublicKey ed25519.PublicKey
	Issuer    string
	Audience  string

	// OIDCIssuerURL 不為空時改為驗證外部 OIDC 提供者簽發的 ID token
	OIDCIssuerURL string
	OIDCClientID  string
}

// AuctionConfig 中為零的欄位使用 auction.DefaultPolicy 的值
type AuctionConfig struct {
	FeeRate          decimal.Decimal
	MinIncrementRate decimal.Decimal
	MinDuration      time.Duration
}

type StoreConfig struct {
	// Driver 可以是 memory、postgres、mysql 或 sqlite
	Driver string
	DB     gormstore.Config
}

type RedisConfig struct {
	// Addr 為空時不使用 Redis，通知只會送到本機的 SSE 連線
	Addr     string
	Password string
	DB       int

	// KeyPrefix 加在所有 Redis key 之前
	KeyPrefix     string
	StreamKeys    RedisStreamKeys
	ConsumerGroup string

	LockExpiry time.Duration
	// LockWait 為等待分散式鎖的最長時間，0 表示只受請求的 context 限制
	LockWait time.Duration

	// StreamMaxLen 為 0 時不裁剪事件串流
	StreamMaxLen int64
}

type RedisStreamKeys struct {
	Events string
}

type PayoutConfig struct {
	// WebhookURL 為空時轉帳只會被記錄，不會真的送出
	WebhookURL string
	Token      string
	Timeout    time.Duration

	// TokenURL 不為空時以 OAuth2 client credentials 取得閘道的 access token
	TokenURL     string
	ClientID     string
	ClientSecret string
}

type HTTPConfig struct {
	BodyLimit         int64
	HeartbeatInterval time.Duration
}

func (c AuctionConfig) policy() auction.Policy {
	policy := auction.DefaultPolicy()
	if !c.FeeRate.IsZero() {
		policy.FeeRate = c.FeeRate
	}
	if !c.MinIncrementRate.IsZero() {
		policy.MinIncrementRate = c.MinIncrementRate
	}
	if c.MinDuration > 0 {
		policy.MinDuration = c.MinDuration
	}
	return policy
}
