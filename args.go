package main

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"lastbid/adapters/gormstore"
	"lastbid/adapters/s3"
	"lastbid/api"
)

func ParseArgs() (Args, error) {
	// server config
	pflag.String("server-url", "0.0.0.0:8080", "")
	pflag.String("instance-id", "", "name of this instance in the consumer group, random by default")
	pflag.String("owner", "", "identity allowed to withdraw the fee pool")
	pflag.String("log-level", "info", "debug, info, warn or error")

	// auth config
	pflag.String("auth-public-key-file", "", "PEM encoded Ed25519 public key for access tokens")
	pflag.String("auth-private-key-file", "", "PEM encoded Ed25519 private key, only used by --issue-token")
	pflag.String("auth-issuer", "lastbid", "")
	pflag.String("auth-audience", "", "")
	pflag.String("oidc-issuer-url", "", "accept ID tokens from this OIDC provider instead")
	pflag.String("oidc-client-id", "", "")

	// auction policy
	pflag.String("auction-fee-rate", "0.05", "")
	pflag.String("auction-min-increment-rate", "0.05", "")
	pflag.Duration("auction-min-duration", time.Minute, "")

	// db config
	pflag.String("store-driver", "memory", "memory, postgres, mysql or sqlite")
	pflag.String("db-user", "", "")
	pflag.String("db-password", "", "")
	pflag.String("db-host", "", "")
	pflag.Int("db-port", 5432, "")
	pflag.String("db-database", "", "")
	pflag.String("db-schema", "", "")
	pflag.Bool("db-debug", false, "")

	// redis config
	pflag.String("redis-addr", "", "")
	pflag.String("redis-password", "", "")
	pflag.Int("redis-db", 15, "")
	pflag.String("redis-key-prefix", "lastbid:", "")
	pflag.String("redis-consumer-group", "lastbid-receipts", "")
	pflag.Duration("redis-lock-expiry", 8*time.Second, "")
	pflag.Duration("redis-lock-wait", 5*time.Second, "")
	pflag.Int64("redis-stream-max-len", 100000, "")

	// redis stream keys
	pflag.String("redis-stream-key-for-events", "lastbid-events", "")

	// s3 config
	pflag.String("s3-endpoint", "", "")
	pflag.String("s3-region", "auto", "")
	pflag.String("s3-bucket", "", "")
	pflag.String("s3-prefix", "receipts/", "")
	pflag.String("s3-public-base-url", "", "")
	pflag.String("s3-access-key-id", "", "")
	pflag.String("s3-secret-access-key", "", "")
	pflag.Bool("s3-use-path-style", false, "")

	// payout config
	pflag.String("payout-webhook-url", "", "")
	pflag.String("payout-token", "", "")
	pflag.Duration("payout-timeout", 10*time.Second, "")
	pflag.String("payout-token-url", "", "")
	pflag.String("payout-client-id", "", "")
	pflag.String("payout-client-secret", "", "")

	// http config
	pflag.Int64("http-body-limit", 64<<10, "")
	pflag.Duration("http-heartbeat-interval", 30*time.Second, "")

	// development
	pflag.String("issue-token", "", "print an access token for this subject and exit")
	pflag.Duration("issue-token-ttl", 24*time.Hour, "")

	// bind pflag to viper
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("LASTBID")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	return argsFromViper(viper.GetViper())
}

func argsFromViper(v *viper.Viper) (Args, error) {
	feeRate, err := decimal.NewFromString(v.GetString("auction-fee-rate"))
	if err != nil {
		return Args{}, fmt.Errorf("invalid auction-fee-rate: %w", err)
	}
	incrementRate, err := decimal.NewFromString(v.GetString("auction-min-increment-rate"))
	if err != nil {
		return Args{}, fmt.Errorf("invalid auction-min-increment-rate: %w", err)
	}
	var publicKey ed25519.PublicKey
	if path := v.GetString("auth-public-key-file"); path != "" {
		if publicKey, err = readPublicKey(path); err != nil {
			return Args{}, err
		}
	}
	var privateKey ed25519.PrivateKey
	if path := v.GetString("auth-private-key-file"); path != "" {
		if privateKey, err = readPrivateKey(path); err != nil {
			return Args{}, err
		}
	}
	instanceID := v.GetString("instance-id")
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	// initial arguments
	return Args{
		ServerURL:     v.GetString("server-url"),
		LogLevel:      v.GetString("log-level"),
		PrivateKey:    privateKey,
		IssueToken:    v.GetString("issue-token"),
		IssueTokenTTL: v.GetDuration("issue-token-ttl"),
		ServerConfig: api.ServerConfig{
			ID:    instanceID,
			Owner: v.GetString("owner"),
			Auth: api.AuthConfig{
				PublicKey:     publicKey,
				Issuer:        v.GetString("auth-issuer"),
				Audience:      v.GetString("auth-audience"),
				OIDCIssuerURL: v.GetString("oidc-issuer-url"),
				OIDCClientID:  v.GetString("oidc-client-id"),
			},
			Auction: api.AuctionConfig{
				FeeRate:          feeRate,
				MinIncrementRate: incrementRate,
				MinDuration:      v.GetDuration("auction-min-duration"),
			},
			Store: api.StoreConfig{
				Driver: v.GetString("store-driver"),
				DB: gormstore.Config{
					User:     v.GetString("db-user"),
					Password: v.GetString("db-password"),
					Host:     v.GetString("db-host"),
					Port:     v.GetInt("db-port"),
					Database: v.GetString("db-database"),
					Schema:   v.GetString("db-schema"),
					Debug:    v.GetBool("db-debug"),
				},
			},
			Redis: api.RedisConfig{
				Addr:          v.GetString("redis-addr"),
				Password:      v.GetString("redis-password"),
				DB:            v.GetInt("redis-db"),
				KeyPrefix:     v.GetString("redis-key-prefix"),
				ConsumerGroup: v.GetString("redis-consumer-group"),
				LockExpiry:    v.GetDuration("redis-lock-expiry"),
				LockWait:      v.GetDuration("redis-lock-wait"),
				StreamMaxLen:  v.GetInt64("redis-stream-max-len"),
				StreamKeys: api.RedisStreamKeys{
					Events: v.GetString("redis-stream-key-for-events"),
				},
			},
			S3: s3.Config{
				Endpoint:        v.GetString("s3-endpoint"),
				Region:          v.GetString("s3-region"),
				Bucket:          v.GetString("s3-bucket"),
				Prefix:          v.GetString("s3-prefix"),
				PublicBaseURL:   v.GetString("s3-public-base-url"),
				AccessKeyID:     v.GetString("s3-access-key-id"),
				SecretAccessKey: v.GetString("s3-secret-access-key"),
				UsePathStyle:    v.GetBool("s3-use-path-style"),
			},
			Payout: api.PayoutConfig{
				WebhookURL:   v.GetString("payout-webhook-url"),
				Token:        v.GetString("payout-token"),
				Timeout:      v.GetDuration("payout-timeout"),
				TokenURL:     v.GetString("payout-token-url"),
				ClientID:     v.GetString("payout-client-id"),
				ClientSecret: v.GetString("payout-client-secret"),
			},
			HTTP: api.HTTPConfig{
				BodyLimit:         v.GetInt64("http-body-limit"),
				HeartbeatInterval: v.GetDuration("http-heartbeat-interval"),
			},
		},
	}, nil
}

func readPublicKey(path string) (ed25519.PublicKey, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fail to read public key, err=%w", err)
	}
	key, err := jwt.ParseEdPublicKeyFromPEM(content)
	if err != nil {
		return nil, fmt.Errorf("fail to parse public key, err=%w", err)
	}
	publicKey, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("public key is not an Ed25519 key")
	}
	return publicKey, nil
}

func readPrivateKey(path string) (ed25519.PrivateKey, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fail to read private key, err=%w", err)
	}
	key, err := jwt.ParseEdPrivateKeyFromPEM(content)
	if err != nil {
		return nil, fmt.Errorf("fail to parse private key, err=%w", err)
	}
	privateKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not an Ed25519 key")
	}
	return privateKey, nil
}

type Args struct {
	ServerURL     string
	LogLevel      string
	PrivateKey    ed25519.PrivateKey
	IssueToken    string
	IssueTokenTTL time.Duration
	ServerConfig  api.ServerConfig
}

func (args Args) Validate() error {
	if args.IssueToken != "" {
		if args.PrivateKey == nil {
			return errors.New("auth-private-key-file is required to issue tokens")
		}
		return nil
	}
	if args.ServerURL == "" {
		return errors.New("server-url is required")
	}
	if args.ServerConfig.Owner == "" {
		return errors.New("owner is required")
	}
	if args.ServerConfig.Auth.PublicKey == nil && args.ServerConfig.Auth.OIDCIssuerURL == "" {
		return errors.New("either auth-public-key-file or oidc-issuer-url is required")
	}
	if args.ServerConfig.Redis.Addr != "" && args.ServerConfig.Redis.StreamKeys.Events == "" {
		return errors.New("redis-stream-key-for-events is required when redis is enabled")
	}
	return nil
}
