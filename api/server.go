package api

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"lastbid/adapters/gormstore"
	"lastbid/adapters/oidc"
	"lastbid/adapters/payout"
	redisAdapter "lastbid/adapters/redis"
	internalS3 "lastbid/adapters/s3"
	"lastbid/adapters/sse"
	"lastbid/auction"
)

type ServerImpl struct {
	house       *auction.House
	verifier    IdentityVerifier
	clock       auction.Clock
	sseManager  sse.IConnectionManager[EventMessage]
	htmlChecker *bluemonday.Policy
	redisClient *redis.Client
	producer    redisAdapter.IProducer[EventMessage]
	archiver    *ReceiptArchiver
	db          *gorm.DB
	logger      *slog.Logger

	// ownRedis 為 true 時 Close 會一併關閉 redisClient
	ownRedis bool
	config   ServerConfig
}

type serverOptions struct {
	logger      *slog.Logger
	clock       auction.Clock
	store       auction.Store
	transferer  auction.Transferer
	redisClient *redis.Client
	archive     ReceiptArchive
	verifier    IdentityVerifier
}

type ServerOption func(*serverOptions)

// WithServerLogger 設置日誌記錄器
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// WithServerClock 設置時間來源
func WithServerClock(clock auction.Clock) ServerOption {
	return func(o *serverOptions) {
		o.clock = clock
	}
}

// WithServerStore 直接使用指定的儲存層，忽略 Store 設定
func WithServerStore(store auction.Store) ServerOption {
	return func(o *serverOptions) {
		o.store = store
	}
}

// WithServerTransferer 直接使用指定的轉帳實作，忽略 Payout 設定
func WithServerTransferer(transferer auction.Transferer) ServerOption {
	return func(o *serverOptions) {
		o.transferer = transferer
	}
}

// WithServerRedisClient 使用既有的 Redis 連線，Close 時不會關閉它
func WithServerRedisClient(client *redis.Client) ServerOption {
	return func(o *serverOptions) {
		o.redisClient = client
	}
}

// WithServerReceiptArchive 直接使用指定的收據存放位置，忽略 S3 設定
func WithServerReceiptArchive(archive ReceiptArchive) ServerOption {
	return func(o *serverOptions) {
		o.archive = archive
	}
}

// WithServerIdentityVerifier 直接使用指定的 token 驗證方式，忽略 Auth 設定
func WithServerIdentityVerifier(verifier IdentityVerifier) ServerOption {
	return func(o *serverOptions) {
		o.verifier = verifier
	}
}

func NewServer(config ServerConfig, opts ...ServerOption) (*ServerImpl, error) {
	const op = "NewServer"

	// 默認選項
	options := serverOptions{
		logger: slog.Default(),
		clock:  auction.SystemClock(),
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}
	if config.HTTP.HeartbeatInterval <= 0 {
		config.HTTP.HeartbeatInterval = defaultHeartbeatInterval
	}

	impl := &ServerImpl{
		clock:       options.clock,
		htmlChecker: bluemonday.StrictPolicy(),
		logger:      options.logger.With(slog.String("caller", "Server")),
		config:      config,
	}

	// 初始化身分驗證
	impl.verifier = options.verifier
	if impl.verifier == nil {
		verifier, err := newIdentityVerifier(config.Auth)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to create identity verifier, err=%w", op, err)
		}
		impl.verifier = verifier
	}

	// 初始化儲存層
	store := options.store
	if store == nil {
		var err error
		store, err = impl.openStore(options.logger)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to open store, err=%w", op, err)
		}
	}

	// 初始化Redis連線
	impl.redisClient = options.redisClient
	if impl.redisClient == nil && config.Redis.Addr != "" {
		impl.redisClient = redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		impl.ownRedis = true
		if err := impl.redisClient.Ping(context.Background()).Err(); err != nil {
			impl.closeResources()
			return nil, fmt.Errorf("[%s] Fail to connect to redis, err=%w", op, err)
		}
	}

	houseOpts := []auction.Option{
		auction.WithClock(options.clock),
		auction.WithLogger(options.logger),
		auction.WithPolicy(config.Auction.policy()),
	}

	// 初始化SSE管理器與通知
	if impl.redisClient != nil {
		notifier, locker, err := impl.setupRedis(options.logger)
		if err != nil {
			impl.closeResources()
			return nil, fmt.Errorf("[%s] Fail to setup redis components, err=%w", op, err)
		}
		houseOpts = append(houseOpts, auction.WithNotifier(notifier), auction.WithLocker(locker))
	} else {
		manager, err := sse.NewConnectionManager(sse.WithLogger[EventMessage](options.logger))
		if err != nil {
			impl.closeResources()
			return nil, fmt.Errorf("[%s] Fail to create sse connection manager, err=%w", op, err)
		}
		impl.sseManager = manager
		houseOpts = append(houseOpts, auction.WithNotifier(localNotifier(manager)))
	}

	// 初始化收據存檔
	if impl.redisClient != nil && (options.archive != nil || config.S3.Bucket != "") {
		if err := impl.setupArchiver(options.archive, options.logger); err != nil {
			impl.closeResources()
			return nil, fmt.Errorf("[%s] Fail to setup receipt archiver, err=%w", op, err)
		}
	}

	// 初始化轉帳
	transferer := options.transferer
	if transferer == nil {
		var err error
		transferer, err = impl.newTransferer(options.logger)
		if err != nil {
			impl.closeResources()
			return nil, fmt.Errorf("[%s] Fail to create transferer, err=%w", op, err)
		}
	}

	house, err := auction.NewHouse(store, transferer, auction.Identity(config.Owner), houseOpts...)
	if err != nil {
		impl.closeResources()
		return nil, fmt.Errorf("[%s] Fail to create auction house, err=%w", op, err)
	}
	impl.house = house
	return impl, nil
}

func newIdentityVerifier(config AuthConfig) (IdentityVerifier, error) {
	if config.OIDCIssuerURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return oidc.NewVerifier(ctx, config.OIDCIssuerURL, config.OIDCClientID)
	}
	if len(config.PublicKey) != ed25519.PublicKeySize {
		return nil, errors.New("auth public key is required")
	}
	return keyVerifier{publicKey: config.PublicKey, issuer: config.Issuer, audience: config.Audience}, nil
}

func (impl *ServerImpl) openStore(logger *slog.Logger) (auction.Store, error) {
	switch impl.config.Store.Driver {
	case "", "memory":
		return auction.NewMemoryStore(), nil
	}
	dbConfig := impl.config.Store.DB
	dbConfig.Driver = impl.config.Store.Driver
	db, err := gormstore.Open(dbConfig)
	if err != nil {
		return nil, err
	}
	impl.db = db
	store, err := gormstore.New(db, gormstore.WithStoreLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(context.Background()); err != nil {
		return nil, err
	}
	return store, nil
}

func (impl *ServerImpl) setupRedis(logger *slog.Logger) (auction.Notifier, auction.LockFactory, error) {
	stream := impl.config.Redis.StreamKeys.Events
	producer, err := redisAdapter.NewProducer(
		impl.redisClient,
		stream,
		append(eventProducerOptions(impl.config.Redis.KeyPrefix, impl.config.Redis.StreamMaxLen),
			redisAdapter.WithProducerLogger[EventMessage](logger))...,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("fail to create producer, err=%w", err)
	}
	impl.producer = producer

	consumer, err := redisAdapter.NewConsumer(
		impl.redisClient,
		stream,
		redisAdapter.WithConsumerLogger[sse.PublishRequest[EventMessage]](logger),
		redisAdapter.WithConsumerParseFunc(parseEventRequest),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("fail to create consumer, err=%w", err)
	}
	manager, err := sse.NewConnectionManager(
		sse.WithLogger[EventMessage](logger),
		sse.WithSubscriber[EventMessage](consumer),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("fail to create sse connection manager, err=%w", err)
	}
	impl.sseManager = manager

	mutexOpts := []redisAdapter.AutoRenewMutexOption{redisAdapter.WithAutoRenewMutexLogger(logger)}
	if impl.config.Redis.LockWait > 0 {
		mutexOpts = append(mutexOpts, redisAdapter.WithAutoRenewMutexMaxWait(impl.config.Redis.LockWait))
	}
	if impl.config.Redis.LockExpiry > 0 {
		mutexOpts = append(mutexOpts, redisAdapter.WithAutoRenewMutexExpiry(impl.config.Redis.LockExpiry))
	}
	var factory redisAdapter.IMutexFactory
	factory, err = redisAdapter.NewMutexFactory(impl.redisClient, impl.config.Redis.KeyPrefix, mutexOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("fail to create mutex factory, err=%w", err)
	}
	locker := func(key string) auction.Locker {
		return factory.NewMutex(key)
	}
	return NewStreamNotifier(producer), locker, nil
}

func (impl *ServerImpl) setupArchiver(archive ReceiptArchive, logger *slog.Logger) error {
	if archive == nil {
		client, err := internalS3.NewClient(context.Background(), impl.config.S3)
		if err != nil {
			return err
		}
		objectArchive, err := internalS3.NewObjectArchive(client, impl.config.S3.Bucket, impl.config.S3.Prefix, impl.config.S3.PublicBaseURL)
		if err != nil {
			return err
		}
		archive = objectArchive
	}
	groupConsumer, err := redisAdapter.NewGroupConsumer[EventMessage](
		impl.redisClient,
		impl.config.Redis.StreamKeys.Events,
		impl.config.Redis.ConsumerGroup,
		impl.config.ID,
		redisAdapter.WithGroupConsumerLogger[EventMessage](logger),
	)
	if err != nil {
		return fmt.Errorf("fail to create group consumer, err=%w", err)
	}
	impl.archiver = NewReceiptArchiver(groupConsumer, archive, logger)
	return nil
}

func (impl *ServerImpl) newTransferer(logger *slog.Logger) (auction.Transferer, error) {
	if impl.config.Payout.WebhookURL == "" {
		logger.Warn("Payout webhook is not configured, withdrawals are only recorded")
		return auction.TransferFunc(func(_ context.Context, payment auction.Payment) error {
			logger.Info("Payment recorded",
				slog.String("reference", payment.Reference),
				slog.String("to", string(payment.To)),
				slog.Uint64("amount", uint64(payment.Amount)),
			)
			return nil
		}), nil
	}
	opts := []payout.WebhookOption{payout.WithWebhookLogger(logger)}
	if impl.config.Payout.Token != "" {
		opts = append(opts, payout.WithWebhookToken(impl.config.Payout.Token))
	}
	if impl.config.Payout.TokenURL != "" {
		opts = append(opts, payout.WithWebhookClientCredentials(
			impl.config.Payout.TokenURL,
			impl.config.Payout.ClientID,
			impl.config.Payout.ClientSecret,
		))
	}
	if impl.config.Payout.Timeout > 0 {
		opts = append(opts, payout.WithWebhookTimeout(impl.config.Payout.Timeout))
	}
	return payout.NewWebhook(impl.config.Payout.WebhookURL, opts...)
}

// House 回傳伺服器使用的拍賣服務
func (impl *ServerImpl) House() *auction.House {
	return impl.house
}

func (impl *ServerImpl) Start() error {
	const op = "Server.Start"
	// 啟動producer
	if impl.producer != nil {
		impl.producer.Start()
	}
	// 啟動sse connection manager
	impl.sseManager.Start()
	// 啟動收據存檔的worker
	if impl.archiver != nil {
		if err := impl.archiver.Start(); err != nil {
			return fmt.Errorf("[%s] Fail to start receipt archiver, err=%w", op, err)
		}
	}
	return nil
}

func (impl *ServerImpl) Close() {
	// 關閉收據存檔的worker
	if impl.archiver != nil {
		impl.archiver.Close()
	}
	// 送出剩餘的通知
	if impl.producer != nil {
		impl.producer.Close()
	}
	// 關閉sse connection manager
	if impl.sseManager != nil {
		impl.sseManager.Done()
	}
	impl.closeResources()
}

func (impl *ServerImpl) closeResources() {
	if impl.ownRedis && impl.redisClient != nil {
		if err := impl.redisClient.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			impl.logger.Warn("Fail to close redis client", slog.Any("error", err))
		}
		impl.redisClient = nil
	}
	if impl.db != nil {
		if sqlDB, err := impl.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
		impl.db = nil
	}
}
