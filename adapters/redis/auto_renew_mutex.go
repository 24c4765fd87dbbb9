package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout 表示在 maxWait 內沒有取得鎖，通常代表同一個資源的競爭過於激烈
var ErrLockTimeout = errors.New("lock wait timeout")

type AutoRenewMutex struct {
	*redsync.Mutex
	cancel   context.CancelFunc
	renewing bool
	mu       sync.Mutex
	wg       sync.WaitGroup
	options  autoRenewMutexOptions
}

type autoRenewMutexOptions struct {
	renewInterval time.Duration
	retryDelay    time.Duration
	expiry        time.Duration
	maxWait       time.Duration
	skipLockError bool
	logger        *slog.Logger
}

type AutoRenewMutexOption func(*autoRenewMutexOptions)

// WithAutoRenewMutexRenewInterval 設置自動續期間隔
func WithAutoRenewMutexRenewInterval(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.renewInterval = d
	}
}

// WithAutoRenewMutexRetryDelay 設置重試延遲
func WithAutoRenewMutexRetryDelay(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.retryDelay = d
	}
}

// WithAutoRenewMutexExpiry 設置鎖過期時間
func WithAutoRenewMutexExpiry(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.expiry = d
	}
}

// WithAutoRenewMutexMaxWait 設置等待鎖的最長時間，0 表示只受 context 限制
func WithAutoRenewMutexMaxWait(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.maxWait = d
	}
}

// WithAutoRenewMutexSkipLockError 設置是否忽略所有鎖定錯誤
func WithAutoRenewMutexSkipLockError(skip bool) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.skipLockError = skip
	}
}

// WithAutoRenewMutexLogger 設置日誌記錄器，續期失敗時會記錄警告
func WithAutoRenewMutexLogger(logger *slog.Logger) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.logger = logger
	}
}

func defaultAutoRenewMutexOptions(opts []AutoRenewMutexOption) autoRenewMutexOptions {
	// 默認選項
	options := autoRenewMutexOptions{
		expiry:     8 * time.Second,
		retryDelay: 50 * time.Millisecond,
		logger:     slog.Default(),
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	// 如果未設置續期間隔，使用過期時間的1/3
	if options.renewInterval <= 0 {
		options.renewInterval = options.expiry / 3
	}
	return options
}

func newAutoRenewMutex(rs *redsync.Redsync, key string, options autoRenewMutexOptions) *AutoRenewMutex {
	mutex := rs.NewMutex(
		key,
		redsync.WithExpiry(options.expiry),
		redsync.WithTries(1),
		redsync.WithRetryDelay(options.retryDelay),
	)
	return &AutoRenewMutex{
		Mutex:   mutex,
		options: options,
	}
}

// NewAutoRenewMutex 創建一個帶自動續期功能的互斥鎖
func NewAutoRenewMutex(client *redis.Client, key string, opts ...AutoRenewMutexOption) IAutoRenewMutex {
	rs := redsync.New(goredis.NewPool(client))
	return newAutoRenewMutex(rs, key, defaultAutoRenewMutexOptions(opts))
}

// MutexFactory 共用同一個 redsync 實例，依照 key 建立自動續期的互斥鎖
type MutexFactory struct {
	rs      *redsync.Redsync
	prefix  string
	options autoRenewMutexOptions
}

// NewMutexFactory 建立 MutexFactory，所有鎖的 key 都會加上 prefix
func NewMutexFactory(client *redis.Client, prefix string, opts ...AutoRenewMutexOption) (*MutexFactory, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	return &MutexFactory{
		rs:      redsync.New(goredis.NewPool(client)),
		prefix:  prefix,
		options: defaultAutoRenewMutexOptions(opts),
	}, nil
}

// NewMutex 建立 key 對應的鎖，實際的 Redis 鍵為 <prefix><key>:lock
func (f *MutexFactory) NewMutex(key string) IAutoRenewMutex {
	return newAutoRenewMutex(f.rs, f.prefix+key+":lock", f.options)
}

// Lock 獲取鎖並啟動自動續期，支持通過context取消
// 回傳的context會在鎖續期失敗或Unlock時被取消
func (m *AutoRenewMutex) Lock(ctx context.Context) (context.Context, error) {
	const op = "AutoRenewMutex.Lock"
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	waitCtx := ctx
	if m.options.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, m.options.maxWait)
		defer cancel()
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() == nil {
				return nil, fmt.Errorf("[%s] %w, key=%s, wait=%s", op, ErrLockTimeout, m.Mutex.Name(), m.options.maxWait)
			}
			return nil, ctx.Err()
		case <-timer.C:
			err := m.Mutex.LockContext(waitCtx)
			if err == nil {
				lockCtx, cancel := context.WithCancel(ctx)
				m.mu.Lock()
				m.cancel = cancel
				m.mu.Unlock()
				m.startAutoRenew(lockCtx)
				return lockCtx, nil
			}
			// 只有在鎖被佔用或設置了忽略錯誤(skipLockError)時才重試
			var commErr *redsync.RedisError
			if !m.options.skipLockError && errors.As(err, &commErr) {
				return nil, fmt.Errorf("[%s] Fail to acquire lock, key=%s, err=%w", op, m.Mutex.Name(), err)
			}
			// 重置計時器，準備下次重試
			timer.Reset(m.options.retryDelay)
		}
	}
}

// Unlock 停止自動續期並釋放鎖
func (m *AutoRenewMutex) Unlock() (bool, error) {
	m.stopAutoRenew()
	m.wg.Wait()
	return m.Mutex.Unlock()
}

// Valid 檢查鎖是否仍然有效，通過比較當前時間和過期時間判斷
func (m *AutoRenewMutex) Valid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renewing && time.Now().Before(m.Mutex.Until())
}

func (m *AutoRenewMutex) startAutoRenew(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.renewing {
		return
	}

	m.renewing = true
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.options.renewInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				success, err := m.Mutex.ExtendContext(ctx)
				if err != nil || !success {
					// 續期失敗代表鎖可能已經被其他人取得，取消帶鎖的context
					m.options.logger.Warn("Fail to extend lock, lock context cancelled",
						slog.String("key", m.Mutex.Name()),
						slog.Any("error", err),
					)
					m.stopAutoRenew()
					return
				}
			}
		}
	}()
}

func (m *AutoRenewMutex) stopAutoRenew() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.renewing {
		return
	}

	m.renewing = false
	if m.cancel != nil {
		m.cancel()
	}
}
