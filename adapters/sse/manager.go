package sse

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/smallnest/chanx"
)

// ErrManagerClosed 表示連線管理器尚未啟動或已經停止
var ErrManagerClosed = errors.New("connection manager is closed")

type managerOptions[T any] struct {
	logger            *slog.Logger
	subscriber        ISubscriber[T]
	channelBufferSize int
	localBufferSize   int
}

type ManagerOption[T any] func(*managerOptions[T])

// WithLogger 設置日誌記錄器
func WithLogger[T any](logger *slog.Logger) ManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.logger = logger
	}
}

// WithSubscriber 設置跨實例的訊息來源，沒有設置時只會廣播本機 Publish 的訊息
func WithSubscriber[T any](subscriber ISubscriber[T]) ManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.subscriber = subscriber
	}
}

// WithChannelBufferSize 設置每個 SSE 連線的緩衝大小
func WithChannelBufferSize[T any](size int) ManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.channelBufferSize = size
	}
}

// WithLocalBufferSize 設置本機發布佇列的初始大小
func WithLocalBufferSize[T any](size int) ManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.localBufferSize = size
	}
}

// connectionManager 管理多個 SSE 頻道的訂閱與發布。
// 訊息來源可以是本機的 Publish，也可以是 Redis Stream 這類跨節點的 subscriber，
// 讓多個服務實例能夠協同運作。
type connectionManager[T any] struct {
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.RWMutex   // 保護 active 和 channels 的讀寫
	wg     sync.WaitGroup // 用於等待所有 goroutine 完成
	active bool           // 標記 manager 是否正在運作中

	local    *chanx.UnboundedChan[PublishRequest[T]] // 本機發布的訊息
	channels map[string]IChannel[T]                  // 儲存所有活躍的頻道
	options  managerOptions[T]
}

// NewConnectionManager 建立一個新的連線管理器。
func NewConnectionManager[T any](opts ...ManagerOption[T]) (IConnectionManager[T], error) {
	// 默認選項
	options := managerOptions[T]{
		logger:            slog.Default(),
		channelBufferSize: 16,
		localBufferSize:   64,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}
	if options.channelBufferSize < 0 || options.localBufferSize <= 0 {
		return nil, errors.New("buffer size must be positive")
	}

	return &connectionManager[T]{
		logger:   options.logger.With(slog.String("caller", "ConnectionManager")),
		channels: make(map[string]IChannel[T]),
		options:  options,
	}, nil
}

// Start 啟動連線管理器，開始處理訊息的接收與廣播。
// 應在呼叫其他方法前先呼叫此方法。
func (cm *connectionManager[T]) Start() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.active {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	cm.cancel = cancel
	cm.local = chanx.NewUnboundedChan[PublishRequest[T]](ctx, cm.options.localBufferSize)
	cm.active = true

	var remote <-chan PublishRequest[T]
	if cm.options.subscriber != nil {
		cm.options.subscriber.Start()
		remote = cm.options.subscriber.Subscribe()
	}

	// 啟動訊息處理的 goroutine
	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		defer cm.logger.Info("dispatch goroutine stopped")
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-cm.local.Out:
				if !ok {
					return
				}
				cm.dispatch(msg)
			case msg, ok := <-remote:
				if !ok {
					// subscriber 已經關閉，只剩本機的訊息
					remote = nil
					continue
				}
				cm.dispatch(msg)
			}
		}
	}()
	cm.logger.Info("connection manager started")
}

func (cm *connectionManager[T]) dispatch(msg PublishRequest[T]) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	channel, ok := cm.channels[msg.Channel]
	if !ok {
		return
	}
	if dropped := channel.Broadcast(msg.Message); dropped > 0 {
		cm.logger.Warn("slow subscribers missed message",
			slog.String("channel", msg.Channel),
			slog.Int("dropped", dropped),
		)
	}
}

// Done 停止連線管理器的運作。
func (cm *connectionManager[T]) Done() {
	cm.mu.Lock()
	if !cm.active {
		cm.mu.Unlock()
		return
	}
	cm.active = false
	cm.cancel()
	cm.mu.Unlock()

	// 等待 dispatch 結束前不能持有鎖，dispatch 需要讀鎖
	if cm.options.subscriber != nil {
		cm.options.subscriber.Close()
	}
	cm.wg.Wait()

	cm.mu.Lock()
	defer cm.mu.Unlock()
	for _, channel := range cm.channels {
		channel.UnsubscribeAll()
	}
	clear(cm.channels)
	cm.logger.Info("connection manager stopped")
}

// Subscribe 訂閱指定的頻道。
// channelName: 要訂閱的頻道名稱
// 返回: 用於接收訊息的唯讀通道，以及可能的錯誤
func (cm *connectionManager[T]) Subscribe(channelName string) (<-chan T, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.active {
		return nil, ErrManagerClosed
	}

	c, ok := cm.channels[channelName]
	if !ok {
		c = NewChannel[T](cm.options.channelBufferSize)
		cm.channels[channelName] = c
	}
	return c.Subscribe(), nil
}

// Publish 發布訊息到本機指定的頻道，不會等待訊息送達訂閱者。
// channelName: 目標頻道名稱
// data: 要發布的訊息內容
func (cm *connectionManager[T]) Publish(channelName string, data T) error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.active {
		return ErrManagerClosed
	}

	cm.local.In <- PublishRequest[T]{
		Channel: channelName,
		Message: data,
	}
	return nil
}

// Unsubscribe 取消訂閱指定的頻道。
func (cm *connectionManager[T]) Unsubscribe(channelName string, ch <-chan T) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	c, ok := cm.channels[channelName]
	if !ok {
		return
	}

	c.Unsubscribe(ch)
	if c.IsIdle() {
		delete(cm.channels, channelName)
	}
}
