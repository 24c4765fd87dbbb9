package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type consumerOptions[T any] struct {
	logger       *slog.Logger
	bufferSize   int
	blockTimeout time.Duration
	batchSize    int64
	errorBackoff time.Duration
	startID      string
	parseFunc    func(map[string]any) (T, error)
}

type ConsumerOption[T any] func(*consumerOptions[T])

// WithConsumerLogger 設置日誌記錄器
func WithConsumerLogger[T any](logger *slog.Logger) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.logger = logger
	}
}

// WithConsumerBufferSize 設置下游channel的緩衝大小
func WithConsumerBufferSize[T any](size int) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.bufferSize = size
	}
}

// WithConsumerBlockTimeout 設置阻塞讀取超時時間
func WithConsumerBlockTimeout[T any](d time.Duration) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.blockTimeout = d
	}
}

// WithConsumerBatchSize 設置每次讀取的最大訊息數
func WithConsumerBatchSize[T any](size int64) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.batchSize = size
	}
}

// WithConsumerErrorBackoff 設置讀取失敗後等待多久再重試
func WithConsumerErrorBackoff[T any](d time.Duration) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.errorBackoff = d
	}
}

// WithConsumerStartID 設置開始讀取的位置，默認為 "$" (只讀取新訊息)，"0" 表示從頭讀取
func WithConsumerStartID[T any](id string) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.startID = id
	}
}

// WithConsumerParseFunc 設置自定義解析函數
func WithConsumerParseFunc[T any](fn func(map[string]any) (T, error)) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.parseFunc = fn
	}
}

// Consumer 以 XREAD 讀取 stream，每個 Consumer 都會收到全部訊息
type Consumer[T any] struct {
	client     *redis.Client
	stream     string
	lastID     string
	downStream chan T
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	closed     bool
	logger     *slog.Logger
	options    consumerOptions[T]
}

func NewConsumer[T any](client *redis.Client, stream string, opts ...ConsumerOption[T]) (IConsumer[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream cannot be empty")
	}

	// 默認選項
	options := consumerOptions[T]{
		logger:       slog.Default(),
		bufferSize:   100,
		blockTimeout: time.Second,
		batchSize:    10,
		errorBackoff: time.Second,
		startID:      "$",
		parseFunc:    DefaultParseFromMessage[T],
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}
	if options.batchSize <= 0 {
		options.batchSize = 1
	}

	consumer := &Consumer[T]{
		client:  client,
		stream:  stream,
		lastID:  options.startID,
		closed:  true,
		logger:  options.logger.With(slog.String("caller", "Consumer"), slog.String("stream", stream)),
		options: options,
	}

	return consumer, nil
}

func (c *Consumer[T]) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.downStream = make(chan T, c.options.bufferSize)
	c.closed = false
	c.cancelFunc = cancel
	c.logger.Info("starting stream consumer", slog.String("startId", c.lastID))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.logger.Info("consumer goroutine stopped")
		defer close(c.downStream)

		c.resolveStartID(ctx)
		for ctx.Err() == nil {
			messages, err := c.fetchMessages(ctx)
			if err != nil {
				if errors.Is(err, redis.Nil) || ctx.Err() != nil {
					continue
				}
				c.logger.Error("fetch message error", slog.Any("error", err))
				// 通訊異常時稍候再重試，避免空轉
				select {
				case <-ctx.Done():
				case <-time.After(c.options.errorBackoff):
				}
				continue
			}

			for _, message := range messages {
				data, err := c.options.parseFunc(message.Values)
				if err != nil {
					c.logger.Error("failed to parse message",
						slog.String("messageId", message.ID),
						slog.Any("error", err))
					continue
				}

				// 發送到下游
				select {
				case <-ctx.Done():
					return
				case c.downStream <- data:
					c.logger.Debug("message sent to downstream",
						slog.String("messageId", message.ID))
				}
			}
		}
	}()
}

// resolveStartID 將 "$" 換成目前最後一筆訊息的 ID
// 阻塞讀取逾時後若再次使用 "$"，兩次讀取之間寫入的訊息會被跳過
func (c *Consumer[T]) resolveStartID(ctx context.Context) {
	if c.lastID != "$" {
		return
	}
	messages, err := c.client.XRevRangeN(ctx, c.stream, "+", "-", 1).Result()
	if err != nil {
		c.logger.Warn("fail to resolve last message id, fallback to $", slog.Any("error", err))
		return
	}
	if len(messages) == 0 {
		c.lastID = "0-0"
		return
	}
	c.lastID = messages[0].ID
}

// fetchMessages 讀取下一批訊息，並將讀取位置移到最後一筆
func (c *Consumer[T]) fetchMessages(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := c.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{c.stream, c.lastID},
		Count:   c.options.batchSize,
		Block:   c.options.blockTimeout,
	}).Result()
	if err != nil {
		return nil, err
	}

	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, redis.Nil
	}
	messages := streams[0].Messages
	c.lastID = messages[len(messages)-1].ID
	c.logger.Debug("received messages", slog.Int("count", len(messages)), slog.String("lastId", c.lastID))
	return messages, nil
}

// Subscribe 訂閱數據流
func (c *Consumer[T]) Subscribe() <-chan T {
	return c.downStream
}

// Close 關閉消費者
func (c *Consumer[T]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.logger.Info("closing stream consumer")
	c.closed = true
	c.cancelFunc()
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("stream consumer closed")
}
