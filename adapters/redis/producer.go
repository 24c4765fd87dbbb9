package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smallnest/chanx"
)

var (
	ErrProducerClosed = errors.New("producer is closed")
)

type producerOptions[T any] struct {
	logger       *slog.Logger
	bufferSize   int
	parseFunc    func(T) (map[string]any, error)
	sequenceFunc func(T) (string, uint64)
	maxLen       int64
	maxRetries   int
	retryDelay   time.Duration
	closeTimeout time.Duration
}

type ProducerOption[T any] func(*producerOptions[T])

// WithProducerLogger 設置日誌記錄器
func WithProducerLogger[T any](logger *slog.Logger) ProducerOption[T] {
	return func(o *producerOptions[T]) {
		o.logger = logger
	}
}

// WithProducerBufferSize 設置緩衝大小
func WithProducerBufferSize[T any](size int) ProducerOption[T] {
	return func(o *producerOptions[T]) {
		o.bufferSize = size
	}
}

// WithProducerParseFunc 設置消息序列化函數
func WithProducerParseFunc[T any](fn func(T) (map[string]any, error)) ProducerOption[T] {
	return func(o *producerOptions[T]) {
		o.parseFunc = fn
	}
}

// WithProducerSequence 設置序號來源，回傳記錄序號的鍵與序號
// 設置後同一個鍵只會寫入序號遞增的訊息，過舊的訊息會被丟棄
func WithProducerSequence[T any](fn func(T) (string, uint64)) ProducerOption[T] {
	return func(o *producerOptions[T]) {
		o.sequenceFunc = fn
	}
}

// WithProducerMaxLen 設置 stream 的近似最大長度
func WithProducerMaxLen[T any](maxLen int64) ProducerOption[T] {
	return func(o *producerOptions[T]) {
		o.maxLen = maxLen
	}
}

// WithProducerRetry 設置寫入失敗時的重試次數與間隔
func WithProducerRetry[T any](maxRetries int, delay time.Duration) ProducerOption[T] {
	return func(o *producerOptions[T]) {
		o.maxRetries = maxRetries
		o.retryDelay = delay
	}
}

// WithProducerCloseTimeout 設置關閉時等待緩衝清空的最長時間
func WithProducerCloseTimeout[T any](d time.Duration) ProducerOption[T] {
	return func(o *producerOptions[T]) {
		o.closeTimeout = d
	}
}

type outgoingMessage struct {
	values      map[string]any
	sequenceKey string
	sequence    uint64
}

// Producer 將訊息非同步寫入 Redis stream
//
// Publish 只把訊息放進無界緩衝，由單一 goroutine 依序寫入，
// 因此同一個 Producer 發佈的訊息在 stream 中保持發佈順序
type Producer[T any] struct {
	client     *redis.Client
	stream     string
	upstream   *chanx.UnboundedChan[outgoingMessage]
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	closed     bool
	logger     *slog.Logger
	options    producerOptions[T]
}

func NewProducer[T any](client *redis.Client, stream string, opts ...ProducerOption[T]) (*Producer[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream cannot be empty")
	}

	// 默認選項
	options := producerOptions[T]{
		logger:       slog.Default(),
		bufferSize:   100,
		parseFunc:    DefaultParseToMessage[T],
		maxRetries:   3,
		retryDelay:   200 * time.Millisecond,
		closeTimeout: 5 * time.Second,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	producer := &Producer[T]{
		client:  client,
		stream:  stream,
		closed:  true,
		logger:  options.logger.With(slog.String("caller", "Producer"), slog.String("stream", stream)),
		options: options,
	}

	return producer, nil
}

func (p *Producer[T]) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.upstream = chanx.NewUnboundedChan[outgoingMessage](ctx, p.options.bufferSize)
	p.cancelFunc = cancel
	p.closed = false
	p.logger.Info("starting stream producer")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.logger.Info("producer goroutine stopped")

		// Out 會在 In 被關閉且緩衝清空後關閉
		for message := range p.upstream.Out {
			if err := p.publishWithRetry(ctx, message); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				p.logger.Error("publish message error, message dropped", slog.Any("error", err))
			}
		}
	}()
}

func (p *Producer[T]) publishWithRetry(ctx context.Context, message outgoingMessage) error {
	var err error
	for attempt := 0; attempt <= p.options.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.options.retryDelay):
			}
		}
		err = p.publish(ctx, message)
		if err == nil || errors.Is(err, context.Canceled) {
			return err
		}
		p.logger.Warn("publish message failed", slog.Int("attempt", attempt+1), slog.Any("error", err))
	}
	return err
}

func (p *Producer[T]) publish(ctx context.Context, message outgoingMessage) error {
	if message.sequenceKey == "" {
		id, err := p.client.XAdd(ctx, &redis.XAddArgs{
			Stream: p.stream,
			MaxLen: p.options.maxLen,
			Approx: p.options.maxLen > 0,
			Values: message.values,
		}).Result()
		if err != nil {
			return err
		}
		p.logger.Debug("message published", slog.String("messageId", id))
		return nil
	}

	args := make([]any, 0, 2+len(message.values)*2)
	args = append(args, message.sequence, p.options.maxLen)
	// 固定欄位順序，讓相同的訊息產生相同的參數
	fields := make([]string, 0, len(message.values))
	for field := range message.values {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		args = append(args, field, message.values[field])
	}
	result, err := sequencedAddScript.Run(ctx, p.client, []string{p.stream, message.sequenceKey}, args...).Result()
	if err != nil {
		return err
	}
	if id, ok := result.(string); ok {
		p.logger.Debug("message published", slog.String("messageId", id), slog.Uint64("sequence", message.sequence))
		return nil
	}
	p.logger.Warn("stale message dropped",
		slog.String("sequenceKey", message.sequenceKey),
		slog.Uint64("sequence", message.sequence),
	)
	return nil
}

// Publish 將訊息放入緩衝，不會等待寫入 Redis
func (p *Producer[T]) Publish(data T) error {
	message, err := p.options.parseFunc(data)
	if err != nil {
		return fmt.Errorf("parse message error: %w", err)
	}
	outgoing := outgoingMessage{values: message}
	if p.options.sequenceFunc != nil {
		outgoing.sequenceKey, outgoing.sequence = p.options.sequenceFunc(data)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProducerClosed
	}
	p.upstream.In <- outgoing
	return nil
}

// Close 停止接收新訊息，並在 closeTimeout 內盡量寫出緩衝中的訊息
func (p *Producer[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.logger.Info("closing stream producer", slog.Int("pending", p.upstream.Len()))
	p.closed = true
	close(p.upstream.In)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.options.closeTimeout):
		p.logger.Warn("close timeout, dropping pending messages", slog.Int("pending", p.upstream.Len()))
	}
	p.cancelFunc()
	<-done
	p.logger.Info("stream producer closed")
}
