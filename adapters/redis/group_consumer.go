package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrConsumerClosed = errors.New("consumer is closed")
)

// Message 封裝消息和ack所需資料
type Message[T any] struct {
	Data T
	ID   string

	client     *redis.Client
	done       bool
	stream     string
	group      string
	deadLetter string

	raw map[string]any
}

// Done 確認消息已處理完成
func (m *Message[T]) Done(ctx context.Context) error {
	const op = "Message.Done"
	if m.done {
		return nil
	}
	err := m.client.XAck(ctx, m.stream, m.group, m.ID).Err()
	if err != nil {
		return fmt.Errorf("[%s] failed to ack message: %w", op, err)
	}
	m.done = true
	return nil
}

// Fail 將消息連同錯誤原因移到死信佇列並確認
func (m *Message[T]) Fail(ctx context.Context, failErr error) error {
	const op = "Message.Fail"
	if m.done {
		return nil
	}

	values := maps.Clone(m.raw)
	if values == nil {
		values = make(map[string]any, 2)
	}
	values["error"] = failErr.Error()
	values["source_id"] = m.ID
	err := m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: m.deadLetter,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("[%s] failed to move message to dead letter queue: %w", op, err)
	}

	err = m.client.XAck(ctx, m.stream, m.group, m.ID).Err()
	if err != nil {
		return fmt.Errorf("[%s] failed to ack failed message: %w", op, err)
	}
	m.done = true
	return nil
}

// GroupConsumer 以 consumer group 讀取 stream，每則訊息只會交給群組中的一個消費者，
// 下游必須呼叫 Done 或 Fail，否則訊息會留在 pending 清單中
type GroupConsumer[T any] struct {
	client        *redis.Client
	stream        string
	group         string
	consumer      string
	deadLetter    string
	downStream    chan *Message[T]
	cancelFunc    context.CancelFunc
	wg            sync.WaitGroup
	mu            sync.Mutex
	closed        bool
	logger        *slog.Logger
	mutex         IAutoRenewMutex
	pendingMsgIds []string
	options       groupConsumerOptions[T]
}

type groupConsumerOptions[T any] struct {
	logger         *slog.Logger
	parseFunc      func(map[string]any) (T, error)
	bufferSize     int
	blockTimeout   time.Duration
	errorBackoff   time.Duration
	startID        string
	deadLetter     string
	mutex          IAutoRenewMutex
	strictOrdering bool // 嚴格順序模式
}

type GroupConsumerOption[T any] func(*groupConsumerOptions[T])

// WithGroupConsumerLogger 設置日誌記錄器
func WithGroupConsumerLogger[T any](logger *slog.Logger) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.logger = logger
	}
}

// WithGroupConsumerParseFunc 設置消息解析函數
func WithGroupConsumerParseFunc[T any](fn func(map[string]any) (T, error)) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.parseFunc = fn
	}
}

// WithGroupConsumerBufferSize 設置下游channel的緩衝大小
func WithGroupConsumerBufferSize[T any](size int) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.bufferSize = size
	}
}

// WithGroupConsumerBlockTimeout 設置阻塞讀取超時時間
func WithGroupConsumerBlockTimeout[T any](d time.Duration) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.blockTimeout = d
	}
}

// WithGroupConsumerErrorBackoff 設置讀取失敗後等待多久再重試
func WithGroupConsumerErrorBackoff[T any](d time.Duration) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.errorBackoff = d
	}
}

// WithGroupConsumerStartID 設置群組不存在時建立群組的起始位置，默認為 "0"
func WithGroupConsumerStartID[T any](id string) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.startID = id
	}
}

// WithGroupConsumerDeadLetterStream 設置死信佇列，默認為 <stream>:dead-letter
func WithGroupConsumerDeadLetterStream[T any](stream string) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.deadLetter = stream
	}
}

// WithGroupConsumerMutex 注入mutex (主要用於測試)
func WithGroupConsumerMutex[T any](mutex IAutoRenewMutex) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.mutex = mutex
	}
}

// WithGroupConsumerStrictOrdering 設置是否使用嚴格順序模式
// 嚴格順序模式下同一個群組同時只有一個消費者在處理，並且會先重新處理 pending 的訊息
func WithGroupConsumerStrictOrdering[T any](strict bool) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.strictOrdering = strict
	}
}

func NewGroupConsumer[T any](
	client *redis.Client,
	stream, group, consumer string,
	opts ...GroupConsumerOption[T],
) (IGroupConsumer[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" || group == "" || consumer == "" {
		return nil, errors.New("stream, group and consumer cannot be empty")
	}

	// 默認選項
	options := groupConsumerOptions[T]{
		logger:         slog.Default(),
		parseFunc:      DefaultParseFromMessage[T],
		bufferSize:     1,
		blockTimeout:   time.Second,
		errorBackoff:   time.Second,
		startID:        "0",
		deadLetter:     stream + ":dead-letter",
		strictOrdering: false,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	gc := &GroupConsumer[T]{
		logger:     options.logger.With(slog.String("caller", "GroupConsumer"), slog.String("stream", stream), slog.String("group", group), slog.String("consumer", consumer)),
		client:     client,
		stream:     stream,
		group:      group,
		consumer:   consumer,
		deadLetter: options.deadLetter,
		closed:     true,
		options:    options,
	}

	// 只在嚴格順序模式下設置mutex
	if options.strictOrdering {
		if options.mutex != nil {
			gc.mutex = options.mutex
		} else {
			gc.mutex = NewAutoRenewMutex(client, fmt.Sprintf("lock:%s:%s", stream, group), WithAutoRenewMutexSkipLockError(true))
		}
	}

	return gc, nil
}

// Start 確保群組存在後開始讀取
func (gc *GroupConsumer[T]) Start() error {
	const op = "GroupConsumer.Start"
	gc.mu.Lock()
	defer gc.mu.Unlock()
	if !gc.closed {
		return nil
	}

	initCtx, initCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer initCancel()
	if err := gc.ensureGroup(initCtx); err != nil {
		return fmt.Errorf("[%s] Fail to create consumer group, err=%w", op, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	gc.downStream = make(chan *Message[T], gc.options.bufferSize)
	gc.cancelFunc = cancel
	gc.closed = false
	gc.logger.Info("starting group consumer")

	gc.wg.Add(1)
	go func() {
		defer gc.wg.Done()
		defer gc.logger.Info("group consumer goroutine stopped")
		defer close(gc.downStream)

		for ctx.Err() == nil {
			workloadContext := ctx

			// 如果是嚴格順序模式下，會先拿鎖，然後再處理消息
			if gc.options.strictOrdering {
				var err error
				// workloadContext在嚴格順序模式下會被修改成帶鎖狀態的child context，可以接收到鎖的釋放信號
				workloadContext, err = gc.mutex.Lock(ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) {
						break
					}
					gc.logger.Error("failed to acquire lock", slog.Any("error", err))
					gc.backoff(ctx)
					continue
				}
			}
			err := gc.messagesWorkflow(workloadContext)
			if gc.options.strictOrdering {
				// 不論結果都先釋放鎖，下一輪重新競爭
				if _, unlockErr := gc.mutex.Unlock(); unlockErr != nil {
					gc.logger.Warn("failed to release lock", slog.Any("error", unlockErr))
				}
			}
			if err != nil {
				// 外部context取消，退出循環
				if ctx.Err() != nil {
					break
				}
				if gc.options.strictOrdering && errors.Is(err, context.Canceled) {
					// 鎖的context取消，重新拿鎖
					gc.logger.Error("lock context cancelled, stopping current processing, restarting group consumer")
				} else {
					gc.logger.Error("error processing messages, stopping current processing, restarting group consumer", slog.Any("error", err))
					gc.backoff(ctx)
				}
				continue
			}
		}
	}()

	return nil
}

// Subscribe 訂閱Stream，返回Message通道
func (gc *GroupConsumer[T]) Subscribe() <-chan *Message[T] {
	return gc.downStream
}

func (gc *GroupConsumer[T]) Close() error {
	gc.mu.Lock()
	if gc.closed {
		gc.mu.Unlock()
		return nil
	}
	gc.logger.Info("closing group consumer")
	gc.closed = true
	gc.cancelFunc()
	gc.mu.Unlock()

	gc.wg.Wait()
	gc.logger.Info("group consumer closed gracefully")
	return nil
}

// ensureGroup 建立群組，群組已存在時不做任何事
func (gc *GroupConsumer[T]) ensureGroup(ctx context.Context) error {
	err := gc.client.XGroupCreateMkStream(ctx, gc.stream, gc.group, gc.options.startID).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (gc *GroupConsumer[T]) backoff(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(gc.options.errorBackoff):
	}
}

// messagesWorkflow 處理消息的工作流程
func (gc *GroupConsumer[T]) messagesWorkflow(ctx context.Context) error {
	if gc.options.strictOrdering {
		if err := gc.fetchPendingMessageIds(ctx); err != nil {
			return err
		}
	}
	for {
		message, err := gc.fetchNextMessage(ctx)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// 其他的錯誤一般是server跟redis之間的通訊異常，交由外層等待後重試
			return fmt.Errorf("fetch message error: %w", err)
		}
		data, err := gc.options.parseFunc(message.Values)
		if err != nil {
			// 解析失敗不會因為重試就成功，先將消息移動到dead-letter，繼續處理下一條消息
			gc.logger.Error("failed to parse message",
				slog.String("messageId", message.ID),
				slog.Any("error", err),
			)
			if deadLetterErr := gc.moveToDeadLetter(ctx, message, err); deadLetterErr != nil {
				// 訊息會以pending的形式留在stream中，嚴格順序模式下一輪會優先處理
				return deadLetterErr
			}
			continue
		}
		msg := &Message[T]{
			Data:       data,
			ID:         message.ID,
			stream:     gc.stream,
			group:      gc.group,
			deadLetter: gc.deadLetter,
			client:     gc.client,
			raw:        message.Values,
		}
		if err := gc.moveToDownStream(ctx, msg); err != nil {
			return err
		}
	}
}

func (gc *GroupConsumer[T]) fetchPendingMessageIds(ctx context.Context) error {
	gc.pendingMsgIds = gc.pendingMsgIds[:0]
	start := "-"

	for {
		pending, err := gc.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: gc.stream,
			Group:  gc.group,
			Start:  start,
			End:    "+",
			Count:  100, // 每次獲取100條
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return fmt.Errorf("error getting pending messages: %w", err)
		}
		if len(pending) == 0 {
			break
		}

		for _, p := range pending {
			gc.pendingMsgIds = append(gc.pendingMsgIds, p.ID)
		}
		// 下一頁從最後一筆之後開始
		start = "(" + pending[len(pending)-1].ID

		if len(pending) < 100 {
			break
		}
	}

	if len(gc.pendingMsgIds) > 0 {
		gc.logger.Info("fetched pending message IDs", slog.Int("count", len(gc.pendingMsgIds)))
	}
	return nil
}

func (gc *GroupConsumer[T]) fetchNextMessage(ctx context.Context) (redis.XMessage, error) {
	for len(gc.pendingMsgIds) > 0 {
		id := gc.pendingMsgIds[0]
		messages, err := gc.client.XRangeN(ctx, gc.stream, id, id, 1).Result()
		if err != nil {
			return redis.XMessage{}, err
		}
		gc.pendingMsgIds = gc.pendingMsgIds[1:]
		if len(messages) > 0 {
			return messages[0], nil
		}
		// 訊息已經被裁剪，只需要從pending清單移除
		gc.logger.Warn("pending message no longer exists", slog.String("messageId", id))
		if err := gc.client.XAck(ctx, gc.stream, gc.group, id).Err(); err != nil {
			return redis.XMessage{}, err
		}
	}

	streams, err := gc.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    gc.group,
		Consumer: gc.consumer,
		Streams:  []string{gc.stream, ">"},
		Count:    1,
		Block:    gc.options.blockTimeout,
	}).Result()
	if err != nil {
		return redis.XMessage{}, err
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return redis.XMessage{}, redis.Nil
	}
	return streams[0].Messages[0], nil
}

// moveToDeadLetter 將無法解析的消息移到死信佇列並確認
func (gc *GroupConsumer[T]) moveToDeadLetter(ctx context.Context, message redis.XMessage, cause error) error {
	values := maps.Clone(message.Values)
	if values == nil {
		values = make(map[string]any, 2)
	}
	values["error"] = cause.Error()
	values["source_id"] = message.ID
	err := gc.client.XAdd(ctx, &redis.XAddArgs{
		Stream: gc.deadLetter,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to move message to dead letter queue: %w", err)
	}

	return gc.client.XAck(ctx, gc.stream, gc.group, message.ID).Err()
}

// moveToDownStream 處理發送消息到下游channel
func (gc *GroupConsumer[T]) moveToDownStream(ctx context.Context, message *Message[T]) error {
	select {
	case <-ctx.Done():
		return context.Canceled
	case gc.downStream <- message:
		return nil
	}
}
