package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestNewProducer(t *testing.T) {
	tests := []struct {
		name    string
		client  *redis.Client
		stream  string
		opts    []ProducerOption[bidNotice]
		wantErr string
	}{
		{name: "正常設定", client: redis.NewClient(&redis.Options{}), stream: testStream},
		{name: "沒有client", client: nil, stream: testStream, wantErr: "redis client cannot be nil"},
		{name: "沒有stream", client: redis.NewClient(&redis.Options{}), stream: "", wantErr: "stream cannot be empty"},
		{
			name:   "自定義選項",
			client: redis.NewClient(&redis.Options{}),
			stream: testStream,
			opts: []ProducerOption[bidNotice]{
				WithProducerLogger[bidNotice](discardLogger),
				WithProducerBufferSize[bidNotice](200),
				WithProducerMaxLen[bidNotice](1000),
				WithProducerRetry[bidNotice](5, time.Millisecond),
				WithProducerCloseTimeout[bidNotice](time.Second),
				WithProducerParseFunc[bidNotice](func(msg bidNotice) (map[string]any, error) {
					return map[string]any{"test": "value"}, nil
				}),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer goleak.VerifyNone(t)

			producer, err := NewProducer[bidNotice](tt.client, tt.stream, tt.opts...)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				assert.Nil(t, producer)
			} else {
				require.NoError(t, err)
				producer.Close() // 未啟動時關閉不會有任何動作
			}
			if tt.client != nil {
				tt.client.Close()
			}
		})
	}
}

func TestProducer_Publish(t *testing.T) {
	defer goleak.VerifyNone(t)
	_, client, cleanup := setupMiniredis(t)
	defer cleanup()

	producer, err := NewProducer[bidNotice](client, testStream, WithProducerLogger[bidNotice](discardLogger))
	require.NoError(t, err)

	// 尚未啟動
	assert.ErrorIs(t, producer.Publish(bidNotice{ID: "0"}), ErrProducerClosed)

	producer.Start()
	producer.Start() // 重複啟動不會有任何動作
	for i := 1; i <= 3; i++ {
		require.NoError(t, producer.Publish(bidNotice{ID: fmt.Sprint(i), Data: "data"}))
	}

	assert.Eventually(t, func() bool {
		return client.XLen(context.Background(), testStream).Val() == 3
	}, time.Second, 10*time.Millisecond)

	messages, err := client.XRange(context.Background(), testStream, "-", "+").Result()
	require.NoError(t, err)
	for i, message := range messages {
		data, err := DefaultParseFromMessage[bidNotice](message.Values)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i+1), data.ID)
	}

	producer.Close()
	producer.Close()
	assert.ErrorIs(t, producer.Publish(bidNotice{ID: "4"}), ErrProducerClosed)
}

func TestProducer_CloseFlushesBuffer(t *testing.T) {
	defer goleak.VerifyNone(t)
	_, client, cleanup := setupMiniredis(t)
	defer cleanup()

	producer, err := NewProducer[bidNotice](client, testStream, WithProducerLogger[bidNotice](discardLogger))
	require.NoError(t, err)
	producer.Start()
	for i := 0; i < 50; i++ {
		require.NoError(t, producer.Publish(bidNotice{ID: fmt.Sprint(i)}))
	}
	producer.Close()

	assert.Equal(t, int64(50), client.XLen(context.Background(), testStream).Val())
}

func TestProducer_Sequence(t *testing.T) {
	defer goleak.VerifyNone(t)
	mr, client, cleanup := setupMiniredis(t)
	defer cleanup()

	type sequenced struct {
		Key string
		Seq uint64
	}
	producer, err := NewProducer[sequenced](client, testStream,
		WithProducerLogger[sequenced](discardLogger),
		WithProducerSequence(func(m sequenced) (string, uint64) {
			return "seq:" + m.Key, m.Seq
		}),
	)
	require.NoError(t, err)
	producer.Start()

	publish := []sequenced{
		{Key: "1", Seq: 1},
		{Key: "1", Seq: 3},
		{Key: "1", Seq: 2}, // 過舊，會被丟棄
		{Key: "2", Seq: 1}, // 不同的鍵各自計算
		{Key: "1", Seq: 3}, // 重複，會被丟棄
		{Key: "1", Seq: 4},
	}
	for _, m := range publish {
		require.NoError(t, producer.Publish(m))
	}
	producer.Close()

	messages, err := client.XRange(context.Background(), testStream, "-", "+").Result()
	require.NoError(t, err)
	got := make([]sequenced, 0, len(messages))
	for _, message := range messages {
		data, err := DefaultParseFromMessage[sequenced](message.Values)
		require.NoError(t, err)
		got = append(got, data)
	}
	assert.Equal(t, []sequenced{{"1", 1}, {"1", 3}, {"2", 1}, {"1", 4}}, got)

	last, err := mr.Get("seq:1")
	require.NoError(t, err)
	assert.Equal(t, "4", last)
}

func TestProducer_ParseError(t *testing.T) {
	defer goleak.VerifyNone(t)
	client, _, cleanup := newRedisMock(t)
	defer cleanup()

	producer, err := NewProducer[bidNotice](client, testStream,
		WithProducerLogger[bidNotice](discardLogger),
		WithProducerParseFunc[bidNotice](func(bidNotice) (map[string]any, error) {
			return nil, fmt.Errorf("parse error")
		}),
	)
	require.NoError(t, err)

	producer.Start()
	assert.ErrorContains(t, producer.Publish(bidNotice{}), "parse error")
	producer.Close()
}

func TestProducer_Retry(t *testing.T) {
	defer goleak.VerifyNone(t)
	client, mock, cleanup := newRedisMock(t)
	defer cleanup()

	msg := bidNotice{ID: "1", Data: "test data"}
	values, err := DefaultParseToMessage(msg)
	require.NoError(t, err)

	// 第一次失敗，重試後成功
	mock.ExpectXAdd(&redis.XAddArgs{Stream: testStream, Values: values}).SetErr(redis.ErrClosed)
	mock.ExpectXAdd(&redis.XAddArgs{Stream: testStream, Values: values}).SetVal("1234-0")

	producer, err := NewProducer[bidNotice](client, testStream,
		WithProducerLogger[bidNotice](discardLogger),
		WithProducerRetry[bidNotice](1, 10*time.Millisecond),
	)
	require.NoError(t, err)

	producer.Start()
	require.NoError(t, producer.Publish(msg))
	producer.Close()
	assert.NoError(t, mock.ExpectationsWereMet())
}
