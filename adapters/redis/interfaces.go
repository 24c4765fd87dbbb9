//go:generate mockgen -package=redis -destination=mock.go -source=interfaces.go

package redis

import (
	"context"
)

// IProducer 非同步地把 T 寫入 stream，事件通知透過它送出
type IProducer[T any] interface {
	Start()
	Publish(data T) error
	Close()
}

// IGroupConsumer 在 consumer group 中分工讀取 stream，每則訊息需要 Done 或 Fail
type IGroupConsumer[T any] interface {
	Start() error
	Subscribe() <-chan *Message[T]
	Close() error
}

// IConsumer 讀取 stream 的所有訊息，每個實例都會收到一份
type IConsumer[T any] interface {
	Start()
	Subscribe() <-chan T
	Close()
}

// IAutoRenewMutex 是持有期間會自動續期的分散式鎖
// Lock 回傳的 context 在鎖失效或 Unlock 時取消
type IAutoRenewMutex interface {
	Lock(ctx context.Context) (context.Context, error)
	Unlock() (bool, error)
	Valid() bool
}

// IMutexFactory 依照 key 建立分散式鎖
type IMutexFactory interface {
	NewMutex(key string) IAutoRenewMutex
}
