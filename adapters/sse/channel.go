package sse

import (
	"sync"
)

// Channel 是單一頻道(例如一筆拍賣)的訂閱者集合
// 每個訂閱者擁有自己的緩衝，緩衝已滿時該則訊息會被略過
type Channel[T any] struct {
	mu      sync.RWMutex
	outlets map[<-chan T]chan<- T
	buffer  int
}

func NewChannel[T any](bufferSize int) IChannel[T] {
	return &Channel[T]{
		outlets: make(map[<-chan T]chan<- T),
		buffer:  bufferSize,
	}
}

func (c *Channel[T]) Subscribe() <-chan T {
	outlet := make(chan T, c.buffer)
	c.mu.Lock()
	c.outlets[outlet] = outlet
	c.mu.Unlock()
	return outlet
}

// Unsubscribe 移除並關閉 ch，重複呼叫不會有影響
func (c *Channel[T]) Unsubscribe(ch <-chan T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	outlet, ok := c.outlets[ch]
	if !ok {
		return
	}
	delete(c.outlets, ch)
	close(outlet)
}

func (c *Channel[T]) UnsubscribeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch, outlet := range c.outlets {
		close(outlet)
		delete(c.outlets, ch)
	}
}

// Broadcast 不會等待任何訂閱者，回傳沒有送達的數量
func (c *Channel[T]) Broadcast(message T) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var missed int
	for _, outlet := range c.outlets {
		select {
		case outlet <- message:
		default:
			missed++
		}
	}
	return missed
}

func (c *Channel[T]) IsIdle() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.outlets) == 0
}
