package sse_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lastbid/adapters/sse"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Message 表示一個 SSE 訊息，包含資料字段。
type Message struct {
	Data string `json:"data"`
}

// fakeSubscriber 以記憶體通道模擬跨實例的訊息來源
type fakeSubscriber struct {
	ch      chan sse.PublishRequest[Message]
	started bool
	closed  bool
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{ch: make(chan sse.PublishRequest[Message], 10)}
}

func (s *fakeSubscriber) Start() { s.started = true }

func (s *fakeSubscriber) Subscribe() <-chan sse.PublishRequest[Message] { return s.ch }

func (s *fakeSubscriber) Close() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(time.Second):
		require.FailNow(t, "did not receive message in time")
	}
	return Message{}
}
