package notify

import (
	"context"
	"sync"

	"github.com/betbot/survivor/internal/metrics"
)

type message struct {
	text, category string
	urgent         bool
}

// Async 后台 goroutine 投递，Notify 从不阻塞；队列满时丢弃并记录。
type Async struct {
	next  Sink
	queue chan message
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAsync size<=0 时默认 64
func NewAsync(next Sink, size int) *Async {
	if size <= 0 {
		size = 64
	}
	a := &Async{
		next:  next,
		queue: make(chan message, size),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer close(a.done)
	for m := range a.queue {
		a.deliver(m)
	}
}

func (a *Async) deliver(m message) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("❌ [Notify] 投递 panic: %v", r)
		}
	}()
	a.next.Notify(m.text, m.category, m.urgent)
	metrics.NotifyDelivered.Add(1)
}

func (a *Async) Notify(text, category string, urgent bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- message{text: text, category: category, urgent: urgent}:
	default:
		log.Warnf("⚠️ [Notify] 队列已满，丢弃 %s 消息", category)
	}
}

// Close 停止接收并等待队列投递完（或 ctx 到期）
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
