package notify

import (
	"time"

	"github.com/betbot/survivor/pkg/cache"
)

// Throttled 每个类别在 minInterval 内最多放行一条，urgent 不受限制。
type Throttled struct {
	next        Sink
	minInterval time.Duration
	seen        *cache.InMemoryCache[string, struct{}]
}

// NewThrottled minInterval<=0 时默认 10s
func NewThrottled(next Sink, minInterval time.Duration) *Throttled {
	if minInterval <= 0 {
		minInterval = 10 * time.Second
	}
	return &Throttled{
		next:        next,
		minInterval: minInterval,
		seen:        cache.NewInMemoryCache[string, struct{}](minInterval),
	}
}

func (t *Throttled) Notify(message, category string, urgent bool) {
	if !urgent && !t.seen.SetIfAbsent(category, struct{}{}, t.minInterval) {
		log.Debugf("[Notify] 类别 %s 节流，丢弃一条消息", category)
		return
	}
	t.next.Notify(message, category, urgent)
}

// Close 停止节流缓存的后台清理
func (t *Throttled) Close() {
	t.seen.Close()
}
