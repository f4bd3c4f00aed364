package ratelimit

import "time"

// BucketStats 单个令牌桶统计
type BucketStats struct {
	Name          Class   `json:"name"`
	RatePerSec    float64 `json:"rate_per_sec"`
	Capacity      float64 `json:"capacity"`
	CurrentTokens float64 `json:"current_tokens"`
	TotalRequests int64   `json:"total_requests"`
	TotalWaits    int64   `json:"total_waits"`
	WaitRatePct   float64 `json:"wait_rate_pct"`
	AvgWaitMs     float64 `json:"avg_wait_ms"`
	TotalWaitMs   float64 `json:"total_wait_time_ms"`
}

// BackoffStats 429 退避统计
type BackoffStats struct {
	Active       bool      `json:"active"`
	Until        time.Time `json:"until,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	Total429s    int64     `json:"total_429s"`
	Recent429s5m int       `json:"recent_429s_5min"`
}

// Stats 限流器快照
type Stats struct {
	Buckets map[Class]BucketStats `json:"buckets"`
	Backoff BackoffStats          `json:"backoff"`
}

// Stats 返回当前快照（只读内存状态，不阻塞等待）
func (l *Limiter) Stats() Stats {
	out := Stats{Buckets: map[Class]BucketStats{}}
	if l == nil {
		return out
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for class, b := range l.buckets {
		b.refill(now)
		s := BucketStats{
			Name:          class,
			RatePerSec:    b.rate,
			Capacity:      b.capacity,
			CurrentTokens: b.tokens,
			TotalRequests: b.totalRequests,
			TotalWaits:    b.totalWaits,
			TotalWaitMs:   float64(b.totalWait) / float64(time.Millisecond),
		}
		if b.totalWaits > 0 {
			s.AvgWaitMs = s.TotalWaitMs / float64(b.totalWaits)
		}
		if b.totalRequests > 0 {
			s.WaitRatePct = float64(b.totalWaits) / float64(b.totalRequests) * 100
		}
		out.Buckets[class] = s
	}
	l.pruneHistoryLocked(now)
	out.Backoff = BackoffStats{
		Active:       now.Before(l.backoffUntil),
		DurationMs:   l.backoffDuration.Milliseconds(),
		Total429s:    l.throttleCount,
		Recent429s5m: len(l.throttleHistory),
	}
	if out.Backoff.Active {
		out.Backoff.Until = l.backoffUntil
	}
	return out
}
