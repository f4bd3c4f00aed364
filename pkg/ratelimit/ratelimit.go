package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "ratelimit")

// Class 请求类别（每个类别一个独立令牌桶）
type Class string

const (
	ClassMarket Class = "market" // 市场发现 / 结算查询
	ClassPrice  Class = "price"  // 价格 / 余额查询
	ClassOrder  Class = "order"  // 下单
)

// BucketConfig 单个令牌桶配置
type BucketConfig struct {
	Rate     float64 `yaml:"rate" json:"rate"`         // tokens per second
	Capacity float64 `yaml:"capacity" json:"capacity"` // 最大突发；<=0 时取 max(int(rate*2), 1)
}

func (c BucketConfig) normalized() BucketConfig {
	if c.Rate <= 0 {
		c.Rate = 1
	}
	if c.Capacity <= 0 {
		c.Capacity = float64(int(c.Rate * 2))
		if c.Capacity < 1 {
			c.Capacity = 1
		}
	}
	return c
}

// Config 速率限制器配置
type Config struct {
	Buckets        map[Class]BucketConfig `yaml:"buckets" json:"buckets"`
	Fallback       BucketConfig           `yaml:"fallback" json:"fallback"` // 未登记类别使用
	InitialBackoff time.Duration          `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration          `yaml:"max_backoff" json:"max_backoff"`
}

// DefaultConfig 默认配置：market 10/min，price 60/min，order 30/min
func DefaultConfig() Config {
	return Config{
		Buckets: map[Class]BucketConfig{
			ClassMarket: {Rate: 10.0 / 60.0, Capacity: 5},
			ClassPrice:  {Rate: 60.0 / 60.0, Capacity: 10},
			ClassOrder:  {Rate: 30.0 / 60.0, Capacity: 5},
		},
		Fallback:       BucketConfig{Rate: 1, Capacity: 2},
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
	}
}

// bucket 令牌桶（tokens 允许为负：负数表示已被排队预留）
type bucket struct {
	name     Class
	rate     float64
	capacity float64

	tokens     float64
	lastRefill time.Time

	totalRequests int64
	totalWaits    int64
	totalWait     time.Duration
}

func newBucket(name Class, cfg BucketConfig, now time.Time) *bucket {
	cfg = cfg.normalized()
	return &bucket{
		name:       name,
		rate:       cfg.Rate,
		capacity:   cfg.Capacity,
		tokens:     cfg.Capacity,
		lastRefill: now,
	}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// reserve 扣除一个令牌并返回需要等待的时长。
// 令牌不足时仍然扣除（tokens 变负），后来者排在前一个预留之后。
func (b *bucket) reserve(now time.Time) time.Duration {
	b.refill(now)
	b.totalRequests++
	b.tokens--
	if b.tokens >= 0 {
		return 0
	}
	wait := time.Duration(-b.tokens / b.rate * float64(time.Second))
	b.totalWaits++
	b.totalWait += wait
	return wait
}

// Limiter 按请求类别限流，并叠加全局 429 退避窗口。
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[Class]*bucket

	backoffUntil    time.Time
	backoffDuration time.Duration
	throttleCount   int64
	throttleHistory []time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New 创建限流器
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.Buckets == nil {
		cfg.Buckets = def.Buckets
	}
	if cfg.Fallback.Rate <= 0 {
		cfg.Fallback = def.Fallback
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = def.MaxBackoff
		if cfg.MaxBackoff < cfg.InitialBackoff {
			cfg.MaxBackoff = cfg.InitialBackoff
		}
	}
	l := &Limiter{
		cfg:             cfg,
		buckets:         make(map[Class]*bucket, len(cfg.Buckets)),
		backoffDuration: cfg.InitialBackoff,
		now:             time.Now,
		sleep:           sleepCtx,
	}
	now := l.now()
	for class, bc := range cfg.Buckets {
		l.buckets[class] = newBucket(class, bc, now)
	}
	log.Infof("✅ [RateLimiter] 初始化完成: buckets=%d", len(l.buckets))
	return l
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (l *Limiter) bucketLocked(class Class, now time.Time) *bucket {
	b := l.buckets[class]
	if b == nil {
		b = newBucket(class, l.cfg.Fallback, now)
		l.buckets[class] = b
		log.Debugf("[RateLimiter] 未登记类别 %s，使用 fallback 令牌桶", class)
	}
	return b
}

// Acquire 获取一个 class 令牌，必要时先等待退避窗口结束，再等待令牌补充。
// 返回实际等待时长（退避 + 令牌）。只有 ctx 取消时返回错误。
func (l *Limiter) Acquire(ctx context.Context, class Class) (time.Duration, error) {
	if l == nil {
		return 0, nil
	}
	var waited time.Duration

	if d := l.backoffRemaining(); d > 0 {
		log.Warnf("⏸️ [RateLimiter] 退避中，等待 %s (class=%s)", d, class)
		if err := l.sleep(ctx, d); err != nil {
			return waited, err
		}
		waited += d
		l.clearBackoff()
	}

	l.mu.Lock()
	b := l.bucketLocked(class, l.now())
	wait := b.reserve(l.now())
	l.mu.Unlock()

	if wait > 0 {
		log.Debugf("[RateLimiter] class=%s 等待令牌 %s", class, wait)
		if err := l.sleep(ctx, wait); err != nil {
			// 未使用的预留退回，不超过容量
			l.mu.Lock()
			b.tokens = min(b.tokens+1, b.capacity)
			l.mu.Unlock()
			return waited, err
		}
		waited += wait
	}
	return waited, nil
}

// TryAcquire 非阻塞探测：退避中或令牌不足时返回 false（不扣除）。
func (l *Limiter) TryAcquire(class Class) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Before(l.backoffUntil) {
		return false
	}
	b := l.bucketLocked(class, now)
	b.refill(now)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	b.totalRequests++
	return true
}

// NoteThrottled 记录一次 429：开启退避窗口，并把下一次的退避时长翻倍（有上限）。
func (l *Limiter) NoteThrottled(class Class) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.throttleCount++
	l.throttleHistory = append(l.throttleHistory, now)
	l.pruneHistoryLocked(now)

	l.backoffUntil = now.Add(l.backoffDuration)
	log.Warnf("🚦 [RateLimiter] 429 class=%s 退避 %s (累计=%d)", class, l.backoffDuration, l.throttleCount)

	next := l.backoffDuration * 2
	if next > l.cfg.MaxBackoff {
		next = l.cfg.MaxBackoff
	}
	l.backoffDuration = next
}

// NoteSuccess 成功后把退避时长减半（不低于初始值）。
func (l *Limiter) NoteSuccess() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.backoffDuration > l.cfg.InitialBackoff {
		l.backoffDuration /= 2
		if l.backoffDuration < l.cfg.InitialBackoff {
			l.backoffDuration = l.cfg.InitialBackoff
		}
	}
}

// IsThrottled 当前是否处于退避窗口
func (l *Limiter) IsThrottled() bool {
	return l.backoffRemaining() > 0
}

func (l *Limiter) backoffRemaining() time.Duration {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.backoffUntil.IsZero() {
		return 0
	}
	d := l.backoffUntil.Sub(l.now())
	if d < 0 {
		return 0
	}
	return d
}

func (l *Limiter) clearBackoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.now().Before(l.backoffUntil) {
		l.backoffUntil = time.Time{}
	}
}

func (l *Limiter) pruneHistoryLocked(now time.Time) {
	cutoff := now.Add(-5 * time.Minute)
	i := 0
	for i < len(l.throttleHistory) && l.throttleHistory[i].Before(cutoff) {
		i++
	}
	l.throttleHistory = l.throttleHistory[i:]
}
