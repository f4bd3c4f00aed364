// Package balance 缓存可用余额：新鲜度窗口内直接返回，查询失败时回退到默认资金。
package balance

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "balance")

// Fetcher 余额来源（通常是经过限流包装的 venue）
type Fetcher interface {
	GetBalance(ctx context.Context) (float64, error)
}

// Source 缓存值来源
type Source string

const (
	SourceNone     Source = "none"
	SourceVenue    Source = "venue"
	SourceFallback Source = "fallback"
)

// Config 缓存配置
type Config struct {
	TTL            time.Duration // 成功查询的新鲜度窗口
	FallbackTTL    time.Duration // 回退值的新鲜度窗口（更短）
	DefaultBalance float64       // 查询失败时的回退资金
	Timeout        time.Duration // 单次查询超时
}

// Snapshot 缓存快照（只读）
type Snapshot struct {
	Value     float64       `json:"value"`
	Source    Source        `json:"source"`
	Age       time.Duration `json:"age"`
	Fetches   int64         `json:"fetches"`
	Failures  int64         `json:"failures"`
	LastError string        `json:"last_error,omitempty"`
}

// Cache 单元格缓存：读者在刷新期间看到旧值，刷新完成后整体替换。
type Cache struct {
	fetcher Fetcher
	cfg     Config

	mu        sync.RWMutex
	value     float64
	source    Source
	fetchedAt time.Time
	validFor  time.Duration
	fetching  bool
	fetches   int64
	failures  int64
	lastErr   string

	now func() time.Time
}

// New 创建余额缓存
func New(fetcher Fetcher, cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.FallbackTTL <= 0 || cfg.FallbackTTL > cfg.TTL {
		cfg.FallbackTTL = cfg.TTL / 6
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Cache{
		fetcher: fetcher,
		cfg:     cfg,
		source:  SourceNone,
		now:     time.Now,
	}
}

// Get 返回可用余额，永不失败。
func (c *Cache) Get(ctx context.Context) float64 {
	c.mu.Lock()
	now := c.now()
	if c.source != SourceNone && now.Sub(c.fetchedAt) < c.validFor {
		v := c.value
		c.mu.Unlock()
		return v
	}
	if c.fetching {
		// 其他调用方正在刷新：返回旧值（没有旧值时返回默认资金）
		v := c.value
		if c.source == SourceNone {
			v = c.cfg.DefaultBalance
		}
		c.mu.Unlock()
		return v
	}
	c.fetching = true
	c.mu.Unlock()

	fctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	v, err := c.fetcher.GetBalance(fctx)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetching = false
	c.fetches++
	c.fetchedAt = c.now()
	if err != nil {
		c.failures++
		c.lastErr = err.Error()
		c.value = c.cfg.DefaultBalance
		c.source = SourceFallback
		c.validFor = c.cfg.FallbackTTL
		log.Warnf("⚠️ [Balance] 查询失败，回退默认资金 %.2f (有效 %s): %v", c.cfg.DefaultBalance, c.cfg.FallbackTTL, err)
		return c.value
	}
	c.lastErr = ""
	c.value = v
	c.source = SourceVenue
	c.validFor = c.cfg.TTL
	log.Debugf("[Balance] 刷新余额 %.2f", v)
	return v
}

// Invalidate 让下一次 Get 重新查询（下单 / 结算之后调用）
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.validFor = 0
	c.mu.Unlock()
}

// Snapshot 只读快照，不触发查询
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Snapshot{
		Value:     c.value,
		Source:    c.source,
		Fetches:   c.fetches,
		Failures:  c.failures,
		LastError: c.lastErr,
	}
	if c.source != SourceNone {
		s.Age = c.now().Sub(c.fetchedAt)
	}
	return s
}
