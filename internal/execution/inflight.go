package execution

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// ErrDuplicateInFlight 同一市场的下单仍在进行中（或仍在 TTL 窗口内）
var ErrDuplicateInFlight = fmt.Errorf("duplicate in-flight")

// InFlightDeduper 按 key（市场 ID）做短窗口的确定性去重。
// 不用位图或布隆过滤器：误判会直接跳过一笔交易。
type InFlightDeduper struct {
	ttl    time.Duration
	shards []inFlightShard
	now    func() time.Time
}

type inFlightShard struct {
	mu sync.Mutex
	m  map[string]time.Time // key -> expiresAt
}

// NewInFlightDeduper ttl 覆盖一次 "评估到下单完成" 的最长时间，超时后自动失效。
func NewInFlightDeduper(ttl time.Duration, shardCount int) *InFlightDeduper {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if shardCount <= 0 {
		shardCount = 16
	}
	shards := make([]inFlightShard, shardCount)
	for i := range shards {
		shards[i].m = make(map[string]time.Time)
	}
	return &InFlightDeduper{ttl: ttl, shards: shards, now: time.Now}
}

// TryAcquire 成功返回 nil，已被占用返回 ErrDuplicateInFlight
func (d *InFlightDeduper) TryAcquire(key string) error {
	if d == nil || key == "" {
		return nil
	}
	now := d.now()
	sh := d.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	// 惰性清理本 shard 的过期项
	for k, exp := range sh.m {
		if !exp.After(now) {
			delete(sh.m, k)
		}
	}
	if _, ok := sh.m[key]; ok {
		return ErrDuplicateInFlight
	}
	sh.m[key] = now.Add(d.ttl)
	return nil
}

// Release 释放 key
func (d *InFlightDeduper) Release(key string) {
	if d == nil || key == "" {
		return
	}
	sh := d.shard(key)
	sh.mu.Lock()
	delete(sh.m, key)
	sh.mu.Unlock()
}

// Len 当前未过期的 key 数
func (d *InFlightDeduper) Len() int {
	if d == nil {
		return 0
	}
	now := d.now()
	n := 0
	for i := range d.shards {
		sh := &d.shards[i]
		sh.mu.Lock()
		for _, exp := range sh.m {
			if exp.After(now) {
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

func (d *InFlightDeduper) shard(key string) *inFlightShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &d.shards[h.Sum32()%uint32(len(d.shards))]
}
