package controlplane

import (
	"sort"
	"sync"
	"time"
)

// staleFactor 心跳超过 interval 的该倍数视为卡住
const staleFactor = 3

// LoopStatus 单个循环的心跳
type LoopStatus struct {
	Name       string        `json:"name"`
	Interval   time.Duration `json:"interval"`
	LastBeat   time.Time     `json:"last_beat"`
	Iterations int64         `json:"iterations"`
	Stale      bool          `json:"stale"`
}

// HealthStatus /healthz 响应
type HealthStatus struct {
	Status string       `json:"status"` // ok | degraded
	Uptime string       `json:"uptime"`
	Loops  []LoopStatus `json:"loops"`
}

type beat struct {
	interval   time.Duration
	last       time.Time
	iterations int64
}

// Health 后台循环心跳表
type Health struct {
	mu      sync.Mutex
	loops   map[string]*beat
	started time.Time
	now     func() time.Time
}

// NewHealth 创建心跳表
func NewHealth() *Health {
	return &Health{loops: make(map[string]*beat), started: time.Now(), now: time.Now}
}

// Register 登记循环。interval 为 0 表示事件驱动，不参与卡住判定。
func (h *Health) Register(name string, interval time.Duration) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.loops[name]; !ok {
		h.loops[name] = &beat{interval: interval}
	}
}

// Beat 记录一次迭代
func (h *Health) Beat(name string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.loops[name]
	if !ok {
		b = &beat{}
		h.loops[name] = b
	}
	b.last = h.now()
	b.iterations++
}

// Status 汇总
func (h *Health) Status() HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	st := HealthStatus{Status: "ok", Uptime: now.Sub(h.started).Round(time.Second).String()}
	for name, b := range h.loops {
		ls := LoopStatus{Name: name, Interval: b.interval, LastBeat: b.last, Iterations: b.iterations}
		if b.interval > 0 {
			ref := b.last
			if ref.IsZero() {
				ref = h.started
			}
			ls.Stale = now.Sub(ref) > staleFactor*b.interval
		}
		if ls.Stale {
			st.Status = "degraded"
		}
		st.Loops = append(st.Loops, ls)
	}
	sort.Slice(st.Loops, func(i, j int) bool { return st.Loops[i].Name < st.Loops[j].Name })
	return st
}
