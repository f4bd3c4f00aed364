package shutdown

import (
	"context"
	"sync"
	"time"

	"github.com/betbot/survivor/pkg/logger"
)

// Handler 关闭处理函数
type Handler func(ctx context.Context) error

type entry struct {
	name    string
	handler Handler
}

// Manager 优雅关闭管理器：按注册的逆序依次执行（先停循环，再关存储）。
type Manager struct {
	mu       sync.Mutex
	handlers []entry
	done     bool
}

// NewManager 创建关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(name string, handler Handler) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, entry{name: name, handler: handler})
}

// Shutdown 逆序执行所有回调，只执行一次。ctx 到期后剩余回调仍会执行，
// 但拿到的是已取消的 ctx。返回出错的回调数。
func (m *Manager) Shutdown(ctx context.Context) int {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return 0
	}
	m.done = true
	handlers := m.handlers
	m.mu.Unlock()

	if len(handlers) == 0 {
		logger.Infof("没有注册的关闭回调")
		return 0
	}
	logger.Infof("🛑 开始优雅关闭，共 %d 个回调", len(handlers))

	failed := 0
	for i := len(handlers) - 1; i >= 0; i-- {
		h := handlers[i]
		start := time.Now()
		if err := h.handler(ctx); err != nil {
			failed++
			logger.Warnf("⚠️ 关闭 %s 失败: %v", h.name, err)
			continue
		}
		logger.Infof("✅ 已关闭 %s (%s)", h.name, time.Since(start).Round(time.Millisecond))
	}
	if ctx.Err() != nil {
		logger.Warnf("关闭超时: %v", ctx.Err())
	}
	return failed
}
