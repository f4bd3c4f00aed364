package syncgroup

import (
	"context"
	"sync"
)

// SyncGroup 管理一组命名的长期 goroutine：Add 登记、Run 启动、Wait 等待全部退出。
type SyncGroup struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	pending []task
	running map[string]struct{}
}

type task struct {
	name string
	fn   func()
}

// NewSyncGroup 创建 SyncGroup
func NewSyncGroup() *SyncGroup {
	return &SyncGroup{running: make(map[string]struct{})}
}

// Add 登记一个 goroutine（Run 时启动）
func (w *SyncGroup) Add(name string, fn func()) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.pending = append(w.pending, task{name: name, fn: fn})
	w.mu.Unlock()
}

// Run 启动所有已登记但未启动的 goroutine
func (w *SyncGroup) Run() {
	w.mu.Lock()
	tasks := w.pending
	w.pending = nil
	for _, t := range tasks {
		w.running[t.name] = struct{}{}
	}
	w.wg.Add(len(tasks))
	w.mu.Unlock()

	for _, t := range tasks {
		go func(t task) {
			defer func() {
				w.mu.Lock()
				delete(w.running, t.name)
				w.mu.Unlock()
				w.wg.Done()
			}()
			t.fn()
		}(t)
	}
}

// Running 仍在运行的 goroutine 名称
func (w *SyncGroup) Running() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.running))
	for name := range w.running {
		out = append(out, name)
	}
	return out
}

// Wait 等待所有 goroutine 退出
func (w *SyncGroup) Wait() {
	w.wg.Wait()
}

// WaitContext 等待全部退出或 ctx 到期
func (w *SyncGroup) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
