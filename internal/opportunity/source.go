// Package opportunity 提供机会来源：进程内 channel 或上游 websocket 推送。
package opportunity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/survivor/internal/domain"
)

var log = logrus.WithField("module", "opportunity")

// ErrClosed 来源已关闭且没有剩余机会
var ErrClosed = errors.New("opportunity source closed")

// Source 机会来源。Next 阻塞直到有机会、ctx 取消或来源关闭。
type Source interface {
	Next(ctx context.Context) (domain.Opportunity, error)
}

// ChanSource 进程内来源（测试、回放、嵌入式检测器）
type ChanSource struct {
	ch chan domain.Opportunity

	mu     sync.RWMutex
	closed bool
}

// NewChanSource 创建带缓冲的来源
func NewChanSource(size int) *ChanSource {
	if size <= 0 {
		size = 16
	}
	return &ChanSource{ch: make(chan domain.Opportunity, size)}
}

// Push 非阻塞投递，缓冲满或已关闭时返回 false
func (s *ChanSource) Push(opp domain.Opportunity) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	if opp.DetectedAt.IsZero() {
		opp.DetectedAt = time.Now()
	}
	select {
	case s.ch <- opp:
		return true
	default:
		return false
	}
}

// Close 关闭来源，缓冲内剩余机会仍可被 Next 取走
func (s *ChanSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Next 实现 Source
func (s *ChanSource) Next(ctx context.Context) (domain.Opportunity, error) {
	select {
	case <-ctx.Done():
		return domain.Opportunity{}, ctx.Err()
	case opp, ok := <-s.ch:
		if !ok {
			return domain.Opportunity{}, ErrClosed
		}
		return opp, nil
	}
}
