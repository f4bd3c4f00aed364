package execution

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/betbot/survivor/internal/venue"
	"github.com/betbot/survivor/pkg/ratelimit"
)

// SubmitCall 一次下单调用（由 Submitter 负责限流、超时和重试）
type SubmitCall func(ctx context.Context) (*venue.OrderAck, error)

// SubmitterStats 重试统计
type SubmitterStats struct {
	TotalAttempts      int64 `json:"total_attempts"`
	TotalRetries       int64 `json:"total_retries"`
	SuccessfulRetries  int64 `json:"successful_retries"`
	NetworkErrors      int64 `json:"network_errors"`
	ThrottledErrors    int64 `json:"throttled_errors"`
	BalanceErrors      int64 `json:"balance_errors"`
	InvalidOrderErrors int64 `json:"invalid_order_errors"`
	FailedAfterRetries int64 `json:"failed_after_retries"`
}

// Submitter 包装单个下单调用：每次尝试前获取 order 令牌，
// 可重试错误按 baseDelay*2^attempt 退避，终态错误立即返回。
type Submitter struct {
	limiter *ratelimit.Limiter
	timeout time.Duration

	mu    sync.Mutex
	stats SubmitterStats

	sleep func(ctx context.Context, d time.Duration) error
}

// NewSubmitter timeout<=0 时不对单次调用加超时
func NewSubmitter(limiter *ratelimit.Limiter, timeout time.Duration) *Submitter {
	return &Submitter{
		limiter: limiter,
		timeout: timeout,
		sleep:   sleepCtx,
	}
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

// Submit 最多调用 maxRetries+1 次。返回的错误总是 *venue.Error。
func (s *Submitter) Submit(ctx context.Context, call SubmitCall, maxRetries int, baseDelay time.Duration) (*venue.OrderAck, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	var lastErr *venue.Error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if _, err := s.limiter.Acquire(ctx, ratelimit.ClassOrder); err != nil {
			return nil, venue.NewError("submit_order", venue.KindTransient, err)
		}
		s.count(func(st *SubmitterStats) { st.TotalAttempts++ })

		ack, err := s.callOnce(ctx, call)
		if err == nil {
			s.limiter.NoteSuccess()
			if attempt > 0 {
				s.count(func(st *SubmitterStats) { st.SuccessfulRetries++ })
				log.Infof("✅ [Submitter] 第 %d 次重试成功", attempt)
			}
			return ack, nil
		}

		lastErr = asVenueError(err)
		s.countKind(lastErr.Kind)
		if lastErr.Kind == venue.KindThrottled {
			s.limiter.NoteThrottled(ratelimit.ClassOrder)
		}
		if !lastErr.Kind.Retryable() {
			log.Warnf("⛔ [Submitter] 终态错误，不重试: %v", lastErr)
			return nil, lastErr
		}
		if attempt == maxRetries {
			break
		}

		delay := baseDelay * time.Duration(1<<uint(attempt))
		s.count(func(st *SubmitterStats) { st.TotalRetries++ })
		log.Warnf("🔁 [Submitter] %s 错误，%s 后重试 (%d/%d): %v", lastErr.Kind, delay, attempt+1, maxRetries, lastErr)
		if err := s.sleep(ctx, delay); err != nil {
			return nil, venue.NewError("submit_order", venue.KindTransient, err)
		}
	}
	s.count(func(st *SubmitterStats) { st.FailedAfterRetries++ })
	log.Errorf("❌ [Submitter] 重试 %d 次后仍失败: %v", maxRetries, lastErr)
	return nil, lastErr
}

func (s *Submitter) callOnce(ctx context.Context, call SubmitCall) (*venue.OrderAck, error) {
	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	ack, err := call(callCtx)
	if err == nil && ack == nil {
		err = venue.NewError("submit_order", venue.KindTransient, errEmptyAck)
	}
	return ack, err
}

func asVenueError(err error) *venue.Error {
	var ve *venue.Error
	if errors.As(err, &ve) {
		return ve
	}
	return venue.NewError("submit_order", venue.Classify(err), err)
}

func (s *Submitter) countKind(k venue.Kind) {
	s.count(func(st *SubmitterStats) {
		switch k {
		case venue.KindInsufficientBalance:
			st.BalanceErrors++
		case venue.KindInvalidOrder:
			st.InvalidOrderErrors++
		case venue.KindThrottled:
			st.ThrottledErrors++
		default:
			st.NetworkErrors++
		}
	})
}

func (s *Submitter) count(fn func(*SubmitterStats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

// Stats 统计快照
func (s *Submitter) Stats() SubmitterStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
