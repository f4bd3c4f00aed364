package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/survivor/internal/venue"
	"github.com/betbot/survivor/pkg/ratelimit"
)

func newTestSubmitter() (*Submitter, *[]time.Duration) {
	s := NewSubmitter(ratelimit.New(ratelimit.DefaultConfig()), time.Second)
	var sleeps []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return s, &sleeps
}

func TestSubmitRetriesTransientThenSucceeds(t *testing.T) {
	s, sleeps := newTestSubmitter()
	calls := 0
	call := func(context.Context) (*venue.OrderAck, error) {
		calls++
		if calls <= 2 {
			return nil, errors.New("connection reset by peer")
		}
		return &venue.OrderAck{OrderID: "o-1"}, nil
	}

	ack, err := s.Submit(context.Background(), call, 3, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "o-1", ack.OrderID)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *sleeps)

	st := s.Stats()
	assert.Equal(t, int64(2), st.TotalRetries)
	assert.Equal(t, int64(1), st.SuccessfulRetries)
	assert.Equal(t, int64(2), st.NetworkErrors)
	assert.Equal(t, int64(3), st.TotalAttempts)
}

func TestSubmitInsufficientBalanceIsTerminal(t *testing.T) {
	s, sleeps := newTestSubmitter()
	calls := 0
	call := func(context.Context) (*venue.OrderAck, error) {
		calls++
		return nil, venue.FromStatus("submit_order", 400, "", "not enough balance / allowance")
	}

	_, err := s.Submit(context.Background(), call, 3, time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *sleeps)
	assert.ErrorIs(t, err, venue.ErrInsufficientBalance)
	assert.Equal(t, int64(1), s.Stats().BalanceErrors)
	assert.Zero(t, s.Stats().TotalRetries)
}

func TestSubmitInvalidOrderIsTerminal(t *testing.T) {
	s, _ := newTestSubmitter()
	calls := 0
	call := func(context.Context) (*venue.OrderAck, error) {
		calls++
		return nil, venue.NewError("submit_order", venue.KindInvalidOrder, errors.New("tick size"))
	}
	_, err := s.Submit(context.Background(), call, 3, time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, venue.KindInvalidOrder, venue.Classify(err))
}

func TestSubmitExhaustsRetries(t *testing.T) {
	s, sleeps := newTestSubmitter()
	calls := 0
	call := func(context.Context) (*venue.OrderAck, error) {
		calls++
		return nil, venue.FromStatus("submit_order", 503, "", "upstream unavailable")
	}

	_, err := s.Submit(context.Background(), call, 3, 10*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, *sleeps)
	assert.Equal(t, venue.KindTransient, venue.Classify(err))

	st := s.Stats()
	assert.Equal(t, int64(3), st.TotalRetries)
	assert.Equal(t, int64(1), st.FailedAfterRetries)
	assert.Zero(t, st.SuccessfulRetries)
}

func TestSubmitThrottledFeedsLimiterBackoff(t *testing.T) {
	s, _ := newTestSubmitter()
	calls := 0
	call := func(context.Context) (*venue.OrderAck, error) {
		calls++
		if calls == 1 {
			return nil, venue.FromStatus("submit_order", 429, "", "Too Many Requests")
		}
		return &venue.OrderAck{OrderID: "o-2"}, nil
	}

	// 429 后限流器真实等待 1s 退避窗口
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ack, err := s.Submit(ctx, call, 1, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "o-2", ack.OrderID)
	assert.Equal(t, int64(1), s.Stats().ThrottledErrors)
	assert.Equal(t, int64(1), s.limiter.Stats().Backoff.Total429s)
}

func TestSubmitPerCallTimeoutIsTransient(t *testing.T) {
	s, _ := newTestSubmitter()
	s.timeout = 10 * time.Millisecond
	call := func(ctx context.Context) (*venue.OrderAck, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	_, err := s.Submit(context.Background(), call, 1, time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, venue.KindTransient, venue.Classify(err))
	assert.Equal(t, int64(2), s.Stats().NetworkErrors)
}

func TestSubmitEmptyAckIsTransient(t *testing.T) {
	s, _ := newTestSubmitter()
	call := func(context.Context) (*venue.OrderAck, error) { return nil, nil }
	_, err := s.Submit(context.Background(), call, 0, time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, int64(1), s.Stats().FailedAfterRetries)
}
