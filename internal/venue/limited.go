package venue

import (
	"context"

	"github.com/betbot/survivor/pkg/ratelimit"
)

// Limited 为读类调用（余额、价格、结算）加上限流与退避登记。
// SubmitOrder 直接透传：下单只经由重试提交器，由它获取 order 令牌。
type Limited struct {
	inner   Venue
	limiter *ratelimit.Limiter
}

// NewLimited 包装 venue
func NewLimited(inner Venue, limiter *ratelimit.Limiter) *Limited {
	return &Limited{inner: inner, limiter: limiter}
}

// SubmitOrder 透传
func (l *Limited) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	return l.inner.SubmitOrder(ctx, req)
}

func (l *Limited) GetBalance(ctx context.Context) (float64, error) {
	if _, err := l.limiter.Acquire(ctx, ratelimit.ClassPrice); err != nil {
		return 0, err
	}
	v, err := l.inner.GetBalance(ctx)
	l.note(ratelimit.ClassPrice, err)
	return v, err
}

func (l *Limited) GetPrice(ctx context.Context, tokenID string) (float64, error) {
	if _, err := l.limiter.Acquire(ctx, ratelimit.ClassPrice); err != nil {
		return 0, err
	}
	v, err := l.inner.GetPrice(ctx, tokenID)
	l.note(ratelimit.ClassPrice, err)
	return v, err
}

func (l *Limited) GetSettlement(ctx context.Context, marketID string) (*Settlement, error) {
	if _, err := l.limiter.Acquire(ctx, ratelimit.ClassMarket); err != nil {
		return nil, err
	}
	s, err := l.inner.GetSettlement(ctx, marketID)
	l.note(ratelimit.ClassMarket, err)
	return s, err
}

func (l *Limited) note(class ratelimit.Class, err error) {
	if err == nil {
		l.limiter.NoteSuccess()
		return
	}
	if Classify(err) == KindThrottled {
		l.limiter.NoteThrottled(class)
	}
}
