package venue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind 场所错误分类（封闭集合）
type Kind int

const (
	// KindTransient 超时、连接失败、5xx、以及任何无法识别的错误（可重试）
	KindTransient Kind = iota
	// KindThrottled 明确的 429 / too many requests（可重试，并触发全局退避）
	KindThrottled
	// KindInsufficientBalance 余额不足（终止）
	KindInsufficientBalance
	// KindInvalidOrder 参数错误或市场已关闭（终止）
	KindInvalidOrder
)

func (k Kind) String() string {
	switch k {
	case KindThrottled:
		return "throttled"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindInvalidOrder:
		return "invalid_order"
	default:
		return "transient_network"
	}
}

// Retryable 是否可重试
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindThrottled
}

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidOrder        = errors.New("invalid order")
	ErrMarketClosed        = errors.New("market closed")
	ErrThrottled           = errors.New("too many requests")
	ErrTransient           = errors.New("transient venue error")
)

// Error 场所返回的结构化错误
type Error struct {
	Kind   Kind
	Op     string // submit_order / get_balance / ...
	Status int    // HTTP 状态码（若有）
	Code   string // API 错误码（若有）
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status=%d)", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " (code=%s)", e.Code)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is 让 errors.Is(err, ErrThrottled) 等按 Kind 匹配
func (e *Error) Is(target error) bool {
	switch target {
	case ErrInsufficientBalance:
		return e.Kind == KindInsufficientBalance
	case ErrInvalidOrder:
		return e.Kind == KindInvalidOrder
	case ErrThrottled:
		return e.Kind == KindThrottled
	case ErrTransient:
		return e.Kind == KindTransient
	}
	return false
}

// NewError 构造分类错误
func NewError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// FromStatus 按 API 错误码优先、HTTP 状态码其次构造错误。
func FromStatus(op string, status int, code, message string) *Error {
	e := &Error{Op: op, Status: status, Code: code}
	if message != "" {
		e.Err = errors.New(message)
	}
	switch strings.ToUpper(code) {
	case "INSUFFICIENT_FUNDS", "INSUFFICIENT_BALANCE", "NOT_ENOUGH_BALANCE":
		e.Kind = KindInsufficientBalance
		return e
	case "MARKET_CLOSED", "INVALID_ORDER", "INVALID_PRICE", "INVALID_SIZE", "INVALID_TICK_SIZE", "MARKET_NOT_READY":
		e.Kind = KindInvalidOrder
		return e
	case "RATE_LIMITED", "TOO_MANY_REQUESTS":
		e.Kind = KindThrottled
		return e
	}
	switch {
	case status == 429:
		e.Kind = KindThrottled
	case status >= 500:
		e.Kind = KindTransient
	case status == 400 || status == 404 || status == 422:
		// 4xx 没有错误码时再看消息（最后手段）
		e.Kind = kindFromMessage(message, KindInvalidOrder)
	default:
		e.Kind = kindFromMessage(message, KindTransient)
	}
	return e
}

// Classify 把任意错误归类。顺序：已分类错误 → 上下文超时/网络错误 → 消息子串（最后手段）→ transient。
func Classify(err error) Kind {
	if err == nil {
		return KindTransient
	}
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, ErrInvalidOrder), errors.Is(err, ErrMarketClosed):
		return KindInvalidOrder
	case errors.Is(err, ErrThrottled):
		return KindThrottled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	return kindFromMessage(err.Error(), KindTransient)
}

// kindFromMessage 子串匹配，只用于上游没有结构化信息的情况
func kindFromMessage(msg string, fallback Kind) Kind {
	m := strings.ToLower(msg)
	switch {
	case m == "":
		return fallback
	case strings.Contains(m, "insufficient") || strings.Contains(m, "not enough balance"):
		return KindInsufficientBalance
	case strings.Contains(m, "429") || strings.Contains(m, "too many requests") || strings.Contains(m, "rate limit"):
		return KindThrottled
	case strings.Contains(m, "market closed") || strings.Contains(m, "market is closed") ||
		strings.Contains(m, "invalid order") || strings.Contains(m, "invalid price") || strings.Contains(m, "invalid size"):
		return KindInvalidOrder
	}
	return fallback
}
