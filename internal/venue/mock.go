package venue

import (
	"context"
	"sync"
)

// Mock 可编程的 Venue，用于测试与演练。未设置的函数返回零值。
type Mock struct {
	mu sync.Mutex

	SubmitFn     func(ctx context.Context, req OrderRequest) (*OrderAck, error)
	BalanceFn    func(ctx context.Context) (float64, error)
	PriceFn      func(ctx context.Context, tokenID string) (float64, error)
	SettlementFn func(ctx context.Context, marketID string) (*Settlement, error)

	SubmitCalls     int
	BalanceCalls    int
	PriceCalls      int
	SettlementCalls int
	Orders          []OrderRequest
}

var _ Venue = (*Mock)(nil)

func (m *Mock) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	m.mu.Lock()
	m.SubmitCalls++
	m.Orders = append(m.Orders, req)
	fn := m.SubmitFn
	m.mu.Unlock()
	if fn == nil {
		return &OrderAck{OrderID: "mock-" + req.MarketID, Status: "matched"}, nil
	}
	return fn(ctx, req)
}

func (m *Mock) GetBalance(ctx context.Context) (float64, error) {
	m.mu.Lock()
	m.BalanceCalls++
	fn := m.BalanceFn
	m.mu.Unlock()
	if fn == nil {
		return 0, nil
	}
	return fn(ctx)
}

func (m *Mock) GetPrice(ctx context.Context, tokenID string) (float64, error) {
	m.mu.Lock()
	m.PriceCalls++
	fn := m.PriceFn
	m.mu.Unlock()
	if fn == nil {
		return 0, nil
	}
	return fn(ctx, tokenID)
}

func (m *Mock) GetSettlement(ctx context.Context, marketID string) (*Settlement, error) {
	m.mu.Lock()
	m.SettlementCalls++
	fn := m.SettlementFn
	m.mu.Unlock()
	if fn == nil {
		return &Settlement{MarketID: marketID}, nil
	}
	return fn(ctx, marketID)
}

// Calls 返回各调用计数快照
func (m *Mock) Calls() (submit, balance, price, settlement int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SubmitCalls, m.BalanceCalls, m.PriceCalls, m.SettlementCalls
}
