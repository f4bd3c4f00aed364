// Package paper 模拟下单、真实查询结算的 Venue。
//
// 下单立即按限价成交，资金在本地记账；价格与结算透传给上游只读 Venue，
// 不会随机生成胜负。
package paper

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/betbot/survivor/internal/venue"
)

var log = logrus.WithField("module", "venue.paper")

type fill struct {
	shares float64
	cost   float64
}

// Venue 纸面交易 venue
type Venue struct {
	mu       sync.Mutex
	upstream venue.Venue // 只读：价格 / 结算；可为空
	cash     float64
	fills    map[string]fill
}

var _ venue.Venue = (*Venue)(nil)

// New 创建纸面 venue
func New(upstream venue.Venue, initialCash float64) *Venue {
	return &Venue{
		upstream: upstream,
		cash:     initialCash,
		fills:    make(map[string]fill),
	}
}

// SubmitOrder 立即成交。Size 是投入的 USDC，与实盘一致：扣除 size，得到 size/price 份。
func (v *Venue) SubmitOrder(ctx context.Context, req venue.OrderRequest) (*venue.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return nil, venue.NewError("submit_order", venue.KindTransient, err)
	}
	if req.Price <= 0 || req.Price >= 1 || req.Size <= 0 {
		return nil, venue.NewError("submit_order", venue.KindInvalidOrder,
			fmt.Errorf("price=%.4f size=%.2f", req.Price, req.Size))
	}
	cost := req.Size
	v.mu.Lock()
	defer v.mu.Unlock()
	if cost > v.cash {
		return nil, venue.NewError("submit_order", venue.KindInsufficientBalance,
			fmt.Errorf("需要 %.2f，可用 %.2f", cost, v.cash))
	}
	if _, exists := v.fills[req.MarketID]; exists {
		return nil, venue.NewError("submit_order", venue.KindInvalidOrder,
			fmt.Errorf("市场 %s 已有纸面持仓", req.MarketID))
	}
	v.cash -= cost
	v.fills[req.MarketID] = fill{shares: req.Size / req.Price, cost: cost}
	id := "paper-" + uuid.NewString()
	log.Infof("📝 [Paper] 成交 market=%s side=%s price=%.4f size=%.2f cash=%.2f", req.MarketID, req.Side, req.Price, req.Size, v.cash)
	return &venue.OrderAck{OrderID: id, Status: "matched"}, nil
}

// Settle 结算一笔纸面持仓：赢则每份兑付 1 USDC，输则成本归零。
func (v *Venue) Settle(marketID string, won bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, ok := v.fills[marketID]
	if !ok {
		return
	}
	delete(v.fills, marketID)
	pnl := -f.cost
	if won {
		v.cash += f.shares
		pnl += f.shares
	}
	log.Infof("📝 [Paper] 结算 market=%s won=%v pnl=%+.2f cash=%.2f", marketID, won, pnl, v.cash)
}

// GetBalance 本地现金
func (v *Venue) GetBalance(ctx context.Context) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cash, nil
}

// GetPrice 透传上游
func (v *Venue) GetPrice(ctx context.Context, tokenID string) (float64, error) {
	if v.upstream == nil {
		return 0, venue.NewError("get_price", venue.KindTransient, fmt.Errorf("paper venue 未配置上游"))
	}
	return v.upstream.GetPrice(ctx, tokenID)
}

// GetSettlement 透传上游；无上游时永远返回未关闭
func (v *Venue) GetSettlement(ctx context.Context, marketID string) (*venue.Settlement, error) {
	if v.upstream == nil {
		return &venue.Settlement{MarketID: marketID}, nil
	}
	return v.upstream.GetSettlement(ctx, marketID)
}

// OpenFills 当前纸面持仓数
func (v *Venue) OpenFills() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.fills)
}
