// Package venue 定义交易场所的最小接口：下单、余额、价格、结算查询。
package venue

import (
	"context"

	"github.com/betbot/survivor/internal/domain"
)

// OrderRequest 下单请求（只支持买入所选方向的 token）
type OrderRequest struct {
	ClientID string
	MarketID string
	TokenID  string
	Side     domain.Side
	Price    float64 // 限价，0 < p < 1
	Size     float64 // USDC 金额
	NegRisk  bool
}

// OrderAck 下单回执
type OrderAck struct {
	OrderID string
	Status  string
}

// OutcomeToken 结算数据中的一个结果 token。Outcome 标签无法识别时按顺序：Tokens[0] 为 YES，Tokens[1] 为 NO。
type OutcomeToken struct {
	TokenID string
	Outcome string
	Winner  bool
	Price   float64
}

// Settlement 市场结算原始数据；胜负判定由调用方完成。
type Settlement struct {
	MarketID       string
	Closed         bool
	Outcome        string // 显式结果："YES"/"NO" 或 token id
	WinningOutcome string
	Tokens         []OutcomeToken
	OutcomePrices  []float64
}

// Venue 交易场所。所有调用都可能返回限流或超时错误（见 Kind）。
type Venue interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	GetBalance(ctx context.Context) (float64, error)
	GetPrice(ctx context.Context, tokenID string) (float64, error)
	GetSettlement(ctx context.Context, marketID string) (*Settlement, error)
}
