package domain

import "time"

// PositionStatus 仓位状态：pending -> open -> closed
type PositionStatus string

const (
	PositionStatusPending PositionStatus = "pending" // 已评估，未提交
	PositionStatusOpen    PositionStatus = "open"    // 已提交并进入结算跟踪
	PositionStatusClosed  PositionStatus = "closed"  // 已结算（终态）
)

// Position 一笔未结算下注。每个 MarketID 至多一个存活仓位。
type Position struct {
	ID                 string         `json:"id"`
	MarketID           string         `json:"market_id"`
	MarketClass        string         `json:"market_class"`
	TokenID            string         `json:"token_id"`
	Side               Side           `json:"side"`
	Size               float64        `json:"size"`        // USDC，>0
	EntryPrice         float64        `json:"entry_price"` // 0 < p < 1
	Edge               float64        `json:"edge"`
	OpenedAt           time.Time      `json:"opened_at"`
	ExpectedResolution time.Time      `json:"expected_resolution"`
	OrderID            string         `json:"order_id"`
	Status             PositionStatus `json:"status"`

	// 结算字段（仅 close 时写入）
	Payoff   float64   `json:"payoff,omitempty"`
	Outcome  Side      `json:"outcome,omitempty"`
	Won      bool      `json:"won,omitempty"`
	ClosedAt time.Time `json:"closed_at,omitempty"`
}

// IsOpen 检查仓位是否开放
func (p *Position) IsOpen() bool {
	return p.Status == PositionStatusOpen
}

// SettlementPayoff 按结算结果计算收益：赢 size*(1-entry)，输 -size*entry
func (p *Position) SettlementPayoff(won bool) float64 {
	if won {
		return p.Size * (1 - p.EntryPrice)
	}
	return -p.Size * p.EntryPrice
}

// Age 持仓时长
func (p *Position) Age(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}
