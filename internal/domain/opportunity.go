package domain

import "time"

// Opportunity 一次检测到的定价偏差（瞬时值，不持久化）
type Opportunity struct {
	MarketID       string    `json:"market_id"`
	MarketClass    string    `json:"market_class"`
	TokenID        string    `json:"token_id"` // 所选方向的 token
	NegRisk        bool      `json:"neg_risk,omitempty"`
	Side           Side      `json:"side"`
	Edge           float64   `json:"edge"`       // 百分比，5 表示 5%
	Confidence     float64   `json:"confidence"` // 0~1
	ReferencePrice float64   `json:"reference_price"`
	YesPrice       float64   `json:"yes_price"`
	NoPrice        float64   `json:"no_price"`
	DetectedAt     time.Time `json:"detected_at"`
}

// QuotedPrice 所选方向的报价
func (o *Opportunity) QuotedPrice() float64 {
	if o.Side == SideNo {
		return o.NoPrice
	}
	return o.YesPrice
}
