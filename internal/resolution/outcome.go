package resolution

import (
	"strings"

	"github.com/betbot/survivor/internal/domain"
	"github.com/betbot/survivor/internal/venue"
)

// settledPriceThreshold 结算后胜方价格接近 1.0
const settledPriceThreshold = 0.9

// IsResolved 市场是否已经关闭/结算
func IsResolved(s *venue.Settlement) bool {
	return s != nil && s.Closed
}

// DetermineOutcome 按优先级判定胜方：显式结果（YES/NO 或 token id）→ winning outcome
// → token winner 标记 → 结算价格 > 0.9。无法判定时返回 false，绝不猜测。
func DetermineOutcome(s *venue.Settlement) (domain.Side, bool) {
	if s == nil {
		return "", false
	}
	if out := strings.TrimSpace(s.Outcome); out != "" {
		if side, ok := domain.ParseSide(out); ok {
			return side, true
		}
		if len(s.Tokens) >= 2 {
			switch out {
			case s.Tokens[0].TokenID:
				return domain.SideYes, true
			case s.Tokens[1].TokenID:
				return domain.SideNo, true
			}
		}
	}
	if side, ok := domain.ParseSide(s.WinningOutcome); ok {
		return side, true
	}
	for i, t := range s.Tokens {
		if !t.Winner {
			continue
		}
		if side, ok := domain.ParseSide(t.Outcome); ok {
			return side, true
		}
		if i == 0 {
			return domain.SideYes, true
		}
		return domain.SideNo, true
	}
	if len(s.OutcomePrices) == 2 {
		switch {
		case s.OutcomePrices[0] > settledPriceThreshold:
			return domain.SideYes, true
		case s.OutcomePrices[1] > settledPriceThreshold:
			return domain.SideNo, true
		}
	}
	return "", false
}
