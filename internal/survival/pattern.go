package survival

import (
	"fmt"
	"strconv"
	"strings"
)

// EdgeBucket 把 edge 百分比映射到固定区间
func EdgeBucket(edge float64) string {
	switch {
	case edge < 2:
		return "0-2%"
	case edge < 5:
		return "2-5%"
	case edge < 10:
		return "5-10%"
	default:
		return "10%+"
	}
}

// PatternKey "hour|market_class|bucket"
func PatternKey(hour int, marketClass string, edge float64) string {
	return fmt.Sprintf("%d|%s|%s", hour, marketClass, EdgeBucket(edge))
}

// TradePattern 按 (小时, 市场类别, edge 区间) 聚合的胜负统计
type TradePattern struct {
	Hour        int     `json:"hour"`
	MarketClass string  `json:"market_class"`
	EdgeBucket  string  `json:"edge_bucket"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	TotalPayoff float64 `json:"total_payoff"`
}

// SampleSize 样本数
func (p *TradePattern) SampleSize() int { return p.Wins + p.Losses }

// WinRate 胜率（0~1），无样本时为 0
func (p *TradePattern) WinRate() float64 {
	n := p.SampleSize()
	if n == 0 {
		return 0
	}
	return float64(p.Wins) / float64(n)
}

// AvgPayoff 平均收益
func (p *TradePattern) AvgPayoff() float64 {
	n := p.SampleSize()
	if n == 0 {
		return 0
	}
	return p.TotalPayoff / float64(n)
}

// parsePatternKey 从 key 还原维度（兼容只存了计数的旧数据）
func parsePatternKey(key string) (hour int, class, bucket string, ok bool) {
	parts := strings.SplitN(key, "|", 3)
	if len(parts) != 3 {
		return 0, "", "", false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", "", false
	}
	return h, parts[1], parts[2], true
}
