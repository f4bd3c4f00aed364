// Package sizing 用分数 Kelly 计算下注金额。
package sizing

import (
	"math"

	"github.com/betbot/survivor/internal/domain"
)

// MaxWinProbability 胜率上限
const MaxWinProbability = 0.95

// Config 仓位计算配置
type Config struct {
	KellyFraction float64 // 0.5 = half-Kelly
	MaxBetPercent float64 // 占余额百分比上限，20 表示 20%
	MinBetSize    float64 // 最小下注金额；低于它直接拒绝
}

// DefaultConfig 默认 half-Kelly，单笔上限 20%，最小 1 USDC
func DefaultConfig() Config {
	return Config{KellyFraction: 0.5, MaxBetPercent: 20, MinBetSize: 1}
}

// WinProbability p = min(confidence + edge/100, 0.95)
func WinProbability(confidence, edgePct float64) float64 {
	p := confidence + edgePct/100
	if p > MaxWinProbability {
		p = MaxWinProbability
	}
	if p < 0 {
		p = 0
	}
	return p
}

// KellyFraction 全 Kelly 比例 f = (b·p − q) / b，b = 1/price − 1。
// 价格不在 (0,1) 或结果为负时返回 0。
func KellyFraction(price, winProb float64) float64 {
	if price <= 0 || price >= 1 || math.IsNaN(price) || math.IsNaN(winProb) {
		return 0
	}
	b := 1/price - 1
	if b <= 0 {
		return 0
	}
	q := 1 - winProb
	f := (b*winProb - q) / b
	if f < 0 {
		return 0
	}
	return f
}

// Breakdown 每一步的比例，便于日志与看板
type Breakdown struct {
	WinProbability float64 `json:"win_probability"`
	FullKelly      float64 `json:"full_kelly"`
	Fractional     float64 `json:"fractional"`
	Capped         float64 `json:"capped"`
	Final          float64 `json:"final"` // 乘以生存系数后
	Amount         float64 `json:"amount"`
	BelowMinimum   bool    `json:"below_minimum"`
}

// Sizer 仓位计算器
type Sizer struct {
	cfg Config
}

// New 创建 Sizer
func New(cfg Config) *Sizer {
	if cfg.KellyFraction <= 0 {
		cfg.KellyFraction = DefaultConfig().KellyFraction
	}
	if cfg.MaxBetPercent <= 0 {
		cfg.MaxBetPercent = DefaultConfig().MaxBetPercent
	}
	return &Sizer{cfg: cfg}
}

// Size 返回下注金额；0 表示不下注（赔率无定义、无正期望、或低于最小金额）
func (s *Sizer) Size(opp *domain.Opportunity, balance, modifier float64) float64 {
	return s.Breakdown(opp, balance, modifier).Amount
}

// Breakdown 计算并返回每一步的中间结果
func (s *Sizer) Breakdown(opp *domain.Opportunity, balance, modifier float64) Breakdown {
	var out Breakdown
	if opp == nil || balance <= 0 || modifier <= 0 {
		return out
	}
	price := opp.QuotedPrice()
	out.WinProbability = WinProbability(opp.Confidence, opp.Edge)
	out.FullKelly = KellyFraction(price, out.WinProbability)
	out.Fractional = out.FullKelly * s.cfg.KellyFraction
	out.Capped = math.Min(out.Fractional, s.cfg.MaxBetPercent/100)
	out.Final = out.Capped * modifier
	amount := balance * out.Final
	if amount <= 0 {
		return out
	}
	if amount < s.cfg.MinBetSize {
		out.BelowMinimum = true
		return out
	}
	out.Amount = amount
	return out
}
