package survival

import (
	"errors"
	"time"

	"github.com/betbot/survivor/pkg/persistence"
)

const dateLayout = "2006-01-02"

// TradeRecord 已结算交易（保留最近 HistoryLimit 笔）
type TradeRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	Payoff      float64   `json:"pnl"`
	Edge        float64   `json:"edge"`
	MarketClass string    `json:"market_type"`
	Won         bool      `json:"won"`
	Capital     float64   `json:"capital_after"`
}

// ledger 需要跨重启保留的全部状态
type ledger struct {
	CurrentCapital float64                  `json:"current_capital"`
	InitialCapital float64                  `json:"initial_capital"`
	AllTimeHigh    float64                  `json:"all_time_high"`
	TradeHistory   []TradeRecord            `json:"trade_history"`
	DailyPnL       map[string]float64       `json:"daily_pnl_history"`
	Milestones     []string                 `json:"milestones_hit"`
	Patterns       map[string]*TradePattern `json:"patterns"`
	LastUpdated    time.Time                `json:"last_updated"`
}

func newLedger(initial float64) *ledger {
	return &ledger{
		CurrentCapital: initial,
		InitialCapital: initial,
		AllTimeHigh:    initial,
		DailyPnL:       map[string]float64{},
		Patterns:       map[string]*TradePattern{},
	}
}

func (l *ledger) hasMilestone(name string) bool {
	for _, m := range l.Milestones {
		if m == name {
			return true
		}
	}
	return false
}

// loadLedger 读取持久化状态；不存在时返回全新账本。
// 初始资金始终以配置为准，已保存的当前资金优先于初始资金。
func loadLedger(store persistence.Store, initial float64) (*ledger, error) {
	l := newLedger(initial)
	if store == nil {
		return l, nil
	}
	var saved ledger
	if err := store.Load(&saved); err != nil {
		if errors.Is(err, persistence.ErrNotExists) {
			return l, nil
		}
		return l, err
	}
	if saved.CurrentCapital != 0 || len(saved.TradeHistory) > 0 {
		l.CurrentCapital = saved.CurrentCapital
	}
	if saved.AllTimeHigh > 0 {
		l.AllTimeHigh = saved.AllTimeHigh
	}
	if l.AllTimeHigh < l.CurrentCapital {
		l.AllTimeHigh = l.CurrentCapital
	}
	l.TradeHistory = saved.TradeHistory
	if saved.DailyPnL != nil {
		l.DailyPnL = saved.DailyPnL
	}
	l.Milestones = saved.Milestones
	for key, p := range saved.Patterns {
		if p == nil {
			continue
		}
		if p.EdgeBucket == "" {
			if h, class, bucket, ok := parsePatternKey(key); ok {
				p.Hour, p.MarketClass, p.EdgeBucket = h, class, bucket
			}
		}
		l.Patterns[key] = p
	}
	l.LastUpdated = saved.LastUpdated
	return l, nil
}
