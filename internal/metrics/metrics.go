// Package metrics 导出运行指标：Prometheus（/metrics）与 expvar（/debug/vars）。
package metrics

import (
	"expvar"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// expvar 计数（调试用，和 pprof 一起挂在 debug mux 上）
var (
	LedgerSaves     = expvar.NewInt("ledger_saves")
	LedgerErrors    = expvar.NewInt("ledger_errors")
	JournalWrites   = expvar.NewInt("journal_writes")
	JournalErrors   = expvar.NewInt("journal_errors")
	FeedReconnects  = expvar.NewInt("feed_reconnects")
	NotifyDelivered = expvar.NewInt("notify_delivered")
)

var (
	// Opportunities 按结果统计机会：executed 或拒绝原因
	Opportunities = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "survivor_opportunities_total",
		Help: "Opportunities evaluated, by outcome",
	}, []string{"outcome"})

	// ExecutionLatency 成功下单的端到端耗时
	ExecutionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "survivor_execution_latency_seconds",
		Help:    "Latency of executed opportunities",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// Settlements 结算次数，按输赢
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "survivor_settlements_total",
		Help: "Settled positions, by result",
	}, []string{"result"})

	// RealizedPayoff 结算盈亏分布
	RealizedPayoff = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "survivor_settlement_payoff_usdc",
		Help:    "Payoff of settled positions in USDC",
		Buckets: []float64{-50, -20, -10, -5, -1, 0, 1, 5, 10, 20, 50},
	})

	// StateTransitions 生存状态切换
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "survivor_state_transitions_total",
		Help: "Survival state transitions, by target state",
	}, []string{"to"})
)

// ObserveExecution 记录一次 Execute 的结果
func ObserveExecution(outcome string, executed bool, latency time.Duration) {
	if outcome == "" {
		outcome = "executed"
	}
	Opportunities.WithLabelValues(outcome).Inc()
	if executed {
		ExecutionLatency.Observe(latency.Seconds())
	}
}

// ObserveSettlement 记录一次结算
func ObserveSettlement(won bool, payoff float64) {
	result := "loss"
	if won {
		result = "win"
	}
	Settlements.WithLabelValues(result).Inc()
	RealizedPayoff.Observe(payoff)
}

// Gauges 由调用方提供的实时读数
type Gauges struct {
	Capital          func() float64
	CapitalPct       func() float64
	SurvivalState    func() float64 // 0=DEAD … 4=THRIVING
	OpenPositions    func() float64
	Balance          func() float64
	PendingSettles   func() float64
	Throttled        func() float64 // 1 = 处于 429 退避
	SubmitRetries    func() float64
	SubmitExhausted  func() float64
	ResolutionErrors func() float64
}

// RegisterGauges 把读数注册成 GaugeFunc / CounterFunc，nil 的项跳过
func RegisterGauges(reg prometheus.Registerer, g Gauges) error {
	gauges := []struct {
		name, help string
		fn         func() float64
	}{
		{"survivor_capital_usdc", "Current survival capital", g.Capital},
		{"survivor_capital_pct", "Capital as percent of initial bankroll", g.CapitalPct},
		{"survivor_state", "Survival state (0=DEAD .. 4=THRIVING)", g.SurvivalState},
		{"survivor_open_positions", "Open positions", g.OpenPositions},
		{"survivor_balance_usdc", "Cached venue balance", g.Balance},
		{"survivor_pending_settlements", "Positions awaiting settlement", g.PendingSettles},
		{"survivor_rate_limit_throttled", "1 while the venue backoff is active", g.Throttled},
	}
	for _, it := range gauges {
		if it.fn == nil {
			continue
		}
		if err := reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: it.name, Help: it.help}, it.fn)); err != nil {
			return err
		}
	}

	counters := []struct {
		name, help string
		fn         func() float64
	}{
		{"survivor_submit_retries_total", "Order submission retries", g.SubmitRetries},
		{"survivor_submit_exhausted_total", "Order submissions that failed after all retries", g.SubmitExhausted},
		{"survivor_resolution_errors_total", "Settlement lookups that failed or were undeterminable", g.ResolutionErrors},
	}
	for _, it := range counters {
		if it.fn == nil {
			continue
		}
		if err := reg.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{Name: it.name, Help: it.help}, it.fn)); err != nil {
			return err
		}
	}
	return nil
}
