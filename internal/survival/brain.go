package survival

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/survivor/internal/metrics"
	"github.com/betbot/survivor/pkg/persistence"
)

var log = logrus.WithField("module", "survival")

// Notifier 通知出口（fire-and-forget）
type Notifier interface {
	Notify(message, category string, urgent bool)
}

// Config 生存状态机配置
type Config struct {
	InitialCapital    float64
	Breakpoints       Breakpoints
	Policy            Policy
	MinPatternSamples int     // 样本数达到后才参与过滤
	MinPatternWinRate float64 // 0~1，低于该胜率的模式被过滤
	DailyTargetPct    float64 // 当前资金的百分比
	WeeklyTargetPct   float64
	MinEdgeFloor      float64 // hunger 下调后的绝对下限
	HistoryLimit      int
}

// DefaultConfig 默认配置
func DefaultConfig(initial float64) Config {
	return Config{
		InitialCapital:    initial,
		Breakpoints:       DefaultBreakpoints(),
		Policy:            DefaultPolicy(),
		MinPatternSamples: 20,
		MinPatternWinRate: 0.40,
		DailyTargetPct:    1.0,
		WeeklyTargetPct:   5.0,
		MinEdgeFloor:      1.0,
		HistoryLimit:      1000,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.InitialCapital)
	if c.Breakpoints == (Breakpoints{}) {
		c.Breakpoints = def.Breakpoints
	}
	if c.Policy.Modifiers == nil && c.Policy.MinEdges == nil {
		c.Policy = def.Policy
	}
	if c.MinPatternSamples <= 0 {
		c.MinPatternSamples = def.MinPatternSamples
	}
	if c.MinPatternWinRate <= 0 {
		c.MinPatternWinRate = def.MinPatternWinRate
	}
	if c.DailyTargetPct <= 0 {
		c.DailyTargetPct = def.DailyTargetPct
	}
	if c.WeeklyTargetPct <= 0 {
		c.WeeklyTargetPct = def.WeeklyTargetPct
	}
	if c.MinEdgeFloor <= 0 {
		c.MinEdgeFloor = def.MinEdgeFloor
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = def.HistoryLimit
	}
	return c
}

// TradeResult 一笔已结算交易
type TradeResult struct {
	Payoff      float64
	Edge        float64
	MarketClass string
	Won         bool
	Timestamp   time.Time
}

// Brain 资金生存状态机：状态由 当前资金/初始资金 纯函数推导。
type Brain struct {
	mu    sync.Mutex
	cfg   Config
	store persistence.Store
	led   *ledger

	previous       State
	hungerAlertDay string
	hungerLevel    int

	notifier Notifier
	now      func() time.Time
}

// New 创建状态机并从 store 恢复状态（store 可为 nil）
func New(cfg Config, store persistence.Store, notifier Notifier) (*Brain, error) {
	if cfg.InitialCapital <= 0 {
		return nil, fmt.Errorf("survival: initial capital must be positive, got %.2f", cfg.InitialCapital)
	}
	cfg = cfg.withDefaults()
	led, err := loadLedger(store, cfg.InitialCapital)
	if err != nil {
		log.Warnf("⚠️ [Survival] 加载状态失败，使用初始资金: %v", err)
	}
	b := &Brain{
		cfg:      cfg,
		store:    store,
		led:      led,
		notifier: notifier,
		now:      time.Now,
	}
	b.previous = b.stateLocked()
	log.Infof("🧠 [Survival] 初始化: capital=$%.2f initial=$%.2f state=%s trades=%d",
		led.CurrentCapital, led.InitialCapital, b.previous, len(led.TradeHistory))
	return b, nil
}

// SetNotifier 替换通知出口
func (b *Brain) SetNotifier(n Notifier) {
	b.mu.Lock()
	b.notifier = n
	b.mu.Unlock()
}

func (b *Brain) capitalPctLocked() float64 {
	return b.led.CurrentCapital / b.led.InitialCapital * 100
}

func (b *Brain) stateLocked() State {
	return StateFor(b.capitalPctLocked(), b.cfg.Breakpoints)
}

// State 当前状态
func (b *Brain) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

// Capital 当前资金
func (b *Brain) Capital() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.led.CurrentCapital
}

// PositionSizeModifier 当前状态的仓位系数（hunger 不影响）
func (b *Brain) PositionSizeModifier() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.Policy.Modifier(b.stateLocked())
}

func (b *Brain) minEdgeLocked(state State, behindPct float64) float64 {
	base := b.cfg.Policy.BaseMinEdge(state)
	return HungryMinEdge(base, state, behindPct, b.cfg.MinEdgeFloor)
}

// ShouldTakeTrade 准入判断：DEAD 拒绝；edge 低于（hunger 调整后的）门槛拒绝；
// 样本充足且胜率过低的模式拒绝；未知模式放行。
func (b *Brain) ShouldTakeTrade(edge float64, marketClass string, hour int) (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.stateLocked()
	if state == StateDead {
		return false, "DEAD state: trading halted"
	}
	t := b.targetsLocked(b.now())
	minEdge := b.minEdgeLocked(state, t.behindPct)
	if edge < minEdge {
		return false, fmt.Sprintf("edge %.2f%% below %s threshold %.2f%%", edge, state, minEdge)
	}
	key := PatternKey(hour, marketClass, edge)
	if p := b.led.Patterns[key]; p != nil && b.filteredLocked(p) {
		return false, fmt.Sprintf("pattern %s filtered (win rate %.1f%% over %d trades)",
			key, p.WinRate()*100, p.SampleSize())
	}
	return true, fmt.Sprintf("approved (%s, min edge %.2f%%)", state, minEdge)
}

func (b *Brain) filteredLocked(p *TradePattern) bool {
	return p.SampleSize() >= b.cfg.MinPatternSamples && p.WinRate() < b.cfg.MinPatternWinRate
}

// RecordTradeResult 记录结算结果：更新资金、日 PnL、模式统计，并持久化。
func (b *Brain) RecordTradeResult(r TradeResult) {
	if r.Timestamp.IsZero() {
		r.Timestamp = b.now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	led := b.led
	led.CurrentCapital += r.Payoff
	led.TradeHistory = append(led.TradeHistory, TradeRecord{
		Timestamp:   r.Timestamp,
		Payoff:      r.Payoff,
		Edge:        r.Edge,
		MarketClass: r.MarketClass,
		Won:         r.Won,
		Capital:     led.CurrentCapital,
	})
	if over := len(led.TradeHistory) - b.cfg.HistoryLimit; over > 0 {
		led.TradeHistory = append([]TradeRecord(nil), led.TradeHistory[over:]...)
	}
	led.DailyPnL[r.Timestamp.Format(dateLayout)] += r.Payoff

	key := PatternKey(r.Timestamp.Hour(), r.MarketClass, r.Edge)
	p := led.Patterns[key]
	if p == nil {
		p = &TradePattern{Hour: r.Timestamp.Hour(), MarketClass: r.MarketClass, EdgeBucket: EdgeBucket(r.Edge)}
		led.Patterns[key] = p
	}
	if r.Won {
		p.Wins++
	} else {
		p.Losses++
	}
	p.TotalPayoff += r.Payoff

	log.Infof("📒 [Survival] 记录结算: pnl=%+.2f capital=$%.2f state=%s pattern=%s (%d/%d)",
		r.Payoff, led.CurrentCapital, b.stateLocked(), key, p.Wins, p.SampleSize())
	b.saveLocked()
}

func (b *Brain) saveLocked() {
	if b.store == nil {
		return
	}
	b.led.LastUpdated = b.now()
	if err := b.store.Save(b.led); err != nil {
		metrics.LedgerErrors.Add(1)
		log.Errorf("❌ [Survival] 保存状态失败: %v", err)
		return
	}
	metrics.LedgerSaves.Add(1)
}

type notice struct {
	message  string
	category string
	urgent   bool
}

// Tick 周期性维护：状态迁移、里程碑、hunger 告警、持久化。
func (b *Brain) Tick() {
	b.mu.Lock()
	now := b.now()
	var out []notice
	out = append(out, b.checkTransitionLocked()...)
	out = append(out, b.checkMilestonesLocked(now)...)
	out = append(out, b.checkHungerLocked(now)...)
	b.saveLocked()
	n := b.notifier
	b.mu.Unlock()

	if n == nil {
		return
	}
	for _, m := range out {
		n.Notify(m.message, m.category, m.urgent)
	}
}

func (b *Brain) checkTransitionLocked() []notice {
	state := b.stateLocked()
	prev := b.previous
	if state == prev {
		return nil
	}
	b.previous = state
	metrics.StateTransitions.WithLabelValues(state.String()).Inc()
	log.Warnf("🔄 [Survival] 状态迁移: %s → %s (capital=$%.2f, %.1f%%)",
		prev, state, b.led.CurrentCapital, b.capitalPctLocked())

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s <b>STATE CHANGE: %s → %s</b>\n\n", state.Emoji(), prev, state)
	fmt.Fprintf(&sb, "Capital: $%.2f (%.1f%% of initial)\n", b.led.CurrentCapital, b.capitalPctLocked())
	fmt.Fprintf(&sb, "Position sizing: %.2fx\n", b.cfg.Policy.Modifier(state))
	fmt.Fprintf(&sb, "Min edge: %.1f%%\n", b.cfg.Policy.BaseMinEdge(state))
	switch state {
	case StateWounded:
		sb.WriteString("\nDefensive mode: half size, higher edge bar.")
	case StateCritical:
		sb.WriteString("\nSurvival mode: quarter size, only the strongest edges.")
	case StateDead:
		sb.WriteString("\nTrading halted. Manual review required.")
	}
	return []notice{{message: sb.String(), category: "state_change", urgent: true}}
}

func (b *Brain) checkMilestonesLocked(now time.Time) []notice {
	led := b.led
	pct := b.capitalPctLocked()
	var out []notice

	today := led.DailyPnL[now.Format(dateLayout)]
	if today > 0 && !led.hasMilestone("first_profitable_day") {
		led.Milestones = append(led.Milestones, "first_profitable_day")
		out = append(out, notice{
			message:  fmt.Sprintf("🎉 <b>FIRST PROFITABLE DAY</b>\n\n+$%.2f today\nCapital: $%.2f", today, led.CurrentCapital),
			category: "milestone", urgent: true,
		})
	}
	if led.CurrentCapital > led.AllTimeHigh {
		old := led.AllTimeHigh
		led.AllTimeHigh = led.CurrentCapital
		out = append(out, notice{
			message: fmt.Sprintf("🚀 <b>NEW ALL-TIME HIGH</b>\n\n$%.2f (%.1f%%)\nPrevious ATH: $%.2f\nGain: +$%.2f",
				led.CurrentCapital, pct, old, led.CurrentCapital-old),
			category: "milestone", urgent: true,
		})
	}
	if pct >= 200 && !led.hasMilestone("2x_capital") {
		led.Milestones = append(led.Milestones, "2x_capital")
		out = append(out, notice{
			message:  fmt.Sprintf("💎 <b>2X CAPITAL ACHIEVED</b>\n\n$%.2f (200%%)", led.CurrentCapital),
			category: "milestone", urgent: true,
		})
	}
	return out
}

// checkHungerLocked 每天每个级别最多告警一次，级别升高时再次告警
func (b *Brain) checkHungerLocked(now time.Time) []notice {
	behind := b.targetsLocked(now).behindPct
	level := 0
	switch {
	case behind > 50:
		level = 2
	case behind > 20:
		level = 1
	}
	day := now.Format(dateLayout)
	if day != b.hungerAlertDay {
		b.hungerAlertDay = day
		b.hungerLevel = 0
	}
	if level == 0 || level <= b.hungerLevel {
		return nil
	}
	b.hungerLevel = level
	if level == 2 {
		return []notice{{
			message: fmt.Sprintf("🍽️ <b>HUNGER ALERT</b>\n\nBehind target by %.1f%%\n\n"+
				"Edge threshold lowered to hunt more opportunities.\nPosition sizing unchanged.", behind),
			category: "hunger",
		}}
	}
	return []notice{{
		message:  fmt.Sprintf("📉 Behind target by %.1f%%\nLowering edge threshold slightly.", behind),
		category: "hunger",
	}}
}

type targets struct {
	daily, weekly       float64
	dailyPnL, weeklyPnL float64
	behindPct           float64
}

func behindPct(target, pnl float64) float64 {
	if target <= 0 || pnl >= target {
		return 0
	}
	return (target - pnl) / target * 100
}

func (b *Brain) targetsLocked(now time.Time) targets {
	led := b.led
	t := targets{
		daily:    led.CurrentCapital * b.cfg.DailyTargetPct / 100,
		weekly:   led.CurrentCapital * b.cfg.WeeklyTargetPct / 100,
		dailyPnL: led.DailyPnL[now.Format(dateLayout)],
	}
	offset := (int(now.Weekday()) + 6) % 7 // 周一为一周开始
	weekStart := now.AddDate(0, 0, -offset)
	for i := 0; i < 7; i++ {
		t.weeklyPnL += led.DailyPnL[weekStart.AddDate(0, 0, i).Format(dateLayout)]
	}
	t.behindPct = behindPct(t.daily, t.dailyPnL)
	if w := behindPct(t.weekly, t.weeklyPnL); w > t.behindPct {
		t.behindPct = w
	}
	return t
}

// burnRateLocked 最近 7 天日均 PnL；为负时给出 runway（天）
func (b *Brain) burnRateLocked(now time.Time) (float64, *float64) {
	var sum float64
	var n int
	for i := 0; i < 7; i++ {
		if v, ok := b.led.DailyPnL[now.AddDate(0, 0, -i).Format(dateLayout)]; ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	avg := sum / float64(n)
	if avg >= 0 {
		return avg, nil
	}
	runway := b.led.CurrentCapital / -avg
	return avg, &runway
}

// recoveryTradesLocked 回到 HEALTHY 下限所需的盈利笔数
func (b *Brain) recoveryTradesLocked() (int, float64) {
	led := b.led
	deficit := led.InitialCapital*b.cfg.Breakpoints.Healthy/100 - led.CurrentCapital
	if deficit <= 0 {
		return 0, 0
	}
	hist := led.TradeHistory
	if len(hist) > 100 {
		hist = hist[len(hist)-100:]
	}
	var sum float64
	var n int
	for _, t := range hist {
		if t.Payoff > 0 {
			sum += t.Payoff
			n++
		}
	}
	avgWin := led.CurrentCapital * 0.02 * 0.05
	if n > 0 {
		avgWin = sum / float64(n)
	}
	if avgWin <= 0 {
		return 999, avgWin
	}
	return int(deficit/avgWin) + 1, avgWin
}

// Metrics 生存指标快照
type Metrics struct {
	State            State    `json:"state"`
	CurrentCapital   float64  `json:"current_capital"`
	InitialCapital   float64  `json:"initial_capital"`
	CapitalPct       float64  `json:"capital_pct"`
	AllTimeHigh      float64  `json:"all_time_high"`
	DrawdownPct      float64  `json:"drawdown_from_ath_pct"`
	DailyBurnRate    float64  `json:"daily_burn_rate"`
	RunwayDays       *float64 `json:"days_of_runway"`
	RecoveryTrades   int      `json:"recovery_trades_needed"`
	AvgWinSize       float64  `json:"avg_win_size"`
	DailyTarget      float64  `json:"daily_target"`
	WeeklyTarget     float64  `json:"weekly_target"`
	DailyPnL         float64  `json:"daily_pnl"`
	WeeklyPnL        float64  `json:"weekly_pnl"`
	BehindTargetPct  float64  `json:"behind_target_pct"`
	SizeModifier     float64  `json:"kelly_modifier"`
	MinEdge          float64  `json:"min_edge_threshold"`
	TotalTrades      int      `json:"total_trades"`
	TotalPatterns    int      `json:"total_patterns"`
	FilteredPatterns int      `json:"filtered_patterns"`
	Milestones       []string `json:"milestones"`
}

// Metrics 计算当前指标
func (b *Brain) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metricsLocked(b.now())
}

func (b *Brain) metricsLocked(now time.Time) Metrics {
	led := b.led
	state := b.stateLocked()
	t := b.targetsLocked(now)
	burn, runway := b.burnRateLocked(now)
	recovery, avgWin := b.recoveryTradesLocked()

	m := Metrics{
		State:           state,
		CurrentCapital:  led.CurrentCapital,
		InitialCapital:  led.InitialCapital,
		CapitalPct:      b.capitalPctLocked(),
		AllTimeHigh:     led.AllTimeHigh,
		DailyBurnRate:   burn,
		RunwayDays:      runway,
		RecoveryTrades:  recovery,
		AvgWinSize:      avgWin,
		DailyTarget:     t.daily,
		WeeklyTarget:    t.weekly,
		DailyPnL:        t.dailyPnL,
		WeeklyPnL:       t.weeklyPnL,
		BehindTargetPct: t.behindPct,
		SizeModifier:    b.cfg.Policy.Modifier(state),
		MinEdge:         b.minEdgeLocked(state, t.behindPct),
		TotalTrades:     len(led.TradeHistory),
		TotalPatterns:   len(led.Patterns),
		Milestones:      append([]string(nil), led.Milestones...),
	}
	if led.AllTimeHigh > 0 {
		m.DrawdownPct = (led.AllTimeHigh - led.CurrentCapital) / led.AllTimeHigh * 100
	}
	for _, p := range led.Patterns {
		if b.filteredLocked(p) {
			m.FilteredPatterns++
		}
	}
	return m
}

// Patterns 按样本数降序返回模式统计副本
func (b *Brain) Patterns() []TradePattern {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]TradePattern, 0, len(b.led.Patterns))
	for _, p := range b.led.Patterns {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SampleSize() != out[j].SampleSize() {
			return out[i].SampleSize() > out[j].SampleSize()
		}
		if out[i].Hour != out[j].Hour {
			return out[i].Hour < out[j].Hour
		}
		if out[i].MarketClass != out[j].MarketClass {
			return out[i].MarketClass < out[j].MarketClass
		}
		return out[i].EdgeBucket < out[j].EdgeBucket
	})
	return out
}

// DailyReport 日报文本（HTML，供 Telegram 使用）
func (b *Brain) DailyReport() string {
	b.mu.Lock()
	now := b.now()
	m := b.metricsLocked(now)
	b.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 <b>DAILY SURVIVAL REPORT</b>\n%s\n\n", now.Format(dateLayout))
	fmt.Fprintf(&sb, "%s <b>State:</b> %s\n\n", m.State.Emoji(), m.State)
	fmt.Fprintf(&sb, "💰 <b>Capital:</b> $%.2f (%.1f%%)\n", m.CurrentCapital, m.CapitalPct)
	sign := ""
	if m.DailyPnL >= 0 {
		sign = "+"
	}
	fmt.Fprintf(&sb, "📈 <b>Today's PnL:</b> %s$%.2f\n", sign, m.DailyPnL)
	fmt.Fprintf(&sb, "🎯 <b>Daily Target:</b> $%.2f\n\n", m.DailyTarget)
	if m.RunwayDays != nil {
		fmt.Fprintf(&sb, "⏳ <b>Runway:</b> %.1f days\n", *m.RunwayDays)
		fmt.Fprintf(&sb, "🔧 <b>Recovery Trades Needed:</b> %d\n\n", m.RecoveryTrades)
	}
	fmt.Fprintf(&sb, "📊 <b>Kelly Modifier:</b> %.2fx\n", m.SizeModifier)
	fmt.Fprintf(&sb, "🎲 <b>Min Edge:</b> %.1f%%\n\n", m.MinEdge)
	fmt.Fprintf(&sb, "🧠 <b>Patterns:</b> %d total, %d filtered\n", m.TotalPatterns, m.FilteredPatterns)
	if m.BehindTargetPct > 0 {
		fmt.Fprintf(&sb, "\n📉 <b>Behind target:</b> %.1f%%", m.BehindTargetPct)
	}
	return sb.String()
}

// SendDailyReport 推送日报
func (b *Brain) SendDailyReport() {
	report := b.DailyReport()
	b.mu.Lock()
	n := b.notifier
	b.mu.Unlock()
	if n != nil {
		n.Notify(report, "daily_report", true)
	}
}
