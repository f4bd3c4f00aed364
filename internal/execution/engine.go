package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/betbot/survivor/internal/domain"
	"github.com/betbot/survivor/internal/sizing"
	"github.com/betbot/survivor/internal/survival"
	"github.com/betbot/survivor/internal/venue"
)

var log = logrus.WithField("module", "execution")

var (
	errEmptyAck = errors.New("venue returned empty order ack")

	// ErrPositionNotFound Close 时没有对应的存活仓位
	ErrPositionNotFound = errors.New("position not found")
)

// Gate 生存状态机（准入、仓位系数、结算回写）
type Gate interface {
	ShouldTakeTrade(edge float64, marketClass string, hour int) (bool, string)
	PositionSizeModifier() float64
	RecordTradeResult(r survival.TradeResult)
}

// BalanceReader 余额缓存
type BalanceReader interface {
	Get(ctx context.Context) float64
	Invalidate()
}

// Tracker 结算跟踪器
type Tracker interface {
	Track(pos domain.Position)
	Untrack(marketID string)
	ExpectedResolution(openedAt time.Time) time.Time
}

// Notifier 通知出口
type Notifier interface {
	Notify(message, category string, urgent bool)
}

// Rejection 机会被跳过的原因
type Rejection string

const (
	RejectNone         Rejection = ""
	RejectInvalid      Rejection = "invalid_opportunity"
	RejectSurvivalGate Rejection = "survival_gate"
	RejectCapacity     Rejection = "capacity"
	RejectDuplicate    Rejection = "duplicate"
	RejectZeroSize     Rejection = "zero_size"
	RejectSubmitFailed Rejection = "submit_failed"
)

// Result Execute 的结果，失败时 Rejection 非空，不会返回 error 以外的异常
type Result struct {
	Executed  bool             `json:"executed"`
	Rejection Rejection        `json:"rejection,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Position  *domain.Position `json:"position,omitempty"`
	Sizing    sizing.Breakdown `json:"sizing"`
	Latency   time.Duration    `json:"latency"`
	Err       error            `json:"-"`
}

// Config 执行引擎配置
type Config struct {
	MaxConcurrent  int
	MaxRetries     int
	RetryBaseDelay time.Duration
	Slippage       float64 // 下单价 = 报价 + Slippage
	MaxPrice       float64 // 下单价上限
	HistorySize    int
	LatencyWindow  int
	InFlightTTL    time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  10,
		MaxRetries:     3,
		RetryBaseDelay: time.Second,
		Slippage:       0.01,
		MaxPrice:       0.99,
		HistorySize:    500,
		LatencyWindow:  100,
		InFlightTTL:    time.Minute,
	}
}

// Deps 引擎依赖
type Deps struct {
	Venue     venue.Venue
	Submitter *Submitter
	Sizer     *sizing.Sizer
	Gate      Gate
	Balance   BalanceReader
	Tracker   Tracker
	Notifier  Notifier
}

// Stats 执行统计快照
type Stats struct {
	Evaluated     int64               `json:"evaluated"`
	Executed      int64               `json:"executed"`
	Rejections    map[Rejection]int64 `json:"rejections"`
	OpenPositions int                 `json:"open_positions"`
	Closed        int64               `json:"closed"`
	Wins          int64               `json:"wins"`
	Losses        int64               `json:"losses"`
	WinRate       float64             `json:"win_rate"`
	RealizedPnL   float64             `json:"realized_pnl"`
	AvgLatencyMs  float64             `json:"avg_latency_ms"`
	Submitter     SubmitterStats      `json:"submitter"`
}

// Engine 单仓位执行引擎：准入 → 容量 → 去重 → 余额 → 仓位计算 → 下单 → 跟踪。
// 仓位状态 pending → open → closed，每个市场至多一个存活仓位。
type Engine struct {
	deps     Deps
	cfg      Config
	inFlight *InFlightDeduper

	mu        sync.RWMutex
	live      map[string]*domain.Position
	reserved  int
	history   []domain.Position
	latencies []time.Duration
	stats     Stats
	onClose   []func(domain.Position)

	now func() time.Time
}

// New 创建执行引擎
func New(deps Deps, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxPrice <= 0 || cfg.MaxPrice >= 1 {
		cfg.MaxPrice = def.MaxPrice
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = def.LatencyWindow
	}
	if deps.Submitter == nil {
		deps.Submitter = NewSubmitter(nil, 0)
	}
	if deps.Sizer == nil {
		deps.Sizer = sizing.New(sizing.DefaultConfig())
	}
	return &Engine{
		deps:     deps,
		cfg:      cfg,
		inFlight: NewInFlightDeduper(cfg.InFlightTTL, 16),
		live:     make(map[string]*domain.Position),
		stats:    Stats{Rejections: make(map[Rejection]int64)},
		now:      time.Now,
	}
}

// OnClose 注册平仓回调（在引擎锁外调用）
func (e *Engine) OnClose(fn func(domain.Position)) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.onClose = append(e.onClose, fn)
	e.mu.Unlock()
}

func (e *Engine) reject(opp *domain.Opportunity, r Rejection, reason string, err error) Result {
	e.mu.Lock()
	e.stats.Rejections[r]++
	e.mu.Unlock()
	switch r {
	case RejectSubmitFailed:
		log.Warnf("⛔ [Execution] %s 跳过 (%s): %s", opp.MarketID, r, reason)
	default:
		log.Infof("⏭️ [Execution] %s 跳过 (%s): %s", opp.MarketID, r, reason)
	}
	return Result{Rejection: r, Reason: reason, Err: err}
}

// Execute 评估并执行一个机会。任何失败都只影响这一个机会。
func (e *Engine) Execute(ctx context.Context, opp domain.Opportunity) Result {
	start := e.now()
	e.mu.Lock()
	e.stats.Evaluated++
	e.mu.Unlock()

	price := opp.QuotedPrice()
	if opp.MarketID == "" || (opp.Side != domain.SideYes && opp.Side != domain.SideNo) || price <= 0 || price >= 1 {
		return e.reject(&opp, RejectInvalid, fmt.Sprintf("market=%q side=%q price=%.4f", opp.MarketID, opp.Side, price), nil)
	}

	if e.deps.Gate != nil {
		if ok, reason := e.deps.Gate.ShouldTakeTrade(opp.Edge, opp.MarketClass, start.Hour()); !ok {
			return e.reject(&opp, RejectSurvivalGate, reason, nil)
		}
	}

	if r, reason := e.reserve(opp.MarketID); r != RejectNone {
		return e.reject(&opp, r, reason, nil)
	}
	defer e.unreserve(opp.MarketID)

	// 进入下单阶段后不再响应取消，否则已成交的订单可能没有仓位记录；单次调用仍受 venue 超时约束
	ctx = context.WithoutCancel(ctx)

	balance := 0.0
	if e.deps.Balance != nil {
		balance = e.deps.Balance.Get(ctx)
	}
	modifier := 1.0
	if e.deps.Gate != nil {
		modifier = e.deps.Gate.PositionSizeModifier()
	}
	bd := e.deps.Sizer.Breakdown(&opp, balance, modifier)
	if bd.Amount <= 0 {
		res := e.reject(&opp, RejectZeroSize, fmt.Sprintf("balance=%.2f kelly=%.4f final=%.4f below_min=%v",
			balance, bd.FullKelly, bd.Final, bd.BelowMinimum), nil)
		res.Sizing = bd
		return res
	}

	orderPrice := e.orderPrice(price)
	req := venue.OrderRequest{
		ClientID: uuid.NewString(),
		MarketID: opp.MarketID,
		TokenID:  opp.TokenID,
		Side:     opp.Side,
		Price:    orderPrice,
		Size:     bd.Amount,
		NegRisk:  opp.NegRisk,
	}
	log.Infof("📤 [Execution] 下单 %s %s size=$%.2f price=%.4f edge=%.2f%% conf=%.2f kelly=%.4f×%.2f",
		opp.MarketID, opp.Side, bd.Amount, orderPrice, opp.Edge, opp.Confidence, bd.Capped, modifier)

	ack, err := e.deps.Submitter.Submit(ctx, func(cctx context.Context) (*venue.OrderAck, error) {
		return e.deps.Venue.SubmitOrder(cctx, req)
	}, e.cfg.MaxRetries, e.cfg.RetryBaseDelay)
	if err != nil {
		kind := venue.Classify(err)
		if kind == venue.KindInsufficientBalance && e.deps.Balance != nil {
			e.deps.Balance.Invalidate()
		}
		e.notify(fmt.Sprintf("❌ <b>ORDER FAILED</b> (%s)\n%s %s $%.2f @ %.2f\n%v",
			kind, opp.MarketID, opp.Side, bd.Amount, orderPrice, err), "execution_error", !kind.Retryable())
		res := e.reject(&opp, RejectSubmitFailed, err.Error(), err)
		res.Sizing = bd
		return res
	}

	now := e.now()
	pos := &domain.Position{
		ID:          uuid.NewString(),
		MarketID:    opp.MarketID,
		MarketClass: opp.MarketClass,
		TokenID:     opp.TokenID,
		Side:        opp.Side,
		Size:        bd.Amount,
		EntryPrice:  orderPrice,
		Edge:        opp.Edge,
		OpenedAt:    now,
		OrderID:     ack.OrderID,
		Status:      domain.PositionStatusOpen,
	}
	if e.deps.Tracker != nil {
		pos.ExpectedResolution = e.deps.Tracker.ExpectedResolution(now)
	}
	latency := now.Sub(start)

	e.mu.Lock()
	e.live[pos.MarketID] = pos
	e.stats.Executed++
	e.latencies = append(e.latencies, latency)
	if over := len(e.latencies) - e.cfg.LatencyWindow; over > 0 {
		e.latencies = e.latencies[over:]
	}
	snapshot := *pos
	e.mu.Unlock()

	if e.deps.Tracker != nil {
		e.deps.Tracker.Track(snapshot)
	}
	if e.deps.Balance != nil {
		e.deps.Balance.Invalidate()
	}
	log.Infof("✅ [Execution] 开仓 %s %s size=$%.2f entry=%.4f order=%s latency=%s",
		snapshot.MarketID, snapshot.Side, snapshot.Size, snapshot.EntryPrice, snapshot.OrderID, latency)
	e.notify(fmt.Sprintf("📈 <b>POSITION OPENED</b>\n%s %s $%.2f @ %.2f\nEdge %.1f%%",
		snapshot.MarketID, snapshot.Side, snapshot.Size, snapshot.EntryPrice, snapshot.Edge), "execution", false)

	return Result{Executed: true, Position: &snapshot, Sizing: bd, Latency: latency}
}

// orderPrice 报价加滑点，不超过上限
func (e *Engine) orderPrice(quoted float64) float64 {
	p := quoted + e.cfg.Slippage
	if p > e.cfg.MaxPrice {
		p = e.cfg.MaxPrice
	}
	return p
}

// reserve 同一把锁内完成重复与容量检查，并占位到下单完成
func (e *Engine) reserve(marketID string) (Rejection, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.live[marketID]; ok {
		return RejectDuplicate, "position already open"
	}
	if n := len(e.live) + e.reserved; n >= e.cfg.MaxConcurrent {
		return RejectCapacity, fmt.Sprintf("%d/%d positions", n, e.cfg.MaxConcurrent)
	}
	if err := e.inFlight.TryAcquire(marketID); err != nil {
		return RejectDuplicate, err.Error()
	}
	e.reserved++
	return RejectNone, ""
}

func (e *Engine) unreserve(marketID string) {
	e.mu.Lock()
	e.reserved--
	e.mu.Unlock()
	e.inFlight.Release(marketID)
}

// Close 结算平仓：移出存活集合、写入历史、回写生存状态机、取消跟踪。
func (e *Engine) Close(marketID string, payoff float64, won bool) error {
	e.mu.Lock()
	pos, ok := e.live[marketID]
	if !ok {
		e.mu.Unlock()
		log.Warnf("⚠️ [Execution] 平仓时未找到仓位: %s", marketID)
		return ErrPositionNotFound
	}
	delete(e.live, marketID)
	pos.Status = domain.PositionStatusClosed
	pos.Payoff = payoff
	pos.Won = won
	pos.ClosedAt = e.now()
	if won {
		pos.Outcome = pos.Side
	} else {
		pos.Outcome = pos.Side.Opposite()
	}
	closed := *pos
	e.history = append(e.history, closed)
	if over := len(e.history) - e.cfg.HistorySize; over > 0 {
		e.history = append([]domain.Position(nil), e.history[over:]...)
	}
	e.stats.Closed++
	if won {
		e.stats.Wins++
	} else {
		e.stats.Losses++
	}
	e.stats.RealizedPnL += payoff
	hooks := append(([]func(domain.Position))(nil), e.onClose...)
	e.mu.Unlock()

	if e.deps.Gate != nil {
		e.deps.Gate.RecordTradeResult(survival.TradeResult{
			Payoff:      payoff,
			Edge:        closed.Edge,
			MarketClass: closed.MarketClass,
			Won:         won,
			Timestamp:   closed.ClosedAt,
		})
	}
	if e.deps.Tracker != nil {
		e.deps.Tracker.Untrack(marketID)
	}
	if e.deps.Balance != nil {
		e.deps.Balance.Invalidate()
	}
	for _, fn := range hooks {
		fn(closed)
	}

	icon := "🟢"
	if !won {
		icon = "🔴"
	}
	log.Infof("%s [Execution] 平仓 %s %s won=%v pnl=%+.2f size=%.2f entry=%.4f",
		icon, marketID, closed.Side, won, payoff, closed.Size, closed.EntryPrice)
	e.notify(fmt.Sprintf("%s <b>SETTLED</b> %s\n%s → %s\nPnL: %+.2f", icon, marketID, closed.Side, closed.Outcome, payoff),
		"settlement", true)
	return nil
}

func (e *Engine) notify(msg, category string, urgent bool) {
	if e.deps.Notifier != nil {
		e.deps.Notifier.Notify(msg, category, urgent)
	}
}

// Position 按市场查询存活仓位（副本）
func (e *Engine) Position(marketID string) (domain.Position, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.live[marketID]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// Positions 存活仓位（按开仓时间排序）
func (e *Engine) Positions() []domain.Position {
	e.mu.RLock()
	out := make([]domain.Position, 0, len(e.live))
	for _, p := range e.live {
		out = append(out, *p)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// History 最近平仓记录，最新在前；limit<=0 返回全部
func (e *Engine) History(limit int) []domain.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := len(e.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.Position, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, e.history[i])
	}
	return out
}

// Stats 执行统计（只读内存状态）
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	st := e.stats
	st.Rejections = make(map[Rejection]int64, len(e.stats.Rejections))
	for k, v := range e.stats.Rejections {
		st.Rejections[k] = v
	}
	st.OpenPositions = len(e.live)
	if st.Closed > 0 {
		st.WinRate = float64(st.Wins) / float64(st.Closed)
	}
	if len(e.latencies) > 0 {
		var sum time.Duration
		for _, l := range e.latencies {
			sum += l
		}
		st.AvgLatencyMs = float64(sum) / float64(len(e.latencies)) / float64(time.Millisecond)
	}
	e.mu.RUnlock()
	st.Submitter = e.deps.Submitter.Stats()
	return st
}
