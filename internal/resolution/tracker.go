package resolution

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/survivor/internal/domain"
	"github.com/betbot/survivor/internal/venue"
)

var log = logrus.WithField("module", "resolution")

// SettlementFetcher 结算数据来源
type SettlementFetcher interface {
	GetSettlement(ctx context.Context, marketID string) (*venue.Settlement, error)
}

// Positions 仓位的权威来源（执行引擎）
type Positions interface {
	Position(marketID string) (domain.Position, bool)
	Close(marketID string, payoff float64, won bool) error
}

// Config 跟踪器配置
type Config struct {
	Interval         time.Duration // 扫描间隔
	MarketDuration   time.Duration // 市场时长
	SettlementBuffer time.Duration // 结算数据可用的额外缓冲
	FetchTimeout     time.Duration // 单次结算查询超时
}

// DefaultConfig 30s 扫描，5 分钟市场 + 30s 缓冲
func DefaultConfig() Config {
	return Config{
		Interval:         30 * time.Second,
		MarketDuration:   5 * time.Minute,
		SettlementBuffer: 30 * time.Second,
		FetchTimeout:     10 * time.Second,
	}
}

// Stats 结算统计
type Stats struct {
	Tracked          int       `json:"tracked"`
	TotalResolved    int64     `json:"total_resolved"`
	Wins             int64     `json:"wins"`
	Losses           int64     `json:"losses"`
	AutoClosed       int64     `json:"auto_closed"`
	ResolutionErrors int64     `json:"resolution_errors"`
	LastCheck        time.Time `json:"last_check"`
}

// Pending 一个等待结算的市场
type Pending struct {
	MarketID           string    `json:"market_id"`
	ExpectedResolution time.Time `json:"expected_resolution"`
	Checks             int       `json:"checks"`
	LastError          string    `json:"last_error,omitempty"`
}

// Tracker 只保存 market id → 预期结算时间 的投影，仓位本身归执行引擎所有。
type Tracker struct {
	fetcher   SettlementFetcher
	positions Positions
	cfg       Config

	mu      sync.Mutex
	pending map[string]*Pending
	stats   Stats
	onCheck func()

	now func() time.Time
}

// New 创建跟踪器。positions 可稍后通过 Bind 注入（引擎与跟踪器相互引用）。
func New(fetcher SettlementFetcher, positions Positions, cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MarketDuration <= 0 {
		cfg.MarketDuration = def.MarketDuration
	}
	if cfg.SettlementBuffer < 0 {
		cfg.SettlementBuffer = 0
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	return &Tracker{
		fetcher:   fetcher,
		positions: positions,
		cfg:       cfg,
		pending:   make(map[string]*Pending),
		now:       time.Now,
	}
}

// Bind 注入仓位来源
func (t *Tracker) Bind(positions Positions) {
	t.mu.Lock()
	t.positions = positions
	t.mu.Unlock()
}

// OnCheck 每轮扫描结束后回调（心跳）
func (t *Tracker) OnCheck(fn func()) {
	t.mu.Lock()
	t.onCheck = fn
	t.mu.Unlock()
}

// ExpectedResolution 开仓时间 + 市场时长 + 缓冲
func (t *Tracker) ExpectedResolution(openedAt time.Time) time.Time {
	return openedAt.Add(t.cfg.MarketDuration + t.cfg.SettlementBuffer)
}

// Track 登记仓位。仓位未给出预期结算时间时按开仓时间推算。
func (t *Tracker) Track(pos domain.Position) {
	if pos.MarketID == "" {
		return
	}
	expected := pos.ExpectedResolution
	if expected.IsZero() {
		expected = t.ExpectedResolution(pos.OpenedAt)
	}
	t.mu.Lock()
	t.pending[pos.MarketID] = &Pending{MarketID: pos.MarketID, ExpectedResolution: expected}
	t.mu.Unlock()
	log.Infof("📌 [Resolution] 跟踪 %s，预计结算 %s", pos.MarketID, expected.Format(time.RFC3339))
}

// Untrack 取消跟踪（幂等）
func (t *Tracker) Untrack(marketID string) {
	t.mu.Lock()
	_, ok := t.pending[marketID]
	delete(t.pending, marketID)
	t.mu.Unlock()
	if ok {
		log.Debugf("[Resolution] 取消跟踪 %s", marketID)
	}
}

// IsTracked 是否在跟踪中
func (t *Tracker) IsTracked(marketID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[marketID]
	return ok
}

// Run 按固定间隔扫描，ctx 取消后在当前一轮结束时返回。
func (t *Tracker) Run(ctx context.Context) error {
	log.Infof("🔄 [Resolution] 启动结算扫描，间隔 %s", t.cfg.Interval)
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Infof("🛑 [Resolution] 结算扫描已停止")
			return nil
		case <-ticker.C:
			t.CheckOnce(ctx)
			t.mu.Lock()
			fn := t.onCheck
			t.mu.Unlock()
			if fn != nil {
				fn()
			}
		}
	}
}

// CheckOnce 检查所有已到预期结算时间的市场，返回本轮关闭的仓位数。
func (t *Tracker) CheckOnce(ctx context.Context) int {
	now := t.now()
	t.mu.Lock()
	t.stats.LastCheck = now
	var due []string
	for id, p := range t.pending {
		if !now.Before(p.ExpectedResolution) {
			due = append(due, id)
		}
	}
	t.mu.Unlock()
	if len(due) == 0 {
		return 0
	}
	sort.Strings(due)
	log.Debugf("[Resolution] 本轮检查 %d 个市场", len(due))

	closed := 0
	for _, id := range due {
		if ctx.Err() != nil {
			break
		}
		if t.resolve(ctx, id) {
			closed++
		}
	}
	return closed
}

func (t *Tracker) resolve(ctx context.Context, marketID string) bool {
	t.mu.Lock()
	positions := t.positions
	t.mu.Unlock()
	if positions == nil {
		return false
	}
	pos, ok := positions.Position(marketID)
	if !ok {
		log.Warnf("⚠️ [Resolution] 仓位不存在，取消跟踪: %s", marketID)
		t.Untrack(marketID)
		return false
	}

	// 已开始的查询做完，取消只在两个市场之间生效
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.FetchTimeout)
	settlement, err := t.fetcher.GetSettlement(fctx, marketID)
	cancel()
	if err != nil {
		t.noteError(marketID, err.Error())
		log.Warnf("⚠️ [Resolution] 获取结算数据失败 %s (%s): %v", marketID, venue.Classify(err), err)
		return false
	}
	t.noteCheck(marketID)
	if !IsResolved(settlement) {
		log.Debugf("[Resolution] %s 尚未结算", marketID)
		return false
	}
	outcome, ok := DetermineOutcome(settlement)
	if !ok {
		t.noteError(marketID, "outcome not determinable")
		log.Warnf("⚠️ [Resolution] %s 已关闭但无法判定结果，保留跟踪", marketID)
		return false
	}

	won := outcome == pos.Side
	payoff := pos.SettlementPayoff(won)
	if err := positions.Close(marketID, payoff, won); err != nil {
		t.noteError(marketID, err.Error())
		log.Errorf("❌ [Resolution] 关闭仓位失败 %s: %v", marketID, err)
		return false
	}

	t.mu.Lock()
	t.stats.TotalResolved++
	t.stats.AutoClosed++
	if won {
		t.stats.Wins++
	} else {
		t.stats.Losses++
	}
	delete(t.pending, marketID)
	t.mu.Unlock()

	log.Infof("🏁 [Resolution] %s 结算: outcome=%s side=%s won=%v pnl=%+.2f size=%.2f entry=%.4f",
		marketID, outcome, pos.Side, won, payoff, pos.Size, pos.EntryPrice)
	return true
}

func (t *Tracker) noteCheck(marketID string) {
	t.mu.Lock()
	if p := t.pending[marketID]; p != nil {
		p.Checks++
		p.LastError = ""
	}
	t.mu.Unlock()
}

func (t *Tracker) noteError(marketID, msg string) {
	t.mu.Lock()
	t.stats.ResolutionErrors++
	if p := t.pending[marketID]; p != nil {
		p.Checks++
		p.LastError = msg
	}
	t.mu.Unlock()
}

// Stats 统计快照
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.stats
	st.Tracked = len(t.pending)
	return st
}

// Pending 待结算列表（按预期时间排序）
func (t *Tracker) Pending() []Pending {
	t.mu.Lock()
	out := make([]Pending, 0, len(t.pending))
	for _, p := range t.pending {
		out = append(out, *p)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpectedResolution.Before(out[j].ExpectedResolution)
	})
	return out
}
