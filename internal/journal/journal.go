// Package journal 把已结算的交易和资金快照追加到 SQLite，供 /api/trades 与复盘使用。
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/betbot/survivor/internal/domain"
	"github.com/betbot/survivor/internal/metrics"
)

var log = logrus.WithField("module", "journal")

// Trade 一条已结算交易（金额按 USDC 6 位小数存储）
type Trade struct {
	ID          string      `json:"id"`
	PositionID  string      `json:"position_id"`
	MarketID    string      `json:"market_id"`
	MarketClass string      `json:"market_class"`
	Side        domain.Side `json:"side"`
	Size        float64     `json:"size"`
	EntryPrice  float64     `json:"entry_price"`
	Edge        float64     `json:"edge"`
	Payoff      float64     `json:"payoff"`
	Won         bool        `json:"won"`
	OrderID     string      `json:"order_id"`
	OpenedAt    time.Time   `json:"opened_at"`
	ClosedAt    time.Time   `json:"closed_at"`
}

// EquitySnapshot 资金快照
type EquitySnapshot struct {
	Capital float64   `json:"capital"`
	State   string    `json:"state"`
	Balance float64   `json:"balance"`
	TS      time.Time `json:"ts"`
}

// Summary 汇总
type Summary struct {
	Trades    int     `json:"trades"`
	Wins      int     `json:"wins"`
	NetPayoff float64 `json:"net_payoff"`
}

// Journal SQLite 交易日志
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// Open 打开（不存在则创建）日志库
func Open(path string) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite 单连接
	db.SetMaxIdleConns(1)

	j := &Journal{db: db, now: time.Now}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS trades (
  id TEXT PRIMARY KEY,
  position_id TEXT NOT NULL,
  market_id TEXT NOT NULL,
  market_class TEXT NOT NULL,
  side TEXT NOT NULL,
  size_micros INTEGER NOT NULL,
  entry_price TEXT NOT NULL,
  edge REAL NOT NULL,
  payoff_micros INTEGER NOT NULL,
  won INTEGER NOT NULL,
  order_id TEXT,
  opened_at TEXT NOT NULL,
  closed_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_closed_at ON trades(closed_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_market ON trades(market_id);`,
		`
CREATE TABLE IF NOT EXISTS equity_snapshots (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  capital_micros INTEGER NOT NULL,
  state TEXT NOT NULL,
  balance_micros INTEGER NOT NULL,
  ts TEXT NOT NULL
);`,
	}
	for _, stmt := range stmts {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close 关闭数据库
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func toMicros(v float64) int64 {
	return decimal.NewFromFloat(v).Shift(6).Round(0).IntPart()
}

func fromMicros(v int64) float64 {
	f, _ := decimal.New(v, -6).Float64()
	return f
}

// RecordClose 追加一条已结算仓位
func (j *Journal) RecordClose(ctx context.Context, p domain.Position) error {
	closedAt := p.ClosedAt
	if closedAt.IsZero() {
		closedAt = j.now()
	}
	won := 0
	if p.Won {
		won = 1
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO trades (id, position_id, market_id, market_class, side, size_micros, entry_price, edge, payoff_micros, won, order_id, opened_at, closed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
`, uuid.NewString(), p.ID, p.MarketID, p.MarketClass, string(p.Side), toMicros(p.Size),
		decimal.NewFromFloat(p.EntryPrice).StringFixed(4), p.Edge, toMicros(p.Payoff), won, p.OrderID,
		p.OpenedAt.UTC().Format(time.RFC3339Nano), closedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		metrics.JournalErrors.Add(1)
		return fmt.Errorf("insert trade: %w", err)
	}
	metrics.JournalWrites.Add(1)
	return nil
}

// Hook 适配引擎的 OnClose 回调：写失败只记日志
func (j *Journal) Hook(timeout time.Duration) func(domain.Position) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return func(p domain.Position) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := j.RecordClose(ctx, p); err != nil {
			log.Warnf("⚠️ [Journal] 记录结算失败 market=%s: %v", p.MarketID, err)
		}
	}
}

// List 最近的已结算交易（新在前）
func (j *Journal) List(ctx context.Context, limit int) ([]Trade, error) {
	if limit <= 0 || limit > 2000 {
		limit = 200
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT id, position_id, market_id, market_class, side, size_micros, entry_price, edge, payoff_micros, won, COALESCE(order_id, ''), opened_at, closed_at
FROM trades
ORDER BY closed_at DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	out := make([]Trade, 0, limit)
	for rows.Next() {
		var (
			t                    Trade
			side, entry          string
			sizeMic, payoffMic   int64
			won                  int
			openedAt, closedAtTS string
		)
		if err := rows.Scan(&t.ID, &t.PositionID, &t.MarketID, &t.MarketClass, &side, &sizeMic, &entry, &t.Edge, &payoffMic, &won, &t.OrderID, &openedAt, &closedAtTS); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Side = domain.Side(side)
		t.Size = fromMicros(sizeMic)
		t.Payoff = fromMicros(payoffMic)
		if d, err := decimal.NewFromString(entry); err == nil {
			t.EntryPrice, _ = d.Float64()
		}
		t.Won = won == 1
		t.OpenedAt, _ = time.Parse(time.RFC3339Nano, openedAt)
		t.ClosedAt, _ = time.Parse(time.RFC3339Nano, closedAtTS)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Summarize 全量汇总，净盈亏按微单位整数求和
func (j *Journal) Summarize(ctx context.Context) (Summary, error) {
	var (
		s    Summary
		net  int64
		wins sql.NullInt64
	)
	row := j.db.QueryRowContext(ctx, `SELECT COUNT(*), SUM(won), COALESCE(SUM(payoff_micros), 0) FROM trades`)
	if err := row.Scan(&s.Trades, &wins, &net); err != nil {
		return Summary{}, fmt.Errorf("summarize: %w", err)
	}
	s.Wins = int(wins.Int64)
	s.NetPayoff = fromMicros(net)
	return s, nil
}

// RecordEquity 写入资金快照
func (j *Journal) RecordEquity(ctx context.Context, snap EquitySnapshot) error {
	ts := snap.TS
	if ts.IsZero() {
		ts = j.now()
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO equity_snapshots (capital_micros, state, balance_micros, ts) VALUES (?,?,?,?)
`, toMicros(snap.Capital), snap.State, toMicros(snap.Balance), ts.UTC().Format(time.RFC3339Nano))
	if err != nil {
		metrics.JournalErrors.Add(1)
		return fmt.Errorf("insert equity: %w", err)
	}
	return nil
}

// Equity 最近的资金快照（新在前）
func (j *Journal) Equity(ctx context.Context, limit int) ([]EquitySnapshot, error) {
	if limit <= 0 || limit > 2000 {
		limit = 200
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT capital_micros, state, balance_micros, ts FROM equity_snapshots ORDER BY id DESC LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query equity: %w", err)
	}
	defer rows.Close()

	var out []EquitySnapshot
	for rows.Next() {
		var (
			snap           EquitySnapshot
			capMic, balMic int64
			ts             string
		)
		if err := rows.Scan(&capMic, &snap.State, &balMic, &ts); err != nil {
			return nil, fmt.Errorf("scan equity: %w", err)
		}
		snap.Capital = fromMicros(capMic)
		snap.Balance = fromMicros(balMic)
		snap.TS, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, snap)
	}
	return out, rows.Err()
}
