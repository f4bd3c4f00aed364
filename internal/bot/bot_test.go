package bot

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/survivor/internal/domain"
	"github.com/betbot/survivor/internal/journal"
	"github.com/betbot/survivor/internal/survival"
	"github.com/betbot/survivor/internal/venue"
	"github.com/betbot/survivor/pkg/config"
	"github.com/betbot/survivor/pkg/ratelimit"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Environment = config.EnvPaper
	cfg.InitialBankroll = 1000
	cfg.Storage.Dir = filepath.Join(dir, "state")
	cfg.JournalPath = filepath.Join(dir, "journal.db")
	cfg.ControlPlaneAddr = "127.0.0.1:0"
	cfg.MetricsAddr = ""
	cfg.Telegram.Token = ""
	cfg.FeedURL = ""
	cfg.Dashboard = false
	cfg.MarketDuration = time.Millisecond
	cfg.SettlementBuffer = 0
	cfg.ResolutionInterval = 20 * time.Millisecond
	cfg.Survival.TickInterval = 20 * time.Millisecond
	cfg.RetryBaseDelay = time.Millisecond
	return cfg
}

func resolvedYes() *venue.Mock {
	return &venue.Mock{
		SettlementFn: func(_ context.Context, marketID string) (*venue.Settlement, error) {
			return &venue.Settlement{MarketID: marketID, Closed: true, Outcome: "YES"}, nil
		},
	}
}

func TestPaperRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	b, err := New(cfg, WithUpstream(resolvedYes()), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	require.NotNil(t, b.Inbox())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.Start(ctx))

	require.True(t, b.Inbox().Push(domain.Opportunity{
		MarketID:    "m1",
		MarketClass: "crypto",
		TokenID:     "tok-yes",
		Side:        domain.SideYes,
		Edge:        10,
		Confidence:  0.6,
		YesPrice:    0.5,
		NoPrice:     0.5,
	}))

	require.Eventually(t, func() bool {
		if b.Engine().Stats().Closed != 1 {
			return false
		}
		sum, err := b.journal.Summarize(context.Background())
		return err == nil && sum.Trades == 1
	}, 5*time.Second, 10*time.Millisecond)

	st := b.Engine().Stats()
	assert.Equal(t, int64(1), st.Executed)
	assert.Equal(t, int64(1), st.Wins)
	assert.Greater(t, b.Brain().Capital(), 1000.0)
	assert.Equal(t, survival.StateHealthy, b.Brain().State())

	// 结算写入 journal，控制面可读
	resp, err := http.Get("http://" + b.ControlAddr() + "/api/trades")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Trades  []journal.Trade `json:"trades"`
		Summary journal.Summary `json:"summary"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Trades, 1)
	assert.Equal(t, "m1", body.Trades[0].MarketID)
	assert.True(t, body.Trades[0].Won)

	snap := b.Snapshot()
	assert.Equal(t, config.EnvPaper, snap.Mode)
	assert.Len(t, snap.Recent, 1)
	assert.Empty(t, snap.Positions)

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	assert.Zero(t, b.Shutdown(sctx))
}

func TestRunReturnsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.ControlPlaneAddr = ""
	b, err := New(cfg, WithUpstream(&venue.Mock{}), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(b.loops.Running()) > 0
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLedgerSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.ControlPlaneAddr = ""
	b, err := New(cfg, WithUpstream(resolvedYes()), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)

	b.Brain().RecordTradeResult(survival.TradeResult{
		MarketClass: "crypto",
		Edge:        5,
		Payoff:      -300,
		Won:         false,
		Timestamp:   time.Now(),
	})
	assert.InDelta(t, 700.0, b.Brain().Capital(), 1e-9)
	b.closeAll()

	b2, err := New(cfg, WithUpstream(resolvedYes()), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer b2.closeAll()
	assert.InDelta(t, 700.0, b2.Brain().Capital(), 1e-9)
	assert.Equal(t, survival.StateWounded, b2.Brain().State())
}

func TestSurvivalConfigMapping(t *testing.T) {
	cfg := config.Default()
	cfg.InitialBankroll = 500
	cfg.MinEdge = 3
	cfg.Survival.Modifiers = map[string]float64{"wounded": 0.4}
	cfg.Survival.Breakpoints = config.BreakpointConfig{Thriving: 150, Healthy: 90, Wounded: 60, Critical: 30}
	cfg.Survival.HungerFloor = 1.5

	sc, err := survivalConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 500.0, sc.InitialCapital)
	assert.Equal(t, 3.0, sc.Policy.BaseMinEdge(survival.StateHealthy))
	assert.Equal(t, 0.4, sc.Policy.Modifier(survival.StateWounded))
	assert.Equal(t, 0.25, sc.Policy.Modifier(survival.StateCritical))
	assert.Equal(t, 90.0, sc.Breakpoints.Healthy)
	assert.Equal(t, 1.5, sc.MinEdgeFloor)
}

func TestSurvivalConfigRejectsUnknownState(t *testing.T) {
	cfg := config.Default()
	cfg.Survival.Modifiers = map[string]float64{"helthy": 0.9}
	_, err := survivalConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "helthy")
}

func TestRateLimitConfigPerMinute(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimits = map[string]config.RateLimitConfig{
		"order": {PerMinute: 120, Capacity: 3},
		"price": {PerMinute: 0},
	}
	rc := rateLimitConfig(cfg)
	assert.Equal(t, ratelimit.BucketConfig{Rate: 2, Capacity: 3}, rc.Buckets[ratelimit.ClassOrder])
	assert.Equal(t, ratelimit.DefaultConfig().Buckets[ratelimit.ClassPrice], rc.Buckets[ratelimit.ClassPrice])
}

func TestLiveModeRequiresKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Environment = config.EnvLive
	cfg.Venue.PrivateKey = ""
	_, err := New(cfg, WithRegisterer(prometheus.NewRegistry()))
	require.Error(t, err)
}
