package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/survivor/internal/domain"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "sub", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestRecordCloseAndList(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

	win := domain.Position{
		ID: "p1", MarketID: "m1", MarketClass: "btc-5m", Side: domain.SideYes,
		Size: 18, EntryPrice: 0.51, Edge: 5, Payoff: 8.82, Won: true,
		OpenedAt: base, ClosedAt: base.Add(5 * time.Minute),
	}
	loss := domain.Position{
		ID: "p2", MarketID: "m2", MarketClass: "eth-5m", Side: domain.SideNo,
		Size: 10, EntryPrice: 0.4, Edge: 3, Payoff: -4,
		OpenedAt: base, ClosedAt: base.Add(10 * time.Minute),
	}
	require.NoError(t, j.RecordClose(ctx, win))
	require.NoError(t, j.RecordClose(ctx, loss))

	trades, err := j.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "m2", trades[0].MarketID, "新在前")
	assert.Equal(t, -4.0, trades[0].Payoff)
	assert.Equal(t, domain.SideNo, trades[0].Side)
	assert.True(t, trades[1].Won)
	assert.Equal(t, 8.82, trades[1].Payoff)
	assert.Equal(t, 0.51, trades[1].EntryPrice)
	assert.True(t, trades[1].ClosedAt.Equal(win.ClosedAt))

	sum, err := j.Summarize(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Trades: 2, Wins: 1, NetPayoff: 4.82}, sum)
}

func TestHookStampsCloseTime(t *testing.T) {
	j := openTemp(t)
	fixed := time.Date(2026, 10, 14, 23, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return fixed }

	j.Hook(0)(domain.Position{ID: "p", MarketID: "m", Size: 1, EntryPrice: 0.5, Payoff: 0.5, Won: true})

	trades, err := j.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].ClosedAt.Equal(fixed))
}

func TestEquitySnapshots(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()
	require.NoError(t, j.RecordEquity(ctx, EquitySnapshot{Capital: 100, State: "HEALTHY", Balance: 100}))
	require.NoError(t, j.RecordEquity(ctx, EquitySnapshot{Capital: 121.5, State: "THRIVING", Balance: 120}))

	snaps, err := j.Equity(ctx, 5)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "THRIVING", snaps[0].State)
	assert.Equal(t, 121.5, snaps[0].Capital)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}
