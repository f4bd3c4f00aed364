package paper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/survivor/internal/venue"
)

func TestPaperSizeIsUSDC(t *testing.T) {
	v := New(nil, 100)
	ctx := context.Background()

	// 与实盘一致：Size 是投入的 USDC
	_, err := v.SubmitOrder(ctx, venue.OrderRequest{MarketID: "m1", Price: 0.4, Size: 10})
	require.NoError(t, err)
	bal, _ := v.GetBalance(ctx)
	assert.InDelta(t, 90.0, bal, 1e-9)

	// 赢：10/0.4 = 25 份，每份兑付 1
	v.Settle("m1", true)
	bal, _ = v.GetBalance(ctx)
	assert.InDelta(t, 115.0, bal, 1e-9)

	_, err = v.SubmitOrder(ctx, venue.OrderRequest{MarketID: "m2", Price: 0.5, Size: 10})
	require.NoError(t, err)
	v.Settle("m2", false)
	bal, _ = v.GetBalance(ctx)
	assert.InDelta(t, 105.0, bal, 1e-9)
	assert.Zero(t, v.OpenFills())

	// 未知市场结算无副作用
	v.Settle("m3", true)
	bal, _ = v.GetBalance(ctx)
	assert.InDelta(t, 105.0, bal, 1e-9)
}

func TestPaperRejections(t *testing.T) {
	v := New(nil, 1)
	ctx := context.Background()

	// 成本按 Size 计，不是 Size*Price
	_, err := v.SubmitOrder(ctx, venue.OrderRequest{MarketID: "m1", Price: 0.05, Size: 2})
	assert.Equal(t, venue.KindInsufficientBalance, venue.Classify(err))

	_, err = v.SubmitOrder(ctx, venue.OrderRequest{MarketID: "m1", Price: 1, Size: 1})
	assert.Equal(t, venue.KindInvalidOrder, venue.Classify(err))
}

func TestPaperSettlementNeverFabricated(t *testing.T) {
	v := New(nil, 10)
	s, err := v.GetSettlement(context.Background(), "m1")
	require.NoError(t, err)
	assert.False(t, s.Closed)

	up := &venue.Mock{SettlementFn: func(ctx context.Context, id string) (*venue.Settlement, error) {
		return &venue.Settlement{MarketID: id, Closed: true, WinningOutcome: "YES"}, nil
	}}
	v = New(up, 10)
	s, err = v.GetSettlement(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, s.Closed)
	assert.Equal(t, "YES", s.WinningOutcome)
}
