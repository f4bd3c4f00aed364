package opportunity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/survivor/internal/domain"
)

func TestChanSource(t *testing.T) {
	s := NewChanSource(1)
	assert.True(t, s.Push(domain.Opportunity{MarketID: "m1"}))
	assert.False(t, s.Push(domain.Opportunity{MarketID: "m2"}), "缓冲满")

	opp, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "m1", opp.MarketID)
	assert.False(t, opp.DetectedAt.IsZero())

	s.Close()
	s.Close()
	assert.False(t, s.Push(domain.Opportunity{MarketID: "m3"}))
	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewChanSource(1).Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// feedServer 每个连接发送一条消息后断开
func feedServer(t *testing.T, messages ...string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		n := int(conns.Add(1)) - 1
		if n < len(messages) {
			_ = c.WriteMessage(websocket.TextMessage, []byte(messages[n]))
		}
		time.Sleep(20 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestFeedSourceReceivesAndReconnects(t *testing.T) {
	srv, conns := feedServer(t,
		`{"market_id":"m1","side":"YES","edge":6,"confidence":0.62,"yes_price":0.5,"no_price":0.5}`,
		`not json`,
		`[{"market_id":"m2","side":"NO","edge":3},{"market_id":""}]`,
	)
	f := NewFeedSource(FeedConfig{URL: wsURL(srv), ReconnectDelay: 5 * time.Millisecond, MaxReconnectDelay: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	first, err := f.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "m1", first.MarketID)
	assert.Equal(t, domain.SideYes, first.Side)
	assert.Equal(t, 0.5, first.QuotedPrice())

	second, err := f.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "m2", second.MarketID)

	cancel()
	require.NoError(t, <-done)

	st := f.Stats()
	assert.Equal(t, int64(2), st.Received)
	assert.Equal(t, int64(2), st.Invalid)
	assert.GreaterOrEqual(t, st.Reconnects, int64(2))
	assert.GreaterOrEqual(t, conns.Load(), int32(3))
}

func TestFeedSourceDropsStale(t *testing.T) {
	f := NewFeedSource(FeedConfig{URL: "ws://unused", MaxAge: time.Second})
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return now }

	f.handle([]byte(`{"market_id":"old","detected_at":"2026-10-14T11:59:00Z"}`))
	f.handle([]byte(`{"market_id":"fresh"}`))

	opp, err := f.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", opp.MarketID)
	assert.Equal(t, int64(1), f.Stats().Stale)
}

func TestFeedSourceRequiresURL(t *testing.T) {
	assert.Error(t, NewFeedSource(FeedConfig{}).Run(context.Background()))
}
