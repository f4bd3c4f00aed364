package polymarket

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/survivor/internal/domain"
	"github.com/betbot/survivor/internal/venue"
	"github.com/betbot/survivor/internal/venue/signing"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	key, err := signing.PrivateKeyFromHex(testKey)
	require.NoError(t, err)
	return NewClient(Config{
		ClobURL:    srv.URL,
		GammaURL:   srv.URL + "/gamma",
		PrivateKey: key,
		Creds:      signing.Creds{Key: "k", Secret: "c2VjcmV0", Passphrase: "p"},
		Timeout:    2 * time.Second,
	})
}

func TestGetBalanceParsesSixDecimals(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/balance-allowance", r.URL.Path)
		assert.Equal(t, "COLLATERAL", r.URL.Query().Get("asset_type"))
		assert.NotEmpty(t, r.Header.Get("POLY_SIGNATURE"))
		writeJSON(w, 200, map[string]string{"balance": "123450000"})
	}))
	bal, err := c.GetBalance(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 123.45, bal, 1e-9)
}

func TestGetPrice(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok-1", r.URL.Query().Get("token_id"))
		writeJSON(w, 200, map[string]string{"price": "0.55"})
	}))
	p, err := c.GetPrice(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.55, p, 1e-9)
}

func TestGetSettlementFromClob(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{
			"condition_id": "0xabc",
			"closed":       true,
			"tokens": []map[string]any{
				{"token_id": "1", "outcome": "Yes", "price": 1, "winner": true},
				{"token_id": "2", "outcome": "No", "price": 0, "winner": false},
			},
		})
	}))
	s, err := c.GetSettlement(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.True(t, s.Closed)
	require.Len(t, s.Tokens, 2)
	assert.True(t, s.Tokens[0].Winner)
}

func TestGetSettlementFallsBackToGamma(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gamma/markets/77" {
			writeJSON(w, 200, map[string]any{
				"id":            "77",
				"closed":        true,
				"outcomePrices": `["0","1"]`,
				"clobTokenIds":  `["11","22"]`,
			})
			return
		}
		writeJSON(w, 404, map[string]string{"error": "market not found"})
	}))
	s, err := c.GetSettlement(context.Background(), "77")
	require.NoError(t, err)
	assert.True(t, s.Closed)
	assert.Equal(t, []float64{0, 1}, s.OutcomePrices)
	require.Len(t, s.Tokens, 2)
	assert.Equal(t, "22", s.Tokens[1].TokenID)
}

func TestSubmitOrderSignsAndPosts(t *testing.T) {
	var got orderRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/order", r.URL.Path)
		b, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(b, &got))
		writeJSON(w, 200, map[string]any{"success": true, "orderID": "0xorder", "status": "matched"})
	}))
	ack, err := c.SubmitOrder(context.Background(), venue.OrderRequest{
		MarketID: "m1", TokenID: "123456", Side: domain.SideYes, Price: 0.51, Size: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, "0xorder", ack.OrderID)
	assert.Equal(t, "FOK", got.OrderType)
	assert.Equal(t, "BUY", got.Order.Side)
	// 5 / 0.51 = 9.80 tokens, cost 9.80*0.51 = 4.998
	assert.Equal(t, "9800000", got.Order.TakerAmount)
	assert.Equal(t, "4998000", got.Order.MakerAmount)
	assert.NotEmpty(t, got.Order.Signature)
}

func TestSubmitOrderErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   map[string]any
		want   venue.Kind
	}{
		{"throttled", 429, map[string]any{"error": "Too Many Requests"}, venue.KindThrottled},
		{"balance", 400, map[string]any{"error": "not enough balance / allowance"}, venue.KindInsufficientBalance},
		{"server", 503, map[string]any{"error": "upstream"}, venue.KindTransient},
		{"rejected in body", 200, map[string]any{"success": false, "errorMsg": "insufficient balance"}, venue.KindInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			}))
			_, err := c.SubmitOrder(context.Background(), venue.OrderRequest{TokenID: "1", Price: 0.5, Size: 2})
			require.Error(t, err)
			assert.Equal(t, tt.want, venue.Classify(err))
		})
	}
}

func TestSubmitOrderRejectsBadPrice(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())
	_, err := c.SubmitOrder(context.Background(), venue.OrderRequest{TokenID: "1", Price: 1.2, Size: 2})
	require.Error(t, err)
	assert.Equal(t, venue.KindInvalidOrder, venue.Classify(err))
}

func TestTimeoutIsTransient(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		writeJSON(w, 200, map[string]string{"price": "0.5"})
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.GetPrice(ctx, "1")
	require.Error(t, err)
	assert.Equal(t, venue.KindTransient, venue.Classify(err))
}
