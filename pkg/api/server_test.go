package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magnaflowlabs/merchant-tools/pkg/orders"
	"github.com/magnaflowlabs/merchant-tools/pkg/session"
)

type fixedStatus session.Status

func (f fixedStatus) Status() session.Status { return session.Status(f) }

func newTestServer(t *testing.T) (*Server, *orders.Book, *httptest.Server) {
	t.Helper()
	book := orders.NewBook("tron", 4)
	book.ApplyCollection([]orders.CollectionOrder{
		{Address: "T1", USDT: decimal.NewFromInt(5)},
		{Address: "T2", USDT: decimal.NewFromInt(6), Status: orders.StatusConfirming},
		{Address: "T3", USDT: decimal.NewFromInt(7)},
	})
	book.ApplyPayout([]orders.PayoutOrder{{BillNo: "B1", ToAddress: "x", Amount: decimal.NewFromInt(9)}})

	s := NewServer(fixedStatus{State: "connected", Chain: "tron", Pending: 2}, book, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.hub.Run(ctx)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, book, srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthAndStatus(t *testing.T) {
	_, _, srv := newTestServer(t)

	var health map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/health", &health))
	assert.Equal(t, "ok", health["status"])

	var st session.Status
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/v1/status", &st))
	assert.Equal(t, "connected", st.State)
	assert.Equal(t, 2, st.Pending)
}

func TestGetOrders(t *testing.T) {
	_, book, srv := newTestServer(t)

	tests := []struct {
		name  string
		query string
		code  int
		keys  []string
	}{
		{name: "all in arrival order", query: "/api/v1/orders/collection", code: 200, keys: []string{"T1", "T2", "T3"}},
		{name: "status filter", query: "/api/v1/orders/collection?status=pending", code: 200, keys: []string{"T1", "T3"}},
		{name: "limit", query: "/api/v1/orders/collection?limit=2", code: 200, keys: []string{"T1", "T2"}},
		{name: "bad limit", query: "/api/v1/orders/collection?limit=x", code: 400},
		{name: "unknown type", query: "/api/v1/orders/refund", code: 404},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp struct {
				Type    string                   `json:"type"`
				Version uint64                   `json:"version"`
				Total   int                      `json:"total"`
				Orders  []orders.CollectionOrder `json:"orders"`
			}
			code := getJSON(t, srv.URL+tt.query, &resp)
			require.Equal(t, tt.code, code)
			if code != http.StatusOK {
				return
			}
			var keys []string
			for _, o := range resp.Orders {
				keys = append(keys, o.Key())
			}
			assert.Equal(t, tt.keys, keys)
			assert.Equal(t, 3, resp.Total)
			assert.Equal(t, book.Version(), resp.Version)
		})
	}

	var bill orders.PayoutOrder
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/v1/orders/payout/B1", &bill))
	assert.Equal(t, "x", bill.ToAddress)
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/v1/orders/payout/B9", nil))
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "merchant_rpc_pending_requests")
}

func TestBookChangesReachWebSocket(t *testing.T) {
	s, book, srv := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "unsubscribe", Channels: []string{"book:collection"}}))
	require.Eventually(t, func() bool {
		s.hub.mu.RLock()
		defer s.hub.mu.RUnlock()
		for c := range s.hub.clients {
			return !c.IsSubscribed("book:collection")
		}
		return false
	}, time.Second, 5*time.Millisecond)

	book.ApplyCollection([]orders.CollectionOrder{{Address: "T4", USDT: decimal.NewFromInt(1)}})
	book.SetPayoutLocked([]string{"B1"}, true)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var upd BookUpdate
	require.NoError(t, conn.ReadJSON(&upd))
	assert.Equal(t, "book", upd.Type)
	assert.Equal(t, orders.TypePayout, upd.Kind)
	assert.Equal(t, book.Version(), upd.Version)
}
