package liveserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type feedFixture struct {
	hub *Hub
	srv *Server
	ts  *httptest.Server
}

func newFeed(t *testing.T, origins []string, opts ...Option) *feedFixture {
	t.Helper()
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := NewServer(hub, nil, origins, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &feedFixture{hub: hub, srv: srv, ts: ts}
}

func (f *feedFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.ts.URL, "http")
}

func dialFeed(t *testing.T, f *feedFixture, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial(f.wsURL(), header)
}

func TestUpgradeAndReceiveFrame(t *testing.T) {
	f := newFeed(t, []string{"*"})

	conn, _, err := dialFeed(t, f, "http://dash.local")
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	f.hub.Broadcast(NewFillMessage(map[string]interface{}{
		"symbol":   "BTCUSDT",
		"order_id": 42,
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, TypeFill, msg.Type)
	data, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", data["symbol"])
}

func TestSubscribeCommandNarrowsTheFeed(t *testing.T) {
	f := newFeed(t, []string{"*"})

	conn, _, err := dialFeed(t, f, "http://dash.local")
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(command{Op: opSubscribe, Topics: []string{TypeTrade}}))
	// Give the read pump one beat to apply the command before broadcasting.
	time.Sleep(100 * time.Millisecond)

	f.hub.Broadcast(NewFillMessage(nil))
	f.hub.Broadcast(NewTradeMessage(map[string]interface{}{"trade_id": 7}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, TypeTrade, msg.Type, "the fill should have been filtered out")
}

func TestOriginNotAllowed(t *testing.T) {
	f := newFeed(t, []string{"http://dash.local"})

	_, resp, err := dialFeed(t, f, "http://evil.local")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := dialFeed(t, f, "http://dash.local")
	require.NoError(t, err)
	conn.Close()
}

func TestMissingOriginRejected(t *testing.T) {
	f := newFeed(t, []string{"*"})

	_, _, err := dialFeed(t, f, "")
	require.Error(t, err)
}

func TestWildcardOriginRefusedInProduction(t *testing.T) {
	f := newFeed(t, []string{"*"}, WithProduction())

	_, _, err := dialFeed(t, f, "http://anything.local")
	require.Error(t, err)
}

func TestConnectionLimit(t *testing.T) {
	f := newFeed(t, []string{"*"}, WithConnLimit(1), WithRateLimit(100, 100))

	first, _, err := dialFeed(t, f, "http://dash.local")
	require.NoError(t, err)
	defer first.Close()

	_, resp, err := dialFeed(t, f, "http://dash.local")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestPerIPRateLimit(t *testing.T) {
	f := newFeed(t, []string{"*"}, WithRateLimit(1, 1))

	first, _, err := dialFeed(t, f, "http://dash.local")
	require.NoError(t, err)
	defer first.Close()

	_, resp, err := dialFeed(t, f, "http://dash.local")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestDisconnectUnregistersClient(t *testing.T) {
	f := newFeed(t, []string{"*"})

	conn, _, err := dialFeed(t, f, "http://dash.local")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHealthEndpoint(t *testing.T) {
	f := newFeed(t, []string{"*"})

	rec := httptest.NewRecorder()
	f.srv.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"clients":0`)
}

func TestStandaloneStartStop(t *testing.T) {
	hub := NewHub(nil)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	go hub.Run(hubCtx)

	srv := NewServer(hub, nil, []string{"*"})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("standalone server never stopped")
	}
}
