package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screenrelay/internal/config"
	"screenrelay/internal/relay"
)

// fastOptions shrinks the relay's timers so end-to-end tests run in
// milliseconds. The periodic machinery stays out of the way.
func fastOptions() relay.Options {
	return relay.Options{
		BufferCapacity: 100,
		BufferTTL:      time.Hour,
		SweepInterval:  time.Hour,
		ClassifyGrace:  100 * time.Millisecond,
		FlushSettle:    50 * time.Millisecond,
		FlushPacing:    20 * time.Millisecond,
		ProbeInterval:  time.Hour,
	}
}

func newTestServer(t *testing.T, maxConns int, opts relay.Options) (*relay.Engine, *httptest.Server) {
	t.Helper()

	cfg := &config.Config{Port: "0", MaxConnections: maxConns}
	clock := clockwork.NewRealClock()
	engine := relay.NewEngine(clock, opts)
	t.Cleanup(engine.Stop)

	srv := NewServer(cfg, engine, clock)
	ts := httptest.NewServer(srv.echo)
	t.Cleanup(ts.Close)

	return engine, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *ws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *ws.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func waitForStats(engine *relay.Engine, cond func(relay.Stats) bool) bool {
	for i := 0; i < 500; i++ {
		if cond(engine.Stats()) {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

// TestRelayScenario walks the canonical flow: a sender appears with no
// audience, its frame gets parked, a browser registers and receives the
// snapshot plus the paced replay, and the sender's departure is announced.
func TestRelayScenario(t *testing.T) {
	engine, ts := newTestServer(t, 10, fastOptions())

	sender := dialWS(t, ts)
	require.NoError(t, sender.WriteMessage(ws.TextMessage, []byte(`{"type":"screenshot","data":"img1"}`)))
	require.True(t, waitForStats(engine, func(s relay.Stats) bool {
		return s.Senders == 1 && s.BufferedScreenshots == 1
	}))

	browser := dialWS(t, ts)
	require.NoError(t, browser.WriteMessage(ws.TextMessage, []byte(`{"type":"register_browser"}`)))

	snapshot := readMessage(t, browser)
	require.Equal(t, "current_senders", snapshot["type"])
	senders := snapshot["senders"].([]any)
	require.Len(t, senders, 1)
	senderID := senders[0].(map[string]any)["id"].(string)
	assert.True(t, strings.HasPrefix(senderID, "sender-"))

	replay := readMessage(t, browser)
	require.Equal(t, "screenshot", replay["type"])
	assert.Equal(t, "img1", replay["data"])
	assert.Equal(t, senderID, replay["senderId"])

	require.True(t, waitForStats(engine, func(s relay.Stats) bool {
		return s.BufferedScreenshots == 0
	}))

	sender.Close()
	gone := readMessage(t, browser)
	require.Equal(t, "sender_disconnected", gone["type"])
	assert.Equal(t, senderID, gone["id"])
}

func TestCommandRelayEndToEnd(t *testing.T) {
	engine, ts := newTestServer(t, 10, fastOptions())

	sender := dialWS(t, ts)
	require.NoError(t, sender.WriteMessage(ws.TextMessage, []byte(`{"type":"screenshot","data":"boot"}`)))
	require.True(t, waitForStats(engine, func(s relay.Stats) bool { return s.Senders == 1 }))

	browser := dialWS(t, ts)
	require.NoError(t, browser.WriteMessage(ws.TextMessage, []byte(`{"type":"register_browser"}`)))
	snapshot := readMessage(t, browser)
	require.Equal(t, "current_senders", snapshot["type"])

	require.NoError(t, browser.WriteMessage(ws.TextMessage, []byte(`{"type":"code","data":"print(42)"}`)))

	relayed := readMessage(t, sender)
	assert.Equal(t, "code", relayed["type"])
	assert.Equal(t, "print(42)", relayed["data"])
}

func TestNoSendersReply(t *testing.T) {
	engine, ts := newTestServer(t, 10, fastOptions())

	browser := dialWS(t, ts)
	require.NoError(t, browser.WriteMessage(ws.TextMessage, []byte(`{"type":"register_browser"}`)))
	snapshot := readMessage(t, browser)
	require.Equal(t, "current_senders", snapshot["type"])
	assert.Empty(t, snapshot["senders"])

	require.NoError(t, browser.WriteMessage(ws.TextMessage, []byte(`{"type":"code","data":"lonely"}`)))

	notice := readMessage(t, browser)
	assert.Equal(t, "no_senders", notice["type"])
	assert.NotEmpty(t, notice["message"])

	require.True(t, waitForStats(engine, func(s relay.Stats) bool {
		return s.BufferedCommands == 1
	}))
}

func TestHealthAndStatsEndpoints(t *testing.T) {
	engine, ts := newTestServer(t, 10, fastOptions())

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	conn := dialWS(t, ts)
	defer conn.Close()
	require.True(t, waitForStats(engine, func(s relay.Stats) bool { return s.Connections == 1 }))

	statsResp, err := http.Get(ts.URL + "/api/stats")
	require.NoError(t, err)
	defer statsResp.Body.Close()
	require.Equal(t, 200, statsResp.StatusCode)

	var stats relay.Stats
	require.NoError(t, json.NewDecoder(statsResp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Connections)

	metricsResp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	assert.Equal(t, 200, metricsResp.StatusCode)
}

func TestConnectionLimitRejectsExcess(t *testing.T) {
	_, ts := newTestServer(t, 1, fastOptions())

	first := dialWS(t, ts)
	defer first.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := ws.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGraceTimeoutOverWire(t *testing.T) {
	engine, ts := newTestServer(t, 10, fastOptions())

	browser := dialWS(t, ts)
	require.NoError(t, browser.WriteMessage(ws.TextMessage, []byte(`{"type":"register_browser"}`)))
	snapshot := readMessage(t, browser)
	require.Equal(t, "current_senders", snapshot["type"])

	// A connection that never says anything becomes a sender once the
	// grace period lapses, and existing browsers hear about it.
	silent := dialWS(t, ts)
	defer silent.Close()

	announced := readMessage(t, browser)
	assert.Equal(t, "sender_connected", announced["type"])
	assert.True(t, strings.HasPrefix(fmt.Sprint(announced["id"]), "sender-"))

	require.True(t, waitForStats(engine, func(s relay.Stats) bool { return s.Senders == 1 }))
}
