package server_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"

	"github.com/dbsync/coordinator/internal/coordinator"
	"github.com/dbsync/coordinator/internal/localdb"
	"github.com/dbsync/coordinator/internal/logging"
	"github.com/dbsync/coordinator/internal/metrics"
	"github.com/dbsync/coordinator/internal/runner"
	"github.com/dbsync/coordinator/internal/server"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startTestServer boots a *server.Server on an OS-assigned loopback port and
// waits for it to start accepting connections, returning its base URL.
func startTestServer(t *testing.T, co *coordinator.Coordinator) string {
	t.Helper()
	return startTestServerWithMetrics(t, co, nil)
}

// startTestServerWithMetrics is startTestServer with an explicit metrics
// handler, so tests exercising /metrics can wire the same
// promhttp.HandlerFor(registry, ...) production code uses instead of
// relying on the nil fallback to the global default registry.
func startTestServerWithMetrics(t *testing.T, co *coordinator.Coordinator, metricsHandler http.Handler) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	srv := server.New(server.Config{Address: "127.0.0.1", Port: port, WSPath: "/ws"}, co, metricsHandler, testLogger())

	go func() { _ = srv.ListenAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	base := "http://127.0.0.1:" + strconv.Itoa(port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	return base
}

func TestServer_HealthzReportsRunnerCount(t *testing.T) {
	co := coordinator.New(coordinator.Config{
		RunnerConfig: runner.DefaultConfig(),
		LocalDB:      localdb.DefaultConfig(),
	}, logging.NewBroadcaster(testLogger()), nil, testLogger())
	t.Cleanup(func() { _ = co.Shutdown(context.Background()) })

	base := startTestServer(t, co)

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status      string `json:"status"`
		RunnerCount int    `json:"runnerCount"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body.Status)
	require.Equal(t, 0, body.RunnerCount)
}

func TestServer_MetricsEndpointServesPrometheusFormat(t *testing.T) {
	registry := prometheus.NewRegistry()
	recorder := metrics.New(registry)

	co := coordinator.New(coordinator.Config{
		RunnerConfig: runner.DefaultConfig(),
		LocalDB:      localdb.DefaultConfig(),
	}, logging.NewBroadcaster(testLogger()), recorder, testLogger())
	t.Cleanup(func() { _ = co.Shutdown(context.Background()) })

	// Emit one series so the gauge/counter vectors aren't empty at scrape
	// time; StateChanged mirrors what the runner calls on a real transition.
	recorder.StateChanged("db-1", "idle")

	base := startTestServerWithMetrics(t, co, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(data), "coordinator_runners_by_state")
	require.NotContains(t, string(data), "go_goroutines")
}

func TestServer_WebSocketUpgradeAndStartSynchronizationRoundTrip(t *testing.T) {
	co := coordinator.New(coordinator.Config{
		RunnerConfig: runner.Config{PingTimeout: 200 * time.Millisecond, InboxBufferSize: 16, InboxSendTimeout: time.Second},
		LocalDB:      localdb.Config{Driver: "sqlite3", PollInterval: 10 * time.Millisecond, MaxOpenConns: 1},
	}, logging.NewBroadcaster(testLogger()), nil, testLogger())
	t.Cleanup(func() { _ = co.Shutdown(context.Background()) })

	base := startTestServer(t, co)
	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	go answerDatabaseRequests(conn)

	req := map[string]any{
		"kind":          0, // transport.KindStartSynchronization
		"correlationId": "corr-1",
		"payload":       json.RawMessage(`{"databaseName":"db-1"}`),
	}
	require.NoError(t, conn.WriteJSON(req))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var reply map[string]any
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, "corr-1", reply["correlationId"])
}

// answerDatabaseRequests drains incoming frames on conn and answers ping and
// requestDatabase requests the coordinator issues back to this simulated
// tab, so the runner's election/handshake has somewhere to land.
func answerDatabaseRequests(conn *websocket.Conn) {
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg["isReply"] == true {
			continue
		}
		kind, _ := msg["kind"].(float64)
		reply := map[string]any{"kind": kind, "correlationId": msg["correlationId"], "isReply": true}
		switch kind {
		case 2: // KindPing
			reply["payload"] = json.RawMessage("{}")
		case 3: // KindRequestDatabase
			reply["payload"] = json.RawMessage(`{"databasePort":"file::memory:?cache=shared","databaseName":"db-1","lockName":"lock-1"}`)
		default:
			reply["payload"] = json.RawMessage("{}")
		}
		_ = conn.WriteJSON(reply)
	}
}
