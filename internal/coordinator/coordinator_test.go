package coordinator_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dbsync/coordinator/internal/coordinator"
	"github.com/dbsync/coordinator/internal/localdb"
	"github.com/dbsync/coordinator/internal/logging"
	"github.com/dbsync/coordinator/internal/runner"
	"github.com/dbsync/coordinator/internal/testutil"
	"github.com/dbsync/coordinator/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCoordinatorUnderTest(t *testing.T) *coordinator.Coordinator {
	t.Helper()
	cfg := coordinator.Config{
		RunnerConfig: runner.Config{
			PingTimeout:      100 * time.Millisecond,
			InboxBufferSize:  32,
			InboxSendTimeout: time.Second,
		},
		RemoteURL: "",
		LocalDB: localdb.Config{
			Driver:       "sqlite3",
			PollInterval: 10 * time.Millisecond,
			MaxOpenConns: 1,
		},
	}
	logs := logging.NewBroadcaster(testLogger())
	co := coordinator.New(cfg, logs, nil, testLogger())
	t.Cleanup(func() { _ = co.Shutdown(context.Background()) })
	return co
}

// tab simulates one browser tab: it owns the peer end of an in-memory port
// pair, answers the coordinator's ping/requestDatabase requests, and can
// issue startSynchronization/abortSynchronization requests of its own.
type tab struct {
	ch       *transport.Channel
	endpoint runner.DatabaseEndpoint
}

func connectTab(t *testing.T, co *coordinator.Coordinator, name, databaseID string) *tab {
	t.Helper()
	coordSide, tabSide := testutil.NewPortPair()

	endpoint := runner.DatabaseEndpoint{
		Endpoint:     "file:" + name + "?mode=memory&cache=shared",
		DatabaseName: databaseID,
		LockName:     "lock-" + name,
	}

	tb := &tab{ch: transport.NewChannel(tabSide, testLogger()), endpoint: endpoint}
	tb.ch.SetRequestHandler(func(_ context.Context, kind transport.Kind, _ json.RawMessage) (json.RawMessage, []byte, error) {
		switch kind {
		case transport.KindPing:
			return json.RawMessage("{}"), nil, nil
		case transport.KindRequestDatabase:
			data, err := json.Marshal(endpoint)
			return data, nil, err
		default:
			return json.RawMessage("{}"), nil, nil
		}
	})
	go tb.ch.Serve()

	_, err := co.HandleConnection(context.Background(), []transport.Port{coordSide})
	require.NoError(t, err)

	payload, err := json.Marshal(struct {
		DatabaseName string `json:"databaseName"`
	}{DatabaseName: databaseID})
	require.NoError(t, err)

	_, err = tb.ch.Request(context.Background(), transport.KindStartSynchronization, payload)
	require.NoError(t, err)

	return tb
}

func (tb *tab) disconnect(t *testing.T) {
	t.Helper()
	require.NoError(t, tb.ch.Close())
}

func (tb *tab) leave(t *testing.T) {
	t.Helper()
	_, err := tb.ch.Request(context.Background(), transport.KindAbortSynchronization, nil)
	require.NoError(t, err)
}

func TestCoordinator_SingleTabBecomesRunningHost(t *testing.T) {
	co := newCoordinatorUnderTest(t)
	connectTab(t, co, "a", "db-1")

	testutil.WaitFor(t, 2*time.Second, func() bool {
		stats, ok := co.Stats()["db-1"]
		return ok && stats.State == runner.Running.Name()
	})
}

func TestCoordinator_SecondTabJoinsWithoutNewElection(t *testing.T) {
	co := newCoordinatorUnderTest(t)
	connectTab(t, co, "a", "db-1")
	testutil.WaitFor(t, 2*time.Second, func() bool {
		return co.Stats()["db-1"].State == runner.Running.Name()
	})

	connectTab(t, co, "b", "db-1")
	time.Sleep(100 * time.Millisecond)

	stats := co.Stats()["db-1"]
	require.Equal(t, 2, stats.ConnectionCount)
	require.Equal(t, uint64(0), stats.ElectionsHeld)
}

func TestCoordinator_HostDisconnectFailsOverToRemainingTab(t *testing.T) {
	co := newCoordinatorUnderTest(t)
	host := connectTab(t, co, "a", "db-1")
	testutil.WaitFor(t, 2*time.Second, func() bool {
		return co.Stats()["db-1"].State == runner.Running.Name()
	})
	connectTab(t, co, "b", "db-1")

	host.disconnect(t)

	testutil.WaitFor(t, 2*time.Second, func() bool {
		stats := co.Stats()["db-1"]
		return stats.State == runner.Running.Name() && stats.ElectionsWon == 1
	})
	require.Equal(t, 1, co.Stats()["db-1"].ConnectionCount)
}

func TestCoordinator_LastTabLeavingReturnsRunnerToIdle(t *testing.T) {
	co := newCoordinatorUnderTest(t)
	tb := connectTab(t, co, "a", "db-1")
	testutil.WaitFor(t, 2*time.Second, func() bool {
		return co.Stats()["db-1"].State == runner.Running.Name()
	})

	tb.leave(t)

	testutil.WaitFor(t, 2*time.Second, func() bool {
		stats := co.Stats()["db-1"]
		return stats.State == runner.Idle.Name() && stats.ConnectionCount == 0
	})
}

func TestCoordinator_SeparateDatabaseIdentifiersGetSeparateRunners(t *testing.T) {
	co := newCoordinatorUnderTest(t)
	connectTab(t, co, "a", "db-1")
	connectTab(t, co, "b", "db-2")

	testutil.WaitFor(t, 2*time.Second, func() bool {
		stats := co.Stats()
		return stats["db-1"].State == runner.Running.Name() && stats["db-2"].State == runner.Running.Name()
	})
	require.Equal(t, 2, co.RunnerCount())
}
