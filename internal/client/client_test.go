package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dbsync/coordinator/internal/client"
	"github.com/dbsync/coordinator/internal/logging"
	"github.com/dbsync/coordinator/internal/testutil"
	"github.com/dbsync/coordinator/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRunner records AddConnection/RemoveConnection calls instead of driving
// a real runner.Runner, so client.Client's dispatch logic can be tested in
// isolation.
type fakeRunner struct {
	mu      sync.Mutex
	added   int
	removed int
	err     error
}

func (r *fakeRunner) AddConnection(_ context.Context, _ *client.Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added++
	return r.err
}

func (r *fakeRunner) RemoveConnection(_ context.Context, _ *client.Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed++
	return r.err
}

func (r *fakeRunner) Added() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.added
}

func (r *fakeRunner) Removed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removed
}

type fakeCoordinator struct {
	r   *fakeRunner
	err error
}

func (c *fakeCoordinator) ReferenceSyncTask(_ context.Context, _ string, _ *client.Client) (client.Runner, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.r, nil
}

func newWiredClient(t *testing.T, co *fakeCoordinator) (*client.Client, *transport.Channel, *logging.Broadcaster) {
	t.Helper()
	serverSide, tabSide := testutil.NewPortPair()

	tabCh := transport.NewChannel(tabSide, testLogger())
	go tabCh.Serve()
	t.Cleanup(func() { _ = tabCh.Close() })

	ch := transport.NewChannel(serverSide, testLogger())
	go ch.Serve()

	logs := logging.NewBroadcaster(testLogger())
	c := client.New("client-1", ch, co, logs, testLogger())
	t.Cleanup(c.MarkClosed)
	return c, tabCh, logs
}

func TestClient_StartSynchronizationRegistersWithRunner(t *testing.T) {
	r := &fakeRunner{}
	c, tabCh, _ := newWiredClient(t, &fakeCoordinator{r: r})

	payload, err := json.Marshal(struct {
		DatabaseName string `json:"databaseName"`
	}{DatabaseName: "db-1"})
	require.NoError(t, err)

	reply, err := tabCh.Request(context.Background(), transport.KindStartSynchronization, payload)
	require.NoError(t, err)
	require.JSONEq(t, "{}", string(reply))
	require.Equal(t, 1, r.Added())

	_ = c
}

func TestClient_StartSynchronizationPropagatesCoordinatorError(t *testing.T) {
	co := &fakeCoordinator{err: errors.New("lookup failed")}
	_, tabCh, _ := newWiredClient(t, co)

	payload, _ := json.Marshal(struct {
		DatabaseName string `json:"databaseName"`
	}{DatabaseName: "db-1"})

	_, err := tabCh.Request(context.Background(), transport.KindStartSynchronization, payload)
	require.Error(t, err)
	require.Contains(t, err.Error(), "lookup failed")
}

func TestClient_AbortSynchronizationRemovesFromRunner(t *testing.T) {
	r := &fakeRunner{}
	_, tabCh, _ := newWiredClient(t, &fakeCoordinator{r: r})

	payload, _ := json.Marshal(struct {
		DatabaseName string `json:"databaseName"`
	}{DatabaseName: "db-1"})
	_, err := tabCh.Request(context.Background(), transport.KindStartSynchronization, payload)
	require.NoError(t, err)

	_, err = tabCh.Request(context.Background(), transport.KindAbortSynchronization, nil)
	require.NoError(t, err)
	require.Equal(t, 1, r.Removed())
}

func TestClient_AbortSynchronizationWithoutStartIsNoop(t *testing.T) {
	_, tabCh, _ := newWiredClient(t, &fakeCoordinator{r: &fakeRunner{}})

	_, err := tabCh.Request(context.Background(), transport.KindAbortSynchronization, nil)
	require.NoError(t, err)
}

func TestClient_UnknownRequestKindIsProtocolError(t *testing.T) {
	_, tabCh, _ := newWiredClient(t, &fakeCoordinator{r: &fakeRunner{}})

	_, err := tabCh.Request(context.Background(), transport.KindUploadCrud, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unexpected request kind")
}

func TestClient_MarkClosedIsIdempotentAndRemovesFromRunner(t *testing.T) {
	r := &fakeRunner{}
	c, tabCh, _ := newWiredClient(t, &fakeCoordinator{r: r})

	payload, _ := json.Marshal(struct {
		DatabaseName string `json:"databaseName"`
	}{DatabaseName: "db-1"})
	_, err := tabCh.Request(context.Background(), transport.KindStartSynchronization, payload)
	require.NoError(t, err)

	c.MarkClosed()
	c.MarkClosed()

	require.Equal(t, 1, r.Removed())
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() did not close after MarkClosed")
	}
}

func TestClient_ForwardsLogLinesToPeer(t *testing.T) {
	_, tabCh, logs := newWiredClient(t, &fakeCoordinator{r: &fakeRunner{}})

	received := make(chan string, 1)
	tabCh.SetRequestHandler(func(_ context.Context, kind transport.Kind, payload json.RawMessage) (json.RawMessage, []byte, error) {
		if kind == transport.KindLogEvent {
			var body struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(payload, &body); err == nil {
				received <- body.Text
			}
		}
		return json.RawMessage("{}"), nil, nil
	})

	logs.Publish(logging.Record{LoggerName: "runner", Level: "INFO", Message: "hello from server"})

	select {
	case line := <-received:
		require.Contains(t, line, "hello from server")
	case <-time.After(time.Second):
		t.Fatal("log line was not forwarded to the peer")
	}
}
