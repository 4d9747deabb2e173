package localdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dbsync/coordinator/internal/runner"
)

func fastTestConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	return cfg
}

func TestConnector_ConnectOpensAndClosesCleanly(t *testing.T) {
	c := NewConnector(fastTestConfig())
	handle, err := c.Connect(context.Background(), runner.DatabaseEndpoint{
		Endpoint:     "file::memory:?cache=shared",
		DatabaseName: "db-1",
		LockName:     "lock-1",
	})
	require.NoError(t, err)
	defer handle.Close()

	select {
	case <-handle.Closed():
		t.Fatal("closed future resolved before Close was called")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestHandle_CloseResolvesClosedFuturePromptly(t *testing.T) {
	c := NewConnector(fastTestConfig())
	handle, err := c.Connect(context.Background(), runner.DatabaseEndpoint{
		Endpoint:     "file::memory:?cache=shared",
		DatabaseName: "db-1",
		LockName:     "lock-1",
	})
	require.NoError(t, err)

	require.NoError(t, handle.Close())

	select {
	case <-handle.Closed():
	case <-time.After(time.Second):
		t.Fatal("closed future did not resolve after Close")
	}
}

func TestHandle_CloseIsIdempotent(t *testing.T) {
	c := NewConnector(fastTestConfig())
	handle, err := c.Connect(context.Background(), runner.DatabaseEndpoint{
		Endpoint:     "file::memory:?cache=shared",
		DatabaseName: "db-1",
		LockName:     "lock-1",
	})
	require.NoError(t, err)

	require.NoError(t, handle.Close())
	require.NoError(t, handle.Close())
}

func TestHandle_UpdatesFireWhileConnectionIsLive(t *testing.T) {
	c := NewConnector(fastTestConfig())
	handle, err := c.Connect(context.Background(), runner.DatabaseEndpoint{
		Endpoint:     "file::memory:?cache=shared",
		DatabaseName: "db-1",
		LockName:     "lock-1",
	})
	require.NoError(t, err)
	defer handle.Close()

	select {
	case <-handle.Updates():
	case <-time.After(time.Second):
		t.Fatal("no update notification observed while connection was live")
	}
}

func TestHandle_ConnectionLossResolvesClosedWithoutExplicitClose(t *testing.T) {
	c := NewConnector(fastTestConfig())
	handle, err := c.Connect(context.Background(), runner.DatabaseEndpoint{
		Endpoint:     "file::memory:?cache=shared",
		DatabaseName: "db-1",
		LockName:     "lock-1",
	})
	require.NoError(t, err)

	h := handle.(*Handle)
	require.NoError(t, h.db.Close())

	select {
	case <-handle.Closed():
	case <-time.After(time.Second):
		t.Fatal("closed future did not resolve after the underlying connection was lost")
	}
}

func TestIsNotFound(t *testing.T) {
	require.True(t, IsNotFound(ErrNotFound))
	require.False(t, IsNotFound(nil))
}

func TestIsBusy(t *testing.T) {
	require.True(t, IsBusy(ErrBusy))
	require.False(t, IsBusy(nil))
}
