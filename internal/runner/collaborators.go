package runner

import (
	"context"

	"github.com/dbsync/coordinator/internal/syncengine"
	"github.com/dbsync/coordinator/internal/transport"
)

// DatabaseEndpoint is the transferable descriptor a client hands back from
// a requestDatabase round trip: a connection string, the database's name,
// and the name of the lock it holds on the client's behalf.
type DatabaseEndpoint struct {
	Endpoint     string `json:"databasePort"`
	DatabaseName string `json:"databaseName"`
	LockName     string `json:"lockName"`
}

// DatabaseConnector abstracts "connect to endpoint" — package
// internal/localdb's production implementation, or a fake in tests.
type DatabaseConnector interface {
	Connect(ctx context.Context, endpoint DatabaseEndpoint) (DatabaseHandle, error)
}

// DatabaseHandle abstracts the local database handle: the only two things a
// Sync Runner needs are the handle's closed future and the ability to
// release it.
type DatabaseHandle interface {
	// Closed is closed when the host tab that owns this handle goes away.
	Closed() <-chan struct{}
	// Updates delivers a signal each time the local database records a
	// change, feeding the engine's update stream.
	Updates() <-chan struct{}
	Close() error
}

// Engine abstracts the streaming-sync engine's start/abort/status contract.
type Engine interface {
	Start(ctx context.Context) error
	Abort(ctx context.Context) error
	Status() <-chan syncengine.Status
}

// EngineParams is everything requestDatabase gathers before constructing
// the engine that will run against one client's database handle.
type EngineParams struct {
	RunnerID     string
	Handle       DatabaseHandle
	Callbacks    *transport.CredentialCallbacks
	UpdateStream <-chan struct{}
}

// EngineFactory constructs an Engine bound to one client's database handle
// and callbacks.
type EngineFactory func(params EngineParams) (Engine, error)
