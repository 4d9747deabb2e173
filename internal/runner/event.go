package runner

import "github.com/dbsync/coordinator/internal/client"

// Event is the closed sum type a Sync Runner's queue carries: exactly one of
// AddConnection, RemoveConnection, or ActiveDatabaseClosed. New variants must
// be added deliberately, alongside a case in Runner.safeHandle.
type Event interface {
	isEvent()
}

// AddConnection registers a newly connected client with the runner.
type AddConnection struct {
	Client *client.Client
}

func (AddConnection) isEvent() {}

// RemoveConnection unregisters a client, by explicit abort or by having been
// marked closed.
type RemoveConnection struct {
	Client *client.Client
}

func (RemoveConnection) isEvent() {}

// ActiveDatabaseClosed signals that the current host's database handle's
// closed future resolved: the engine must be aborted and a new host elected.
type ActiveDatabaseClosed struct{}

func (ActiveDatabaseClosed) isEvent() {}
