// Package coordinator implements the Worker Root: it accepts incoming
// connection events, demultiplexes them into Connected Clients, and routes
// each to the Sync Runner keyed by database identifier, creating the runner
// on first use. Runners are never evicted; once created they persist for
// the coordinator's lifetime.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dbsync/coordinator/internal/client"
	"github.com/dbsync/coordinator/internal/localdb"
	"github.com/dbsync/coordinator/internal/logging"
	"github.com/dbsync/coordinator/internal/runner"
	"github.com/dbsync/coordinator/internal/syncengine"
	"github.com/dbsync/coordinator/internal/transport"
)

// Config controls runners created by a Coordinator.
type Config struct {
	RunnerConfig runner.Config
	RemoteURL    string
	LocalDB      localdb.Config
}

// Coordinator owns the identifier → Sync Runner map and the process-wide
// log broadcaster every Connected Client subscribes to.
type Coordinator struct {
	cfg       Config
	logger    *slog.Logger
	logs      *logging.Broadcaster
	recorder  runner.Recorder
	connector *localdb.Connector

	mu      sync.Mutex
	runners map[string]*runner.Runner

	nextClientID uint64

	startedAt time.Time
}

// New constructs a Coordinator. logs is the process-wide log broadcaster
// every Connected Client forwards from; recorder may be nil.
func New(cfg Config, logs *logging.Broadcaster, recorder runner.Recorder, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		logger:    logger,
		logs:      logs,
		recorder:  recorder,
		connector: localdb.NewConnector(cfg.LocalDB),
		runners:   make(map[string]*runner.Runner),
		startedAt: time.Now(),
	}
}

// ReferenceSyncTask returns the Sync Runner for databaseID, creating it (and
// starting its event loop) on first use. It implements client.Coordinator
// structurally.
func (co *Coordinator) ReferenceSyncTask(ctx context.Context, databaseID string, c *client.Client) (client.Runner, error) {
	r := co.runnerFor(databaseID)
	return r, nil
}

func (co *Coordinator) runnerFor(databaseID string) *runner.Runner {
	co.mu.Lock()
	defer co.mu.Unlock()

	if r, ok := co.runners[databaseID]; ok {
		return r
	}

	r := runner.New(databaseID, co.connector, co.engineFactory(), co.cfg.RunnerConfig, co.recorder, co.logger)
	co.runners[databaseID] = r
	go r.Run(context.Background())
	co.logger.Info("created sync runner", "database_id", databaseID)
	return r
}

// engineFactory closes over this coordinator's remote URL and logger to
// adapt runner.EngineParams into a concrete *syncengine.Engine. It lives
// here, not in package syncengine or package runner, because it is the one
// place both types are in scope without introducing an import cycle between
// them.
func (co *Coordinator) engineFactory() runner.EngineFactory {
	return func(p runner.EngineParams) (runner.Engine, error) {
		cfg := syncengine.Config{
			RunnerID:     p.RunnerID,
			RemoteURL:    co.cfg.RemoteURL,
			Credentials:  p.Callbacks,
			UpdateStream: p.UpdateStream,
		}
		return syncengine.New(cfg, co.logger), nil
	}
}

// HandleConnection is the Go-native equivalent of spec's "connection event
// carrying one or more ports": for a process-per-connection WebSocket
// server this always demultiplexes to exactly one Connected Client, but the
// []transport.Port signature and errgroup-based concurrent construction are
// kept so a future transport that can multiplex several ports per accept
// does not require a signature change.
func (co *Coordinator) HandleConnection(ctx context.Context, ports []transport.Port) ([]*client.Client, error) {
	clients := make([]*client.Client, len(ports))

	g, gCtx := errgroup.WithContext(ctx)
	for i, port := range ports {
		i, port := i, port
		g.Go(func() error {
			id := co.newClientID()
			ch := transport.NewChannel(port, co.logger.With("client_id", id))
			c := client.New(id, ch, co, co.logs, co.logger)
			clients[i] = c

			go func() {
				if err := ch.Serve(); err != nil {
					co.logger.Debug("channel serve ended", "client_id", id, "error", err)
				}
				c.MarkClosed()
			}()

			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("coordinator: handle connection: %w", err)
	}
	return clients, nil
}

func (co *Coordinator) newClientID() string {
	co.mu.Lock()
	co.nextClientID++
	id := co.nextClientID
	co.mu.Unlock()
	return fmt.Sprintf("client-%d", id)
}

// Stats aggregates every runner's point-in-time statistics, keyed by
// database identifier.
func (co *Coordinator) Stats() map[string]runner.Stats {
	co.mu.Lock()
	defer co.mu.Unlock()

	out := make(map[string]runner.Stats, len(co.runners))
	for id, r := range co.runners {
		out[id] = r.Stats()
	}
	return out
}

// RunnerCount returns the number of runners created so far (Idle ones
// included — runners are never evicted).
func (co *Coordinator) RunnerCount() int {
	co.mu.Lock()
	defer co.mu.Unlock()
	return len(co.runners)
}

// Uptime returns the time elapsed since this Coordinator was constructed.
func (co *Coordinator) Uptime() time.Duration {
	return time.Since(co.startedAt)
}

// Shutdown calls Stop on every runner; a runner whose event loop is waiting
// on an empty queue returns only after its next event.
func (co *Coordinator) Shutdown(ctx context.Context) error {
	co.mu.Lock()
	defer co.mu.Unlock()
	for _, r := range co.runners {
		r.Stop()
	}
	return nil
}
