// Package runner implements the Sync Runner: the per-database-identifier
// supervisor that serializes every state transition through a single event
// queue, owns the streaming-sync engine instance, elects a database host
// among connected clients, and fails over when that host disappears.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dbsync/coordinator/internal/client"
	"github.com/dbsync/coordinator/internal/inbox"
	"github.com/dbsync/coordinator/internal/syncengine"
	"github.com/dbsync/coordinator/internal/transport"
)

// ErrPeerDead names a client whose election ping failed or timed out.
// electHost does not return it: such a client is counted as timed out and
// marked closed.
var ErrPeerDead = errors.New("runner: peer did not respond in time")

// ErrHandshake wraps any failure of requestDatabase or the endpoint connect
// it performs.
var ErrHandshake = errors.New("runner: handshake failed")

// Runner is the per-database-identifier supervisor. Every field in the
// "owned triple" (engine, host, connections) is mutated only by the single
// goroutine draining inbox; other goroutines only ever call Enqueue. The
// mutex below exists purely so that concurrent readers (Stats, the status
// broadcaster, the closed-future watcher) can take a safe snapshot — it is
// never held across a blocking call.
type Runner struct {
	id     string
	logger *slog.Logger
	cfg    Config

	connector DatabaseConnector
	engines   EngineFactory
	recorder  Recorder

	inbox *inbox.Inbox[Event]

	mu          sync.RWMutex
	connections map[string]*client.Client
	host        *client.Client
	engine      Engine
	generation  uint64

	electionsHeld    atomic.Uint64
	electionsWon     atomic.Uint64
	electionsTimeout atomic.Uint64
	broadcastsSent   atomic.Uint64

	recorderState *StateRecorder

	stopped chan struct{}
	stopOnce sync.Once
}

// New constructs a Runner for databaseID. connector and engines must be
// non-nil; recorder may be nil (defaults to NoopRecorder).
func New(databaseID string, connector DatabaseConnector, engines EngineFactory, cfg Config, recorder Recorder, logger *slog.Logger) *Runner {
	if recorder == nil {
		recorder = NoopRecorder{}
	}
	r := &Runner{
		id:          databaseID,
		logger:      logger.With("database_id", databaseID),
		cfg:         cfg,
		connector:   connector,
		engines:     engines,
		recorder:    recorder,
		inbox:       inbox.New[Event](cfg.InboxBufferSize, cfg.InboxSendTimeout, logger),
		connections: make(map[string]*client.Client),
		stopped:     make(chan struct{}),
	}
	return r
}

// ID returns this runner's database identifier.
func (r *Runner) ID() string { return r.id }

// AttachStateRecorder wires a StateRecorder so tests can assert the
// sequence of states this runner passes through. Not for production use.
func (r *Runner) AttachStateRecorder(rec *StateRecorder) {
	r.recorderState = rec
}

// Enqueue pushes an event onto the runner's single queue. Safe for any
// number of concurrent callers.
func (r *Runner) Enqueue(event Event) error {
	select {
	case <-r.stopped:
		return fmt.Errorf("runner %s: stopped", r.id)
	default:
	}
	if !r.inbox.Send(event) {
		return fmt.Errorf("runner %s: event queue full, dropped %T", r.id, event)
	}
	return nil
}

// AddConnection implements client.Runner, so a *Runner satisfies it
// structurally without package client importing this package.
func (r *Runner) AddConnection(ctx context.Context, c *client.Client) error {
	return r.Enqueue(AddConnection{Client: c})
}

// RemoveConnection implements client.Runner.
func (r *Runner) RemoveConnection(ctx context.Context, c *client.Client) error {
	return r.Enqueue(RemoveConnection{Client: c})
}

// Run drains the event queue until Stop is called or ctx is done. Both are
// checked only between events: a Run blocked waiting on an empty queue
// returns after the next event has been received and handled. It must run
// in exactly one goroutine for this runner's lifetime — that goroutine is
// this runner's sole state mutator.
func (r *Runner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopped:
			return
		default:
		}

		event := r.inbox.Receive()
		r.safeHandle(ctx, event)
		r.recordState()
	}
}

// Stop makes later Enqueue calls fail and signals Run to return before its
// next wait on the queue. It does not wake a Run that is already waiting.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopped) })
}

// safeHandle dispatches one event, recovering from any panic inside a
// transition so a single bad event cannot poison the queue.
func (r *Runner) safeHandle(ctx context.Context, event Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("recovered from panic handling event", "event", fmt.Sprintf("%T", event), "panic", rec)
		}
	}()

	switch ev := event.(type) {
	case AddConnection:
		r.onAdd(ctx, ev.Client)
	case RemoveConnection:
		r.onRemove(ctx, ev.Client)
	case ActiveDatabaseClosed:
		r.failover(ctx)
	default:
		r.logger.Warn("unknown event type reached the queue", "type", fmt.Sprintf("%T", event))
	}
}

func (r *Runner) onAdd(ctx context.Context, c *client.Client) {
	r.mu.Lock()
	wasEmpty := len(r.connections) == 0
	r.connections[c.ID()] = c
	r.mu.Unlock()

	r.logger.Debug("connection added", "client_id", c.ID(), "was_empty", wasEmpty)

	if wasEmpty {
		r.recordState()
		r.requestDatabase(ctx, c)
	}
}

// onRemove unregisters c. If c was the current host, a literal
// ActiveDatabaseClosed event is enqueued rather than re-electing inline, so
// every host-loss path — the closed-future observer in watchClosed and an
// explicit abortSynchronization from the host itself — converges on the
// same queued transition instead of each needing its own re-election logic.
func (r *Runner) onRemove(ctx context.Context, c *client.Client) {
	r.mu.Lock()
	_, existed := r.connections[c.ID()]
	if !existed {
		r.mu.Unlock()
		return
	}
	delete(r.connections, c.ID())
	wasHost := r.host != nil && r.host.ID() == c.ID()
	r.mu.Unlock()

	r.logger.Debug("connection removed", "client_id", c.ID(), "was_host", wasHost)

	if wasHost {
		if err := r.Enqueue(ActiveDatabaseClosed{}); err != nil {
			r.logger.Warn("failed to enqueue re-election after host removal", "error", err)
		}
	}
}

// failover aborts any current engine, clears the host, and — if
// connections remain — elects a new host and starts the engine against it.
// It is the handler for the ActiveDatabaseClosed event.
func (r *Runner) failover(ctx context.Context) {
	r.mu.Lock()
	eng := r.engine
	r.engine = nil
	r.host = nil
	r.generation++
	snapshot := r.connectionsLocked()
	r.mu.Unlock()

	if eng != nil {
		if err := eng.Abort(ctx); err != nil {
			r.logger.Warn("failed to abort engine during failover", "error", err)
		}
	}

	if len(snapshot) == 0 {
		return
	}

	r.recordState()
	r.recorder.ElectionStarted(r.id)
	r.electionsHeld.Add(1)

	winner := r.electHost(ctx, snapshot)
	if winner == nil {
		r.logger.Info("election completed with no responder")
		return
	}

	r.recorder.ElectionWon(r.id)
	r.electionsWon.Add(1)
	r.requestDatabase(ctx, winner)
}

// electHost pings every candidate in parallel and returns the first to
// respond, or nil if every ping times out. Losers still independently mark
// themselves closed on timeout even after a winner is chosen.
func (r *Runner) electHost(ctx context.Context, candidates []*client.Client) *client.Client {
	if len(candidates) == 0 {
		return nil
	}

	winnerCh := make(chan *client.Client, 1)
	var winnerChosen atomic.Bool
	var wg sync.WaitGroup

	for _, c := range candidates {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()

			pingCtx, cancel := context.WithTimeout(ctx, r.cfg.PingTimeout)
			defer cancel()

			err := c.Channel().Ping(pingCtx)
			if err != nil {
				r.electionsTimeout.Add(1)
				r.recorder.ElectionTimedOut(r.id)
				c.MarkClosed()
				return
			}

			if winnerChosen.CompareAndSwap(false, true) {
				winnerCh <- c
			}
		}(c)
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case winner := <-winnerCh:
		return winner
	case <-allDone:
		select {
		case winner := <-winnerCh:
			return winner
		default:
			return nil
		}
	}
}

// requestDatabase runs entirely inside the event-queue consumer, per the
// "no cancellation of an in-progress requestDatabase" rule: it blocks the
// consumer until the handshake settles or fails.
func (r *Runner) requestDatabase(ctx context.Context, c *client.Client) {
	endpoint, err := r.fetchEndpoint(ctx, c)
	if err != nil {
		r.logger.Warn("requestDatabase: failed to obtain endpoint", "client_id", c.ID(), "error", fmt.Errorf("%w: %v", ErrHandshake, err))
		return
	}

	handle, err := r.connector.Connect(ctx, endpoint)
	if err != nil {
		r.logger.Warn("requestDatabase: failed to connect local database", "client_id", c.ID(), "error", fmt.Errorf("%w: %v", ErrHandshake, err))
		return
	}

	r.mu.Lock()
	r.host = c
	r.generation++
	gen := r.generation
	r.mu.Unlock()

	go r.watchClosed(handle, gen)

	eng, err := r.engines(EngineParams{
		RunnerID:     r.id,
		Handle:       handle,
		Callbacks:    transport.NewCredentialCallbacks(c.Channel()),
		UpdateStream: handle.Updates(),
	})
	if err != nil {
		r.logger.Warn("requestDatabase: failed to construct engine", "client_id", c.ID(), "error", err)
		r.abandonHost(handle)
		return
	}

	go r.forwardStatus(eng.Status(), gen)

	if err := eng.Start(ctx); err != nil {
		r.logger.Warn("requestDatabase: failed to start engine", "client_id", c.ID(), "error", err)
		r.abandonHost(handle)
		return
	}

	r.mu.Lock()
	r.engine = eng
	r.mu.Unlock()

	r.logger.Info("engine started", "host_client_id", c.ID())
}

// abandonHost rolls back a requestDatabase attempt that failed after the
// host was tentatively set, restoring the runner to Electing.
func (r *Runner) abandonHost(handle DatabaseHandle) {
	r.mu.Lock()
	r.host = nil
	r.generation++
	r.mu.Unlock()

	if err := handle.Close(); err != nil {
		r.logger.Debug("failed to close abandoned database handle", "error", err)
	}
}

func (r *Runner) fetchEndpoint(ctx context.Context, c *client.Client) (DatabaseEndpoint, error) {
	reply, err := c.Channel().Request(ctx, transport.KindRequestDatabase, nil)
	if err != nil {
		return DatabaseEndpoint{}, err
	}
	var endpoint DatabaseEndpoint
	if err := json.Unmarshal(reply, &endpoint); err != nil {
		return DatabaseEndpoint{}, fmt.Errorf("malformed requestDatabase reply: %w", err)
	}
	return endpoint, nil
}

// watchClosed waits for handle's closed future and, if it resolves while
// gen is still the current handshake generation, marks the host client
// closed. markClosed's RemoveConnection call (via client.Runner) re-enters
// onRemove, which enqueues a literal ActiveDatabaseClosed event because this
// client is still the host — the two steps of host-closed detection
// (markClosed, then conditional re-election) run as two separate dequeued
// events, exactly as the event architecture models them.
func (r *Runner) watchClosed(handle DatabaseHandle, gen uint64) {
	select {
	case <-handle.Closed():
	case <-r.stopped:
		return
	}

	r.mu.RLock()
	stillCurrent := r.generation == gen
	host := r.host
	r.mu.RUnlock()

	if !stillCurrent || host == nil {
		return
	}
	host.MarkClosed()
}

// forwardStatus subscribes to the engine's status stream and broadcasts
// each event to every client currently connected, as long as gen is still
// the live handshake. It stops once the stream closes or the generation
// advances past it.
func (r *Runner) forwardStatus(statusCh <-chan syncengine.Status, gen uint64) {
	for status := range statusCh {
		r.mu.RLock()
		stillCurrent := r.generation == gen
		recipients := r.connectionsLocked()
		r.mu.RUnlock()

		if !stillCurrent {
			return
		}

		payload, err := json.Marshal(struct {
			Status any `json:"status"`
		}{Status: status})
		if err != nil {
			r.logger.Warn("failed to marshal status broadcast", "error", err)
			continue
		}

		for _, c := range recipients {
			if err := c.Channel().Notify(transport.KindNotifySyncStatus, payload); err != nil {
				r.logger.Debug("failed to deliver status notification", "client_id", c.ID(), "error", err)
			}
		}
		r.broadcastsSent.Add(1)
		r.recorder.BroadcastSent(r.id)
	}
}

// connectionsLocked returns a snapshot slice of connected clients. Callers
// must hold r.mu (read or write lock).
func (r *Runner) connectionsLocked() []*client.Client {
	out := make([]*client.Client, 0, len(r.connections))
	for _, c := range r.connections {
		out = append(out, c)
	}
	return out
}

// recordState appends the runner's current derived state to its attached
// StateRecorder, if any, and reports it to the Recorder.
func (r *Runner) recordState() {
	r.mu.RLock()
	state := currentState(r.engine != nil, r.host != nil, len(r.connections))
	r.mu.RUnlock()

	if r.recorderState != nil {
		r.recorderState.Record(state)
	}
	r.recorder.StateChanged(r.id, state.Name())
}

// Stats returns a point-in-time snapshot of this runner's observable state.
func (r *Runner) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		DatabaseID:       r.id,
		State:            currentState(r.engine != nil, r.host != nil, len(r.connections)).Name(),
		ConnectionCount:  len(r.connections),
		HasEngine:        r.engine != nil,
		ElectionsHeld:    r.electionsHeld.Load(),
		ElectionsWon:     r.electionsWon.Load(),
		ElectionsTimeout: r.electionsTimeout.Load(),
		BroadcastsSent:   r.broadcastsSent.Load(),
		InboxDepth:       r.inbox.Len(),
	}
}

// pingTimeout exposes the configured election timeout, used by tests that
// need to exceed it deterministically.
func (r *Runner) pingTimeout() time.Duration { return r.cfg.PingTimeout }
