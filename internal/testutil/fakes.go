package testutil

import (
	"context"
	"sync"

	"github.com/dbsync/coordinator/internal/runner"
	"github.com/dbsync/coordinator/internal/syncengine"
)

// FakeHandle is an in-memory runner.DatabaseHandle a test can close or feed
// update notifications to on demand.
type FakeHandle struct {
	mu      sync.Mutex
	closed  chan struct{}
	updates chan struct{}
	once    sync.Once
}

// NewFakeHandle returns a FakeHandle that stays open until CloseNow is called.
func NewFakeHandle() *FakeHandle {
	return &FakeHandle{
		closed:  make(chan struct{}),
		updates: make(chan struct{}, 16),
	}
}

func (h *FakeHandle) Closed() <-chan struct{}  { return h.closed }
func (h *FakeHandle) Updates() <-chan struct{} { return h.updates }

// Close satisfies runner.DatabaseHandle; it does not itself close the
// handle's closed future — call CloseNow to simulate the owning tab going
// away, mirroring the production handle where Close releases the local
// resource and the watch goroutine is what signals Closed().
func (h *FakeHandle) Close() error { return nil }

// CloseNow simulates the host tab disappearing: it closes the handle's
// closed future. Idempotent.
func (h *FakeHandle) CloseNow() {
	h.once.Do(func() { close(h.closed) })
}

// Update pushes one update notification, dropping it if the 16-slot buffer
// is full.
func (h *FakeHandle) Update() {
	select {
	case h.updates <- struct{}{}:
	default:
	}
}

// FakeConnector is a runner.DatabaseConnector that returns a preset handle
// or error, recording every call it receives.
type FakeConnector struct {
	mu       sync.Mutex
	handle   runner.DatabaseHandle
	err      error
	endpoint runner.DatabaseEndpoint
	calls    int
}

func NewFakeConnector(handle runner.DatabaseHandle) *FakeConnector {
	return &FakeConnector{handle: handle}
}

func (c *FakeConnector) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *FakeConnector) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *FakeConnector) LastEndpoint() runner.DatabaseEndpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

func (c *FakeConnector) Connect(_ context.Context, endpoint runner.DatabaseEndpoint) (runner.DatabaseHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.endpoint = endpoint
	if c.err != nil {
		return nil, c.err
	}
	return c.handle, nil
}

// FakeEngine is a runner.Engine whose Start/Abort/Status behavior a test
// controls directly.
type FakeEngine struct {
	mu         sync.Mutex
	statusCh   chan syncengine.Status
	startErr   error
	aborted    bool
	started    bool
	startCount int
	abortCount int
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{statusCh: make(chan syncengine.Status, 16)}
}

func (e *FakeEngine) SetStartError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startErr = err
}

func (e *FakeEngine) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

func (e *FakeEngine) Aborted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aborted
}

func (e *FakeEngine) StartCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startCount
}

func (e *FakeEngine) AbortCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.abortCount
}

func (e *FakeEngine) Start(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startCount++
	if e.startErr != nil {
		return e.startErr
	}
	e.started = true
	return nil
}

func (e *FakeEngine) Abort(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.abortCount++
	e.aborted = true
	return nil
}

func (e *FakeEngine) Status() <-chan syncengine.Status { return e.statusCh }

// Publish pushes a status event to subscribers, or drops it if full.
func (e *FakeEngine) Publish(s syncengine.Status) {
	select {
	case e.statusCh <- s:
	default:
	}
}

// NewFakeEngineFactory returns a runner.EngineFactory that always hands back
// engine, ignoring params, and records the params it was last called with.
func NewFakeEngineFactory(engine *FakeEngine) (runner.EngineFactory, *EngineFactoryCalls) {
	calls := &EngineFactoryCalls{}
	factory := func(params runner.EngineParams) (runner.Engine, error) {
		calls.mu.Lock()
		calls.lastParams = params
		calls.count++
		calls.mu.Unlock()
		return engine, nil
	}
	return factory, calls
}

// EngineFactoryCalls records invocations of a fake EngineFactory.
type EngineFactoryCalls struct {
	mu         sync.Mutex
	lastParams runner.EngineParams
	count      int
}

func (c *EngineFactoryCalls) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *EngineFactoryCalls) LastParams() runner.EngineParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastParams
}

// FakeRecorder is a runner.Recorder that counts every event it receives.
type FakeRecorder struct {
	mu      sync.Mutex
	started map[string]uint64
	won     map[string]uint64
	timeout map[string]uint64
	bcast   map[string]uint64
	states  []string
}

func NewFakeRecorder() *FakeRecorder {
	return &FakeRecorder{
		started: map[string]uint64{},
		won:     map[string]uint64{},
		timeout: map[string]uint64{},
		bcast:   map[string]uint64{},
	}
}

func (r *FakeRecorder) ElectionStarted(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started[id]++
}

func (r *FakeRecorder) ElectionWon(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.won[id]++
}

func (r *FakeRecorder) ElectionTimedOut(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeout[id]++
}

func (r *FakeRecorder) BroadcastSent(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bcast[id]++
}

func (r *FakeRecorder) StateChanged(_ string, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *FakeRecorder) States() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.states))
	copy(out, r.states)
	return out
}

func (r *FakeRecorder) ElectionsStarted(id string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started[id]
}

func (r *FakeRecorder) ElectionsWon(id string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.won[id]
}

func (r *FakeRecorder) ElectionsTimedOut(id string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeout[id]
}
