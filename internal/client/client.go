// Package client implements the Connected Client: the per-tab session
// object that owns one transport.Channel, forwards the process log stream to
// its peer, and routes inbound control messages to the owning Sync Runner.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dbsync/coordinator/internal/logging"
	"github.com/dbsync/coordinator/internal/transport"
)

// ErrProtocol is returned for any inbound request kind this client does not
// accept.
var ErrProtocol = errors.New("client: protocol error")

// Coordinator is the narrow slice of the Worker Root a Client needs: look up
// (creating on demand) the Sync Runner for a database identifier. The Client
// then registers itself with the returned Runner. Defined here, not in
// package coordinator, so this package never imports its caller.
type Coordinator interface {
	ReferenceSyncTask(ctx context.Context, databaseID string, c *Client) (Runner, error)
}

// Runner is the narrow slice of the Sync Runner a Client needs: enqueue its
// own add/remove events without this package needing to know the runner's
// event sum type. Defined here so package runner can implement it
// structurally without this package importing runner.
type Runner interface {
	AddConnection(ctx context.Context, c *Client) error
	RemoveConnection(ctx context.Context, c *Client) error
}

// startSynchronizationRequest is the payload of a startSynchronization request.
type startSynchronizationRequest struct {
	DatabaseName string `json:"databaseName"`
}

// Client represents one tab for the lifetime of its port.
type Client struct {
	id          string
	ch          *transport.Channel
	coordinator Coordinator
	logs        *logging.Broadcaster
	logger      *slog.Logger

	mu      sync.Mutex
	runner  Runner
	sub     *logging.Subscription
	closeCh chan struct{}

	closeOnce sync.Once
}

// New constructs a Client bound to ch, wires its request handler, and starts
// forwarding the process-wide log stream.
func New(id string, ch *transport.Channel, coordinator Coordinator, logs *logging.Broadcaster, logger *slog.Logger) *Client {
	c := &Client{
		id:          id,
		ch:          ch,
		coordinator: coordinator,
		logs:        logs,
		logger:      logger.With("client_id", id),
		closeCh:     make(chan struct{}),
	}
	ch.SetRequestHandler(c.handleRequest)
	c.sub = logs.Subscribe(0)
	go c.forwardLogs()
	return c
}

// ID returns this client's server-assigned identifier.
func (c *Client) ID() string { return c.id }

// Channel returns the underlying transport channel, used by the Sync Runner
// to issue requestDatabase/ping/callback requests against this client.
func (c *Client) Channel() *transport.Channel { return c.ch }

func (c *Client) handleRequest(ctx context.Context, kind transport.Kind, payload json.RawMessage) (json.RawMessage, []byte, error) {
	switch kind {
	case transport.KindStartSynchronization:
		return c.handleStartSynchronization(ctx, payload)
	case transport.KindAbortSynchronization:
		return c.handleAbortSynchronization(ctx)
	default:
		return nil, nil, fmt.Errorf("%w: unexpected request kind %s from client", ErrProtocol, kind)
	}
}

func (c *Client) handleStartSynchronization(ctx context.Context, payload json.RawMessage) (json.RawMessage, []byte, error) {
	var req startSynchronizationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, nil, fmt.Errorf("%w: malformed startSynchronization payload: %v", ErrProtocol, err)
	}

	r, err := c.coordinator.ReferenceSyncTask(ctx, req.DatabaseName, c)
	if err != nil {
		return nil, nil, fmt.Errorf("client: reference sync task: %w", err)
	}

	c.mu.Lock()
	c.runner = r
	c.mu.Unlock()

	if err := r.AddConnection(ctx, c); err != nil {
		return nil, nil, fmt.Errorf("client: add connection: %w", err)
	}
	return []byte("{}"), nil, nil
}

func (c *Client) handleAbortSynchronization(ctx context.Context) (json.RawMessage, []byte, error) {
	c.mu.Lock()
	r := c.runner
	c.runner = nil
	c.mu.Unlock()

	if r != nil {
		if err := r.RemoveConnection(ctx, c); err != nil {
			return nil, nil, fmt.Errorf("client: remove connection: %w", err)
		}
	}
	return []byte("{}"), nil, nil
}

func (c *Client) forwardLogs() {
	for rec := range c.sub.C {
		line := rec.FormatLine()
		payload, err := json.Marshal(struct {
			Text string `json:"text"`
		}{Text: line})
		if err != nil {
			continue
		}
		if err := c.ch.Notify(transport.KindLogEvent, payload); err != nil {
			c.logger.Debug("failed to forward log line", "error", err)
		}
	}
}

// MarkClosed cancels the log subscription, unregisters from the runner if
// any, and clears the runner reference. Safe to call more than once.
func (c *Client) MarkClosed() {
	c.closeOnce.Do(func() {
		c.sub.Unsubscribe()

		c.mu.Lock()
		r := c.runner
		c.runner = nil
		c.mu.Unlock()

		if r != nil {
			if err := r.RemoveConnection(context.Background(), c); err != nil {
				c.logger.Debug("failed to enqueue remove connection on close", "error", err)
			}
		}

		_ = c.ch.Close()
		close(c.closeCh)
	})
}

// Done is closed once MarkClosed has run.
func (c *Client) Done() <-chan struct{} {
	return c.closeCh
}
