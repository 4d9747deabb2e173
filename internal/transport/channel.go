package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrDisconnected is returned to every in-flight request, and to any
// request issued afterwards, once the underlying Port has failed.
var ErrDisconnected = errors.New("transport: disconnected")

// ErrProtocol is returned when a request names a kind the peer's handler
// does not recognize.
var ErrProtocol = errors.New("transport: protocol error")

// RequestHandler answers an incoming request. The second return value is an
// optional transferable payload (the Go analogue of a transferred
// MessagePort); Channel discards it, and a reply frame carries only the
// reply payload or an error.
type RequestHandler func(ctx context.Context, kind Kind, payload json.RawMessage) (reply json.RawMessage, transferable []byte, err error)

type pendingRequest struct {
	replyCh chan Message
}

// Channel implements the request/response and notification protocol over
// one Port. A Channel is safe for concurrent use: multiple goroutines may
// issue requests and notifications while Serve drains incoming frames.
type Channel struct {
	port   Port
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
	handler RequestHandler

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// NewChannel constructs a Channel bound to port. Call Serve to start
// reading; requests and notifications may be issued before Serve starts.
func NewChannel(port Port, logger *slog.Logger) *Channel {
	return &Channel{
		port:    port,
		logger:  logger,
		pending: make(map[string]*pendingRequest),
		closed:  make(chan struct{}),
	}
}

// SetRequestHandler installs the handler invoked for every incoming
// request and notification; only requests get a reply. Unknown kinds are the handler's responsibility to reject with
// ErrProtocol; a nil handler fails every incoming request with ErrProtocol.
func (c *Channel) SetRequestHandler(h RequestHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Serve drains incoming frames until the Port fails or is closed. It is
// meant to run in its own goroutine for the lifetime of the connection.
func (c *Channel) Serve() error {
	for {
		data, err := c.port.ReadMessage()
		if err != nil {
			c.teardown()
			return fmt.Errorf("%w: %v", ErrDisconnected, err)
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("discarding malformed frame", "error", err)
			continue
		}

		if msg.IsReply {
			c.dispatchReply(msg)
			continue
		}
		go c.dispatchRequest(msg)
	}
}

func (c *Channel) dispatchReply(msg Message) {
	c.mu.Lock()
	pr, ok := c.pending[msg.CorrelationID]
	if ok {
		delete(c.pending, msg.CorrelationID)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	pr.replyCh <- msg
}

func (c *Channel) dispatchRequest(msg Message) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()

	reply := Message{Kind: msg.Kind, CorrelationID: msg.CorrelationID, IsReply: true}

	if handler == nil {
		reply.Error = fmt.Errorf("%w: no handler installed for %s", ErrProtocol, msg.Kind).Error()
	} else {
		payload, _, err := handler(context.Background(), msg.Kind, msg.Payload)
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Payload = payload
		}
	}

	if msg.CorrelationID == "" {
		// A notification is one-way: the handler ran, but no reply is sent.
		return
	}

	data, err := json.Marshal(reply)
	if err != nil {
		c.logger.Error("failed to marshal reply", "error", err)
		return
	}
	if err := c.writeMessage(data); err != nil {
		c.logger.Debug("failed to write reply", "error", err)
	}
}

// writeMessage serializes every write to the underlying Port. gorilla/websocket
// (the production Port) permits at most one concurrent writer; requests,
// notifications, and reply writes all go through this single gate.
func (c *Channel) writeMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.port.WriteMessage(data)
}

// Request issues a correlated request and waits for the peer's reply.
func (c *Channel) Request(ctx context.Context, kind Kind, payload json.RawMessage) (json.RawMessage, error) {
	id := uuid.NewString()
	pr := &pendingRequest{replyCh: make(chan Message, 1)}

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return nil, ErrDisconnected
	default:
	}
	c.pending[id] = pr
	c.mu.Unlock()

	msg := Message{Kind: kind, CorrelationID: id, Payload: payload}
	data, err := json.Marshal(msg)
	if err != nil {
		c.forgetPending(id)
		return nil, fmt.Errorf("transport: marshal request: %w", err)
	}

	if err := c.writeMessage(data); err != nil {
		c.forgetPending(id)
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	select {
	case reply := <-pr.replyCh:
		if reply.Error != "" {
			return nil, errors.New(reply.Error)
		}
		return reply.Payload, nil
	case <-ctx.Done():
		c.forgetPending(id)
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrDisconnected
	}
}

func (c *Channel) forgetPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Notify sends a one-way message. Per the protocol, notification failures
// are not surfaced to the sender's caller as protocol errors; callers
// should log the returned error and continue rather than treat it as fatal.
func (c *Channel) Notify(kind Kind, payload json.RawMessage) error {
	msg := Message{Kind: kind, Payload: payload}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport: marshal notification: %w", err)
	}
	if err := c.writeMessage(data); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

// Ping issues a fixed-kind liveness request. Callers control the timeout via ctx.
func (c *Channel) Ping(ctx context.Context) error {
	_, err := c.Request(ctx, KindPing, nil)
	return err
}

// Done is closed once the channel has torn down after a transport failure.
func (c *Channel) Done() <-chan struct{} {
	return c.closed
}

// Close tears down the channel, failing every in-flight request.
func (c *Channel) Close() error {
	c.teardown()
	return c.port.Close()
}

func (c *Channel) teardown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.pending = make(map[string]*pendingRequest)
		c.mu.Unlock()

		// Every waiting Request selects on c.closed and returns ErrDisconnected.
		close(c.closed)
	})
}
