package transport

// Port abstracts the duplex message port a Channel is bound to. The
// production implementation wraps a WebSocket connection
// (internal/server/wsport.go); tests use an in-memory fake
// (internal/testutil).
type Port interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}
