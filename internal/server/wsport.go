// Package server hosts the HTTP surface: the WebSocket upgrade endpoint
// each Connected Client is bound to, plus /healthz and /metrics.
package server

import (
	"github.com/gorilla/websocket"
)

// wsPort adapts a *websocket.Conn to transport.Port.
type wsPort struct {
	conn *websocket.Conn
}

func newWSPort(conn *websocket.Conn) *wsPort {
	return &wsPort{conn: conn}
}

// ReadMessage reads one WebSocket text/binary frame as a raw byte slice.
func (p *wsPort) ReadMessage() ([]byte, error) {
	_, data, err := p.conn.ReadMessage()
	return data, err
}

// WriteMessage writes data as one WebSocket text frame.
func (p *wsPort) WriteMessage(data []byte) error {
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying WebSocket connection.
func (p *wsPort) Close() error {
	return p.conn.Close()
}
