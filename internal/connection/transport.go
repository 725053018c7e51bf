package connection

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the physical duplex channel under a Connection.
type Transport interface {
	// Write sends one text frame.
	Write(data []byte) error

	// Ping sends a heartbeat probe.
	Ping() error

	// Close sends a close frame and releases the channel.
	Close(code int, reason string) error
}

// WSTransport implements Transport over a gorilla websocket.
type WSTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	// gorilla allows one concurrent writer
	writeMu sync.Mutex
}

// NewWSTransport wraps an upgraded websocket connection.
func NewWSTransport(conn *websocket.Conn, writeTimeout time.Duration) *WSTransport {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WSTransport{conn: conn, writeTimeout: writeTimeout}
}

// Write sends data as a text message.
func (t *WSTransport) Write(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a websocket ping control frame.
func (t *WSTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

// Close sends a close frame with code and reason, then closes the socket.
func (t *WSTransport) Close(code int, reason string) error {
	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second),
	)
	return t.conn.Close()
}
