// Package server accepts WebSocket handshakes and runs each client's read
// loop.
//
// A handshake authenticates the token, checks registry capacity, upgrades,
// registers the connection and replays what the client missed. The read loop
// feeds inbound frames to the message router under a per-connection rate
// limit. Routes mounts the WebSocket endpoint next to /health and /metrics.
package server
