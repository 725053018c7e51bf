// Package connectiontest provides a recording Transport for tests.
package connectiontest

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("transport closed")

// Frame is a decoded outbound envelope.
type Frame struct {
	Type      string          `json:"type"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	MessageID string          `json:"messageId"`
}

// Transport records every frame written to it.
type Transport struct {
	mu          sync.Mutex
	frames      []Frame
	pings       int
	closed      bool
	closeCode   int
	closeReason string
	writeErr    error
}

// New returns an open recording transport.
func New() *Transport {
	return &Transport{}
}

// Write records data as a frame.
func (t *Transport) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.writeErr != nil {
		return t.writeErr
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	t.frames = append(t.frames, f)
	return nil
}

// Ping counts heartbeat probes.
func (t *Transport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	t.pings++
	return nil
}

// Close records the close code and reason.
func (t *Transport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		t.closed = true
		t.closeCode = code
		t.closeReason = reason
	}
	return nil
}

// FailWrites makes subsequent writes return err. nil restores writes.
func (t *Transport) FailWrites(err error) {
	t.mu.Lock()
	t.writeErr = err
	t.mu.Unlock()
}

// Frames returns a copy of all recorded frames.
func (t *Transport) Frames() []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Frame, len(t.frames))
	copy(out, t.frames)
	return out
}

// Events returns the event names of recorded frames, in order.
func (t *Transport) Events() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.frames))
	for i, f := range t.frames {
		out[i] = f.Event
	}
	return out
}

// Last returns the most recent frame with the given event name.
func (t *Transport) Last(event string) (Frame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.frames) - 1; i >= 0; i-- {
		if t.frames[i].Event == event {
			return t.frames[i], true
		}
	}
	return Frame{}, false
}

// Count returns how many frames carry the given event name.
func (t *Transport) Count(event string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, f := range t.frames {
		if f.Event == event {
			n++
		}
	}
	return n
}

// Reset discards recorded frames.
func (t *Transport) Reset() {
	t.mu.Lock()
	t.frames = nil
	t.mu.Unlock()
}

// Pings returns the number of pings sent.
func (t *Transport) Pings() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pings
}

// Closed reports whether Close was called, with its code and reason.
func (t *Transport) Closed() (closed bool, code int, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed, t.closeCode, t.closeReason
}
