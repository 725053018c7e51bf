package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/rickgao/collabhub/internal/connection"
	"github.com/rickgao/collabhub/internal/metrics"
	"github.com/rickgao/collabhub/internal/model"
)

// HandlerFunc handles one decoded inbound payload.
type HandlerFunc[T any] func(ctx context.Context, call Call, payload T) error

type route struct {
	schema *jsonschema.Schema
	handle func(ctx context.Context, call Call, data json.RawMessage) error
}

// Router dispatches inbound messages by event name.
type Router struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	routes map[string]route

	received  atomic.Int64
	handled   atomic.Int64
	errors    atomic.Int64
	unknown   atomic.Int64
	malformed atomic.Int64
}

// New creates a Router with no handlers.
func New(logger *slog.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:  logger.With("component", "router"),
		metrics: m,
		routes:  make(map[string]route),
	}
}

// Handle registers fn for event. schema, when non-empty, is a JSON schema the
// message data must satisfy before it is decoded into T.
func Handle[T any](r *Router, event, schema string, fn HandlerFunc[T]) error {
	rt := route{
		handle: func(ctx context.Context, call Call, data json.RawMessage) error {
			var payload T
			if len(data) > 0 && string(data) != "null" {
				if err := json.Unmarshal(data, &payload); err != nil {
					return Errorf(CodeMalformedMessage, "decode %s: %v", call.Event, err)
				}
			}
			return fn(ctx, call, payload)
		},
	}

	if schema != "" {
		compiled, err := jsonschema.CompileString("inbound_"+event, schema)
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", event, err)
		}
		rt.schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[event]; exists {
		return fmt.Errorf("handler already registered for %s", event)
	}
	r.routes[event] = rt
	return nil
}

// Events returns the registered event names.
func (r *Router) Events() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.routes))
	for ev := range r.routes {
		out = append(out, ev)
	}
	return out
}

// HandleMessage decodes raw, validates it and runs its handler. Failures are
// answered with an error reply on conn.
func (r *Router) HandleMessage(ctx context.Context, conn *connection.Connection, raw []byte) {
	r.received.Add(1)

	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		r.malformed.Add(1)
		r.fail(conn, Call{Conn: conn}, Errorf(CodeMalformedMessage, "invalid frame: %v", err))
		return
	}
	call := Call{Conn: conn, Event: in.Event, MessageID: in.MessageID}

	if in.Event == "" {
		r.malformed.Add(1)
		r.fail(conn, call, Errorf(CodeMalformedMessage, "missing event"))
		return
	}

	r.mu.RLock()
	rt, ok := r.routes[in.Event]
	r.mu.RUnlock()

	if !ok {
		r.unknown.Add(1)
		r.metrics.MessageReceived("unknown")
		r.fail(conn, call, Errorf(CodeUnknownMessageType, "unknown event %q", in.Event))
		return
	}
	r.metrics.MessageReceived(in.Event)

	if rt.schema != nil {
		if err := validate(rt.schema, in.Data); err != nil {
			r.malformed.Add(1)
			r.fail(conn, call, Errorf(CodeMalformedMessage, "%s: %v", in.Event, err))
			return
		}
	}

	if err := rt.handle(ctx, call, in.Data); err != nil {
		var rerr *Error
		if errors.As(err, &rerr) && rerr.Code == CodeMalformedMessage {
			r.malformed.Add(1)
		}
		r.fail(conn, call, err)
		return
	}
	r.handled.Add(1)
}

func validate(schema *jsonschema.Schema, data json.RawMessage) error {
	var v any
	if len(data) == 0 || string(data) == "null" {
		v = map[string]any{}
	} else if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return schema.Validate(v)
}

// fail converts err to an error reply.
func (r *Router) fail(conn *connection.Connection, call Call, err error) {
	r.errors.Add(1)

	var rerr *Error
	if !errors.As(err, &rerr) {
		r.logger.Warn("handler error",
			"event", call.Event,
			"conn_id", conn.ID(),
			"user_id", conn.User().ID,
			"error", err,
		)
		rerr = &Error{Code: CodeInternalError, Message: "internal error"}
	} else {
		r.logger.Debug("request rejected",
			"event", call.Event,
			"conn_id", conn.ID(),
			"code", rerr.Code,
			"message", rerr.Message,
		)
	}
	r.metrics.RecordError("router", rerr.Code)

	sendErr := conn.SendEnvelope(connection.Envelope{
		Type:      connection.TypeError,
		Event:     "error",
		Data:      ErrorPayload{Code: rerr.Code, Message: rerr.Message, Event: call.Event},
		MessageID: call.MessageID,
	}, model.PriorityHigh)
	if sendErr != nil {
		r.logger.Debug("error reply not delivered", "conn_id", conn.ID(), "error", sendErr)
	}
}

// Stats returns router counters.
func (r *Router) Stats() Stats {
	return Stats{
		Received:  r.received.Load(),
		Handled:   r.handled.Load(),
		Errors:    r.errors.Load(),
		Unknown:   r.unknown.Load(),
		Malformed: r.malformed.Load(),
	}
}
