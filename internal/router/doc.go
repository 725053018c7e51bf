// Package router dispatches inbound client messages to typed handlers.
//
// Each inbound frame names an event. The router validates the frame's data
// against the event's JSON schema, decodes it into the handler's payload type
// and converts handler errors into error replies. The connection is never
// closed by the router.
package router
