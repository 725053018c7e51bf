// Package broadcast fans logical events out to resolved audiences.
//
// A broadcast is stamped, stored first when persistent, resolved against the
// connection registry, filtered per connection and then delivered:
//   - high priority inline, before Broadcast returns
//   - normal and low through shared FIFO lanes drained on a tick
//
// Every recipient gets its own outcome. One failed recipient never stops the rest.
package broadcast
