// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Connection opens, closes and current count
//   - Inbound message rates by event
//   - Broadcast volume by priority and delivery outcomes
//   - Delivery latency
//   - Stored replay events
//   - Errors by component
package metrics
