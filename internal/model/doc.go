// Package model defines shared data types used across the collaboration layer.
//
// Conventions:
//   - IDs: opaque strings (UUIDs for ids generated by this layer)
//   - Timestamps: time.Time internally, int64 milliseconds since Unix epoch on the wire
//   - Channels: "<scope>:<id>" strings, e.g. "workspace:W1", "project:P1", "user:U1", "role:admin"
package model
