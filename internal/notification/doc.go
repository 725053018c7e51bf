// Package notification stores per-user notifications replayed to clients on
// connect.
//
// PostgresStore keeps them in a notifications table through pgx; MemoryStore
// serves single-node deployments and tests.
package notification
