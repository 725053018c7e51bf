// Package archive persists workspace activity beyond the in-memory feed.
//
// The presence tracker keeps a capped, age-pruned feed per workspace. When a
// database is configured, the Writer receives every recorded activity event
// through the tracker's ActivityRecorded hook and appends it to the
// activity_events table in batches. Inserts are append-only; a replayed id is
// a conflict, not an error.
package archive
