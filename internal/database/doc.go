// Package database builds PostgreSQL connection pools for the notification
// store.
package database
