// Package notifier pushes newly stored notifications to online users.
//
// Notifications written to the store by other services after a client has
// connected would otherwise only reach it on its next connect. The Notifier
// polls the store for every online user on an interval, with bounded
// concurrency, and sends each new unread notification to the user's
// connections as a "notification" event.
package notifier
