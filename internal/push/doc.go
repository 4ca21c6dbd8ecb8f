// Package push delivers OS-level notifications for records the engine
// accepted.
//
// # Permission
//
// Each identity has a permission state: default, granted or denied. Only an
// explicit Request moves it out of default, and nothing in this package moves
// it back. Show is a no-op unless the state is granted. The state is stored
// under push_permission:{identity} so it survives restarts.
//
// # Channels
//
// Delivery goes through Channel implementations. Durable channels (the
// Telegram bot chat) reach the user when no local view is open and are
// preferred; the log channel lives only as long as the process. A channel
// that answers ErrForbidden during Request or Send turns the identity's
// state into denied and the service publishes push.denied once.
//
// # Throughput
//
// Sends are queued, rate limited with a token bucket and retried with
// jittered exponential backoff, the same way operator notifications were
// throttled in the bot this service grew out of.
package push
