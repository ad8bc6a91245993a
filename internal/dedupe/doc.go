// Package dedupe filters redelivered frames by message id.
//
// Brokers may redeliver a MESSAGE frame after a reconnect. The Cache
// remembers recently seen message ids for a bounded time and count so the
// connection can drop the second copy before it reaches any handler.
// Entries expire lazily on access; no background goroutine is started.
package dedupe
