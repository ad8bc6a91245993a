// Package subscription routes inbound chat events to local handlers.
//
// # Overview
//
// The Registry maps a key to a set of handlers. The empty key is the
// global set, which receives every event. Any other key is a conversation
// id, and its handlers receive only events whose conversationId matches.
//
//	unsubscribe := reg.Subscribe("conv-42", func(ev event.Event) { ... })
//	defer unsubscribe()
//
// Dispatch snapshots the handler sets under a read lock and calls the
// handlers outside it, so a handler may subscribe or unsubscribe without
// deadlocking or disturbing the delivery in progress. A panicking handler
// is recovered and logged; the remaining handlers still run.
//
// # Wire subscriptions
//
// When a conversation topic prefix is configured, the first handler for a
// conversation also issues SUBSCRIBE for prefix+conversationId, and
// Resubscribe re-issues it for every active key after a reconnect.
// Without a prefix all conversations arrive on the global topic and
// routing is purely local.
//
// Unsubscribing never sends UNSUBSCRIBE. Dropping the last handler for a
// key only stops local delivery; the server keeps sending to the topic and
// the registry filters those events out as stale. This keeps reconnect
// handling to a single idempotent SUBSCRIBE per key at the cost of some
// idle traffic.
package subscription
