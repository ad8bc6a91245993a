// Package conversation turns a conversation's event stream into a
// display-ready transcript.
//
// # Overview
//
// A Session holds one conversation's messages plus the flags a UI needs:
// sending, cancelling, the task status log, and whether the reply is
// taking longer than expected.
//
//	idle --Submit--> sending --STARTED--> streaming --COMPLETE/CANCELLED--> idle
//
// Every input (user action or server event) is applied atomically under
// the session lock. Change callbacks run outside the lock and always see
// the latest snapshot; intermediate snapshots may be coalesced.
//
// # Streaming
//
// At most one message is streaming at a time. The session tracks it by id
// (StreamingMessageID) rather than by scanning for the flag, so a
// duplicate STARTED is a no-op and CHUNK always targets the right message.
// CHUNK carries the accumulated text, not a delta, so a missed chunk is
// repaired by the next one.
//
// # Cancellation
//
// RequestCancel only marks the session cancelling and sends the cancel
// command. The streaming message is removed when STREAMING_CANCELLED
// arrives. If STREAMING_COMPLETE wins the race the answer stays and the
// cancelling flag is cleared. Cancelling an idle session does nothing.
//
// # Timers
//
// The watchdog fires once per submit if the session is still sending and
// only sets WaitingTooLong. The stale-stream timer finalises a streaming
// message that has received no chunk for StaleStreamTimeout, keeping its
// content and marking it interrupted in metadata.
//
// # Tracker
//
// Tracker owns the open sessions and their registry subscriptions, so a
// session and its subscription are created and torn down together.
package conversation
