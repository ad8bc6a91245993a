// Package execution turns workflow execution progress reports into
// status lines.
//
// While an assistant runs agent tasks the server publishes progress for
// every workflow execution on a shared topic, not scoped to a
// conversation. Parse accepts one such report, Filter decides whether it
// belongs to the exchange being watched, and StatusLine renders it the way
// the status log shows it, for example:
//
//	Starting task execution...
//	Step 1 of 3: Searching knowledge base...
//	Task execution completed.
//
// Health pings and other payloads that share the topic are rejected with
// ErrNotUpdate.
package execution
