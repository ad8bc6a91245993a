// Package chat is the client facade that ties the connection, the
// subscription registry, the conversation sessions, the HTTP collaborator
// and the history pager together.
//
// # Wiring
//
//	transport.Manager ──frames──► subscription.Registry ──events──► conversation.Session
//	       ▲                               │
//	       └────── SUBSCRIBE (resubscribe on every CONNECTED) ◄────┘
//
// Exactly one session is current at a time. Opening another conversation
// or deleting the current one closes the previous session and drops its
// subscription in the same step.
//
// # Sending
//
// Send appends the user message optimistically, then either starts a new
// conversation or posts into the bound one. The HTTP reply is applied as
// an acknowledgement: if the stream was missed the answer it carries is
// used instead. A failed request rolls the optimistic message back.
//
// # Views
//
// Every session change produces a View: the snapshot, the paginated
// window of messages and the connection state. The pager follows new
// messages while the window already shows the newest one.
package chat
