// Package event defines the JSON payloads carried in MESSAGE and SEND
// frame bodies.
//
// Inbound events carry a type discriminator and, when scoped to a
// conversation, a conversationId. Unknown types parse successfully; it is
// up to the consumer to log and ignore them.
package event
