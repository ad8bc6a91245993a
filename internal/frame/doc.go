// Package frame implements the text-frame wire codec spoken over the chat socket.
//
// # Overview
//
// Every unit of exchange on the socket is a Frame: a command line, zero or
// more "key:value" header lines, a blank line, an optional body, and a single
// NUL terminator byte:
//
//	SEND
//	destination:/app/chat-cancel
//	content-type:application/json
//
//	{"conversationId":"c-1","action":"CANCEL"}\x00
//
// The body is never length-prefixed; it runs from the blank line to the
// terminator, so it may contain newlines (JSON, markdown) but never NUL.
//
// # Decoding
//
// Decode splits on newline, takes the first line as the command, collects
// header lines until the first empty line, and treats everything after it
// (minus the trailing terminator) as the body. Only the first colon of a
// header line separates key from value. Unknown commands are returned
// untouched; deciding what to ignore is the connection's job.
//
// A payload consisting only of end-of-line characters is a heart-beat and
// is recognised with IsHeartbeat before decoding.
//
// # Errors
//
// Malformed payloads return a *DecodeError which matches ErrDecode under
// errors.Is. Callers log and drop such frames; they never tear down the
// connection.
package frame
