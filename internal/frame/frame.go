// ABOUTME: Frame type, command names, and ordered header set for the chat wire protocol
// ABOUTME: Provides constructors for the outbound frames the client sends

package frame

import "strings"

// Terminator ends every frame on the wire.
const Terminator = '\x00'

// Commands sent by the client.
const (
	CommandConnect    = "CONNECT"
	CommandSubscribe  = "SUBSCRIBE"
	CommandSend       = "SEND"
	CommandDisconnect = "DISCONNECT"
)

// Commands sent by the server.
const (
	CommandConnected = "CONNECTED"
	CommandMessage   = "MESSAGE"
	CommandReceipt   = "RECEIPT"
	CommandError     = "ERROR"
)

// Well-known header names.
const (
	HeaderAcceptVersion = "accept-version"
	HeaderHeartBeat     = "heart-beat"
	HeaderID            = "id"
	HeaderDestination   = "destination"
	HeaderContentType   = "content-type"
	HeaderMessageID     = "message-id"
	HeaderSubscription  = "subscription"
	HeaderReceiptID     = "receipt-id"
	HeaderMessage       = "message"
	HeaderVersion       = "version"
)

// Header is a single key/value pair.
type Header struct {
	Key   string
	Value string
}

// Headers is an ordered header set. Keys are unique: Set replaces an
// existing key in place, preserving its original position.
type Headers []Header

// Get returns the value for key and whether it was present.
func (h Headers) Get(key string) (string, bool) {
	for _, hdr := range h {
		if hdr.Key == key {
			return hdr.Value, true
		}
	}
	return "", false
}

// Value returns the value for key, or "" if absent.
func (h Headers) Value(key string) string {
	v, _ := h.Get(key)
	return v
}

// Set adds or replaces key.
func (h *Headers) Set(key, value string) {
	for i := range *h {
		if (*h)[i].Key == key {
			(*h)[i].Value = value
			return
		}
	}
	*h = append(*h, Header{Key: key, Value: value})
}

// Frame is one unit of wire exchange.
type Frame struct {
	Command string
	Headers Headers
	Body    string
}

// New builds a frame from alternating key/value strings. A trailing key
// without a value is ignored.
func New(command, body string, kv ...string) Frame {
	f := Frame{Command: command, Body: body}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Headers.Set(kv[i], kv[i+1])
	}
	return f
}

// Connect builds the handshake frame sent once per socket open.
func Connect(acceptVersion, heartBeat string) Frame {
	return New(CommandConnect, "",
		HeaderAcceptVersion, acceptVersion,
		HeaderHeartBeat, heartBeat,
	)
}

// Subscribe builds a SUBSCRIBE frame for destination under subscription id.
func Subscribe(id, destination string) Frame {
	return New(CommandSubscribe, "",
		HeaderID, id,
		HeaderDestination, destination,
	)
}

// Send builds a SEND frame carrying body to destination.
func Send(destination, contentType, body string) Frame {
	return New(CommandSend, body,
		HeaderDestination, destination,
		HeaderContentType, contentType,
	)
}

// Disconnect builds the best-effort goodbye frame.
func Disconnect() Frame {
	return Frame{Command: CommandDisconnect}
}

// IsHeartbeat reports whether raw is a bare heart-beat (only EOLs, or empty).
func IsHeartbeat(raw []byte) bool {
	return strings.Trim(string(raw), "\r\n") == ""
}
