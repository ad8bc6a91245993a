// ABOUTME: Heart-beat header formatting, parsing, and interval negotiation
// ABOUTME: Follows the "send,receive" millisecond pair carried by CONNECT and CONNECTED

package transport

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FormatHeartBeat renders a heart-beat header value in milliseconds.
func FormatHeartBeat(send, receive time.Duration) string {
	return fmt.Sprintf("%d,%d", send.Milliseconds(), receive.Milliseconds())
}

// ParseHeartBeat parses a "send,receive" header value in milliseconds.
func ParseHeartBeat(v string) (send, receive time.Duration, err error) {
	sx, rx, ok := strings.Cut(strings.TrimSpace(v), ",")
	if !ok {
		return 0, 0, fmt.Errorf("invalid heart-beat %q", v)
	}
	s, err := strconv.ParseInt(strings.TrimSpace(sx), 10, 64)
	if err != nil || s < 0 {
		return 0, 0, fmt.Errorf("invalid heart-beat send value %q", sx)
	}
	r, err := strconv.ParseInt(strings.TrimSpace(rx), 10, 64)
	if err != nil || r < 0 {
		return 0, 0, fmt.Errorf("invalid heart-beat receive value %q", rx)
	}
	return time.Duration(s) * time.Millisecond, time.Duration(r) * time.Millisecond, nil
}

// NegotiateHeartBeat combines the client's wishes with the server's
// CONNECTED header. outgoing is how often the client must send a beat,
// incoming how often it should expect one; zero disables either side.
// An absent or invalid server header disables both.
func NegotiateHeartBeat(clientSend, clientReceive time.Duration, serverHeader string) (outgoing, incoming time.Duration) {
	serverSend, serverReceive, err := ParseHeartBeat(serverHeader)
	if err != nil {
		return 0, 0
	}
	if clientSend > 0 && serverReceive > 0 {
		outgoing = max(clientSend, serverReceive)
	}
	if clientReceive > 0 && serverSend > 0 {
		incoming = max(clientReceive, serverSend)
	}
	return outgoing, incoming
}
