// Package transport owns the single persistent chat socket.
//
// # Overview
//
// The Manager drives the connection lifecycle:
//
//	disconnected --Connect--> connecting --CONNECTED--> connected
//	connected --socket lost--> disconnected --> reconnecting --> connecting ...
//	reconnecting --attempt ceiling--> failed (terminal until Connect)
//
// Once the socket opens the Manager sends CONNECT and waits for CONNECTED
// before any other traffic. On CONNECTED it subscribes to the global topic
// and runs the OnConnected hooks, which is where the subscription registry
// re-issues conversation subscriptions after a reconnect.
//
// # Reconnection
//
// Backoff delay for attempt n is min(base * growth^n, max). The attempt
// counter resets on CONNECTED and on every explicit Connect call. Reaching
// the ceiling moves to StateFailed and stops scheduling.
//
// # Sending
//
// Send and Subscribe are rejected with ErrNotConnected unless the
// handshake has completed. Nothing is queued; callers re-issue if needed.
//
// # Inbound frames
//
// One goroutine reads each socket, so frames are decoded and handed to the
// FrameHandler strictly in arrival order. Heart-beats are skipped, malformed
// payloads are logged and dropped, MESSAGE frames whose message-id was seen
// recently are dropped as redeliveries, RECEIPT is logged, and unknown
// commands are ignored. A server ERROR frame moves to StateError and
// recycles the socket.
//
// # Socket
//
// Socket and Dialer abstract the wire; WebSocketDialer is the production
// implementation on gorilla/websocket.
package transport
