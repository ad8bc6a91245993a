// ABOUTME: Connection lifecycle states broadcast to connectivity listeners
// ABOUTME: Exactly one state is current and only the Manager changes it

package transport

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
	StateError
)

// AllStates lists every state, in declaration order.
var AllStates = []State{
	StateDisconnected,
	StateConnecting,
	StateConnected,
	StateReconnecting,
	StateFailed,
	StateError,
}

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

func stateNames() []string {
	names := make([]string, len(AllStates))
	for i, s := range AllStates {
		names[i] = s.String()
	}
	return names
}
