package remote

import "fmt"

// State is the remote session machine. Transitions are validated explicitly
// so an illegal operation (say, submitting a frame while connecting) fails
// instead of half-running.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSessionInitialized
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSessionInitialized:
		return "session_initialized"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transitions lists legal targets per state. Error and reconnecting are
// reachable from any state on fault, and disconnected from any state via
// Disconnect; those edges are encoded here too so the table is the single
// source of truth.
var transitions = map[State][]State{
	StateDisconnected:       {StateConnecting},
	StateConnecting:         {StateConnected, StateError, StateReconnecting, StateDisconnected},
	StateConnected:          {StateSessionInitialized, StateError, StateReconnecting, StateDisconnected},
	StateSessionInitialized: {StateConnected, StateError, StateReconnecting, StateDisconnected},
	StateReconnecting:       {StateConnecting, StateConnected, StateSessionInitialized, StateError, StateDisconnected},
	StateError:              {StateConnecting, StateReconnecting, StateDisconnected},
}

func canTransition(from, to State) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
