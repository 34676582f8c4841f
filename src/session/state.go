package session

import "fmt"

// Role is the side of the transfer a session plays.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

func (r Role) String() string {
	switch r {
	case RoleSender:
		return "sender"
	case RoleReceiver:
		return "receiver"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// State is the overall session state shared by both roles.
type State int

const (
	StateIdle State = iota
	StatePairing
	StateConnected
	StateTransferring
	StateBatchComplete
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePairing:
		return "pairing"
	case StateConnected:
		return "connected"
	case StateTransferring:
		return "transferring"
	case StateBatchComplete:
		return "batch-complete"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var transitions = map[State][]State{
	StateIdle:          {StatePairing, StateClosed},
	StatePairing:       {StateConnected, StateIdle, StateClosed},
	StateConnected:     {StateTransferring, StateBatchComplete, StatePairing, StateIdle, StateClosed},
	StateTransferring:  {StateBatchComplete, StatePairing, StateIdle, StateClosed},
	StateBatchComplete: {StateIdle, StateClosed},
	StateClosed:        {StateIdle},
}

// CanTransition reports whether the session may move from one state to the
// other.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
