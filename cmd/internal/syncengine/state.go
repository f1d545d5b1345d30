package syncengine

// State is the lifecycle state of one user's connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSyncing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSyncing:
		return "syncing"
	default:
		return "unknown"
	}
}

var allStates = []State{StateDisconnected, StateConnecting, StateSyncing}
