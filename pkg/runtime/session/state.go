package session

// State is the lifecycle state of a Session.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateProcessing    State = "processing"
	StateError         State = "error"
	// StateShutdown is terminal; no transition leaves it.
	StateShutdown State = "shutdown"
)

// String implements fmt.Stringer for logging.
func (s State) String() string { return string(s) }
