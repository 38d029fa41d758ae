// Package lifecycle runs the identity service's startup and shutdown
// sequence.
//
// A [Runtime] owns an ordered list of [Component]s. Start runs each
// component's start hook in registration order (priming key resolvers,
// synchronizing the role catalog, starting background refreshers) and only
// then reports [StateRunning]. Stop runs the stop hooks of the components
// that started, in reverse order.
//
// The runtime is a small state machine:
//
//	Unknown → Starting → Running → Stopping → Stopped
//
// Starting and Stopping may fall through to Failed, and both terminal
// states may be started again.
//
// Health reports [sserr.CodeUnavailable] until the runtime is running, so
// readiness probes and request gates stay closed while startup hooks run.
package lifecycle

// State is a runtime lifecycle state. The zero value is not valid; new
// runtimes begin in [StateUnknown]. [StateRunning] is the only state in
// which [Runtime.Health] passes, and [StateFailed] is entered when a start
// or stop hook fails.
type State string

const (
	StateUnknown  State = "unknown"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

func (s State) String() string { return string(s) }

// Valid reports whether s is a recognized state.
func (s State) Valid() bool {
	switch s {
	case StateUnknown, StateStarting, StateRunning, StateStopping, StateStopped, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is [StateStopped] or [StateFailed].
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// validTransitions is the transition matrix:
//
//	Unknown  → Starting, Failed
//	Starting → Running, Stopping, Failed
//	Running  → Stopping, Failed
//	Stopping → Stopped, Failed
//	Stopped  → Starting
//	Failed   → Starting
var validTransitions = map[State][]State{
	StateUnknown:  {StateStarting, StateFailed},
	StateStarting: {StateRunning, StateStopping, StateFailed},
	StateRunning:  {StateStopping, StateFailed},
	StateStopping: {StateStopped, StateFailed},
	StateStopped:  {StateStarting},
	StateFailed:   {StateStarting},
}

// ValidTransition reports whether from may move to to. Same-state
// transitions are never valid.
func ValidTransition(from, to State) bool {
	if from == to {
		return false
	}
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
