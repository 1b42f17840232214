package saga

// State of a saga instance.
type State string

const (
	StatePending      State = "PENDING"
	StateRunning      State = "RUNNING"
	StateCompleted    State = "COMPLETED"
	StateCompensating State = "COMPENSATING"
	StateCompensated  State = "COMPENSATED"
	StateFailed       State = "FAILED"
)

// Terminal reports whether an instance in this state can no longer change.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCompensated, StateFailed:
		return true
	default:
		return false
	}
}

func (s State) String() string {
	return string(s)
}

// TerminalStates lists every terminal state.
func TerminalStates() []State {
	return []State{StateCompleted, StateCompensated, StateFailed}
}
