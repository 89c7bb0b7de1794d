package kernel

import "fmt"

// State is the lifecycle state of a kernel managed by a KernelManager.
type State int32

const (
	StateUnstarted State = iota
	StateStarting
	StateRunning
	StateRestarting
	StateShuttingDown
	StateDead
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "Unstarted"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateRestarting:
		return "Restarting"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateDead:
		return "Dead"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// CanStart returns true if StartKernel is permitted in state s.
func (s State) CanStart() bool {
	return s == StateUnstarted || s == StateFailed
}

// IsTerminal returns true for Dead.
func (s State) IsTerminal() bool {
	return s == StateDead
}
