package stream

import "fmt"

// State is the lifecycle state of an upload session.
type State int32

const (
	StateIdle State = iota
	StateStarted
	StateDraining
	StateFinalized
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarted:
		return "started"
	case StateDraining:
		return "draining"
	case StateFinalized:
		return "finalized"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateFailed
}
