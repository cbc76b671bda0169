package pipeline

import (
	"fmt"
)

type State int32

const (
	StateInitializing = State(iota)
	StateStreaming
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}
