package flow

// State is a phase of one orchestrator run.
type State int

const (
	StateAwaitingModel State = iota
	StateStreamingResponse
	StateExecutingTools
	StateDone
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingModel:
		return "awaiting_model"
	case StateStreamingResponse:
		return "streaming_response"
	case StateExecutingTools:
		return "executing_tools"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions follow.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled || s == StateFailed
}
