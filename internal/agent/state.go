package agent

import "fmt"

// State is the tool loop's lifecycle state.
type State string

const (
	StateIdle           State = "idle"
	StateAwaitingModel  State = "awaiting_model"
	StateExecutingTools State = "executing_tools"
	StateComplete       State = "complete"
	StateFailed         State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Trigger is an input to the state machine.
type Trigger string

const (
	// TriggerSend dispatches a request to the model.
	TriggerSend Trigger = "send"
	// TriggerToolUse is a model response carrying tool invocations.
	TriggerToolUse Trigger = "tool_use"
	// TriggerText is a model response carrying only text.
	TriggerText Trigger = "text"
	// TriggerToolsDone means every invocation of the round has a result.
	TriggerToolsDone Trigger = "tools_done"
	// TriggerRoundCap means the round budget is spent.
	TriggerRoundCap Trigger = "round_cap"
	// TriggerFailure covers provider errors and cancellation.
	TriggerFailure Trigger = "failure"
)

// Transition returns the state reached from s on t, or an error for an
// illegal move.
//
//	Idle --send--> AwaitingModel
//	AwaitingModel --tool_use--> ExecutingTools --tools_done--> AwaitingModel
//	AwaitingModel --text--> Complete
//	AwaitingModel|ExecutingTools --round_cap|failure--> Failed
func Transition(s State, t Trigger) (State, error) {
	switch s {
	case StateIdle:
		switch t {
		case TriggerSend:
			return StateAwaitingModel, nil
		case TriggerFailure:
			return StateFailed, nil
		}
	case StateAwaitingModel:
		switch t {
		case TriggerToolUse:
			return StateExecutingTools, nil
		case TriggerText:
			return StateComplete, nil
		case TriggerRoundCap, TriggerFailure:
			return StateFailed, nil
		}
	case StateExecutingTools:
		switch t {
		case TriggerToolsDone:
			return StateAwaitingModel, nil
		case TriggerRoundCap, TriggerFailure:
			return StateFailed, nil
		}
	}
	return s, fmt.Errorf("illegal transition from %s on %s", s, t)
}
