package workflow

import "github.com/toralehq/torale/internal/store"

// NotifyDecision is the outcome of the notify-behavior state machine.
// It is pure data: the workflow applies it, the function only decides.
type NotifyDecision struct {
	// Deliver indicates a notification should be sent for this execution.
	Deliver bool
	// PauseAfter indicates the task should deactivate after delivery
	// (once-behavior: announce and stop).
	PauseAfter bool
	// Reason explains the decision for logs and audit.
	Reason string
}

// Decide applies the notify-behavior table to a terminal execution.
// Failed executions never deliver and never pause. Manual runs follow the
// same rules as scheduled ones.
//
//	once        → deliver when condition met; pause afterwards
//	always      → deliver on every condition-met run
//	track_state → deliver when the state changed (non-nil, non-empty summary)
func Decide(behavior store.NotifyBehavior, exec *store.Execution) NotifyDecision {
	if exec.Status != store.ExecSuccess {
		return NotifyDecision{Reason: "execution did not succeed"}
	}

	switch behavior {
	case store.NotifyOnce:
		if exec.ConditionMet {
			return NotifyDecision{Deliver: true, PauseAfter: true, Reason: "condition met, once behavior"}
		}
		return NotifyDecision{Reason: "condition not met"}

	case store.NotifyAlways:
		if exec.ConditionMet {
			return NotifyDecision{Deliver: true, Reason: "condition met, always behavior"}
		}
		return NotifyDecision{Reason: "condition not met"}

	case store.NotifyTrackState:
		if exec.ChangeSummary != nil && *exec.ChangeSummary != "" {
			return NotifyDecision{Deliver: true, Reason: "state changed"}
		}
		return NotifyDecision{Reason: "state unchanged"}

	default:
		return NotifyDecision{Reason: "unknown behavior"}
	}
}
