package domain

import "fmt"

// Action is an operator-triggered mutation kind.
type Action string

const (
	ActionAdvanceToKitchen Action = "advance-to-kitchen"
	ActionMarkReady        Action = "mark-ready"
	ActionMarkDelivered    Action = "mark-delivered"
	ActionCollectPayment   Action = "collect-payment"
	ActionCancel           Action = "cancel"
)

// ValidationError is a transition-guard rejection. It never reaches the
// network; dispatch fails synchronously.
type ValidationError struct {
	Action Action
	From   LifecycleState
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("action %s not allowed from %s: %s", e.Action, e.From, e.Reason)
}

// forward orders the lifecycle for the monotonicity check. CANCELLED is
// handled separately (reachable from any non-terminal state).
var forward = map[LifecycleState]int{
	StateReceived:  0,
	StateInKitchen: 1,
	StateReady:     2,
	StateDelivered: 3,
}

// CanTransition reports whether from→to is a legal lifecycle edge,
// including the system-only RECEIVED→IN_KITCHEN edge.
func CanTransition(from, to LifecycleState) bool {
	if from == to {
		return false
	}
	if to == StateCancelled {
		return !from.Terminal()
	}
	fi, ok := forward[from]
	if !ok {
		return false
	}
	ti, ok := forward[to]
	if !ok {
		return false
	}
	return ti == fi+1
}

// GuardAction validates an operator action against the order's current
// lifecycle and payment state. A nil return means the action may be
// dispatched; otherwise the *ValidationError explains the rejection.
func GuardAction(o Order, a Action) *ValidationError {
	switch a {
	case ActionAdvanceToKitchen:
		// The kitchen worker owns this edge; manual attempts are always
		// rejected regardless of current state.
		return &ValidationError{Action: a, From: o.LifecycleState, Reason: "kitchen intake is system-driven"}
	case ActionMarkReady:
		if o.LifecycleState != StateInKitchen {
			return &ValidationError{Action: a, From: o.LifecycleState, Reason: "order is not in the kitchen"}
		}
	case ActionMarkDelivered:
		if o.LifecycleState != StateReady {
			return &ValidationError{Action: a, From: o.LifecycleState, Reason: "order is not ready"}
		}
		if o.PaymentStatus != PaymentPaid {
			return &ValidationError{Action: a, From: o.LifecycleState, Reason: "payment outstanding"}
		}
	case ActionCollectPayment:
		if o.PaymentStatus != PaymentDue {
			return &ValidationError{Action: a, From: o.LifecycleState, Reason: "payment already collected"}
		}
		if o.LifecycleState.Terminal() {
			return &ValidationError{Action: a, From: o.LifecycleState, Reason: "order is closed"}
		}
	case ActionCancel:
		if o.LifecycleState.Terminal() {
			return &ValidationError{Action: a, From: o.LifecycleState, Reason: "order is closed"}
		}
	default:
		return &ValidationError{Action: a, From: o.LifecycleState, Reason: "unknown action"}
	}
	return nil
}

// ActionPatch is the optimistic patch an approved action applies.
// Collect-payment flips the payment flag only; it never moves the
// lifecycle state.
func ActionPatch(a Action) Patch {
	switch a {
	case ActionMarkReady:
		return Patch{LifecycleState: StatePtr(StateReady)}
	case ActionMarkDelivered:
		return Patch{LifecycleState: StatePtr(StateDelivered)}
	case ActionCollectPayment:
		return Patch{PaymentStatus: PaymentPtr(PaymentPaid)}
	case ActionCancel:
		return Patch{LifecycleState: StatePtr(StateCancelled)}
	}
	return Patch{}
}
