package agent

import "fmt"

// OrderState is the device-local state of the enrollment record.
type OrderState int

const (
	NotSubmitted OrderState = iota
	Accepted
	ResubmitRequested
)

func (s OrderState) String() string {
	switch s {
	case NotSubmitted:
		return "not_submitted"
	case Accepted:
		return "accepted"
	case ResubmitRequested:
		return "resubmit_requested"
	}
	return fmt.Sprintf("OrderState(%d)", int(s))
}

func parseOrderState(s string) OrderState {
	switch s {
	case "accepted":
		return Accepted
	case "resubmit_requested":
		return ResubmitRequested
	}
	return NotSubmitted
}

// OrderEvent drives the state machine.
type OrderEvent int

const (
	// SubmitSucceeded: the server accepted a record.
	SubmitSucceeded OrderEvent = iota + 1
	// ResubmitCommanded: prompt_resubmit arrived by push or poll.
	ResubmitCommanded
)

// Effect is the side effect a transition asks the caller to perform.
type Effect int

const (
	EffectNone Effect = iota
	// EffectAccept: persist the acceptance marker, disable submission.
	EffectAccept
	// EffectReopen: clear the marker, notify the user, enable submission.
	EffectReopen
)

// Transition is the only place order state changes. Push and poll
// delivery both go through it, so a repeated resubmit is a no-op and a
// resubmit before any accepted record is ignored.
func Transition(cur OrderState, ev OrderEvent) (OrderState, Effect) {
	switch ev {
	case SubmitSucceeded:
		if cur == Accepted {
			return Accepted, EffectNone
		}
		return Accepted, EffectAccept
	case ResubmitCommanded:
		if cur == Accepted {
			return ResubmitRequested, EffectReopen
		}
		return cur, EffectNone
	}
	return cur, EffectNone
}
