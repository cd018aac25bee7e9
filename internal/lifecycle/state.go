package lifecycle

import "fmt"

// State is the persisted lifecycle state of an invoice.
type State int32

const (
	StateUnknown State = iota
	StateSubmitted
	StateListed
	StatePartiallyFunded
	StateFullyFunded
	StateDisbursed
	StatePendingRepayment
	StateFullyPaid
	StateSettled
	StateDefaulted
)

// AllStates lists every persisted state in lifecycle order.
var AllStates = []State{
	StateSubmitted,
	StateListed,
	StatePartiallyFunded,
	StateFullyFunded,
	StateDisbursed,
	StatePendingRepayment,
	StateFullyPaid,
	StateSettled,
	StateDefaulted,
}

func (s State) String() string {
	switch s {
	case StateSubmitted:
		return "SUBMITTED"
	case StateListed:
		return "LISTED"
	case StatePartiallyFunded:
		return "PARTIALLY_FUNDED"
	case StateFullyFunded:
		return "FULLY_FUNDED"
	case StateDisbursed:
		return "DISBURSED"
	case StatePendingRepayment:
		return "PENDING_REPAYMENT"
	case StateFullyPaid:
		return "FULLY_PAID"
	case StateSettled:
		return "SETTLED"
	case StateDefaulted:
		return "DEFAULTED"
	default:
		return "UNKNOWN"
	}
}

// ParseState is the inverse of String.
func ParseState(s string) (State, error) {
	for _, st := range AllStates {
		if st.String() == s {
			return st, nil
		}
	}
	return StateUnknown, fmt.Errorf("unknown lifecycle state %q", s)
}

// IsTerminal reports whether no trigger can leave this state.
func (s State) IsTerminal() bool {
	return s == StateSettled || s == StateDefaulted
}

// Settled reports whether gains on the invoice are realized.
func (s State) Settled() bool {
	return s == StateSettled
}

// IsFunded reports whether the funding cap has been reached.
func (s State) IsFunded() bool {
	switch s {
	case StateFullyFunded, StateDisbursed, StatePendingRepayment, StateFullyPaid, StateSettled, StateDefaulted:
		return true
	default:
		return false
	}
}

// overdueEligible is the set of states the OVERDUE overlay may cover.
func (s State) overdueEligible() bool {
	switch s {
	case StateListed, StatePartiallyFunded, StateFullyFunded, StateDisbursed, StatePendingRepayment:
		return true
	default:
		return false
	}
}

// DisplayStatus is the canonical status shown to clients. It mirrors State
// plus the OVERDUE overlay.
type DisplayStatus int32

const (
	DisplayUnknown DisplayStatus = iota
	DisplaySubmitted
	DisplayListed
	DisplayPartiallyFunded
	DisplayFullyFunded
	DisplayDisbursed
	DisplayPendingRepayment
	DisplayFullyPaid
	DisplaySettled
	DisplayDefaulted
	DisplayOverdue
)

func (d DisplayStatus) String() string {
	switch d {
	case DisplaySubmitted:
		return "SUBMITTED"
	case DisplayListed:
		return "LISTED"
	case DisplayPartiallyFunded:
		return "PARTIALLY_FUNDED"
	case DisplayFullyFunded:
		return "FULLY_FUNDED"
	case DisplayDisbursed:
		return "DISBURSED"
	case DisplayPendingRepayment:
		return "PENDING_REPAYMENT"
	case DisplayFullyPaid:
		return "FULLY_PAID"
	case DisplaySettled:
		return "SETTLED"
	case DisplayDefaulted:
		return "DEFAULTED"
	case DisplayOverdue:
		return "OVERDUE"
	default:
		return "UNKNOWN"
	}
}

// displayOf maps a persisted state to its display status without overlay.
func displayOf(s State) DisplayStatus {
	switch s {
	case StateSubmitted:
		return DisplaySubmitted
	case StateListed:
		return DisplayListed
	case StatePartiallyFunded:
		return DisplayPartiallyFunded
	case StateFullyFunded:
		return DisplayFullyFunded
	case StateDisbursed:
		return DisplayDisbursed
	case StatePendingRepayment:
		return DisplayPendingRepayment
	case StateFullyPaid:
		return DisplayFullyPaid
	case StateSettled:
		return DisplaySettled
	case StateDefaulted:
		return DisplayDefaulted
	case StateUnknown:
		return DisplayUnknown
	}
	return DisplayUnknown
}
