package lifecycle

import (
	"errors"
	"fmt"
	"time"

	fpmath "InvoiceLedger/internal/math"
)

var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// Trigger drives a persisted state change.
type Trigger int32

const (
	TriggerApprove Trigger = iota + 1
	TriggerFundingReceived
	TriggerDisburse
	TriggerOpenRepaymentWindow
	TriggerRepaymentDeposited
	TriggerSettle
	TriggerMarkDefault
)

func (t Trigger) String() string {
	switch t {
	case TriggerApprove:
		return "Approve"
	case TriggerFundingReceived:
		return "FundingReceived"
	case TriggerDisburse:
		return "Disburse"
	case TriggerOpenRepaymentWindow:
		return "OpenRepaymentWindow"
	case TriggerRepaymentDeposited:
		return "RepaymentDeposited"
	case TriggerSettle:
		return "Settle"
	case TriggerMarkDefault:
		return "MarkDefault"
	default:
		return "Unknown"
	}
}

// TransitionError describes a rejected trigger. It matches ErrInvalidTransition.
type TransitionError struct {
	From    State
	Trigger Trigger
	Reason  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s on %s: %s", e.Trigger, e.From, e.Reason)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Facts are the guard inputs for a transition, gathered by the caller
// under the invoice lock.
type Facts struct {
	// FundingReceived: cumulative funded after the contribution
	Funded        fpmath.Amount
	FundingAmount fpmath.Amount

	// RepaymentDeposited: cumulative deposits after the deposit
	Repaid            fpmath.Amount
	ExpectedRepayment fpmath.Amount

	IssuerVerified   bool
	PayerVerified    bool
	PayoutExecuted   bool
	YieldDistributed bool

	Now         time.Time
	DueAt       time.Time
	GracePeriod time.Duration
}

func reject(from State, trig Trigger, format string, args ...interface{}) error {
	return &TransitionError{From: from, Trigger: trig, Reason: fmt.Sprintf(format, args...)}
}

// Next returns the state reached by applying trig to from, or a
// *TransitionError when the table has no such edge or its guard fails.
func Next(from State, trig Trigger, f Facts) (State, error) {
	if from.IsTerminal() {
		return from, reject(from, trig, "state is terminal")
	}

	switch from {
	case StateSubmitted:
		if trig != TriggerApprove {
			break
		}
		if !f.IssuerVerified || !f.PayerVerified {
			return from, reject(from, trig, "issuer and payer must be verified")
		}
		return StateListed, nil

	case StateListed, StatePartiallyFunded:
		if trig != TriggerFundingReceived {
			break
		}
		switch {
		case f.FundingAmount <= 0:
			return from, reject(from, trig, "funding amount is not positive")
		case f.Funded <= 0:
			return from, reject(from, trig, "no funding recorded")
		case f.Funded < f.FundingAmount:
			return StatePartiallyFunded, nil
		case f.Funded == f.FundingAmount:
			return StateFullyFunded, nil
		default:
			return from, reject(from, trig, "funded %d exceeds funding amount %d", f.Funded, f.FundingAmount)
		}

	case StateFullyFunded:
		if trig != TriggerDisburse {
			break
		}
		if !f.PayoutExecuted {
			return from, reject(from, trig, "payout not executed")
		}
		return StateDisbursed, nil

	case StateDisbursed:
		if trig != TriggerOpenRepaymentWindow {
			break
		}
		return StatePendingRepayment, nil

	case StatePendingRepayment:
		switch trig {
		case TriggerRepaymentDeposited:
			if f.ExpectedRepayment > 0 && f.Repaid >= f.ExpectedRepayment {
				return StateFullyPaid, nil
			}
			return StatePendingRepayment, nil
		case TriggerMarkDefault:
			deadline := f.DueAt.Add(f.GracePeriod)
			if !f.Now.After(deadline) {
				return from, reject(from, trig, "grace period runs until %s", deadline.Format(time.RFC3339))
			}
			return StateDefaulted, nil
		}

	case StateFullyPaid:
		if trig != TriggerSettle {
			break
		}
		if !f.YieldDistributed {
			return from, reject(from, trig, "yield not distributed")
		}
		return StateSettled, nil

	case StateUnknown, StateSettled, StateDefaulted:
	}

	return from, reject(from, trig, "no such transition")
}
