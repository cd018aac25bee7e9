package lifecycle_test

import (
	"testing"
	"time"

	"InvoiceLedger/internal/lifecycle"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	dueAt = time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	grace = 30 * 24 * time.Hour
)

func TestNextHappyPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		from  lifecycle.State
		trig  lifecycle.Trigger
		facts lifecycle.Facts
		want  lifecycle.State
	}{
		{"approve", lifecycle.StateSubmitted, lifecycle.TriggerApprove,
			lifecycle.Facts{IssuerVerified: true, PayerVerified: true}, lifecycle.StateListed},
		{"first partial", lifecycle.StateListed, lifecycle.TriggerFundingReceived,
			lifecycle.Facts{Funded: 10, FundingAmount: 42}, lifecycle.StatePartiallyFunded},
		{"partial again", lifecycle.StatePartiallyFunded, lifecycle.TriggerFundingReceived,
			lifecycle.Facts{Funded: 30, FundingAmount: 42}, lifecycle.StatePartiallyFunded},
		{"fill in one go", lifecycle.StateListed, lifecycle.TriggerFundingReceived,
			lifecycle.Facts{Funded: 42, FundingAmount: 42}, lifecycle.StateFullyFunded},
		{"fill last slice", lifecycle.StatePartiallyFunded, lifecycle.TriggerFundingReceived,
			lifecycle.Facts{Funded: 42, FundingAmount: 42}, lifecycle.StateFullyFunded},
		{"disburse", lifecycle.StateFullyFunded, lifecycle.TriggerDisburse,
			lifecycle.Facts{PayoutExecuted: true}, lifecycle.StateDisbursed},
		{"open window", lifecycle.StateDisbursed, lifecycle.TriggerOpenRepaymentWindow,
			lifecycle.Facts{}, lifecycle.StatePendingRepayment},
		{"partial repayment", lifecycle.StatePendingRepayment, lifecycle.TriggerRepaymentDeposited,
			lifecycle.Facts{Repaid: 10, ExpectedRepayment: 50}, lifecycle.StatePendingRepayment},
		{"full repayment", lifecycle.StatePendingRepayment, lifecycle.TriggerRepaymentDeposited,
			lifecycle.Facts{Repaid: 50, ExpectedRepayment: 50}, lifecycle.StateFullyPaid},
		{"over repayment", lifecycle.StatePendingRepayment, lifecycle.TriggerRepaymentDeposited,
			lifecycle.Facts{Repaid: 51, ExpectedRepayment: 50}, lifecycle.StateFullyPaid},
		{"settle", lifecycle.StateFullyPaid, lifecycle.TriggerSettle,
			lifecycle.Facts{YieldDistributed: true}, lifecycle.StateSettled},
		{"default after grace", lifecycle.StatePendingRepayment, lifecycle.TriggerMarkDefault,
			lifecycle.Facts{DueAt: dueAt, GracePeriod: grace, Now: dueAt.Add(grace + time.Second)}, lifecycle.StateDefaulted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := lifecycle.Next(tt.from, tt.trig, tt.facts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		from  lifecycle.State
		trig  lifecycle.Trigger
		facts lifecycle.Facts
	}{
		{"approve unverified payer", lifecycle.StateSubmitted, lifecycle.TriggerApprove,
			lifecycle.Facts{IssuerVerified: true}},
		{"funding before listing", lifecycle.StateSubmitted, lifecycle.TriggerFundingReceived,
			lifecycle.Facts{Funded: 1, FundingAmount: 2}},
		{"overfunded", lifecycle.StatePartiallyFunded, lifecycle.TriggerFundingReceived,
			lifecycle.Facts{Funded: 43, FundingAmount: 42}},
		{"disburse without payout", lifecycle.StateFullyFunded, lifecycle.TriggerDisburse,
			lifecycle.Facts{}},
		{"repay before window", lifecycle.StateDisbursed, lifecycle.TriggerRepaymentDeposited,
			lifecycle.Facts{Repaid: 1, ExpectedRepayment: 1}},
		{"default inside grace", lifecycle.StatePendingRepayment, lifecycle.TriggerMarkDefault,
			lifecycle.Facts{DueAt: dueAt, GracePeriod: grace, Now: dueAt.Add(grace)}},
		{"default from listed", lifecycle.StateListed, lifecycle.TriggerMarkDefault,
			lifecycle.Facts{DueAt: dueAt, Now: dueAt.Add(365 * 24 * time.Hour)}},
		{"settle without distribution", lifecycle.StateFullyPaid, lifecycle.TriggerSettle,
			lifecycle.Facts{}},
		{"funding on settled", lifecycle.StateSettled, lifecycle.TriggerFundingReceived,
			lifecycle.Facts{Funded: 1, FundingAmount: 2}},
		{"repayment on defaulted", lifecycle.StateDefaulted, lifecycle.TriggerRepaymentDeposited,
			lifecycle.Facts{Repaid: 1, ExpectedRepayment: 1}},
		{"default on settled", lifecycle.StateSettled, lifecycle.TriggerMarkDefault,
			lifecycle.Facts{DueAt: dueAt, Now: dueAt.Add(365 * 24 * time.Hour)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := lifecycle.Next(tt.from, tt.trig, tt.facts)
			require.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
			assert.Equal(t, tt.from, got)

			var te *lifecycle.TransitionError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.trig, te.Trigger)
		})
	}
}

func TestTerminalStatesRejectEveryTrigger(t *testing.T) {
	t.Parallel()

	triggers := []lifecycle.Trigger{
		lifecycle.TriggerApprove,
		lifecycle.TriggerFundingReceived,
		lifecycle.TriggerDisburse,
		lifecycle.TriggerOpenRepaymentWindow,
		lifecycle.TriggerRepaymentDeposited,
		lifecycle.TriggerSettle,
		lifecycle.TriggerMarkDefault,
	}
	permissive := lifecycle.Facts{
		Funded: 1, FundingAmount: 1, Repaid: 1, ExpectedRepayment: 1,
		IssuerVerified: true, PayerVerified: true, PayoutExecuted: true, YieldDistributed: true,
		DueAt: dueAt, Now: dueAt.Add(10 * grace),
	}

	for _, st := range []lifecycle.State{lifecycle.StateSettled, lifecycle.StateDefaulted} {
		for _, trig := range triggers {
			_, err := lifecycle.Next(st, trig, permissive)
			assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition, "%s on %s", trig, st)
		}
	}
}

func TestStateStringRoundTrip(t *testing.T) {
	t.Parallel()

	for _, st := range lifecycle.AllStates {
		parsed, err := lifecycle.ParseState(st.String())
		require.NoError(t, err)
		assert.Equal(t, st, parsed)
	}

	_, err := lifecycle.ParseState("OVERDUE")
	assert.Error(t, err)
}
