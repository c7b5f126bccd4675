package workflow

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	requester = "alice"
	approver  = "bob"
	stranger  = "mallory"
)

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func sampleDetails() Details {
	return Details{
		TradingEntity:    "Validus LLP",
		Counterparty:     "Bank A",
		Direction:        DirectionBuy,
		NotionalCurrency: "USD",
		NotionalAmount:   decimal.RequireFromString("1000000.00"),
		Underlying:       []string{"USD", "EUR"},
		TradeDate:        date("2025-01-10"),
		ValueDate:        date("2025-01-12"),
		DeliveryDate:     date("2025-01-15"),
	}
}

func draft() Trade {
	return NewDraft(uuid.New(), requester, sampleDetails())
}

func mustApply(t *testing.T, tr Trade, cmd Command) Trade {
	t.Helper()
	next, err := Apply(tr, cmd)
	if err != nil {
		t.Fatalf("%s by %s from %s: unexpected error: %v", cmd.Action, cmd.ActorID, tr.State, err)
	}
	return next
}

// inState walks a fresh draft along the happy path until it reaches s.
func inState(t *testing.T, s State) Trade {
	t.Helper()
	tr := draft()
	switch s {
	case StateDraft:
		return tr
	case StateCancelled:
		return mustApply(t, tr, Command{Action: ActionCancel, ActorID: requester})
	}
	tr = mustApply(t, tr, Command{Action: ActionSubmit, ActorID: requester})
	if s == StatePendingApproval {
		return tr
	}
	if s == StateNeedsReapproval {
		return mustApply(t, tr, Command{Action: ActionUpdate, ActorID: approver, Changes: Amendment{Counterparty: ptr("Bank B")}})
	}
	tr = mustApply(t, tr, Command{Action: ActionApprove, ActorID: approver})
	if s == StateApproved {
		return tr
	}
	tr = mustApply(t, tr, Command{Action: ActionSendToExecute, ActorID: approver})
	if s == StateSentToCounterparty {
		return tr
	}
	return mustApply(t, tr, Command{Action: ActionBook, ActorID: requester, Strike: decimal.RequireFromString("1.25")})
}

func ptr[T any](v T) *T { return &v }

func TestNewDraftDefaults(t *testing.T) {
	tr := draft()
	if tr.State != StateDraft || tr.Version != 1 {
		t.Fatalf("expected Draft v1, got %s v%d", tr.State, tr.Version)
	}
	if tr.Style != DefaultStyle {
		t.Fatalf("expected default style, got %q", tr.Style)
	}
	if tr.HasApprover() || tr.Strike.Valid {
		t.Fatalf("expected no approver and no strike")
	}
}

func TestHappyPathToExecuted(t *testing.T) {
	tr := draft()

	tr = mustApply(t, tr, Command{Action: ActionSubmit, ActorID: requester})
	if tr.State != StatePendingApproval || tr.Version != 2 {
		t.Fatalf("submit: got %s v%d", tr.State, tr.Version)
	}

	tr = mustApply(t, tr, Command{Action: ActionApprove, ActorID: approver})
	if tr.State != StateApproved || tr.Version != 3 || tr.ApproverID != approver {
		t.Fatalf("approve: got %s v%d approver=%q", tr.State, tr.Version, tr.ApproverID)
	}

	tr = mustApply(t, tr, Command{Action: ActionSendToExecute, ActorID: approver})
	if tr.State != StateSentToCounterparty || tr.Version != 4 {
		t.Fatalf("send: got %s v%d", tr.State, tr.Version)
	}

	tr = mustApply(t, tr, Command{Action: ActionBook, ActorID: requester, Strike: decimal.RequireFromString("1.2345")})
	if tr.State != StateExecuted || tr.Version != 5 {
		t.Fatalf("book: got %s v%d", tr.State, tr.Version)
	}
	if got := tr.Strike.Decimal.StringFixed(StrikePlaces); got != "1.234500" {
		t.Fatalf("expected strike 1.234500, got %s", got)
	}
}

func TestUpdateAssignsApproverAndRequiresReapproval(t *testing.T) {
	tr := inState(t, StatePendingApproval)

	updated := mustApply(t, tr, Command{
		Action:  ActionUpdate,
		ActorID: approver,
		Changes: Amendment{NotionalAmount: ptr(decimal.RequireFromString("2000000"))},
	})
	if updated.State != StateNeedsReapproval || updated.ApproverID != approver || updated.Version != 3 {
		t.Fatalf("unexpected update result: %s approver=%q v%d", updated.State, updated.ApproverID, updated.Version)
	}
	if !updated.NotionalAmount.Equal(decimal.RequireFromString("2000000")) {
		t.Fatalf("expected merged notional, got %s", updated.NotionalAmount)
	}
	if updated.Counterparty != tr.Counterparty {
		t.Fatalf("expected untouched fields preserved")
	}

	// The assigned approver may amend again; nobody else can.
	again := mustApply(t, updated, Command{Action: ActionUpdate, ActorID: approver, Changes: Amendment{Style: ptr("SWAP")}})
	if again.State != StateNeedsReapproval || again.Version != 4 {
		t.Fatalf("expected second update to stay in NeedsReapproval, got %s v%d", again.State, again.Version)
	}
	if _, err := Update(updated, stranger, Amendment{Style: ptr("SWAP")}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied for stranger, got %v", err)
	}

	if _, err := Approve(updated, approver); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected approver reapproval to be denied, got %v", err)
	}
	reapproved := mustApply(t, updated, Command{Action: ActionApprove, ActorID: requester})
	if reapproved.State != StateApproved || reapproved.ApproverID != approver {
		t.Fatalf("expected reapproval to keep approver, got %s approver=%q", reapproved.State, reapproved.ApproverID)
	}
}

func TestAuthorizationFailures(t *testing.T) {
	cases := []struct {
		name    string
		state   State
		cmd     Command
		message string
	}{
		{"requester approves own submission", StatePendingApproval, Command{Action: ActionApprove, ActorID: requester}, "Requester cannot approve submission."},
		{"approver reapproves", StateNeedsReapproval, Command{Action: ActionApprove, ActorID: approver}, "Only the requester can reapprove after updates."},
		{"stranger cancels", StateApproved, Command{Action: ActionCancel, ActorID: stranger}, "Only requester or approver can cancel."},
		{"requester updates", StatePendingApproval, Command{Action: ActionUpdate, ActorID: requester, Changes: Amendment{Style: ptr("SWAP")}}, "Requester cannot perform approver-only update."},
		{"stranger sends", StateApproved, Command{Action: ActionSendToExecute, ActorID: stranger}, "Only the assigned approver can send to execute."},
		{"requester sends", StateApproved, Command{Action: ActionSendToExecute, ActorID: requester}, "Only the assigned approver can send to execute."},
		{"stranger books", StateSentToCounterparty, Command{Action: ActionBook, ActorID: stranger, Strike: decimal.NewFromInt(1)}, "Only requester or approver can book the trade."},
		{"anonymous submit", StateDraft, Command{Action: ActionSubmit}, "An acting user is required."},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := inState(t, tc.state)
			_, err := Apply(tr, tc.cmd)
			if !errors.Is(err, ErrPermissionDenied) {
				t.Fatalf("expected permission denied, got %v", err)
			}
			if err.Error() != tc.message {
				t.Fatalf("expected %q, got %q", tc.message, err.Error())
			}
		})
	}
}

func TestCancelFromEveryNonTerminalState(t *testing.T) {
	for _, s := range States {
		if s.Terminal() {
			continue
		}
		tr := inState(t, s)
		actor := requester
		if tr.HasApprover() {
			actor = approver
		}
		next, err := Cancel(tr, actor)
		if err != nil {
			t.Fatalf("cancel from %s: %v", s, err)
		}
		if next.State != StateCancelled || next.Version != tr.Version+1 {
			t.Fatalf("cancel from %s: got %s v%d", s, next.State, next.Version)
		}
	}
}

func TestIllegalSourceStatesAreInvalidTransitions(t *testing.T) {
	for _, a := range Actions {
		for _, s := range States {
			if Allowed(a, s) {
				continue
			}
			tr := inState(t, s)
			_, err := Apply(tr, Command{Action: a, ActorID: requester, Strike: decimal.NewFromInt(1), Changes: Amendment{Style: ptr("X")}})
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("%s from %s: expected invalid transition, got %v", a, s, err)
			}
			if err.Error() != sourceMessages[a] {
				t.Fatalf("%s from %s: unexpected message %q", a, s, err.Error())
			}
		}
	}
}

func TestTerminalStatesRejectEverything(t *testing.T) {
	terminal := 0
	for _, s := range States {
		if !s.Terminal() {
			continue
		}
		terminal++
		for _, a := range Actions {
			if Allowed(a, s) {
				t.Fatalf("%s must not be allowed from terminal %s", a, s)
			}
		}
	}
	if terminal != 2 || !StateExecuted.Terminal() || !StateCancelled.Terminal() {
		t.Fatalf("expected Executed and Cancelled to be the only terminal states, got %d", terminal)
	}
}

func TestEveryActionHasLegalSources(t *testing.T) {
	for _, a := range Actions {
		if len(legalSources[a]) == 0 {
			t.Fatalf("action %s has no legal sources", a)
		}
	}
}

func TestApplyUnknownAction(t *testing.T) {
	_, err := Apply(draft(), Command{Action: Action("Teleport"), ActorID: requester})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestUpdateValidatesMergedValue(t *testing.T) {
	tr := inState(t, StatePendingApproval)

	_, err := Update(tr, approver, Amendment{ValueDate: ptr(date("2025-01-01"))})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected dates validation error, got %v", err)
	}

	_, err = Update(tr, approver, Amendment{NotionalCurrency: ptr("GBP")})
	wfErr, ok := AsError(err)
	if !ok || wfErr.Rule != RuleUnderlyingContainsNotional {
		t.Fatalf("expected underlying rule failure, got %v", err)
	}

	_, err = Update(tr, approver, Amendment{Strike: ptr(decimal.NewFromInt(2))})
	wfErr, ok = AsError(err)
	if !ok || wfErr.Rule != RuleStrikeGated {
		t.Fatalf("expected strike gated failure, got %v", err)
	}
}

func TestSubmitValidates(t *testing.T) {
	d := sampleDetails()
	d.Underlying = []string{"EUR", "GBP"}
	tr := NewDraft(uuid.New(), requester, d)

	_, err := Submit(tr, requester)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err.Error() != "Notional currency must be included in the underlying." {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestBookRequiresPositiveStrike(t *testing.T) {
	tr := inState(t, StateSentToCounterparty)
	for _, raw := range []string{"0", "-1", "0.0000001"} {
		_, err := Book(tr, requester, decimal.RequireFromString(raw))
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("strike %s: expected validation error, got %v", raw, err)
		}
	}
}

func TestTransitionsDoNotMutateInput(t *testing.T) {
	tr := inState(t, StatePendingApproval)
	before := tr.Clone()

	next, err := Update(tr, approver, Amendment{Underlying: []string{"USD", "JPY"}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	next.Underlying[0] = "XXX"

	if tr.State != before.State || tr.Version != before.Version || tr.ApproverID != before.ApproverID {
		t.Fatalf("input trade mutated: %+v", tr)
	}
	if tr.Underlying[0] != "USD" || tr.Underlying[1] != "EUR" {
		t.Fatalf("input underlying mutated: %v", tr.Underlying)
	}
}

func TestFailedTransitionReturnsZeroValue(t *testing.T) {
	tr := inState(t, StateApproved)
	next, err := Book(tr, requester, decimal.NewFromInt(1))
	if err == nil {
		t.Fatalf("expected error")
	}
	if next.Version != 0 || next.State != "" {
		t.Fatalf("expected zero trade on failure, got %+v", next)
	}
}
