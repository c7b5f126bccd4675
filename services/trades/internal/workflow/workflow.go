package workflow

import (
	"fmt"
	"slices"

	"github.com/shopspring/decimal"
)

// legalSources lists, per action, the states it may be applied from.
var legalSources = map[Action][]State{
	ActionSubmit:        {StateDraft},
	ActionApprove:       {StatePendingApproval, StateNeedsReapproval},
	ActionCancel:        {StateDraft, StatePendingApproval, StateNeedsReapproval, StateApproved, StateSentToCounterparty},
	ActionUpdate:        {StatePendingApproval, StateNeedsReapproval},
	ActionSendToExecute: {StateApproved},
	ActionBook:          {StateSentToCounterparty},
}

var sourceMessages = map[Action]string{
	ActionSubmit:        "Submit is only allowed from Draft.",
	ActionApprove:       "Approve requires PendingApproval or NeedsReapproval.",
	ActionCancel:        "Cannot cancel a terminal trade.",
	ActionUpdate:        "Update is only allowed from PendingApproval or NeedsReapproval.",
	ActionSendToExecute: "SendToExecute is only allowed from Approved.",
	ActionBook:          "Book is only allowed from SentToCounterparty.",
}

func init() {
	for _, a := range Actions {
		if _, ok := legalSources[a]; !ok {
			panic(fmt.Sprintf("workflow: action %s has no legal source states", a))
		}
		if _, ok := sourceMessages[a]; !ok {
			panic(fmt.Sprintf("workflow: action %s has no rejection message", a))
		}
		for _, s := range legalSources[a] {
			if s.Terminal() {
				panic(fmt.Sprintf("workflow: action %s lists terminal state %s as a source", a, s))
			}
		}
	}
}

// Allowed reports whether action may be applied to a trade in state s,
// ignoring authorization.
func Allowed(a Action, s State) bool {
	return slices.Contains(legalSources[a], s)
}

// Command is one requested transition. Changes is read only by Update and
// Strike only by Book.
type Command struct {
	Action  Action
	ActorID string
	Changes Amendment
	Strike  decimal.Decimal
}

// Apply dispatches cmd to its transition.
func Apply(t Trade, cmd Command) (Trade, error) {
	switch cmd.Action {
	case ActionSubmit:
		return Submit(t, cmd.ActorID)
	case ActionApprove:
		return Approve(t, cmd.ActorID)
	case ActionCancel:
		return Cancel(t, cmd.ActorID)
	case ActionUpdate:
		return Update(t, cmd.ActorID, cmd.Changes)
	case ActionSendToExecute:
		return SendToExecute(t, cmd.ActorID)
	case ActionBook:
		return Book(t, cmd.ActorID, cmd.Strike)
	default:
		return Trade{}, invalidTransition(cmd.Action, t.State, fmt.Sprintf("Unknown action %q.", cmd.Action))
	}
}

func precheck(a Action, t Trade, actorID string) error {
	if !Allowed(a, t.State) {
		return invalidTransition(a, t.State, sourceMessages[a])
	}
	if actorID == "" {
		return permissionDenied(a, t.State, "An acting user is required.")
	}
	return nil
}

func Submit(t Trade, actorID string) (Trade, error) {
	if err := precheck(ActionSubmit, t, actorID); err != nil {
		return Trade{}, err
	}
	next := t.successor()
	next.State = StatePendingApproval
	if err := Validate(next); err != nil {
		return Trade{}, err
	}
	return next, nil
}

// Approve is the approver's first sign-off from PendingApproval, or the
// requester's re-approval after an update from NeedsReapproval.
func Approve(t Trade, actorID string) (Trade, error) {
	if err := precheck(ActionApprove, t, actorID); err != nil {
		return Trade{}, err
	}
	next := t.successor()
	switch t.State {
	case StatePendingApproval:
		if actorID == t.RequesterID {
			return Trade{}, permissionDenied(ActionApprove, t.State, "Requester cannot approve submission.")
		}
		next.ApproverID = actorID
	case StateNeedsReapproval:
		if actorID != t.RequesterID {
			return Trade{}, permissionDenied(ActionApprove, t.State, "Only the requester can reapprove after updates.")
		}
	}
	next.State = StateApproved
	return next, nil
}

func Cancel(t Trade, actorID string) (Trade, error) {
	if err := precheck(ActionCancel, t, actorID); err != nil {
		return Trade{}, err
	}
	if !isParty(t, actorID) {
		return Trade{}, permissionDenied(ActionCancel, t.State, "Only requester or approver can cancel.")
	}
	next := t.successor()
	next.State = StateCancelled
	return next, nil
}

// Update amends trade details. The first non-requester to update becomes
// the approver; after that only the approver may update.
func Update(t Trade, actorID string, changes Amendment) (Trade, error) {
	if err := precheck(ActionUpdate, t, actorID); err != nil {
		return Trade{}, err
	}
	next := t.successor()
	if t.HasApprover() {
		if actorID != t.ApproverID {
			return Trade{}, permissionDenied(ActionUpdate, t.State, "Only the assigned approver can update details.")
		}
	} else {
		if actorID == t.RequesterID {
			return Trade{}, permissionDenied(ActionUpdate, t.State, "Requester cannot perform approver-only update.")
		}
		next.ApproverID = actorID
	}
	next = changes.applyTo(next)
	next.State = StateNeedsReapproval
	if err := Validate(next); err != nil {
		return Trade{}, err
	}
	return next, nil
}

func SendToExecute(t Trade, actorID string) (Trade, error) {
	if err := precheck(ActionSendToExecute, t, actorID); err != nil {
		return Trade{}, err
	}
	if t.HasApprover() && actorID != t.ApproverID {
		return Trade{}, permissionDenied(ActionSendToExecute, t.State, "Only the assigned approver can send to execute.")
	}
	next := t.successor()
	next.State = StateSentToCounterparty
	return next, nil
}

// Book records the execution strike, rounded to StrikePlaces.
func Book(t Trade, actorID string, strike decimal.Decimal) (Trade, error) {
	if err := precheck(ActionBook, t, actorID); err != nil {
		return Trade{}, err
	}
	if !isParty(t, actorID) {
		return Trade{}, permissionDenied(ActionBook, t.State, "Only requester or approver can book the trade.")
	}
	rounded := strike.Round(StrikePlaces)
	if !rounded.IsPositive() {
		return Trade{}, validationFailed(RuleStrikePositive, "Strike must be greater than zero.")
	}
	next := t.successor()
	next.Strike = decimal.NewNullDecimal(rounded)
	next.State = StateExecuted
	if err := Validate(next); err != nil {
		return Trade{}, err
	}
	return next, nil
}

func isParty(t Trade, actorID string) bool {
	return actorID == t.RequesterID || (t.HasApprover() && actorID == t.ApproverID)
}
