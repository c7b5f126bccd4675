package workflow

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type State string

const (
	StateDraft              State = "Draft"
	StatePendingApproval    State = "PendingApproval"
	StateNeedsReapproval    State = "NeedsReapproval"
	StateApproved           State = "Approved"
	StateSentToCounterparty State = "SentToCounterparty"
	StateExecuted           State = "Executed"
	StateCancelled          State = "Cancelled"
)

var States = []State{
	StateDraft,
	StatePendingApproval,
	StateNeedsReapproval,
	StateApproved,
	StateSentToCounterparty,
	StateExecuted,
	StateCancelled,
}

func (s State) Valid() bool {
	return slices.Contains(States, s)
}

// Terminal states accept no further transitions.
func (s State) Terminal() bool {
	return s == StateExecuted || s == StateCancelled
}

func ParseState(raw string) (State, error) {
	s := State(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown state %q", raw)
	}
	return s, nil
}

type Action string

const (
	ActionSubmit        Action = "Submit"
	ActionApprove       Action = "Approve"
	ActionCancel        Action = "Cancel"
	ActionUpdate        Action = "Update"
	ActionSendToExecute Action = "SendToExecute"
	ActionBook          Action = "Book"
)

var Actions = []Action{
	ActionSubmit,
	ActionApprove,
	ActionCancel,
	ActionUpdate,
	ActionSendToExecute,
	ActionBook,
}

func (a Action) Valid() bool {
	return slices.Contains(Actions, a)
}

func ParseAction(raw string) (Action, error) {
	a := Action(raw)
	if !a.Valid() {
		return "", fmt.Errorf("unknown action %q", raw)
	}
	return a, nil
}

type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell
}

func ParseDirection(raw string) (Direction, error) {
	d := Direction(raw)
	if !d.Valid() {
		return "", fmt.Errorf("direction must be BUY or SELL, got %q", raw)
	}
	return d, nil
}

const (
	DefaultStyle = "FORWARD"

	NotionalPlaces = 2
	StrikePlaces   = 6
)

// Details are the economic terms supplied when a trade is created.
type Details struct {
	TradingEntity    string
	Counterparty     string
	Direction        Direction
	Style            string
	NotionalCurrency string
	NotionalAmount   decimal.Decimal
	Underlying       []string
	TradeDate        time.Time
	ValueDate        time.Time
	DeliveryDate     time.Time
}

// Trade is an immutable trade value. Transitions return a new Trade and
// never share the receiver's underlying slice.
type Trade struct {
	ID               uuid.UUID
	TradingEntity    string
	Counterparty     string
	Direction        Direction
	Style            string
	NotionalCurrency string
	NotionalAmount   decimal.Decimal
	Underlying       []string
	TradeDate        time.Time
	ValueDate        time.Time
	DeliveryDate     time.Time
	Strike           decimal.NullDecimal
	RequesterID      string
	ApproverID       string
	State            State
	Version          int
}

// NewDraft builds the version 1 Draft value for a new trade.
func NewDraft(id uuid.UUID, requesterID string, d Details) Trade {
	style := d.Style
	if style == "" {
		style = DefaultStyle
	}
	return Trade{
		ID:               id,
		TradingEntity:    d.TradingEntity,
		Counterparty:     d.Counterparty,
		Direction:        d.Direction,
		Style:            style,
		NotionalCurrency: d.NotionalCurrency,
		NotionalAmount:   d.NotionalAmount.Round(NotionalPlaces),
		Underlying:       slices.Clone(d.Underlying),
		TradeDate:        civilDate(d.TradeDate),
		ValueDate:        civilDate(d.ValueDate),
		DeliveryDate:     civilDate(d.DeliveryDate),
		RequesterID:      requesterID,
		State:            StateDraft,
		Version:          1,
	}
}

func (t Trade) HasApprover() bool {
	return t.ApproverID != ""
}

// Clone returns a copy that shares no mutable memory with t.
func (t Trade) Clone() Trade {
	t.Underlying = slices.Clone(t.Underlying)
	return t
}

// successor is the common starting point of every transition: a deep copy
// one version ahead.
func (t Trade) successor() Trade {
	next := t.Clone()
	next.Version = t.Version + 1
	return next
}

// Amendment carries the optional field overrides of an Update. A nil field
// (or nil Underlying) leaves the current value untouched.
type Amendment struct {
	TradingEntity    *string
	Counterparty     *string
	Direction        *Direction
	Style            *string
	NotionalCurrency *string
	NotionalAmount   *decimal.Decimal
	Underlying       []string
	TradeDate        *time.Time
	ValueDate        *time.Time
	DeliveryDate     *time.Time
	Strike           *decimal.Decimal
}

func (a Amendment) Empty() bool {
	return a.TradingEntity == nil &&
		a.Counterparty == nil &&
		a.Direction == nil &&
		a.Style == nil &&
		a.NotionalCurrency == nil &&
		a.NotionalAmount == nil &&
		a.Underlying == nil &&
		a.TradeDate == nil &&
		a.ValueDate == nil &&
		a.DeliveryDate == nil &&
		a.Strike == nil
}

func (a Amendment) applyTo(t Trade) Trade {
	if a.TradingEntity != nil {
		t.TradingEntity = *a.TradingEntity
	}
	if a.Counterparty != nil {
		t.Counterparty = *a.Counterparty
	}
	if a.Direction != nil {
		t.Direction = *a.Direction
	}
	if a.Style != nil {
		t.Style = *a.Style
	}
	if a.NotionalCurrency != nil {
		t.NotionalCurrency = *a.NotionalCurrency
	}
	if a.NotionalAmount != nil {
		t.NotionalAmount = a.NotionalAmount.Round(NotionalPlaces)
	}
	if a.Underlying != nil {
		t.Underlying = slices.Clone(a.Underlying)
	}
	if a.TradeDate != nil {
		t.TradeDate = civilDate(*a.TradeDate)
	}
	if a.ValueDate != nil {
		t.ValueDate = civilDate(*a.ValueDate)
	}
	if a.DeliveryDate != nil {
		t.DeliveryDate = civilDate(*a.DeliveryDate)
	}
	if a.Strike != nil {
		t.Strike = decimal.NewNullDecimal(a.Strike.Round(StrikePlaces))
	}
	return t
}

func civilDate(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
