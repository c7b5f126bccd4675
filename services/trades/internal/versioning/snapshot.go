package versioning

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/workflow"
)

const dateLayout = "2006-01-02"

// Snapshot is the full field map of a trade at one version. Values are
// restricted to JSON types so a snapshot read back from storage compares
// equal to the one that was written.
type Snapshot map[string]any

// Field names, as stored and as returned by the API.
const (
	FieldID               = "id"
	FieldTradingEntity    = "trading_entity"
	FieldCounterparty     = "counterparty"
	FieldDirection        = "direction"
	FieldStyle            = "style"
	FieldNotionalCurrency = "notional_currency"
	FieldNotionalAmount   = "notional_amount"
	FieldUnderlying       = "underlying"
	FieldTradeDate        = "trade_date"
	FieldValueDate        = "value_date"
	FieldDeliveryDate     = "delivery_date"
	FieldStrike           = "strike"
	FieldRequesterID      = "requester_id"
	FieldApproverID       = "approver_id"
	FieldState            = "state"
	FieldVersion          = "version"
)

func FromTrade(t workflow.Trade) Snapshot {
	underlying := make([]any, 0, len(t.Underlying))
	for _, u := range t.Underlying {
		underlying = append(underlying, u)
	}

	var strike any
	if t.Strike.Valid {
		strike = t.Strike.Decimal.StringFixed(workflow.StrikePlaces)
	}
	var approver any
	if t.HasApprover() {
		approver = t.ApproverID
	}

	return Snapshot{
		FieldID:               t.ID.String(),
		FieldTradingEntity:    t.TradingEntity,
		FieldCounterparty:     t.Counterparty,
		FieldDirection:        string(t.Direction),
		FieldStyle:            t.Style,
		FieldNotionalCurrency: t.NotionalCurrency,
		FieldNotionalAmount:   t.NotionalAmount.StringFixed(workflow.NotionalPlaces),
		FieldUnderlying:       underlying,
		FieldTradeDate:        t.TradeDate.Format(dateLayout),
		FieldValueDate:        t.ValueDate.Format(dateLayout),
		FieldDeliveryDate:     t.DeliveryDate.Format(dateLayout),
		FieldStrike:           strike,
		FieldRequesterID:      t.RequesterID,
		FieldApproverID:       approver,
		FieldState:            string(t.State),
		FieldVersion:          float64(t.Version),
	}
}

// Clone deep-copies list values so callers cannot reach into stored state.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		if list, ok := v.([]any); ok {
			v = slices.Clone(list)
		}
		out[k] = v
	}
	return out
}

func (s Snapshot) Marshal() ([]byte, error) {
	return json.Marshal(map[string]any(s))
}

func Unmarshal(raw []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}
