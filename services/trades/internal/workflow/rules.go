package workflow

import (
	"slices"
)

const (
	RuleDatesOrdered               = "dates_ordered"
	RuleUnderlyingContainsNotional = "underlying_contains_notional"
	RuleStrikeGated                = "strike_gated"
	RuleStrikePositive             = "strike_positive"
)

type Rule func(Trade) error

// Rules run in this order; Validate reports the first failure.
var Rules = []Rule{
	DatesOrdered,
	UnderlyingContainsNotional,
	StrikeGated,
}

func DatesOrdered(t Trade) error {
	if t.TradeDate.After(t.ValueDate) || t.ValueDate.After(t.DeliveryDate) {
		return validationFailed(RuleDatesOrdered, "Trade Date ≤ Value Date ≤ Delivery Date must hold.")
	}
	return nil
}

func UnderlyingContainsNotional(t Trade) error {
	if !slices.Contains(t.Underlying, t.NotionalCurrency) {
		return validationFailed(RuleUnderlyingContainsNotional, "Notional currency must be included in the underlying.")
	}
	return nil
}

func StrikeGated(t Trade) error {
	if t.Strike.Valid && t.State != StateExecuted {
		return validationFailed(RuleStrikeGated, "Strike may only be set when booking (to Executed).")
	}
	return nil
}

func Validate(t Trade) error {
	for _, rule := range Rules {
		if err := rule(t); err != nil {
			return err
		}
	}
	return nil
}

// CheckStored verifies the invariants every persisted trade value must
// satisfy regardless of how it was produced.
func CheckStored(t Trade) error {
	if err := Validate(t); err != nil {
		return err
	}
	if t.State == StateExecuted && (!t.Strike.Valid || !t.Strike.Decimal.IsPositive()) {
		return validationFailed(RuleStrikePositive, "An executed trade must carry a strike greater than zero.")
	}
	return nil
}
