package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/workflow"
	"github.com/shopspring/decimal"
)

const (
	maxNameLength  = 120
	maxStyleLength = 20
	maxNoteLength  = 500
	dateLayout     = "2006-01-02"
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	return "invalid request"
}

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

type CreateTradeRequest struct {
	TradingEntity    string           `json:"trading_entity"`
	Counterparty     string           `json:"counterparty"`
	Direction        string           `json:"direction"`
	Style            string           `json:"style"`
	NotionalCurrency string           `json:"notional_currency"`
	NotionalAmount   *decimal.Decimal `json:"notional_amount"`
	Underlying       []string         `json:"underlying"`
	TradeDate        string           `json:"trade_date"`
	ValueDate        string           `json:"value_date"`
	DeliveryDate     string           `json:"delivery_date"`
	Note             string           `json:"note"`
}

// UpdateTradeRequest fields are all optional; a nil field is left as is.
type UpdateTradeRequest struct {
	TradingEntity    *string          `json:"trading_entity"`
	Counterparty     *string          `json:"counterparty"`
	Direction        *string          `json:"direction"`
	Style            *string          `json:"style"`
	NotionalCurrency *string          `json:"notional_currency"`
	NotionalAmount   *decimal.Decimal `json:"notional_amount"`
	Underlying       *[]string        `json:"underlying"`
	TradeDate        *string          `json:"trade_date"`
	ValueDate        *string          `json:"value_date"`
	DeliveryDate     *string          `json:"delivery_date"`
	Note             string           `json:"note"`
}

type BookTradeRequest struct {
	Strike *decimal.Decimal `json:"strike"`
	Note   string           `json:"note"`
}

type NoteRequest struct {
	Note string `json:"note"`
}

func ValidateCreate(req CreateTradeRequest) (workflow.Details, ValidationErrors) {
	var errs ValidationErrors
	d := workflow.Details{
		TradingEntity: strings.TrimSpace(req.TradingEntity),
		Counterparty:  strings.TrimSpace(req.Counterparty),
		Style:         strings.TrimSpace(req.Style),
	}

	errs = requireName(errs, "trading_entity", d.TradingEntity)
	errs = requireName(errs, "counterparty", d.Counterparty)
	if len(d.Style) > maxStyleLength {
		errs = append(errs, FieldError{Field: "style", Message: fmt.Sprintf("style must be at most %d characters", maxStyleLength)})
	}

	dir, fe := parseDirection(req.Direction)
	errs = appendIf(errs, fe)
	d.Direction = dir

	ccy, fe := parseCurrency("notional_currency", req.NotionalCurrency)
	errs = appendIf(errs, fe)
	d.NotionalCurrency = ccy

	if req.NotionalAmount == nil {
		errs = append(errs, FieldError{Field: "notional_amount", Message: "notional_amount is required"})
	} else if fe := checkNotional(*req.NotionalAmount); fe != nil {
		errs = append(errs, *fe)
	} else {
		d.NotionalAmount = *req.NotionalAmount
	}

	underlying, fe := parseUnderlying(req.Underlying)
	errs = appendIf(errs, fe)
	d.Underlying = underlying

	var dateErr *FieldError
	d.TradeDate, dateErr = parseDate("trade_date", req.TradeDate)
	errs = appendIf(errs, dateErr)
	d.ValueDate, dateErr = parseDate("value_date", req.ValueDate)
	errs = appendIf(errs, dateErr)
	d.DeliveryDate, dateErr = parseDate("delivery_date", req.DeliveryDate)
	errs = appendIf(errs, dateErr)

	errs = appendIf(errs, checkNote(req.Note))
	return d, errs
}

func ValidateUpdate(req UpdateTradeRequest) (workflow.Amendment, ValidationErrors) {
	var (
		errs ValidationErrors
		a    workflow.Amendment
	)

	if req.TradingEntity != nil {
		v := strings.TrimSpace(*req.TradingEntity)
		errs = requireName(errs, "trading_entity", v)
		a.TradingEntity = &v
	}
	if req.Counterparty != nil {
		v := strings.TrimSpace(*req.Counterparty)
		errs = requireName(errs, "counterparty", v)
		a.Counterparty = &v
	}
	if req.Direction != nil {
		dir, fe := parseDirection(*req.Direction)
		errs = appendIf(errs, fe)
		a.Direction = &dir
	}
	if req.Style != nil {
		v := strings.TrimSpace(*req.Style)
		if v == "" || len(v) > maxStyleLength {
			errs = append(errs, FieldError{Field: "style", Message: fmt.Sprintf("style must be 1 to %d characters", maxStyleLength)})
		}
		a.Style = &v
	}
	if req.NotionalCurrency != nil {
		ccy, fe := parseCurrency("notional_currency", *req.NotionalCurrency)
		errs = appendIf(errs, fe)
		a.NotionalCurrency = &ccy
	}
	if req.NotionalAmount != nil {
		errs = appendIf(errs, checkNotional(*req.NotionalAmount))
		amount := *req.NotionalAmount
		a.NotionalAmount = &amount
	}
	if req.Underlying != nil {
		underlying, fe := parseUnderlying(*req.Underlying)
		errs = appendIf(errs, fe)
		a.Underlying = underlying
		if a.Underlying == nil {
			a.Underlying = []string{}
		}
	}
	if req.TradeDate != nil {
		d, fe := parseDate("trade_date", *req.TradeDate)
		errs = appendIf(errs, fe)
		a.TradeDate = &d
	}
	if req.ValueDate != nil {
		d, fe := parseDate("value_date", *req.ValueDate)
		errs = appendIf(errs, fe)
		a.ValueDate = &d
	}
	if req.DeliveryDate != nil {
		d, fe := parseDate("delivery_date", *req.DeliveryDate)
		errs = appendIf(errs, fe)
		a.DeliveryDate = &d
	}
	errs = appendIf(errs, checkNote(req.Note))

	if len(errs) == 0 && a.Empty() {
		errs = append(errs, FieldError{Field: "body", Message: "provide at least one updatable trade detail"})
	}
	return a, errs
}

func ValidateBook(req BookTradeRequest) (decimal.Decimal, ValidationErrors) {
	var errs ValidationErrors
	if fe := checkStrike(req.Strike); fe != nil {
		errs = append(errs, *fe)
	}
	errs = appendIf(errs, checkNote(req.Note))
	if len(errs) > 0 {
		return decimal.Zero, errs
	}
	return *req.Strike, nil
}

func ValidateNote(note string) ValidationErrors {
	return appendIf(nil, checkNote(note))
}

// ParseStrike validates a strike received outside of a JSON body, such as
// a booking confirmation.
func ParseStrike(raw string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, ValidationErrors{{Field: "strike", Message: "strike must be a decimal"}}
	}
	if fe := checkStrike(&v); fe != nil {
		return decimal.Zero, ValidationErrors{*fe}
	}
	return v, nil
}

func ParseState(raw string) (workflow.State, ValidationErrors) {
	s, err := workflow.ParseState(strings.TrimSpace(raw))
	if err != nil {
		return "", ValidationErrors{{Field: "state", Message: err.Error()}}
	}
	return s, nil
}

func requireName(errs ValidationErrors, field, v string) ValidationErrors {
	switch {
	case v == "":
		return append(errs, FieldError{Field: field, Message: field + " is required"})
	case len(v) > maxNameLength:
		return append(errs, FieldError{Field: field, Message: fmt.Sprintf("%s must be at most %d characters", field, maxNameLength)})
	}
	return errs
}

func parseDirection(raw string) (workflow.Direction, *FieldError) {
	d, err := workflow.ParseDirection(strings.ToUpper(strings.TrimSpace(raw)))
	if err != nil {
		return "", &FieldError{Field: "direction", Message: "direction must be BUY or SELL"}
	}
	return d, nil
}

func parseCurrency(field, raw string) (string, *FieldError) {
	ccy := strings.ToUpper(strings.TrimSpace(raw))
	if !currencyPattern.MatchString(ccy) {
		return "", &FieldError{Field: field, Message: field + " must be a 3-letter currency code"}
	}
	return ccy, nil
}

func parseUnderlying(raw []string) ([]string, *FieldError) {
	if len(raw) == 0 {
		return nil, &FieldError{Field: "underlying", Message: "underlying must not be empty"}
	}
	out := make([]string, 0, len(raw))
	for _, u := range raw {
		ccy, fe := parseCurrency("underlying", u)
		if fe != nil {
			return nil, fe
		}
		out = append(out, ccy)
	}
	return out, nil
}

func parseDate(field, raw string) (time.Time, *FieldError) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, &FieldError{Field: field, Message: field + " is required"}
	}
	d, err := time.Parse(dateLayout, trimmed)
	if err != nil {
		return time.Time{}, &FieldError{Field: field, Message: field + " must be a YYYY-MM-DD date"}
	}
	return d, nil
}

func checkNotional(v decimal.Decimal) *FieldError {
	if !v.IsPositive() {
		return &FieldError{Field: "notional_amount", Message: "notional_amount must be positive"}
	}
	if !v.Equal(v.Truncate(workflow.NotionalPlaces)) {
		return &FieldError{Field: "notional_amount", Message: "notional_amount must have at most 2 decimal places"}
	}
	return nil
}

func checkStrike(v *decimal.Decimal) *FieldError {
	switch {
	case v == nil:
		return &FieldError{Field: "strike", Message: "strike is required"}
	case !v.IsPositive():
		return &FieldError{Field: "strike", Message: "strike must be greater than 0"}
	case !v.Equal(v.Truncate(workflow.StrikePlaces)):
		return &FieldError{Field: "strike", Message: "strike must have at most 6 decimal places"}
	}
	return nil
}

func checkNote(note string) *FieldError {
	if len(note) > maxNoteLength {
		return &FieldError{Field: "note", Message: fmt.Sprintf("note must be at most %d characters", maxNoteLength)}
	}
	return nil
}

func appendIf(errs ValidationErrors, fe *FieldError) ValidationErrors {
	if fe != nil {
		return append(errs, *fe)
	}
	return errs
}
