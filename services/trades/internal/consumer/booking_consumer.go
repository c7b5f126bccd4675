package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/McodesM/Trade-Approval-Process/libs/kafka"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/service"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/storage"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/validation"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/workflow"
	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const BookingConfirmedEventType = "trades.booking_confirmed"

// BookingConfirmedEvent is sent by the counterparty desk once a trade has
// been executed at a strike.
type BookingConfirmedEvent struct {
	kafka.Envelope
	TradeID  string `json:"trade_id"`
	BookedBy string `json:"booked_by"`
	Strike   string `json:"strike"`
	Note     string `json:"note,omitempty"`
}

type Booker interface {
	Book(ctx context.Context, in service.BookTradeInput) (*service.TransitionResult, error)
	GetTrade(ctx context.Context, id uuid.UUID) (*storage.Trade, error)
}

type BookingConsumer struct {
	booker  Booker
	logger  *slog.Logger
	metrics *service.Metrics
}

func NewBookingConsumer(booker Booker, logger *slog.Logger, metrics *service.Metrics) *BookingConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &BookingConsumer{booker: booker, logger: logger, metrics: metrics}
}

// HandleMessage books the confirmed trade. Malformed messages are
// dead-lettered, rejected bookings are logged and committed, and anything
// else is returned for retry.
func (c *BookingConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		c.record("invalid")
		return kafka.DLQ(errors.New("empty kafka message"), "invalid_payload")
	}

	var event BookingConfirmedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.record("invalid")
		return kafka.DLQ(fmt.Errorf("decode %s: %w", BookingConfirmedEventType, err), "invalid_payload")
	}
	if err := event.Validate(); err != nil {
		c.record("invalid")
		return kafka.DLQ(err, "invalid_payload")
	}
	tradeID, err := uuid.Parse(strings.TrimSpace(event.TradeID))
	if err != nil {
		c.record("invalid")
		return kafka.DLQ(fmt.Errorf("invalid trade_id"), "invalid_payload")
	}
	strike, err := validation.ParseStrike(event.Strike)
	if err != nil {
		c.record("invalid")
		return kafka.DLQ(fmt.Errorf("invalid strike %q", event.Strike), "invalid_payload")
	}

	attrs := []any{"event_id", event.EventID, "trade_id", tradeID.String(), "booked_by", event.BookedBy}
	_, err = c.booker.Book(ctx, service.BookTradeInput{
		TransitionInput: service.TransitionInput{
			TradeID:       tradeID,
			ActorID:       strings.TrimSpace(event.BookedBy),
			Note:          strings.TrimSpace(event.Note),
			CorrelationID: event.CorrelationID,
		},
		Strike: strike,
	})
	switch {
	case err == nil:
		c.record("booked")
		return nil
	case errors.Is(err, workflow.ErrInvalidTransition) && c.alreadyBooked(ctx, tradeID, strike):
		c.logger.Info("booking confirmation already applied", attrs...)
		c.record("duplicate")
		return nil
	case errors.Is(err, workflow.ErrInvalidTransition),
		errors.Is(err, workflow.ErrPermissionDenied),
		errors.Is(err, workflow.ErrValidation),
		errors.Is(err, storage.ErrNotFound):
		c.logger.Warn("booking confirmation rejected", append(attrs, "reason", err.Error())...)
		c.record("rejected")
		return nil
	default:
		c.record("error")
		return err
	}
}

func (c *BookingConsumer) alreadyBooked(ctx context.Context, id uuid.UUID, strike decimal.Decimal) bool {
	trade, err := c.booker.GetTrade(ctx, id)
	if err != nil {
		return false
	}
	return trade.State == workflow.StateExecuted &&
		trade.Strike.Valid &&
		trade.Strike.Decimal.Equal(strike.Round(workflow.StrikePlaces))
}

func (e *BookingConfirmedEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.EventType != BookingConfirmedEventType {
		return fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	if strings.TrimSpace(e.TradeID) == "" {
		return fmt.Errorf("trade_id is required")
	}
	if strings.TrimSpace(e.BookedBy) == "" {
		return fmt.Errorf("booked_by is required")
	}
	if strings.TrimSpace(e.Strike) == "" {
		return fmt.Errorf("strike is required")
	}
	return nil
}

func (c *BookingConsumer) record(status string) {
	if c.metrics == nil {
		return
	}
	c.metrics.BookingConfirmations.WithLabelValues(status).Inc()
}
