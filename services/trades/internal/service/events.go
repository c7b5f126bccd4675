package service

import (
	"context"
	"strconv"
	"time"

	"github.com/McodesM/Trade-Approval-Process/libs/kafka"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/versioning"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/workflow"
)

type Topics struct {
	Lifecycle string
}

var eventTypes = map[workflow.Action]string{
	workflow.ActionSubmit:        "trade.submitted",
	workflow.ActionApprove:       "trade.approved",
	workflow.ActionCancel:        "trade.cancelled",
	workflow.ActionUpdate:        "trade.updated",
	workflow.ActionSendToExecute: "trade.sent_to_counterparty",
	workflow.ActionBook:          "trade.booked",
}

func EventType(action workflow.Action) string {
	if t, ok := eventTypes[action]; ok {
		return t
	}
	return "trade.transitioned"
}

// TradeTransitionedEvent is published to the lifecycle topic after every
// committed transition, keyed by trade id.
type TradeTransitionedEvent struct {
	kafka.Envelope
	TradeID    string              `json:"trade_id"`
	Action     string              `json:"action"`
	FromState  string              `json:"from_state"`
	ToState    string              `json:"to_state"`
	Version       int                 `json:"version"`
	ActorID       string              `json:"actor_id"`
	Note          string              `json:"note"`
	ChangedFields []string            `json:"changed_fields"`
	Snapshot      versioning.Snapshot `json:"snapshot"`
	OccurredAt    string              `json:"occurred_at"`
}

func (s *TradeService) publishTransition(ctx context.Context, correlationID string, res *TransitionResult) {
	if s.producer == nil || res == nil || s.topics.Lifecycle == "" {
		return
	}
	tradeID := res.Trade.ID.String()
	eventType := EventType(res.Log.Action)
	eventID := kafka.DeterministicEventID(eventType, tradeID, strconv.Itoa(res.Version.Version))
	env, err := kafka.NewEnvelopeWithID(eventID, eventType, 1, correlationID)
	if err != nil {
		s.logger.Error("build trade event envelope failed", "error", err)
		return
	}

	payload := TradeTransitionedEvent{
		Envelope:      env,
		TradeID:       tradeID,
		Action:        string(res.Log.Action),
		FromState:     string(res.Log.FromState),
		ToState:       string(res.Log.ToState),
		Version:       res.Version.Version,
		ActorID:       res.Log.ActorID,
		Note:          res.Log.Note,
		ChangedFields: res.ChangedFields,
		Snapshot:      res.Version.Snapshot,
		OccurredAt:    res.CommittedAt.UTC().Format(time.RFC3339Nano),
	}
	if _, _, err := s.producer.PublishJSON(ctx, s.topics.Lifecycle, tradeID, payload); err != nil {
		s.logger.Error("publish trade event failed", "trade_id", tradeID, "event_type", eventType, "error", err)
		if s.metrics != nil {
			s.metrics.EventPublishFailures.WithLabelValues(eventType).Inc()
		}
	}
}
