package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/McodesM/Trade-Approval-Process/libs/kafka"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/storage"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/versioning"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/workflow"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrInvariant reports a computed successor that breaks a persistence
// invariant the workflow should already guarantee. It is an internal error.
var ErrInvariant = errors.New("trade invariant violated")

type TradeStore interface {
	WithTx(ctx context.Context, fn storage.TxFunc) error
	GetTrade(ctx context.Context, id uuid.UUID) (*storage.Trade, error)
	ListTrades(ctx context.Context, filter storage.TradeFilter) ([]storage.Trade, string, error)
	ListActionLogs(ctx context.Context, tradeID uuid.UUID) ([]storage.ActionLog, error)
	ListVersions(ctx context.Context, tradeID uuid.UUID) ([]storage.TradeVersion, error)
	GetVersion(ctx context.Context, tradeID uuid.UUID, version int) (*storage.TradeVersion, error)
}

type TradeService struct {
	store    TradeStore
	producer kafka.Publisher
	logger   *slog.Logger
	metrics  *Metrics
	topics   Topics
	tracer   trace.Tracer
	newID    func() uuid.UUID
	now      func() time.Time
}

type Option func(*TradeService)

// WithIDGenerator overrides trade id generation, for tests.
func WithIDGenerator(fn func() uuid.UUID) Option {
	return func(s *TradeService) { s.newID = fn }
}

func WithClock(fn func() time.Time) Option {
	return func(s *TradeService) { s.now = fn }
}

func NewTradeService(store TradeStore, producer kafka.Publisher, logger *slog.Logger, metrics *Metrics, topics Topics, opts ...Option) *TradeService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &TradeService{
		store:    store,
		producer: producer,
		logger:   logger,
		metrics:  metrics,
		topics:   topics,
		tracer:   otel.Tracer("trades/service"),
		newID:    uuid.New,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateTradeInput struct {
	ActorID       string
	Details       workflow.Details
	Note          string
	CorrelationID string
}

// TransitionInput identifies the trade and actor of a transition.
// ExpectedVersion, when positive, must match the stored version or the
// call fails with storage.ErrConflict.
type TransitionInput struct {
	TradeID         uuid.UUID
	ActorID         string
	Note            string
	ExpectedVersion int
	CorrelationID   string
}

type UpdateTradeInput struct {
	TransitionInput
	Changes workflow.Amendment
}

type BookTradeInput struct {
	TransitionInput
	Strike decimal.Decimal
}

type TransitionResult struct {
	Trade   *storage.Trade
	Log     storage.ActionLog
	Version storage.TradeVersion
	// ChangedFields names the snapshot fields this transition changed,
	// sorted.
	ChangedFields []string
	CommittedAt   time.Time
}

type DiffResult struct {
	TradeID     uuid.UUID
	FromVersion int
	ToVersion   int
	Changes     map[string]versioning.FieldChange
}

// CreateAndSubmit creates a trade and submits it in one transaction, so the
// Draft is never visible on its own.
func (s *TradeService) CreateAndSubmit(ctx context.Context, in CreateTradeInput) (*TransitionResult, error) {
	ctx, span := s.startSpan(ctx, workflow.ActionSubmit, uuid.Nil, in.ActorID)
	defer span.End()
	start := time.Now()

	draft := workflow.NewDraft(s.newID(), in.ActorID, in.Details)
	span.SetAttributes(attribute.String("trade.id", draft.ID.String()))

	var out *written
	err := func() error {
		submitted, err := workflow.Submit(draft, in.ActorID)
		if err != nil {
			return err
		}
		return s.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			if _, err := tx.InsertTrade(ctx, draft); err != nil {
				return fmt.Errorf("insert draft: %w", err)
			}
			out, err = s.persist(ctx, tx, draft, submitted, workflow.ActionSubmit, in.ActorID, in.Note)
			return err
		})
	}()

	return s.finish(ctx, span, start, workflow.ActionSubmit, draft.ID, in.ActorID, in.CorrelationID, out.result(err), err)
}

func (s *TradeService) Approve(ctx context.Context, in TransitionInput) (*TransitionResult, error) {
	return s.transition(ctx, in, workflow.Command{Action: workflow.ActionApprove, ActorID: in.ActorID})
}

func (s *TradeService) Cancel(ctx context.Context, in TransitionInput) (*TransitionResult, error) {
	return s.transition(ctx, in, workflow.Command{Action: workflow.ActionCancel, ActorID: in.ActorID})
}

func (s *TradeService) Update(ctx context.Context, in UpdateTradeInput) (*TransitionResult, error) {
	return s.transition(ctx, in.TransitionInput, workflow.Command{Action: workflow.ActionUpdate, ActorID: in.ActorID, Changes: in.Changes})
}

func (s *TradeService) SendToExecute(ctx context.Context, in TransitionInput) (*TransitionResult, error) {
	return s.transition(ctx, in, workflow.Command{Action: workflow.ActionSendToExecute, ActorID: in.ActorID})
}

func (s *TradeService) Book(ctx context.Context, in BookTradeInput) (*TransitionResult, error) {
	return s.transition(ctx, in.TransitionInput, workflow.Command{Action: workflow.ActionBook, ActorID: in.ActorID, Strike: in.Strike})
}

func (s *TradeService) transition(ctx context.Context, in TransitionInput, cmd workflow.Command) (*TransitionResult, error) {
	ctx, span := s.startSpan(ctx, cmd.Action, in.TradeID, in.ActorID)
	defer span.End()
	start := time.Now()

	var out *written
	err := s.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		current, err := tx.GetTradeForUpdate(ctx, in.TradeID)
		if err != nil {
			return err
		}
		if in.ExpectedVersion > 0 && current.Version != in.ExpectedVersion {
			return fmt.Errorf("%w: expected version %d, found %d", storage.ErrConflict, in.ExpectedVersion, current.Version)
		}
		next, err := workflow.Apply(current.Trade, cmd)
		if err != nil {
			return err
		}
		out, err = s.persist(ctx, tx, current.Trade, next, cmd.Action, in.ActorID, in.Note)
		return err
	})

	return s.finish(ctx, span, start, cmd.Action, in.TradeID, in.ActorID, in.CorrelationID, out.result(err), err)
}

// written holds the records a transition wrote. They are read only after
// the transaction commits, when the store has filled in ids and timestamps.
type written struct {
	trade   *storage.Trade
	version *storage.TradeVersion
	log     *storage.ActionLog
	changed []string
}

func (w *written) result(err error) *TransitionResult {
	if w == nil || err != nil {
		return nil
	}
	return &TransitionResult{Trade: w.trade, Log: *w.log, Version: *w.version, ChangedFields: w.changed}
}

// persist writes the successor, its snapshot and its audit entry. All three
// share tx, so they commit or roll back together.
func (s *TradeService) persist(ctx context.Context, tx storage.Tx, before, after workflow.Trade, action workflow.Action, actorID, note string) (*written, error) {
	if err := checkSuccessor(before, after); err != nil {
		return nil, err
	}
	if note == "" {
		note = DefaultNote(action, before.State)
	}

	stored, err := tx.UpdateTrade(ctx, after, before.Version)
	if err != nil {
		return nil, fmt.Errorf("update trade: %w", err)
	}
	snapshot := versioning.FromTrade(after)
	version, err := tx.InsertVersion(ctx, storage.TradeVersion{
		TradeID:  after.ID,
		Version:  after.Version,
		State:    after.State,
		Snapshot: snapshot,
		ActorID:  actorID,
		Action:   action,
	})
	if err != nil {
		return nil, fmt.Errorf("insert version: %w", err)
	}
	entry, err := tx.InsertActionLog(ctx, storage.ActionLog{
		TradeID:   after.ID,
		Action:    action,
		ActorID:   actorID,
		FromState: before.State,
		ToState:   after.State,
		Note:      note,
	})
	if err != nil {
		return nil, fmt.Errorf("insert action log: %w", err)
	}

	changed := versioning.ChangedFields(versioning.Diff(versioning.FromTrade(before), snapshot))
	return &written{trade: stored, version: version, log: entry, changed: changed}, nil
}

func checkSuccessor(before, after workflow.Trade) error {
	if err := workflow.CheckStored(after); err != nil {
		return err
	}
	switch {
	case after.ID != before.ID:
		return fmt.Errorf("%w: trade id changed", ErrInvariant)
	case after.Version != before.Version+1:
		return fmt.Errorf("%w: version %d does not follow %d", ErrInvariant, after.Version, before.Version)
	case after.RequesterID != before.RequesterID:
		return fmt.Errorf("%w: requester changed", ErrInvariant)
	}
	return nil
}

func (s *TradeService) finish(ctx context.Context, span trace.Span, start time.Time, action workflow.Action, tradeID uuid.UUID, actorID, correlationID string, result *TransitionResult, err error) (*TransitionResult, error) {
	outcome := Outcome(err)
	if s.metrics != nil {
		s.metrics.Transitions.WithLabelValues(string(action), outcome).Inc()
		s.metrics.TransitionLatency.WithLabelValues(string(action)).Observe(time.Since(start).Seconds())
	}

	attrs := []any{
		slog.String("trade_id", tradeID.String()),
		slog.String("action", string(action)),
		slog.String("actor_id", actorID),
		slog.String("correlation_id", correlationID),
	}
	if err != nil {
		span.SetAttributes(attribute.String("trade.outcome", outcome))
		if outcome == OutcomeError {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.logger.ErrorContext(ctx, "trade transition failed", append(attrs, slog.Any("error", err))...)
		} else {
			s.logger.WarnContext(ctx, "trade transition rejected", append(attrs, slog.String("outcome", outcome), slog.String("reason", err.Error()))...)
		}
		return nil, err
	}

	result.CommittedAt = s.now()
	s.logger.InfoContext(ctx, "trade transitioned", append(attrs,
		slog.String("from_state", string(result.Log.FromState)),
		slog.String("to_state", string(result.Log.ToState)),
		slog.Int("version", result.Version.Version),
	)...)
	span.SetAttributes(attribute.Int("trade.version", result.Version.Version))

	s.publishTransition(ctx, correlationID, result)
	return result, nil
}

func (s *TradeService) startSpan(ctx context.Context, action workflow.Action, tradeID uuid.UUID, actorID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("trade.action", string(action)),
		attribute.String("trade.actor_id", actorID),
	}
	if tradeID != uuid.Nil {
		attrs = append(attrs, attribute.String("trade.id", tradeID.String()))
	}
	return s.tracer.Start(ctx, "trade."+string(action), trace.WithAttributes(attrs...))
}

func (s *TradeService) GetTrade(ctx context.Context, id uuid.UUID) (*storage.Trade, error) {
	return s.store.GetTrade(ctx, id)
}

func (s *TradeService) ListTrades(ctx context.Context, filter storage.TradeFilter) ([]storage.Trade, string, error) {
	return s.store.ListTrades(ctx, filter)
}

// History returns the audit trail of a trade in ascending time order.
func (s *TradeService) History(ctx context.Context, id uuid.UUID) ([]storage.ActionLog, error) {
	if _, err := s.store.GetTrade(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListActionLogs(ctx, id)
}

func (s *TradeService) Versions(ctx context.Context, id uuid.UUID) ([]storage.TradeVersion, error) {
	if _, err := s.store.GetTrade(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListVersions(ctx, id)
}

func (s *TradeService) GetVersion(ctx context.Context, id uuid.UUID, version int) (*storage.TradeVersion, error) {
	if _, err := s.store.GetTrade(ctx, id); err != nil {
		return nil, err
	}
	return s.store.GetVersion(ctx, id, version)
}

// DiffVersions compares two stored snapshots of one trade. Either version
// missing yields storage.ErrVersionNotFound.
func (s *TradeService) DiffVersions(ctx context.Context, id uuid.UUID, from, to int) (*DiffResult, error) {
	a, err := s.GetVersion(ctx, id, from)
	if err != nil {
		return nil, err
	}
	b, err := s.store.GetVersion(ctx, id, to)
	if err != nil {
		return nil, err
	}
	return &DiffResult{
		TradeID:     id,
		FromVersion: from,
		ToVersion:   to,
		Changes:     versioning.Diff(a.Snapshot, b.Snapshot),
	}, nil
}

const (
	OutcomeSuccess           = "success"
	OutcomeInvalidTransition = "invalid_transition"
	OutcomePermissionDenied  = "permission_denied"
	OutcomeValidation        = "validation"
	OutcomeNotFound          = "not_found"
	OutcomeConflict          = "conflict"
	OutcomeError             = "error"
)

// Outcome classifies err into the metric/log label for a transition.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, workflow.ErrInvalidTransition):
		return OutcomeInvalidTransition
	case errors.Is(err, workflow.ErrPermissionDenied):
		return OutcomePermissionDenied
	case errors.Is(err, workflow.ErrValidation):
		return OutcomeValidation
	case errors.Is(err, storage.ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrAlreadyExists):
		return OutcomeConflict
	default:
		return OutcomeError
	}
}
