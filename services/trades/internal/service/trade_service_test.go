package service

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/McodesM/Trade-Approval-Process/libs/logging"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/storage"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/versioning"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/workflow"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

const (
	requester = "trader-alice"
	approver  = "approver-bob"
	outsider  = "ops-mallory"
)

type publishedEvent struct {
	topic string
	key   string
	value any
}

type stubPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *stubPublisher) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, 0, p.err
	}
	p.events = append(p.events, publishedEvent{topic: topic, key: key, value: value})
	return 0, int64(len(p.events)), nil
}

func (p *stubPublisher) Close() error { return nil }

func (p *stubPublisher) published() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedEvent(nil), p.events...)
}

type fixture struct {
	svc       *TradeService
	store     *storage.MemoryStore
	publisher *stubPublisher
	metrics   *Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemory()
	publisher := &stubPublisher{}
	metrics := NewMetrics(prometheus.NewRegistry())
	svc := NewTradeService(store, publisher, logging.Discard(), metrics, Topics{Lifecycle: "trades.lifecycle"})
	return &fixture{svc: svc, store: store, publisher: publisher, metrics: metrics}
}

func date(raw string) time.Time {
	d, err := time.Parse("2006-01-02", raw)
	if err != nil {
		panic(err)
	}
	return d
}

func sampleDetails() workflow.Details {
	return workflow.Details{
		TradingEntity:    "Validus LLP",
		Counterparty:     "Bank A",
		Direction:        workflow.DirectionBuy,
		NotionalCurrency: "USD",
		NotionalAmount:   decimal.RequireFromString("1000000"),
		Underlying:       []string{"USD", "EUR"},
		TradeDate:        date("2025-01-10"),
		ValueDate:        date("2025-01-12"),
		DeliveryDate:     date("2025-01-15"),
	}
}

func (f *fixture) create(t *testing.T) *TransitionResult {
	t.Helper()
	res, err := f.svc.CreateAndSubmit(context.Background(), CreateTradeInput{ActorID: requester, Details: sampleDetails()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return res
}

func in(id uuid.UUID, actor string) TransitionInput {
	return TransitionInput{TradeID: id, ActorID: actor}
}

func TestCreateAndSubmit(t *testing.T) {
	f := newFixture(t)
	res := f.create(t)

	if res.Trade.State != workflow.StatePendingApproval {
		t.Fatalf("expected PendingApproval, got %s", res.Trade.State)
	}
	if res.Trade.Version != 2 || res.Version.Version != 2 {
		t.Fatalf("expected version 2, got trade=%d snapshot=%d", res.Trade.Version, res.Version.Version)
	}
	if res.Trade.Style != workflow.DefaultStyle {
		t.Fatalf("expected default style, got %q", res.Trade.Style)
	}
	if res.Log.FromState != workflow.StateDraft || res.Log.ToState != workflow.StatePendingApproval {
		t.Fatalf("unexpected log states %s -> %s", res.Log.FromState, res.Log.ToState)
	}
	if res.Log.Note != "Trade details provided" {
		t.Fatalf("unexpected default note %q", res.Log.Note)
	}

	stored, err := f.svc.GetTrade(context.Background(), res.Trade.ID)
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if stored.Version != 2 || stored.RequesterID != requester {
		t.Fatalf("unexpected stored trade %+v", stored.Trade)
	}
	versions, err := f.svc.Versions(context.Background(), res.Trade.ID)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(versions) != 1 || versions[0].Version != 2 {
		t.Fatalf("expected only the submitted snapshot, got %+v", versions)
	}
	if got := testutil.ToFloat64(f.metrics.Transitions.WithLabelValues("Submit", OutcomeSuccess)); got != 1 {
		t.Fatalf("expected one successful submit, got %v", got)
	}
}

func TestCreateAndSubmitRejectsInvalidDetails(t *testing.T) {
	f := newFixture(t)
	details := sampleDetails()
	details.ValueDate = date("2025-01-09")

	_, err := f.svc.CreateAndSubmit(context.Background(), CreateTradeInput{ActorID: requester, Details: details})
	if !errors.Is(err, workflow.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	trades, _, err := f.svc.ListTrades(context.Background(), storage.TradeFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(trades) != 0 {
		t.Fatalf("expected nothing persisted, got %d trades", len(trades))
	}
	if len(f.publisher.published()) != 0 {
		t.Fatalf("expected no events")
	}
	if got := testutil.ToFloat64(f.metrics.Transitions.WithLabelValues("Submit", OutcomeValidation)); got != 1 {
		t.Fatalf("expected one validation failure, got %v", got)
	}
}

func TestFullLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t).Trade.ID

	if _, err := f.svc.Approve(ctx, in(id, approver)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.svc.SendToExecute(ctx, in(id, approver)); err != nil {
		t.Fatalf("send: %v", err)
	}
	res, err := f.svc.Book(ctx, BookTradeInput{TransitionInput: in(id, requester), Strike: decimal.RequireFromString("1.23456789")})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if res.Trade.State != workflow.StateExecuted || res.Trade.Version != 5 {
		t.Fatalf("unexpected booked trade state=%s version=%d", res.Trade.State, res.Trade.Version)
	}
	if got := res.Trade.Strike.Decimal.String(); got != "1.234568" {
		t.Fatalf("expected strike rounded to 1.234568, got %s", got)
	}

	history, err := f.svc.History(ctx, id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	wantActions := []workflow.Action{workflow.ActionSubmit, workflow.ActionApprove, workflow.ActionSendToExecute, workflow.ActionBook}
	if len(history) != len(wantActions) {
		t.Fatalf("expected %d history entries, got %d", len(wantActions), len(history))
	}
	for i, want := range wantActions {
		if history[i].Action != want {
			t.Fatalf("history[%d]: expected %s, got %s", i, want, history[i].Action)
		}
	}

	events := f.publisher.published()
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	last, ok := events[3].value.(TradeTransitionedEvent)
	if !ok {
		t.Fatalf("unexpected event payload %T", events[3].value)
	}
	if last.EventType != "trade.booked" || last.Version != 5 || last.ToState != "Executed" {
		t.Fatalf("unexpected booked event %+v", last)
	}
	if events[3].key != id.String() || events[3].topic != "trades.lifecycle" {
		t.Fatalf("unexpected routing %s/%s", events[3].topic, events[3].key)
	}
}

func TestResultCarriesStoredRecords(t *testing.T) {
	id := uuid.MustParse("6f1c1d52-8c1e-4a44-9d3f-2a3b4c5d6e7f")
	store := storage.NewMemory()
	svc := NewTradeService(store, nil, logging.Discard(), nil, Topics{}, WithIDGenerator(func() uuid.UUID { return id }))
	ctx := context.Background()

	created, err := svc.CreateAndSubmit(ctx, CreateTradeInput{ActorID: requester, Details: sampleDetails()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Trade.ID != id {
		t.Fatalf("expected generated id %s, got %s", id, created.Trade.ID)
	}
	if created.Trade.CreatedAt.IsZero() || created.Log.ID == 0 || created.Log.CreatedAt.IsZero() || created.Version.CreatedAt.IsZero() {
		t.Fatalf("create result missing stored values: trade=%s log=%d/%s version=%s",
			created.Trade.CreatedAt, created.Log.ID, created.Log.CreatedAt, created.Version.CreatedAt)
	}

	approved, err := svc.Approve(ctx, in(id, approver))
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	stored, err := svc.GetTrade(ctx, id)
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if !approved.Trade.CreatedAt.Equal(stored.CreatedAt) || !approved.Trade.UpdatedAt.Equal(stored.UpdatedAt) {
		t.Fatalf("result timestamps %s/%s differ from stored %s/%s",
			approved.Trade.CreatedAt, approved.Trade.UpdatedAt, stored.CreatedAt, stored.UpdatedAt)
	}
	history, _ := svc.History(ctx, id)
	if len(history) != 2 || history[1].ID != approved.Log.ID || !history[1].CreatedAt.Equal(approved.Log.CreatedAt) {
		t.Fatalf("result log %+v does not match stored history %+v", approved.Log, history)
	}
	version, err := svc.GetVersion(ctx, id, approved.Version.Version)
	if err != nil || !version.CreatedAt.Equal(approved.Version.CreatedAt) {
		t.Fatalf("result version %s does not match stored version (err=%v)", approved.Version.CreatedAt, err)
	}
}

func TestUpdateThenReapprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t).Trade.ID

	amount := decimal.RequireFromString("2500000")
	res, err := f.svc.Update(ctx, UpdateTradeInput{
		TransitionInput: in(id, approver),
		Changes:         workflow.Amendment{NotionalAmount: &amount},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if res.Trade.State != workflow.StateNeedsReapproval || res.Trade.ApproverID != approver {
		t.Fatalf("unexpected updated trade %+v", res.Trade.Trade)
	}
	wantChanged := []string{versioning.FieldApproverID, versioning.FieldNotionalAmount, versioning.FieldState, versioning.FieldVersion}
	if !slices.Equal(res.ChangedFields, wantChanged) {
		t.Fatalf("expected changed fields %v, got %v", wantChanged, res.ChangedFields)
	}
	events := f.publisher.published()
	updated, ok := events[len(events)-1].value.(TradeTransitionedEvent)
	if !ok || updated.EventType != "trade.updated" || !slices.Equal(updated.ChangedFields, wantChanged) {
		t.Fatalf("unexpected update event %+v", events[len(events)-1].value)
	}

	if _, err := f.svc.Approve(ctx, in(id, approver)); !errors.Is(err, workflow.ErrPermissionDenied) {
		t.Fatalf("expected approver reapproval to be denied, got %v", err)
	}
	res, err = f.svc.Approve(ctx, in(id, requester))
	if err != nil {
		t.Fatalf("reapprove: %v", err)
	}
	if res.Log.Note != "Requester reapproves updated trade details" {
		t.Fatalf("unexpected note %q", res.Log.Note)
	}

	diff, err := f.svc.DiffVersions(ctx, id, 2, 3)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	want := map[string]bool{
		versioning.FieldNotionalAmount: true,
		versioning.FieldApproverID:     true,
		versioning.FieldState:          true,
		versioning.FieldVersion:        true,
	}
	if len(diff.Changes) != len(want) {
		t.Fatalf("expected %d changed fields, got %v", len(want), diff.Changes)
	}
	for field := range want {
		if _, ok := diff.Changes[field]; !ok {
			t.Fatalf("expected %s in diff, got %v", field, diff.Changes)
		}
	}
	if got := diff.Changes[versioning.FieldNotionalAmount]; got.From != "1000000.00" || got.To != "2500000.00" {
		t.Fatalf("unexpected notional change %+v", got)
	}
}

func TestRejectedTransitionLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t).Trade.ID

	_, err := f.svc.Approve(ctx, in(id, requester))
	var werr *workflow.Error
	if !errors.As(err, &werr) || werr.Message != "Requester cannot approve submission." {
		t.Fatalf("expected requester approval to be denied, got %v", err)
	}
	if _, err := f.svc.Book(ctx, BookTradeInput{TransitionInput: in(id, requester), Strike: decimal.NewFromInt(1)}); !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	stored, err := f.svc.GetTrade(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Version != 2 || stored.State != workflow.StatePendingApproval {
		t.Fatalf("trade changed after rejections: %+v", stored.Trade)
	}
	history, _ := f.svc.History(ctx, id)
	if len(history) != 1 {
		t.Fatalf("expected one history entry, got %d", len(history))
	}
	if len(f.publisher.published()) != 1 {
		t.Fatalf("expected only the submit event")
	}
}

func TestCancelByOutsiderDenied(t *testing.T) {
	f := newFixture(t)
	id := f.create(t).Trade.ID

	if _, err := f.svc.Cancel(context.Background(), in(id, outsider)); !errors.Is(err, workflow.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	res, err := f.svc.Cancel(context.Background(), TransitionInput{TradeID: id, ActorID: requester, Note: "client withdrew"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Log.Note != "client withdrew" {
		t.Fatalf("expected caller note, got %q", res.Log.Note)
	}
}

func TestExpectedVersionMismatch(t *testing.T) {
	f := newFixture(t)
	id := f.create(t).Trade.ID

	input := in(id, approver)
	input.ExpectedVersion = 1
	if _, err := f.svc.Approve(context.Background(), input); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if got := testutil.ToFloat64(f.metrics.Transitions.WithLabelValues("Approve", OutcomeConflict)); got != 1 {
		t.Fatalf("expected one conflict, got %v", got)
	}
}

func TestConcurrentApprovalsOneWins(t *testing.T) {
	f := newFixture(t)
	id := f.create(t).Trade.ID

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, actor := range []string{approver, outsider} {
		i, actor := i, actor
		wg.Add(1)
		go func() {
			defer wg.Done()
			input := in(id, actor)
			input.ExpectedVersion = 2
			_, errs[i] = f.svc.Approve(context.Background(), input)
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, storage.ErrConflict):
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one approval, got %d", succeeded)
	}
	versions, _ := f.svc.Versions(context.Background(), id)
	if len(versions) != 2 {
		t.Fatalf("expected two snapshots, got %d", len(versions))
	}
}

func TestConcurrentUpdatesOneCommits(t *testing.T) {
	f := newFixture(t)
	id := f.create(t).Trade.ID

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, actor := range []string{approver, "checker-carol"} {
		i, actor := i, actor
		counterparty := "Bank " + actor
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.Update(context.Background(), UpdateTradeInput{
				TransitionInput: in(id, actor),
				Changes:         workflow.Amendment{Counterparty: &counterparty},
			})
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, storage.ErrConflict), errors.Is(err, workflow.ErrPermissionDenied):
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one update to commit, got %d", succeeded)
	}

	trade, err := f.svc.GetTrade(context.Background(), id)
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if trade.Version != 3 || trade.State != workflow.StateNeedsReapproval {
		t.Fatalf("unexpected trade after race: version %d state %s", trade.Version, trade.State)
	}
	if trade.Counterparty != "Bank "+trade.ApproverID {
		t.Fatalf("committed details %q do not belong to winner %q", trade.Counterparty, trade.ApproverID)
	}
	versions, _ := f.svc.Versions(context.Background(), id)
	if len(versions) != 2 {
		t.Fatalf("expected two snapshots, got %d", len(versions))
	}
	history, _ := f.svc.History(context.Background(), id)
	if len(history) != 2 {
		t.Fatalf("expected two log entries, got %d", len(history))
	}
}

func TestPublishFailureDoesNotFailTransition(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("broker down")

	res := f.create(t)
	if res.Trade.State != workflow.StatePendingApproval {
		t.Fatalf("unexpected state %s", res.Trade.State)
	}
	if got := testutil.ToFloat64(f.metrics.EventPublishFailures.WithLabelValues("trade.submitted")); got != 1 {
		t.Fatalf("expected one publish failure, got %v", got)
	}
}

func TestReadsOnUnknownTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := uuid.New()

	if _, err := f.svc.History(ctx, id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("history: expected not found, got %v", err)
	}
	if _, err := f.svc.Approve(ctx, in(id, approver)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("approve: expected not found, got %v", err)
	}
	existing := f.create(t).Trade.ID
	if _, err := f.svc.DiffVersions(ctx, existing, 2, 9); !errors.Is(err, storage.ErrVersionNotFound) {
		t.Fatalf("diff: expected version not found, got %v", err)
	}
}

func TestOutcome(t *testing.T) {
	cases := map[string]error{
		OutcomeSuccess:    nil,
		OutcomeConflict:   storage.ErrConflict,
		OutcomeNotFound:   storage.ErrNotFound,
		OutcomeError:      errors.New("boom"),
		OutcomeValidation: &workflow.Error{Kind: workflow.KindValidation},
	}
	for want, err := range cases {
		if got := Outcome(err); got != want {
			t.Fatalf("Outcome(%v) = %s, want %s", err, got, want)
		}
	}
}
