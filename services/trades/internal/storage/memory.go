package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/workflow"
	"github.com/google/uuid"
)

// MemoryStore keeps trades in process memory. Transactions buffer their
// writes and validate versions at commit, so concurrent writers against the
// same starting version see ErrConflict rather than blocking.
type MemoryStore struct {
	mu       sync.RWMutex
	trades   map[uuid.UUID]Trade
	versions map[uuid.UUID]map[int]TradeVersion
	logs     map[uuid.UUID][]ActionLog
	logSeq   int64
	now      func() time.Time
}

type MemoryOption func(*MemoryStore)

// WithClock overrides the timestamp source, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemory(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		trades:   make(map[uuid.UUID]Trade),
		versions: make(map[uuid.UUID]map[int]TradeVersion),
		logs:     make(map[uuid.UUID][]ActionLog),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) WithTx(ctx context.Context, fn TxFunc) error {
	tx := &memTx{store: s, writes: make(map[uuid.UUID]*memWrite)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) GetTrade(_ context.Context, id uuid.UUID) (*Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trades[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTrade(t), nil
}

func (s *MemoryStore) ListTrades(_ context.Context, filter TradeFilter) ([]Trade, string, error) {
	limit := clampLimit(filter.Limit)

	var (
		hasCursor bool
		curTS     time.Time
		curID     uuid.UUID
	)
	if filter.Cursor != "" {
		ts, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, "", err
		}
		hasCursor, curTS, curID = true, ts, id
	}

	s.mu.RLock()
	matched := make([]Trade, 0, len(s.trades))
	for _, t := range s.trades {
		if filter.State != "" && t.State != filter.State {
			continue
		}
		if filter.RequesterID != "" && t.RequesterID != filter.RequesterID {
			continue
		}
		if hasCursor && !after(t.CreatedAt, t.ID, curTS, curID) {
			continue
		}
		matched = append(matched, *cloneTrade(t))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return after(matched[j].CreatedAt, matched[j].ID, matched[i].CreatedAt, matched[i].ID)
	})

	var next string
	if len(matched) > limit {
		matched = matched[:limit]
		last := matched[limit-1]
		next = encodeCursor(last.CreatedAt, last.ID)
	}
	return matched, next, nil
}

func (s *MemoryStore) ListActionLogs(_ context.Context, tradeID uuid.UUID) ([]ActionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.logs[tradeID]), nil
}

func (s *MemoryStore) ListVersions(_ context.Context, tradeID uuid.UUID) ([]TradeVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TradeVersion, 0, len(s.versions[tradeID]))
	for _, v := range s.versions[tradeID] {
		v.Snapshot = v.Snapshot.Clone()
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *MemoryStore) GetVersion(_ context.Context, tradeID uuid.UUID, version int) (*TradeVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[tradeID][version]
	if !ok {
		return nil, ErrVersionNotFound
	}
	v.Snapshot = v.Snapshot.Clone()
	return &v, nil
}

func (s *MemoryStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, w := range tx.writes {
		stored, exists := s.trades[id]
		switch {
		case w.inserted && exists:
			return ErrAlreadyExists
		case !w.inserted && !exists:
			return ErrNotFound
		case !w.inserted && stored.Version != w.baseVersion:
			return ErrConflict
		}
	}
	for _, v := range tx.versions {
		if _, dup := s.versions[v.TradeID][v.Version]; dup {
			return ErrConflict
		}
	}

	now := s.now()
	for id, w := range tx.writes {
		t := w.trade
		if w.inserted {
			t.CreatedAt = now
		}
		t.UpdatedAt = now
		s.trades[id] = t
		for _, out := range w.returned {
			out.CreatedAt, out.UpdatedAt = t.CreatedAt, t.UpdatedAt
		}
	}
	for _, v := range tx.versions {
		if s.versions[v.TradeID] == nil {
			s.versions[v.TradeID] = make(map[int]TradeVersion)
		}
		v.CreatedAt = now
		stored := *v
		stored.Snapshot = stored.Snapshot.Clone()
		s.versions[v.TradeID][v.Version] = stored
	}
	for _, l := range tx.logs {
		s.logSeq++
		l.ID = s.logSeq
		l.CreatedAt = now
		s.logs[l.TradeID] = append(s.logs[l.TradeID], *l)
	}
	return nil
}

// memWrite is the pending value of one trade. returned holds the copies
// handed to the caller so commit can stamp their timestamps.
type memWrite struct {
	trade       Trade
	inserted    bool
	baseVersion int
	returned    []*Trade
}

type memTx struct {
	store    *MemoryStore
	writes   map[uuid.UUID]*memWrite
	versions []*TradeVersion
	logs     []*ActionLog
}

func (tx *memTx) current(id uuid.UUID) (*Trade, error) {
	if w, ok := tx.writes[id]; ok {
		return cloneTrade(w.trade), nil
	}
	return tx.store.GetTrade(context.Background(), id)
}

func (tx *memTx) GetTradeForUpdate(_ context.Context, id uuid.UUID) (*Trade, error) {
	return tx.current(id)
}

func (tx *memTx) InsertTrade(_ context.Context, t workflow.Trade) (*Trade, error) {
	if _, ok := tx.writes[t.ID]; ok {
		return nil, ErrAlreadyExists
	}
	if _, err := tx.store.GetTrade(context.Background(), t.ID); err == nil {
		return nil, ErrAlreadyExists
	}
	w := &memWrite{trade: Trade{Trade: t.Clone()}, inserted: true}
	tx.writes[t.ID] = w
	return w.hand(), nil
}

func (tx *memTx) UpdateTrade(_ context.Context, t workflow.Trade, expectedVersion int) (*Trade, error) {
	cur, err := tx.current(t.ID)
	if err != nil {
		return nil, err
	}
	if cur.Version != expectedVersion {
		return nil, ErrConflict
	}

	w, ok := tx.writes[t.ID]
	if !ok {
		w = &memWrite{baseVersion: expectedVersion}
		tx.writes[t.ID] = w
	}
	w.trade = Trade{Trade: t.Clone(), CreatedAt: cur.CreatedAt, UpdatedAt: cur.UpdatedAt}
	return w.hand(), nil
}

func (w *memWrite) hand() *Trade {
	out := cloneTrade(w.trade)
	w.returned = append(w.returned, out)
	return out
}

func (tx *memTx) InsertVersion(_ context.Context, v TradeVersion) (*TradeVersion, error) {
	for _, pending := range tx.versions {
		if pending.TradeID == v.TradeID && pending.Version == v.Version {
			return nil, ErrConflict
		}
	}
	v.Snapshot = v.Snapshot.Clone()
	tx.versions = append(tx.versions, &v)
	return &v, nil
}

func (tx *memTx) InsertActionLog(_ context.Context, l ActionLog) (*ActionLog, error) {
	tx.logs = append(tx.logs, &l)
	return &l, nil
}

func cloneTrade(t Trade) *Trade {
	t.Trade = t.Trade.Clone()
	return &t
}
