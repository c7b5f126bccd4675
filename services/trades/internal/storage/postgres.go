package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/versioning"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/workflow"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

const tradeColumns = `id, trading_entity, counterparty, direction, style, notional_currency, notional_amount::text,
	underlying, trade_date, value_date, delivery_date, strike::text, requester_id, approver_id, state, version,
	created_at, updated_at`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithTx runs fn in a read-committed transaction, committing only when fn
// returns nil.
func (s *PostgresStore) WithTx(ctx context.Context, fn TxFunc) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(fmt.Errorf("commit tx: %w", err))
	}
	committed = true
	return nil
}

func (s *PostgresStore) GetTrade(ctx context.Context, id uuid.UUID) (*Trade, error) {
	return getTrade(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListTrades(ctx context.Context, filter TradeFilter) ([]Trade, string, error) {
	limit := clampLimit(filter.Limit)

	query := `SELECT ` + tradeColumns + ` FROM trades WHERE true`
	args := []any{}
	idx := 1

	if filter.State != "" {
		query += fmt.Sprintf(" AND state = $%d", idx)
		args = append(args, string(filter.State))
		idx++
	}
	if filter.RequesterID != "" {
		query += fmt.Sprintf(" AND requester_id = $%d", idx)
		args = append(args, filter.RequesterID)
		idx++
	}
	if filter.Cursor != "" {
		ts, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, "", err
		}
		query += fmt.Sprintf(" AND (created_at, id) > ($%d, $%d)", idx, idx+1)
		args = append(args, ts, id)
		idx += 2
	}

	query += fmt.Sprintf(" ORDER BY created_at, id LIMIT $%d", idx)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	trades := make([]Trade, 0, limit)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, "", err
		}
		trades = append(trades, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var next string
	if len(trades) > limit {
		trades = trades[:limit]
		last := trades[limit-1]
		next = encodeCursor(last.CreatedAt, last.ID)
	}
	return trades, next, nil
}

func (s *PostgresStore) ListActionLogs(ctx context.Context, tradeID uuid.UUID) ([]ActionLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, trade_id, action, actor_id, from_state, to_state, note, created_at
		FROM trade_action_logs
		WHERE trade_id = $1
		ORDER BY created_at, id
	`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []ActionLog
	for rows.Next() {
		var l ActionLog
		var action, from, to string
		if err := rows.Scan(&l.ID, &l.TradeID, &action, &l.ActorID, &from, &to, &l.Note, &l.CreatedAt); err != nil {
			return nil, err
		}
		if l.Action, err = workflow.ParseAction(action); err != nil {
			return nil, fmt.Errorf("scan action log %d: %w", l.ID, err)
		}
		if l.FromState, err = workflow.ParseState(from); err != nil {
			return nil, fmt.Errorf("scan action log %d: %w", l.ID, err)
		}
		if l.ToState, err = workflow.ParseState(to); err != nil {
			return nil, fmt.Errorf("scan action log %d: %w", l.ID, err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *PostgresStore) ListVersions(ctx context.Context, tradeID uuid.UUID) ([]TradeVersion, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT trade_id, version_number, state, snapshot, actor_id, action, created_at
		FROM trade_versions
		WHERE trade_id = $1
		ORDER BY version_number
	`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []TradeVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

func (s *PostgresStore) GetVersion(ctx context.Context, tradeID uuid.UUID, version int) (*TradeVersion, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT trade_id, version_number, state, snapshot, actor_id, action, created_at
		FROM trade_versions
		WHERE trade_id = $1 AND version_number = $2
	`, tradeID, version)
	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVersionNotFound
		}
		return nil, err
	}
	return v, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetTradeForUpdate(ctx context.Context, id uuid.UUID) (*Trade, error) {
	return getTrade(ctx, t.tx, id, true)
}

func (t *pgTx) InsertTrade(ctx context.Context, tr workflow.Trade) (*Trade, error) {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO trades (id, trading_entity, counterparty, direction, style, notional_currency, notional_amount,
			underlying, trade_date, value_date, delivery_date, strike, requester_id, approver_id, state, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING `+tradeColumns,
		tr.ID, tr.TradingEntity, tr.Counterparty, string(tr.Direction), tr.Style, tr.NotionalCurrency,
		tr.NotionalAmount.String(), tr.Underlying, tr.TradeDate, tr.ValueDate, tr.DeliveryDate,
		nullableDecimal(tr.Strike), tr.RequesterID, nullableString(tr.ApproverID), string(tr.State), tr.Version)
	stored, err := scanTrade(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrAlreadyExists
		}
		return nil, mapPgError(err)
	}
	return stored, nil
}

func (t *pgTx) UpdateTrade(ctx context.Context, tr workflow.Trade, expectedVersion int) (*Trade, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE trades
		SET trading_entity = $1, counterparty = $2, direction = $3, style = $4, notional_currency = $5,
			notional_amount = $6, underlying = $7, trade_date = $8, value_date = $9, delivery_date = $10,
			strike = $11, approver_id = $12, state = $13, version = $14, updated_at = now()
		WHERE id = $15 AND version = $16
		RETURNING `+tradeColumns,
		tr.TradingEntity, tr.Counterparty, string(tr.Direction), tr.Style, tr.NotionalCurrency,
		tr.NotionalAmount.String(), tr.Underlying, tr.TradeDate, tr.ValueDate, tr.DeliveryDate,
		nullableDecimal(tr.Strike), nullableString(tr.ApproverID), string(tr.State), tr.Version,
		tr.ID, expectedVersion)
	stored, err := scanTrade(row)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, mapPgError(err)
	}

	var exists bool
	if scanErr := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM trades WHERE id = $1)`, tr.ID).Scan(&exists); scanErr != nil {
		return nil, scanErr
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrConflict
}

func (t *pgTx) InsertVersion(ctx context.Context, v TradeVersion) (*TradeVersion, error) {
	raw, err := v.Snapshot.Marshal()
	if err != nil {
		return nil, err
	}
	row := t.tx.QueryRow(ctx, `
		INSERT INTO trade_versions (trade_id, version_number, state, snapshot, actor_id, action)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING trade_id, version_number, state, snapshot, actor_id, action, created_at
	`, v.TradeID, v.Version, string(v.State), raw, v.ActorID, string(v.Action))
	stored, err := scanVersion(row)
	if err != nil {
		return nil, mapPgError(err)
	}
	return stored, nil
}

func (t *pgTx) InsertActionLog(ctx context.Context, l ActionLog) (*ActionLog, error) {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO trade_action_logs (trade_id, action, actor_id, from_state, to_state, note)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, l.TradeID, string(l.Action), l.ActorID, string(l.FromState), string(l.ToState), l.Note)
	if err := row.Scan(&l.ID, &l.CreatedAt); err != nil {
		return nil, mapPgError(err)
	}
	return &l, nil
}

func getTrade(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	t, err := scanTrade(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

func scanTrade(row pgx.Row) (*Trade, error) {
	var t Trade
	var direction, state, notional string
	var strike, approver *string
	if err := row.Scan(&t.ID, &t.TradingEntity, &t.Counterparty, &direction, &t.Style, &t.NotionalCurrency, &notional,
		&t.Underlying, &t.TradeDate, &t.ValueDate, &t.DeliveryDate, &strike, &t.RequesterID, &approver, &state, &t.Version,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}

	amount, err := decimal.NewFromString(notional)
	if err != nil {
		return nil, fmt.Errorf("parse notional amount: %w", err)
	}
	t.NotionalAmount = amount
	if strike != nil {
		val, err := decimal.NewFromString(*strike)
		if err != nil {
			return nil, fmt.Errorf("parse strike: %w", err)
		}
		t.Strike = decimal.NewNullDecimal(val)
	}
	if approver != nil {
		t.ApproverID = *approver
	}
	if t.Direction, err = workflow.ParseDirection(direction); err != nil {
		return nil, fmt.Errorf("scan trade %s: %w", t.ID, err)
	}
	if t.State, err = workflow.ParseState(state); err != nil {
		return nil, fmt.Errorf("scan trade %s: %w", t.ID, err)
	}
	t.TradeDate = asDate(t.TradeDate)
	t.ValueDate = asDate(t.ValueDate)
	t.DeliveryDate = asDate(t.DeliveryDate)
	return &t, nil
}

func scanVersion(row pgx.Row) (*TradeVersion, error) {
	var v TradeVersion
	var state, action string
	var raw []byte
	if err := row.Scan(&v.TradeID, &v.Version, &state, &raw, &v.ActorID, &action, &v.CreatedAt); err != nil {
		return nil, err
	}
	snap, err := versioning.Unmarshal(raw)
	if err != nil {
		return nil, err
	}
	v.Snapshot = snap
	if v.State, err = workflow.ParseState(state); err != nil {
		return nil, fmt.Errorf("scan version %d: %w", v.Version, err)
	}
	if v.Action, err = workflow.ParseAction(action); err != nil {
		return nil, fmt.Errorf("scan version %d: %w", v.Version, err)
	}
	return &v, nil
}

// mapPgError turns constraint and serialization failures caused by a
// concurrent writer into ErrConflict.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation, pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		}
	}
	return err
}

func nullableDecimal(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func asDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
