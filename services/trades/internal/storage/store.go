package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/workflow"
	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("trade not found")
	ErrVersionNotFound = errors.New("trade version not found")
	ErrConflict        = errors.New("trade was modified concurrently")
	ErrAlreadyExists   = errors.New("trade already exists")
	ErrInvalidCursor   = errors.New("invalid cursor")
)

// Tx is the unit of work a transition runs in. Nothing written through a
// Tx is visible to other callers until the surrounding WithTx returns nil.
// Records returned by the insert and update methods carry their stored ids
// and timestamps once WithTx has returned nil.
type Tx interface {
	// GetTradeForUpdate loads a trade and, where the backend supports it,
	// locks it until the transaction ends.
	GetTradeForUpdate(ctx context.Context, id uuid.UUID) (*Trade, error)
	InsertTrade(ctx context.Context, t workflow.Trade) (*Trade, error)
	// UpdateTrade replaces the stored value only if its version still
	// equals expectedVersion, otherwise ErrConflict.
	UpdateTrade(ctx context.Context, t workflow.Trade, expectedVersion int) (*Trade, error)
	InsertVersion(ctx context.Context, v TradeVersion) (*TradeVersion, error)
	InsertActionLog(ctx context.Context, l ActionLog) (*ActionLog, error)
}

type TxFunc func(ctx context.Context, tx Tx) error

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 100 {
		return 100
	}
	return limit
}

func encodeCursor(ts time.Time, id uuid.UUID) string {
	payload := fmt.Sprintf("%s|%s", ts.UTC().Format(time.RFC3339Nano), id.String())
	return base64.RawURLEncoding.EncodeToString([]byte(payload))
}

func decodeCursor(cursor string) (time.Time, uuid.UUID, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	tsRaw, idRaw, ok := strings.Cut(string(decoded), "|")
	if !ok {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	ts, err := time.Parse(time.RFC3339Nano, tsRaw)
	if err != nil {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	id, err := uuid.Parse(idRaw)
	if err != nil {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	return ts, id, nil
}

// after reports whether (ts, id) sorts strictly after the cursor position.
func after(ts time.Time, id uuid.UUID, curTS time.Time, curID uuid.UUID) bool {
	if ts.Equal(curTS) {
		return strings.Compare(id.String(), curID.String()) > 0
	}
	return ts.After(curTS)
}
