package storage

import (
	"time"

	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/versioning"
	"github.com/McodesM/Trade-Approval-Process/services/trades/internal/workflow"
	"github.com/google/uuid"
)

// Trade is the persisted aggregate: the workflow value plus bookkeeping
// timestamps.
type Trade struct {
	workflow.Trade
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ActionLog struct {
	ID        int64
	TradeID   uuid.UUID
	Action    workflow.Action
	ActorID   string
	FromState workflow.State
	ToState   workflow.State
	Note      string
	CreatedAt time.Time
}

type TradeVersion struct {
	TradeID   uuid.UUID
	Version   int
	State     workflow.State
	Snapshot  versioning.Snapshot
	ActorID   string
	Action    workflow.Action
	CreatedAt time.Time
}

type TradeFilter struct {
	State       workflow.State
	RequesterID string
	Cursor      string
	Limit       int
}
