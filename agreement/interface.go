package agreement

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// EventSink receives decoded events from a poller. A nil error means the
// event has been durably handed over and the poller may move its cursor.
type EventSink interface {
	Dispatch(ctx context.Context, ev *TransferEvent) error
}

// IdempotencyStore is the single source of truth for
// "has this transfer already been completed".
type IdempotencyStore interface {
	// TryBegin atomically inserts a pending record when no record exists
	// (or the existing one has failed) and reports Accepted; otherwise it
	// reports AlreadyProcessed.
	TryBegin(ctx context.Context, ev *TransferEvent) (Admission, error)

	// MarkSubmitted remembers the latest completion tx of a pending record.
	MarkSubmitted(ctx context.Context, id common.Hash, txHash common.Hash) error

	// Complete moves pending -> completed.
	Complete(ctx context.Context, id common.Hash, txHash common.Hash) error

	// Fail moves pending -> failed.
	Fail(ctx context.Context, id common.Hash, reason string) error

	GetRecord(ctx context.Context, id common.Hash) (*ProcessingRecord, bool, error)
	GetRecordsByOutcome(ctx context.Context, outcome Outcome) ([]*ProcessingRecord, error)
}

// CursorStore persists the last fully scanned block per chain.
type CursorStore interface {
	GetCursor(ctx context.Context, chain string) (uint64, bool, error)
	// SetCursor refuses to move a stored cursor backwards.
	SetCursor(ctx context.Context, chain string, block uint64) error
}

// Store is what the relay needs from a persistence backend.
type Store interface {
	IdempotencyStore
	CursorStore

	// ResetCursor overwrites a cursor unconditionally. Operator use only.
	ResetCursor(ctx context.Context, chain string, block uint64) error

	Close() error
}
