// Implement following interfaces to make the relay work with your chain.
package chainsync

import (
	"context"

	"github.com/TEENet-io/bridge-relay/agreement"
)

// Chain's Sync Worker, do the dirty job.
type SyncWorker interface {
	// Newest block number considered settled on the chain.
	GetNewestLedgerFinalizedNumber(ctx context.Context) (uint64, error)

	// Fetch bridge events in blocks [from, to].
	// Notice, the events shall be ordered from old -> new (block, log index).
	// Otherwise the relay will dispatch out of order.
	GetTimeOrderedEvents(ctx context.Context, from, to uint64) ([]agreement.TransferEvent, error)
}

// CursorStore persists scan progress.
type CursorStore interface {
	agreement.CursorStore
	ResetCursor(ctx context.Context, chain string, block uint64) error
}

// FailureHandler decides what happens after a failed poll. HandleFailure
// may block (e.g. while reconnecting) and returns a non-nil error when the
// ledger must stop.
type FailureHandler interface {
	HandleFailure(ctx context.Context, chain string, err error) error
	ReportSuccess(chain string)
}
