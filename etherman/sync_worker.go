package etherman

import (
	"context"

	"github.com/TEENet-io/bridge-relay/agreement"
)

// EthSyncWorker implements chainsync.SyncWorker
type EthSyncWorker struct {
	etherman *Etherman
}

func NewEthSyncWorker(etherman *Etherman) *EthSyncWorker {
	return &EthSyncWorker{etherman: etherman}
}

func (w *EthSyncWorker) GetNewestLedgerFinalizedNumber(ctx context.Context) (uint64, error) {
	return w.etherman.FinalizedBlockNumber(ctx)
}

func (w *EthSyncWorker) GetTimeOrderedEvents(ctx context.Context, from, to uint64) ([]agreement.TransferEvent, error) {
	return w.etherman.GetEventLogs(ctx, from, to)
}
