// Implement following interfaces to make the relay work with your chain.

package chaintxmgr

import (
	"context"
	"math/big"

	"github.com/TEENet-io/bridge-relay/agreement"
	ethcommon "github.com/ethereum/go-ethereum/common"
)

// Mgr's worker on chain, do the dirty job.
type MgrWorker interface {
	// Call mintTokens() (lock) or unlockTokens() (burn) on the bridge.
	// Return the completion tx hash once the node accepted it.
	DoCompletion(ctx context.Context, kind agreement.EventKind, recipient ethcommon.Address, amount *big.Int, id ethcommon.Hash) (ethcommon.Hash, error)

	// Check Tx Status on Chain
	// Each transaction is to commit a change to blockchain,
	// Naturally, the status of the transaction can be 'success' or 'reverted'
	// A tx not found in any block yet is 'pending'.
	GetTxStatus(ctx context.Context, txHash ethcommon.Hash) (agreement.MonitoredTxStatus, error)
}
