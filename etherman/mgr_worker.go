package etherman

import (
	"context"
	"math/big"

	"github.com/TEENet-io/bridge-relay/agreement"
	ethcommon "github.com/ethereum/go-ethereum/common"
)

// EthMgrWorker implements chaintxmgr.MgrWorker
type EthMgrWorker struct {
	etherman *Etherman
}

func NewEthMgrWorker(etherman *Etherman) *EthMgrWorker {
	return &EthMgrWorker{etherman: etherman}
}

func (w *EthMgrWorker) DoCompletion(
	ctx context.Context,
	kind agreement.EventKind,
	recipient ethcommon.Address,
	amount *big.Int,
	id ethcommon.Hash,
) (ethcommon.Hash, error) {
	return w.etherman.SendCompletion(ctx, kind, recipient, amount, id)
}

func (w *EthMgrWorker) GetTxStatus(ctx context.Context, txHash ethcommon.Hash) (agreement.MonitoredTxStatus, error) {
	return w.etherman.GetTxStatus(ctx, txHash)
}
