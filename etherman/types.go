package etherman

import (
	"fmt"
	"math/big"

	"github.com/TEENet-io/bridge-relay/agreement"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Non-indexed fields of TokensLocked / TokensBurned.
type lockBurnData struct {
	Amount             *big.Int
	DestinationChain   string
	DestinationAddress ethcommon.Address
}

// decodeLog turns a bridge log into a TransferEvent. Indexed fields come
// from the topics: user in Topics[1], transactionId in Topics[2].
func decodeLog(sourceChain string, vlog *types.Log) (*agreement.TransferEvent, error) {
	if len(vlog.Topics) != 3 {
		return nil, fmt.Errorf("unexpected topic count %d in log %s:%d", len(vlog.Topics), vlog.TxHash.Hex(), vlog.Index)
	}

	var kind agreement.EventKind
	var name string
	switch vlog.Topics[0] {
	case TokensLockedSignatureHash:
		kind, name = agreement.Lock, "TokensLocked"
	case TokensBurnedSignatureHash:
		kind, name = agreement.Burn, "TokensBurned"
	default:
		return nil, fmt.Errorf("unknown event: %s", vlog.Topics[0].Hex())
	}

	data := new(lockBurnData)
	if err := bridgeABI.UnpackIntoInterface(data, name, vlog.Data); err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", name, err)
	}

	if vlog.Topics[2] == (ethcommon.Hash{}) {
		return nil, fmt.Errorf("zero transactionId in %s log %s:%d", name, vlog.TxHash.Hex(), vlog.Index)
	}
	if data.Amount == nil || data.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("non-positive amount %v in %s log %s:%d", data.Amount, name, vlog.TxHash.Hex(), vlog.Index)
	}

	return &agreement.TransferEvent{
		Kind:               kind,
		SourceChain:        sourceChain,
		DestinationChain:   data.DestinationChain,
		User:               ethcommon.BytesToAddress(vlog.Topics[1].Bytes()),
		DestinationAddress: data.DestinationAddress,
		Amount:             data.Amount,
		CorrelationId:      vlog.Topics[2],
		SourceTxHash:       vlog.TxHash,
		SourceBlock:        vlog.BlockNumber,
		LogIndex:           vlog.Index,
	}, nil
}
