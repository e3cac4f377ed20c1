package etherman

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const DefaultGasLimit = uint64(300000)

type Config struct {
	// ChainName identifies the ledger in logs, the cursor table and event routing.
	ChainName string

	// Aliases are other names a TokensLocked/TokensBurned event may use
	// in its destinationChain field to point at this ledger.
	Aliases []string

	// URL is the URL of the JSON-RPC endpoint
	URL string

	// ChainID expected from the endpoint, 0 skips the check
	ChainID uint64

	// BridgeAddress is the deployed bridge contract address
	BridgeAddress common.Address

	// TokenAddress is checked for contract code at startup if not zero
	TokenAddress common.Address

	// GasLimit used for every completion tx
	GasLimit uint64

	// FinalityDepth blocks behind head are considered settled
	FinalityDepth uint64
}

func (cfg *Config) chainIDBig() *big.Int {
	return new(big.Int).SetUint64(cfg.ChainID)
}

func (cfg *Config) gasLimit() uint64 {
	if cfg.GasLimit == 0 {
		return DefaultGasLimit
	}
	return cfg.GasLimit
}
