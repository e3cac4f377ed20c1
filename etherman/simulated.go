package etherman

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
)

var (
	SimulatedChainID = big.NewInt(1337)
	blockGasLimit    = uint64(999999999999999999)
)

// SimulatedChain is an in-process ledger with funded accounts, for tests.
type SimulatedChain struct {
	Backend  *simulated.Backend
	Keys     []*ecdsa.PrivateKey
	Accounts []*bind.TransactOpts
}

func NewSimulatedChain(nAccount int) *SimulatedChain {
	keys := make([]*ecdsa.PrivateKey, nAccount)
	accounts := make([]*bind.TransactOpts, nAccount)
	for i := 0; i < nAccount; i++ {
		keys[i], _ = crypto.GenerateKey()
		accounts[i], _ = bind.NewKeyedTransactorWithChainID(keys[i], SimulatedChainID)
	}

	genesisAlloc := map[common.Address]types.Account{}
	for _, account := range accounts {
		balance, _ := new(big.Int).SetString("100000000000000000000", 10)
		genesisAlloc[account.From] = types.Account{
			Balance: balance,
		}
	}

	backend := simulated.NewBackend(genesisAlloc, simulated.WithBlockGasLimit(blockGasLimit))

	return &SimulatedChain{
		Backend:  backend,
		Keys:     keys,
		Accounts: accounts,
	}
}

// Etherman binds to the simulated backend using account i as the relay signer.
func (sim *SimulatedChain) Etherman(cfg *Config, i int) (*Etherman, error) {
	client := sim.Backend.Client()
	return NewEthermanWithClient(cfg, client, sim.Keys[i], func(context.Context) (ethereumClient, error) {
		return client, nil
	})
}

func (sim *SimulatedChain) Close() error {
	return sim.Backend.Close()
}
