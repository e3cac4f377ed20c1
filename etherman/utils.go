package etherman

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/TEENet-io/bridge-relay/common"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/crypto"
)

// LoadPrivateKey parses a hex encoded secp256k1 key, with or without 0x.
func LoadPrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	sk, err := crypto.HexToECDSA(common.Trim0xPrefix(hexKey))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return sk, nil
}

func NewAuth(sk *ecdsa.PrivateKey, chainID *big.Int) (*bind.TransactOpts, error) {
	return bind.NewKeyedTransactorWithChainID(sk, chainID)
}
