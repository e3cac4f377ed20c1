package etherman

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// BridgeABI covers the part of the bridge contract the relay touches.
const BridgeABI = `[
	{"anonymous":false,"name":"TokensLocked","type":"event","inputs":[
		{"indexed":true,"name":"user","type":"address"},
		{"indexed":false,"name":"amount","type":"uint256"},
		{"indexed":false,"name":"destinationChain","type":"string"},
		{"indexed":false,"name":"destinationAddress","type":"address"},
		{"indexed":true,"name":"transactionId","type":"bytes32"}]},
	{"anonymous":false,"name":"TokensBurned","type":"event","inputs":[
		{"indexed":true,"name":"user","type":"address"},
		{"indexed":false,"name":"amount","type":"uint256"},
		{"indexed":false,"name":"destinationChain","type":"string"},
		{"indexed":false,"name":"destinationAddress","type":"address"},
		{"indexed":true,"name":"transactionId","type":"bytes32"}]},
	{"name":"mintTokens","type":"function","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"user","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"transactionId","type":"bytes32"}]},
	{"name":"unlockTokens","type":"function","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"user","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"transactionId","type":"bytes32"}]}
]`

var (
	// Events
	TokensLockedSignatureHash = crypto.Keccak256Hash([]byte("TokensLocked(address,uint256,string,address,bytes32)"))
	TokensBurnedSignatureHash = crypto.Keccak256Hash([]byte("TokensBurned(address,uint256,string,address,bytes32)"))

	bridgeABI = mustParseABI(BridgeABI)
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}
