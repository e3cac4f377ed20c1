package etherman

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/TEENet-io/bridge-relay/agreement"
	"github.com/TEENet-io/bridge-relay/common"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	logger "github.com/sirupsen/logrus"
)

type ethereumClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)

	ethereum.TransactionReader
	bind.ContractBackend
}

type dialFunc func(ctx context.Context) (ethereumClient, error)

// Etherman is the binding to one EVM ledger: it reads bridge logs and
// submits completion calls through a single signing account.
type Etherman struct {
	cfg  *Config
	key  *ecdsa.PrivateKey
	dial dialFunc

	mu        sync.RWMutex
	ethClient ethereumClient
	chainID   *big.Int
}

// NewEthermanWithClient binds to an already connected client. key may be
// nil for a read-only binding.
func NewEthermanWithClient(cfg *Config, client ethereumClient, key *ecdsa.PrivateKey, dial dialFunc) (*Etherman, error) {
	if cfg == nil || cfg.ChainName == "" {
		return nil, fmt.Errorf("%w: empty chain name", agreement.ErrFatalConfiguration)
	}
	if client == nil {
		return nil, fmt.Errorf("%w: nil client for chain %s", agreement.ErrFatalConfiguration, cfg.ChainName)
	}

	e := &Etherman{
		cfg:       cfg,
		key:       key,
		dial:      dial,
		ethClient: client,
	}
	if cfg.ChainID != 0 {
		e.chainID = cfg.chainIDBig()
	}
	return e, nil
}

func (e *Etherman) Name() string {
	return e.cfg.ChainName
}

func (e *Etherman) Aliases() []string {
	return e.cfg.Aliases
}

func (e *Etherman) BridgeAddress() ethcommon.Address {
	return e.cfg.BridgeAddress
}

// Sender is the address that signs completion txs.
func (e *Etherman) Sender() ethcommon.Address {
	if e.key == nil {
		return ethcommon.Address{}
	}
	return crypto.PubkeyToAddress(e.key.PublicKey)
}

func (e *Etherman) client() ethereumClient {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ethClient
}

func (e *Etherman) HeadBlockNumber(ctx context.Context) (uint64, error) {
	num, err := e.client().BlockNumber(ctx)
	if err != nil {
		return 0, wrapRPCError(err)
	}
	return num, nil
}

// FinalizedBlockNumber is head minus FinalityDepth, floored at zero.
func (e *Etherman) FinalizedBlockNumber(ctx context.Context) (uint64, error) {
	head, err := e.HeadBlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	if head < e.cfg.FinalityDepth {
		return 0, nil
	}
	return head - e.cfg.FinalityDepth, nil
}

// GetEventLogs returns TokensLocked and TokensBurned events emitted by the
// bridge in blocks [from, to], ordered by (block, log index).
func (e *Etherman) GetEventLogs(ctx context.Context, from, to uint64) ([]agreement.TransferEvent, error) {
	if from > to {
		return nil, nil
	}

	logs, err := e.client().FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []ethcommon.Address{e.cfg.BridgeAddress},
		Topics:    [][]ethcommon.Hash{{TokensLockedSignatureHash, TokensBurnedSignatureHash}},
	})
	if err != nil {
		return nil, wrapRPCError(err)
	}

	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	events := make([]agreement.TransferEvent, 0, len(logs))
	for i := range logs {
		if logs[i].Removed {
			continue
		}
		ev, err := decodeLog(e.cfg.ChainName, &logs[i])
		if err != nil {
			logger.WithFields(logger.Fields{
				"chain": e.cfg.ChainName,
				"tx":    logs[i].TxHash.Hex(),
				"index": logs[i].Index,
			}).Warnf("skipping bridge log: %v", err)
			continue
		}
		events = append(events, *ev)
	}

	return events, nil
}

// SendCompletion submits mintTokens (Lock) or unlockTokens (Burn) and
// returns the tx hash without waiting for inclusion.
func (e *Etherman) SendCompletion(
	ctx context.Context,
	kind agreement.EventKind,
	recipient ethcommon.Address,
	amount *big.Int,
	id ethcommon.Hash,
) (ethcommon.Hash, error) {
	method := kind.CompletionAction()
	if method == "" {
		return ethcommon.Hash{}, fmt.Errorf("%w: unknown event kind %q", agreement.ErrSubmissionFailure, kind)
	}
	if e.key == nil {
		return ethcommon.Hash{}, fmt.Errorf("%w: chain %s has no signing key", agreement.ErrFatalConfiguration, e.cfg.ChainName)
	}

	client := e.client()
	chainID, err := e.getChainID(ctx, client)
	if err != nil {
		return ethcommon.Hash{}, err
	}

	auth, err := NewAuth(e.key, chainID)
	if err != nil {
		return ethcommon.Hash{}, err
	}
	auth.Context = ctx
	auth.GasLimit = e.cfg.gasLimit()

	contract := bind.NewBoundContract(e.cfg.BridgeAddress, bridgeABI, client, client, client)
	tx, err := contract.Transact(auth, method, recipient, common.BigIntClone(amount), [32]byte(id))
	if err != nil {
		return ethcommon.Hash{}, fmt.Errorf("%w: %s on %s: %w", agreement.ErrSubmissionFailure, method, e.cfg.ChainName, wrapRPCError(err))
	}

	logger.WithFields(logger.Fields{
		"chain":         e.cfg.ChainName,
		"method":        method,
		"tx":            tx.Hash().Hex(),
		"correlationId": common.Shorten(id.Hex(), 8),
	}).Info("completion tx sent")

	return tx.Hash(), nil
}

func (e *Etherman) GetTxStatus(ctx context.Context, txHash ethcommon.Hash) (agreement.MonitoredTxStatus, error) {
	receipt, err := e.client().TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return agreement.TxPending, nil
		}
		return "", wrapRPCError(err)
	}
	if receipt.Status == 1 {
		return agreement.TxSuccess, nil
	}
	return agreement.TxReverted, nil
}

// CheckChain verifies the chain id and that the bridge (and token, if
// configured) addresses hold contract code.
func (e *Etherman) CheckChain(ctx context.Context) error {
	return e.checkClient(ctx, e.client())
}

// Reconnect dials a fresh client, checks it, and swaps it in. The old
// client stays in place if anything fails.
func (e *Etherman) Reconnect(ctx context.Context) error {
	if e.dial == nil {
		return fmt.Errorf("%w: chain %s cannot redial", agreement.ErrFatalConfiguration, e.cfg.ChainName)
	}

	fresh, err := e.dial(ctx)
	if err != nil {
		return wrapRPCError(err)
	}
	if err := e.checkClient(ctx, fresh); err != nil {
		if fresh != e.client() {
			closeClient(fresh)
		}
		return err
	}

	e.mu.Lock()
	old := e.ethClient
	e.ethClient = fresh
	e.mu.Unlock()

	if old != fresh {
		closeClient(old)
	}
	logger.WithField("chain", e.cfg.ChainName).Info("reconnected")
	return nil
}

func (e *Etherman) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	closeClient(e.ethClient)
}

func (e *Etherman) checkClient(ctx context.Context, client ethereumClient) error {
	id, err := client.ChainID(ctx)
	if err != nil {
		return wrapRPCError(err)
	}
	if e.cfg.ChainID != 0 && id.Uint64() != e.cfg.ChainID {
		return agreement.ErrChainIDUnmatched(e.cfg.ChainName, e.cfg.ChainID, id.Uint64())
	}

	e.mu.Lock()
	e.chainID = id
	e.mu.Unlock()

	if err := checkCode(ctx, client, e.cfg.ChainName, "bridge", e.cfg.BridgeAddress); err != nil {
		return err
	}
	if e.cfg.TokenAddress != (ethcommon.Address{}) {
		if err := checkCode(ctx, client, e.cfg.ChainName, "token", e.cfg.TokenAddress); err != nil {
			return err
		}
	}
	return nil
}

func (e *Etherman) getChainID(ctx context.Context, client ethereumClient) (*big.Int, error) {
	e.mu.RLock()
	id := e.chainID
	e.mu.RUnlock()
	if id != nil {
		return id, nil
	}

	id, err := client.ChainID(ctx)
	if err != nil {
		return nil, wrapRPCError(err)
	}
	e.mu.Lock()
	e.chainID = id
	e.mu.Unlock()
	return id, nil
}

func checkCode(ctx context.Context, client ethereumClient, chain, what string, addr ethcommon.Address) error {
	code, err := client.CodeAt(ctx, addr, nil)
	if err != nil {
		return wrapRPCError(err)
	}
	if len(code) == 0 {
		return agreement.ErrNoContractCode(chain, what, addr.Hex())
	}
	return nil
}

func closeClient(c ethereumClient) {
	if closer, ok := c.(interface{ Close() }); ok {
		closer.Close()
	}
}

// wrapRPCError tags errors the supervisor can act on.
func wrapRPCError(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}

	if strings.Contains(strings.ToLower(err.Error()), "filter not found") {
		return fmt.Errorf("%w: %w", agreement.ErrStaleSubscription, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return fmt.Errorf("%w: %w", agreement.ErrTransientNetwork, err)
	}
	return err
}
