package etherman

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/TEENet-io/bridge-relay/agreement"
	"github.com/TEENet-io/bridge-relay/common"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	// returns 42 for any call
	acceptAllRuntime = ethcommon.FromHex("602a60005260206000f3")
	// reverts every call
	revertAllRuntime = ethcommon.FromHex("60006000fd")
	// LOG3(topic0, topic1, topic2) = calldata[0:96], data = calldata[96:]
	logEmitterRuntime = ethcommon.FromHex("3660006000376040516020516000516060360360" + "60a300")
)

func initCode(runtime []byte) []byte {
	n := byte(len(runtime))
	code := []byte{0x60, n, 0x60, 0x0c, 0x60, 0x00, 0x39, 0x60, n, 0x60, 0x00, 0xf3}
	return append(code, runtime...)
}

func deployStub(t *testing.T, sim *SimulatedChain, runtime []byte) ethcommon.Address {
	opts := *sim.Accounts[0]
	opts.GasLimit = 500000
	addr, _, _, err := bind.DeployContract(&opts, abi.ABI{}, initCode(runtime), sim.Backend.Client())
	require.NoError(t, err)
	sim.Backend.Commit()

	code, err := sim.Backend.Client().CodeAt(context.Background(), addr, nil)
	require.NoError(t, err)
	require.Equal(t, runtime, code)
	return addr
}

func emitTransfer(t *testing.T, sim *SimulatedChain, emitter ethcommon.Address, topic0 ethcommon.Hash, ev *agreement.TransferEvent) ethcommon.Hash {
	data, err := bridgeABI.Events["TokensLocked"].Inputs.NonIndexed().Pack(ev.Amount, ev.DestinationChain, ev.DestinationAddress)
	require.NoError(t, err)

	calldata := append([]byte{}, topic0.Bytes()...)
	calldata = append(calldata, ethcommon.BytesToHash(ev.User.Bytes()).Bytes()...)
	calldata = append(calldata, ev.CorrelationId.Bytes()...)
	calldata = append(calldata, data...)

	opts := *sim.Accounts[1]
	opts.GasLimit = 200000
	contract := bind.NewBoundContract(emitter, abi.ABI{}, sim.Backend.Client(), sim.Backend.Client(), sim.Backend.Client())
	tx, err := contract.RawTransact(&opts, calldata)
	require.NoError(t, err)
	return tx.Hash()
}

func newTestEtherman(t *testing.T, sim *SimulatedChain, bridge ethcommon.Address) *Etherman {
	e, err := sim.Etherman(&Config{
		ChainName:     "chainA",
		ChainID:       SimulatedChainID.Uint64(),
		BridgeAddress: bridge,
	}, 0)
	require.NoError(t, err)
	return e
}

func randEvent() *agreement.TransferEvent {
	return &agreement.TransferEvent{
		User:               common.RandEthAddress(),
		DestinationAddress: common.RandEthAddress(),
		DestinationChain:   "chainB",
		Amount:             big.NewInt(1000),
		CorrelationId:      common.RandBytes32(),
	}
}

func TestDecodeLog(t *testing.T) {
	ev := randEvent()
	data, err := bridgeABI.Events["TokensBurned"].Inputs.NonIndexed().Pack(ev.Amount, ev.DestinationChain, ev.DestinationAddress)
	assert.NoError(t, err)

	vlog := &types.Log{
		Topics: []ethcommon.Hash{
			TokensBurnedSignatureHash,
			ethcommon.BytesToHash(ev.User.Bytes()),
			ev.CorrelationId,
		},
		Data:        data,
		BlockNumber: 7,
		Index:       2,
		TxHash:      common.RandBytes32(),
	}

	decoded, err := decodeLog("chainA", vlog)
	assert.NoError(t, err)
	assert.Equal(t, agreement.Burn, decoded.Kind)
	assert.Equal(t, "chainA", decoded.SourceChain)
	assert.Equal(t, "chainB", decoded.DestinationChain)
	assert.Equal(t, ev.User, decoded.User)
	assert.Equal(t, ev.DestinationAddress, decoded.DestinationAddress)
	assert.Equal(t, 0, ev.Amount.Cmp(decoded.Amount))
	assert.Equal(t, ev.CorrelationId, decoded.CorrelationId)
	assert.Equal(t, uint64(7), decoded.SourceBlock)
	assert.Equal(t, uint(2), decoded.LogIndex)

	// zero transactionId
	vlog.Topics[2] = ethcommon.Hash{}
	_, err = decodeLog("chainA", vlog)
	assert.Error(t, err)
	vlog.Topics[2] = ev.CorrelationId

	// zero amount
	zero, err := bridgeABI.Events["TokensBurned"].Inputs.NonIndexed().Pack(big.NewInt(0), ev.DestinationChain, ev.DestinationAddress)
	require.NoError(t, err)
	vlog.Data = zero
	_, err = decodeLog("chainA", vlog)
	assert.Error(t, err)
	vlog.Data = data

	vlog.Topics[0] = common.RandBytes32()
	_, err = decodeLog("chainA", vlog)
	assert.Error(t, err)

	vlog.Topics = vlog.Topics[:2]
	_, err = decodeLog("chainA", vlog)
	assert.Error(t, err)
}

func TestGetEventLogs(t *testing.T) {
	sim := NewSimulatedChain(2)
	defer sim.Close()

	emitter := deployStub(t, sim, logEmitterRuntime)
	e := newTestEtherman(t, sim, emitter)
	ctx := context.Background()

	lock := randEvent()
	burn := randEvent()
	burn.DestinationChain = "chainC"
	emitTransfer(t, sim, emitter, TokensLockedSignatureHash, lock)
	sim.Backend.Commit()
	burnTx := emitTransfer(t, sim, emitter, TokensBurnedSignatureHash, burn)
	// not a bridge event, must be filtered out
	emitTransfer(t, sim, emitter, common.RandBytes32(), randEvent())
	sim.Backend.Commit()

	head, err := e.HeadBlockNumber(ctx)
	require.NoError(t, err)

	events, err := e.GetEventLogs(ctx, 0, head)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, agreement.Lock, events[0].Kind)
	assert.Equal(t, lock.CorrelationId, events[0].CorrelationId)
	assert.Equal(t, "chainB", events[0].DestinationChain)
	assert.Equal(t, agreement.Burn, events[1].Kind)
	assert.Equal(t, burn.CorrelationId, events[1].CorrelationId)
	assert.Equal(t, burn.User, events[1].User)
	assert.Equal(t, burnTx, events[1].SourceTxHash)
	assert.Equal(t, "chainC", events[1].DestinationChain)
	assert.Less(t, events[0].SourceBlock, events[1].SourceBlock)

	// lock block only
	events, err = e.GetEventLogs(ctx, 0, head-1)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	events, err = e.GetEventLogs(ctx, head+1, head)
	assert.NoError(t, err)
	assert.Empty(t, events)
}

func TestGetEventLogsSkipsInvalid(t *testing.T) {
	sim := NewSimulatedChain(2)
	defer sim.Close()

	emitter := deployStub(t, sim, logEmitterRuntime)
	e := newTestEtherman(t, sim, emitter)
	ctx := context.Background()

	zeroAmount := randEvent()
	zeroAmount.Amount = big.NewInt(0)
	zeroId := randEvent()
	zeroId.CorrelationId = ethcommon.Hash{}
	valid := randEvent()

	emitTransfer(t, sim, emitter, TokensLockedSignatureHash, zeroAmount)
	emitTransfer(t, sim, emitter, TokensLockedSignatureHash, zeroId)
	emitTransfer(t, sim, emitter, TokensLockedSignatureHash, valid)
	sim.Backend.Commit()

	head, err := e.HeadBlockNumber(ctx)
	require.NoError(t, err)
	events, err := e.GetEventLogs(ctx, 0, head)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, valid.CorrelationId, events[0].CorrelationId)
}

func TestFinalizedBlockNumber(t *testing.T) {
	sim := NewSimulatedChain(1)
	defer sim.Close()

	e := newTestEtherman(t, sim, common.RandEthAddress())
	e.cfg.FinalityDepth = 2
	ctx := context.Background()

	num, err := e.FinalizedBlockNumber(ctx)
	assert.NoError(t, err)
	assert.Equal(t, uint64(0), num)

	for i := 0; i < 5; i++ {
		sim.Backend.Commit()
	}
	head, err := e.HeadBlockNumber(ctx)
	assert.NoError(t, err)
	num, err = e.FinalizedBlockNumber(ctx)
	assert.NoError(t, err)
	assert.Equal(t, head-2, num)
}

func TestSendCompletion(t *testing.T) {
	sim := NewSimulatedChain(2)
	defer sim.Close()
	ctx := context.Background()

	bridge := deployStub(t, sim, acceptAllRuntime)
	e := newTestEtherman(t, sim, bridge)
	worker := NewEthMgrWorker(e)

	id := ethcommon.Hash(common.RandBytes32())
	txHash, err := worker.DoCompletion(ctx, agreement.Lock, sim.Accounts[1].From, big.NewInt(10), id)
	require.NoError(t, err)

	status, err := worker.GetTxStatus(ctx, txHash)
	assert.NoError(t, err)
	assert.Equal(t, agreement.TxPending, status)

	sim.Backend.Commit()
	status, err = worker.GetTxStatus(ctx, txHash)
	assert.NoError(t, err)
	assert.Equal(t, agreement.TxSuccess, status)

	tx, _, err := sim.Backend.Client().TransactionByHash(ctx, txHash)
	require.NoError(t, err)
	assert.Equal(t, DefaultGasLimit, tx.Gas())
	expected, err := bridgeABI.Pack("mintTokens", sim.Accounts[1].From, big.NewInt(10), [32]byte(id))
	require.NoError(t, err)
	assert.Equal(t, expected, tx.Data())

	// unlockTokens for a burn
	txHash, err = worker.DoCompletion(ctx, agreement.Burn, sim.Accounts[1].From, big.NewInt(10), id)
	require.NoError(t, err)
	sim.Backend.Commit()
	tx, _, err = sim.Backend.Client().TransactionByHash(ctx, txHash)
	require.NoError(t, err)
	assert.Equal(t, bridgeABI.Methods["unlockTokens"].ID, tx.Data()[:4])

	_, err = worker.DoCompletion(ctx, agreement.EventKind("swap"), sim.Accounts[1].From, big.NewInt(10), id)
	assert.True(t, errors.Is(err, agreement.ErrSubmissionFailure))
}

func TestSendCompletionReverted(t *testing.T) {
	sim := NewSimulatedChain(2)
	defer sim.Close()
	ctx := context.Background()

	bridge := deployStub(t, sim, revertAllRuntime)
	e := newTestEtherman(t, sim, bridge)

	txHash, err := e.SendCompletion(ctx, agreement.Lock, sim.Accounts[1].From, big.NewInt(10), common.RandBytes32())
	require.NoError(t, err)
	sim.Backend.Commit()

	status, err := e.GetTxStatus(ctx, txHash)
	assert.NoError(t, err)
	assert.Equal(t, agreement.TxReverted, status)
}

func TestCheckChain(t *testing.T) {
	sim := NewSimulatedChain(1)
	defer sim.Close()
	ctx := context.Background()

	bridge := deployStub(t, sim, acceptAllRuntime)

	e := newTestEtherman(t, sim, bridge)
	assert.NoError(t, e.CheckChain(ctx))
	assert.NoError(t, e.Reconnect(ctx))

	e.cfg.TokenAddress = common.RandEthAddress()
	err := e.CheckChain(ctx)
	assert.True(t, errors.Is(err, agreement.ErrFatalConfiguration))
	e.cfg.TokenAddress = ethcommon.Address{}

	e.cfg.ChainID = 1
	err = e.CheckChain(ctx)
	assert.True(t, errors.Is(err, agreement.ErrFatalConfiguration))
	err = e.Reconnect(ctx)
	assert.True(t, errors.Is(err, agreement.ErrFatalConfiguration))

	e2 := newTestEtherman(t, sim, common.RandEthAddress())
	err = e2.CheckChain(ctx)
	assert.True(t, errors.Is(err, agreement.ErrFatalConfiguration))
}

func TestReconnectDialFailure(t *testing.T) {
	sim := NewSimulatedChain(1)
	defer sim.Close()
	ctx := context.Background()

	client := sim.Backend.Client()
	e, err := NewEthermanWithClient(&Config{ChainName: "chainA"}, client, nil, func(context.Context) (ethereumClient, error) {
		return nil, fmt.Errorf("dial tcp: %w", errors.New("connection refused"))
	})
	require.NoError(t, err)

	assert.Error(t, e.Reconnect(ctx))
	// the old client is still usable
	_, err = e.HeadBlockNumber(ctx)
	assert.NoError(t, err)

	_, err = e.SendCompletion(ctx, agreement.Lock, common.RandEthAddress(), big.NewInt(1), common.RandBytes32())
	assert.True(t, errors.Is(err, agreement.ErrFatalConfiguration))

	_, err = NewEthermanWithClient(&Config{}, client, nil, nil)
	assert.True(t, errors.Is(err, agreement.ErrFatalConfiguration))
}

func TestWrapRPCError(t *testing.T) {
	assert.Nil(t, wrapRPCError(nil))
	assert.True(t, errors.Is(wrapRPCError(errors.New("filter not found")), agreement.ErrStaleSubscription))
	assert.True(t, errors.Is(wrapRPCError(context.DeadlineExceeded), agreement.ErrTransientNetwork))
	assert.Equal(t, context.Canceled, wrapRPCError(context.Canceled))

	other := errors.New("execution reverted")
	assert.Equal(t, other, wrapRPCError(other))
}

func TestLoadPrivateKey(t *testing.T) {
	sk, err := LoadPrivateKey("0xf9f3eef39586e9398d4bcebf01001e38d34ee19b32894fc54ee6c2f548ba2bce")
	assert.NoError(t, err)
	assert.NotNil(t, sk)

	_, err = LoadPrivateKey("nothex")
	assert.Error(t, err)
}
