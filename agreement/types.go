// Global agreement on types shared by the poller, the executor and the store.

package agreement

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind tells which source-side action produced a TransferEvent.
type EventKind string

const (
	Lock EventKind = "lock" // value escrowed on the source ledger, mint on destination
	Burn EventKind = "burn" // wrapped value destroyed on the source ledger, unlock on destination
)

func (k EventKind) Valid() bool {
	return k == Lock || k == Burn
}

// CompletionAction is the destination-side call that answers the event.
func (k EventKind) CompletionAction() string {
	switch k {
	case Lock:
		return "mintTokens"
	case Burn:
		return "unlockTokens"
	default:
		return ""
	}
}

// TransferEvent is a decoded TokensLocked / TokensBurned log.
// It is immutable once constructed.
type TransferEvent struct {
	Kind               EventKind
	SourceChain        string
	DestinationChain   string
	User               common.Address
	DestinationAddress common.Address
	Amount             *big.Int
	CorrelationId      common.Hash // contract-emitted transactionId, never derived locally
	SourceTxHash       common.Hash
	SourceBlock        uint64
	LogIndex           uint
}

// Recipient is the address that receives value on the destination ledger.
func (ev *TransferEvent) Recipient() common.Address {
	if ev.DestinationAddress != (common.Address{}) {
		return ev.DestinationAddress
	}
	return ev.User
}

func (ev *TransferEvent) String() string {
	return fmt.Sprintf("%+v", *ev)
}

// Outcome of a ProcessingRecord.
type Outcome string

const (
	Pending   Outcome = "pending"
	Completed Outcome = "completed"
	Failed    Outcome = "failed"
)

func (o Outcome) Valid() bool {
	return o == Pending || o == Completed || o == Failed
}

// ProcessingRecord is the durable trace of one correlationId.
// It keeps the whole event so pending records can be resumed after a
// restart and failed ones can be reprocessed by an operator.
type ProcessingRecord struct {
	CorrelationId     common.Hash
	Event             TransferEvent
	Outcome           Outcome
	DestinationTxHash common.Hash // zero until a completion tx has been sent
	Attempts          int
	Reason            string // last failure reason, empty when completed
	UpdatedAt         time.Time
}

func (r *ProcessingRecord) String() string {
	return fmt.Sprintf("%+v", *r)
}

// Admission is the answer of the idempotency gate.
type Admission int

const (
	Accepted Admission = iota
	AlreadyProcessed
)

func (a Admission) String() string {
	switch a {
	case Accepted:
		return "accepted"
	case AlreadyProcessed:
		return "already-processed"
	default:
		return "unknown"
	}
}

// Enum for the status of a completion tx submitted to the blockchain.
type MonitoredTxStatus string

const (
	TxPending  MonitoredTxStatus = "pending"  // not found in a block yet
	TxSuccess  MonitoredTxStatus = "success"  // included and executed
	TxReverted MonitoredTxStatus = "reverted" // included, but execution failed
)

type JSONTransferEvent struct {
	Kind               string `json:"kind"`
	SourceChain        string `json:"source_chain"`
	DestinationChain   string `json:"destination_chain"`
	User               string `json:"user"`
	DestinationAddress string `json:"destination_address"`
	Amount             string `json:"amount"`
	SourceTxHash       string `json:"source_tx_hash"`
	SourceBlock        uint64 `json:"source_block"`
}

type JSONProcessingRecord struct {
	CorrelationId     string            `json:"correlation_id"`
	Outcome           string            `json:"outcome"`
	DestinationTxHash string            `json:"destination_tx_hash,omitempty"`
	Attempts          int               `json:"attempts"`
	Reason            string            `json:"reason,omitempty"`
	UpdatedAt         time.Time         `json:"updated_at"`
	Event             JSONTransferEvent `json:"event"`
}

func (r *ProcessingRecord) ToJSON() *JSONProcessingRecord {
	j := &JSONProcessingRecord{
		CorrelationId: r.CorrelationId.String(),
		Outcome:       string(r.Outcome),
		Attempts:      r.Attempts,
		Reason:        r.Reason,
		UpdatedAt:     r.UpdatedAt,
		Event: JSONTransferEvent{
			Kind:               string(r.Event.Kind),
			SourceChain:        r.Event.SourceChain,
			DestinationChain:   r.Event.DestinationChain,
			User:               r.Event.User.Hex(),
			DestinationAddress: r.Event.DestinationAddress.Hex(),
			SourceTxHash:       r.Event.SourceTxHash.String(),
			SourceBlock:        r.Event.SourceBlock,
		},
	}
	if r.Event.Amount != nil {
		j.Event.Amount = r.Event.Amount.String()
	}
	if r.DestinationTxHash != (common.Hash{}) {
		j.DestinationTxHash = r.DestinationTxHash.String()
	}
	return j
}
