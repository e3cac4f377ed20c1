package chaintxmgrdb

import (
	"time"

	"github.com/TEENet-io/bridge-relay/agreement"
	ethcommon "github.com/ethereum/go-ethereum/common"
)

// MonitoredTx is the structure stores the status of a completion Tx that we monitor.
type MonitoredTx struct {
	TxHash        ethcommon.Hash              // The Tx been tracked, this is the primary key. No duplication allowed!
	CorrelationId ethcommon.Hash              // transfer this Tx completes
	Chain         string                      // destination ledger
	Attempt       int                         // 1-based attempt number within one execution
	SentAt        time.Time                   // when the node accepted the Tx
	UpdatedAt     time.Time                   // last status change
	TxStatus      agreement.MonitoredTxStatus // See below
}

// Status beyond agreement.TxPending / TxSuccess / TxReverted: no receipt
// within the receipt timeout. The Tx may still land later.
const Timeout agreement.MonitoredTxStatus = "timeout"

// Defines what the DB should do
// Regardless of the underlying implementation
type ChainTxMgrDB interface {
	// Insert Monitored Tx into DB
	// error = 1) duplicate insertion (same TxHash), 2) database error, etc ...
	InsertMonitoredTx(tx *MonitoredTx) error

	// Get one Tx by hash, nil if not found
	GetMonitoredTxByTxHash(txHash ethcommon.Hash) (*MonitoredTx, error)

	// Get Tx(s) sent for one transfer, oldest first
	GetMonitoredTxByCorrelationId(id ethcommon.Hash) ([]*MonitoredTx, error)

	// Get Tx(s) by status
	GetMonitoredTxByStatus(status ...agreement.MonitoredTxStatus) ([]*MonitoredTx, error)

	UpdateTxStatus(txHash ethcommon.Hash, status agreement.MonitoredTxStatus) error
}
