package chaintxmgrdb

import (
	"database/sql"
	"testing"
	"time"

	"github.com/TEENet-io/bridge-relay/agreement"
	"github.com/TEENet-io/bridge-relay/common"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getMemoryDB(t *testing.T) *SQLiteChainTxMgrDB {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	mgrdb, err := NewSQLiteChainTxMgrDB(db)
	require.NoError(t, err)
	return mgrdb
}

func TestMonitoredTx(t *testing.T) {
	mgrdb := getMemoryDB(t)
	defer mgrdb.Close()

	id := ethcommon.Hash(common.RandBytes32())
	base := time.UnixMilli(1_700_000_000_000)
	txs := []*MonitoredTx{
		{TxHash: common.RandBytes32(), CorrelationId: id, Chain: "chainB", Attempt: 1, SentAt: base, TxStatus: agreement.TxPending},
		{TxHash: common.RandBytes32(), CorrelationId: id, Chain: "chainB", Attempt: 2, SentAt: base.Add(time.Second), TxStatus: agreement.TxPending},
		{TxHash: common.RandBytes32(), CorrelationId: common.RandBytes32(), Chain: "chainA", Attempt: 1, SentAt: base, TxStatus: agreement.TxPending},
	}
	for _, tx := range txs {
		assert.NoError(t, mgrdb.InsertMonitoredTx(tx))
	}
	// primary key
	assert.Error(t, mgrdb.InsertMonitoredTx(txs[0]))

	got, err := mgrdb.GetMonitoredTxByTxHash(txs[1].TxHash)
	assert.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, txs[1].TxHash, got.TxHash)
	assert.Equal(t, id, got.CorrelationId)
	assert.Equal(t, "chainB", got.Chain)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, base.Add(time.Second).UnixMilli(), got.SentAt.UnixMilli())

	got, err = mgrdb.GetMonitoredTxByTxHash(common.RandBytes32())
	assert.NoError(t, err)
	assert.Nil(t, got)

	history, err := mgrdb.GetMonitoredTxByCorrelationId(id)
	assert.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].Attempt)
	assert.Equal(t, 2, history[1].Attempt)

	assert.NoError(t, mgrdb.UpdateTxStatus(txs[0].TxHash, Timeout))
	assert.NoError(t, mgrdb.UpdateTxStatus(txs[1].TxHash, agreement.TxSuccess))

	pending, err := mgrdb.GetMonitoredTxByStatus(agreement.TxPending)
	assert.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, txs[2].TxHash, pending[0].TxHash)

	done, err := mgrdb.GetMonitoredTxByStatus(agreement.TxSuccess, Timeout)
	assert.NoError(t, err)
	assert.Len(t, done, 2)

	none, err := mgrdb.GetMonitoredTxByStatus()
	assert.NoError(t, err)
	assert.Empty(t, none)
}
