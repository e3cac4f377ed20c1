/*
SQLiteChainTxMgrDB implements ChainTxMgrDB.
Table is chain_tx_mgr_db

Internally,

1) Hashes are stored as 64 char hex strings without 0x.
2) Times are stored as unix milliseconds.
*/
package chaintxmgrdb

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/TEENet-io/bridge-relay/agreement"
	"github.com/TEENet-io/bridge-relay/common"
	"github.com/TEENet-io/bridge-relay/database"
	ethcommon "github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"
)

const txColumns = ` TxHash, CorrelationId, Chain, Attempt, SentAt, UpdatedAt, TxStatus `

type SQLiteChainTxMgrDB struct {
	stmtCache *database.StmtCache
	now       func() time.Time
}

// NewSQLiteChainTxMgrDB creates the table on db if missing. The caller
// keeps ownership of db.
func NewSQLiteChainTxMgrDB(db *sql.DB) (*SQLiteChainTxMgrDB, error) {
	storage := &SQLiteChainTxMgrDB{stmtCache: database.NewStmtCache(db), now: time.Now}
	if err := storage.init(db); err != nil {
		return nil, err
	}
	return storage, nil
}

// Table's row structure is according to MonitoredTx
func (s *SQLiteChainTxMgrDB) init(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS chain_tx_mgr_db (
		TxHash CHAR(64) PRIMARY KEY NOT NULL,
		CorrelationId CHAR(64) NOT NULL,
		Chain VARCHAR(64) NOT NULL,
		Attempt INTEGER NOT NULL,
		SentAt BIGINT NOT NULL,
		UpdatedAt BIGINT NOT NULL,
		TxStatus VARCHAR(10) NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_correlation_id ON chain_tx_mgr_db (CorrelationId);
	CREATE INDEX IF NOT EXISTS idx_tx_status ON chain_tx_mgr_db (TxStatus);
	`
	_, err := db.Exec(query)
	return err
}

// Close releases the prepared statements, the db stays open.
func (s *SQLiteChainTxMgrDB) Close() {
	s.stmtCache.Clear()
}

func (s *SQLiteChainTxMgrDB) InsertMonitoredTx(tx *MonitoredTx) error {
	stmt, err := s.stmtCache.Prepare(`INSERT INTO chain_tx_mgr_db (` + txColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}

	sentAt := tx.SentAt
	if sentAt.IsZero() {
		sentAt = s.now()
	}
	_, err = stmt.Exec(
		common.HashToPureHexStr(tx.TxHash),
		common.HashToPureHexStr(tx.CorrelationId),
		tx.Chain,
		tx.Attempt,
		sentAt.UnixMilli(),
		sentAt.UnixMilli(),
		string(tx.TxStatus),
	)
	return err
}

func (s *SQLiteChainTxMgrDB) GetMonitoredTxByTxHash(txHash ethcommon.Hash) (*MonitoredTx, error) {
	stmt, err := s.stmtCache.Prepare(`SELECT` + txColumns + `FROM chain_tx_mgr_db WHERE TxHash = ?`)
	if err != nil {
		return nil, err
	}

	tx, err := scanTx(stmt.QueryRow(common.HashToPureHexStr(txHash)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return tx, err
}

func (s *SQLiteChainTxMgrDB) GetMonitoredTxByCorrelationId(id ethcommon.Hash) ([]*MonitoredTx, error) {
	stmt, err := s.stmtCache.Prepare(`SELECT` + txColumns + `FROM chain_tx_mgr_db WHERE CorrelationId = ? ORDER BY SentAt, Attempt`)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(common.HashToPureHexStr(id))
	if err != nil {
		return nil, err
	}
	return scanTxs(rows)
}

func (s *SQLiteChainTxMgrDB) GetMonitoredTxByStatus(status ...agreement.MonitoredTxStatus) ([]*MonitoredTx, error) {
	if len(status) == 0 {
		return []*MonitoredTx{}, nil
	}

	// not cached, the statement depends on len(status)
	query := `SELECT` + txColumns + `FROM chain_tx_mgr_db WHERE TxStatus IN (?` + strings.Repeat(", ?", len(status)-1) + `) ORDER BY SentAt`
	args := make([]interface{}, len(status))
	for i, st := range status {
		args[i] = string(st)
	}

	stmt, err := s.stmtCache.Prepare(query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(args...)
	if err != nil {
		return nil, err
	}
	return scanTxs(rows)
}

func (s *SQLiteChainTxMgrDB) UpdateTxStatus(txHash ethcommon.Hash, status agreement.MonitoredTxStatus) error {
	stmt, err := s.stmtCache.Prepare(`UPDATE chain_tx_mgr_db SET TxStatus = ?, UpdatedAt = ? WHERE TxHash = ?`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(string(status), s.now().UnixMilli(), common.HashToPureHexStr(txHash))
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTx(row rowScanner) (*MonitoredTx, error) {
	var (
		txHash, id, chain, status string
		attempt                   int
		sentAt, updatedAt         int64
	)
	if err := row.Scan(&txHash, &id, &chain, &attempt, &sentAt, &updatedAt, &status); err != nil {
		return nil, err
	}
	return &MonitoredTx{
		TxHash:        common.HexStrToHash(txHash),
		CorrelationId: common.HexStrToHash(id),
		Chain:         chain,
		Attempt:       attempt,
		SentAt:        time.UnixMilli(sentAt),
		UpdatedAt:     time.UnixMilli(updatedAt),
		TxStatus:      agreement.MonitoredTxStatus(status),
	}, nil
}

func scanTxs(rows *sql.Rows) ([]*MonitoredTx, error) {
	defer rows.Close()

	txs := []*MonitoredTx{}
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}
