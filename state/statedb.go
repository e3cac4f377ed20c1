package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/TEENet-io/bridge-relay/agreement"
	"github.com/TEENet-io/bridge-relay/common"
	"github.com/TEENet-io/bridge-relay/database"
	ethcommon "github.com/ethereum/go-ethereum/common"
)

// StateDB is the sqlite backed agreement.Store.
type StateDB struct {
	db        *sql.DB
	stmtCache *database.StmtCache
	completed *completedCache
	now       func() time.Time
}

func NewStateDB(db *sql.DB) (*StateDB, error) {
	// 1. Create the tables.
	if _, err := db.Exec(transferTable + cursorTable); err != nil {
		return nil, err
	}

	// 2. A stmt cache + db.
	return &StateDB{
		db:        db,
		stmtCache: database.NewStmtCache(db),
		completed: newCompletedCache(defaultCompletedCacheSize),
		now:       time.Now,
	}, nil
}

func (st *StateDB) Close() error {
	st.stmtCache.Clear()
	return st.db.Close()
}

func (st *StateDB) TryBegin(ctx context.Context, ev *agreement.TransferEvent) (agreement.Admission, error) {
	if err := ValidateEvent(ev); err != nil {
		return agreement.AlreadyProcessed, err
	}
	if st.completed.has(ev.CorrelationId) {
		return agreement.AlreadyProcessed, nil
	}

	// Insert when absent, re-open when failed, otherwise leave untouched.
	query := `INSERT INTO transfer (` + transferColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', NULL, 0, '', ?)
		ON CONFLICT(correlationId) DO UPDATE SET
			outcome = 'pending', reason = '', attempts = 0, updatedAt = excluded.updatedAt
		WHERE transfer.outcome = 'failed'`
	stmt, err := st.stmtCache.PrepareContext(ctx, query)
	if err != nil {
		return agreement.AlreadyProcessed, err
	}

	res, err := stmt.ExecContext(ctx,
		common.HashToPureHexStr(ev.CorrelationId),
		string(ev.Kind),
		ev.SourceChain,
		ev.DestinationChain,
		common.AddressToPureHexStr(ev.User),
		common.AddressToPureHexStr(ev.DestinationAddress),
		ev.Amount.String(),
		common.HashToPureHexStr(ev.SourceTxHash),
		int64(ev.SourceBlock),
		int64(ev.LogIndex),
		st.now().UnixMilli(),
	)
	if err != nil {
		return agreement.AlreadyProcessed, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return agreement.AlreadyProcessed, err
	}
	if n == 1 {
		return agreement.Accepted, nil
	}
	return agreement.AlreadyProcessed, nil
}

func (st *StateDB) MarkSubmitted(ctx context.Context, id ethcommon.Hash, txHash ethcommon.Hash) error {
	query := `UPDATE transfer SET destinationTxHash = ?, attempts = attempts + 1, updatedAt = ?
		WHERE correlationId = ? AND outcome = 'pending'`
	return st.transition(ctx, id, agreement.Pending, query,
		common.HashToPureHexStr(txHash), st.now().UnixMilli(), common.HashToPureHexStr(id))
}

func (st *StateDB) Complete(ctx context.Context, id ethcommon.Hash, txHash ethcommon.Hash) error {
	query := `UPDATE transfer SET outcome = 'completed', destinationTxHash = ?, reason = '', updatedAt = ?
		WHERE correlationId = ? AND outcome = 'pending'`
	err := st.transition(ctx, id, agreement.Completed, query,
		common.HashToPureHexStr(txHash), st.now().UnixMilli(), common.HashToPureHexStr(id))
	if err != nil {
		return err
	}
	st.completed.add(id)
	return nil
}

func (st *StateDB) Fail(ctx context.Context, id ethcommon.Hash, reason string) error {
	query := `UPDATE transfer SET outcome = 'failed', reason = ?, updatedAt = ?
		WHERE correlationId = ? AND outcome = 'pending'`
	return st.transition(ctx, id, agreement.Failed, query,
		reason, st.now().UnixMilli(), common.HashToPureHexStr(id))
}

// transition runs an update guarded by outcome = 'pending' and explains a
// no-op by looking the record up.
func (st *StateDB) transition(ctx context.Context, id ethcommon.Hash, to agreement.Outcome, query string, args ...any) error {
	stmt, err := st.stmtCache.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	res, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	rec, ok, err := st.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRecordNotFound(id)
	}
	return ErrTransition(id, rec.Outcome, to)
}

func (st *StateDB) GetRecord(ctx context.Context, id ethcommon.Hash) (*agreement.ProcessingRecord, bool, error) {
	query := `SELECT` + transferColumns + `FROM transfer WHERE correlationId = ?`
	stmt, err := st.stmtCache.PrepareContext(ctx, query)
	if err != nil {
		return nil, false, err
	}

	rec, err := scanRecord(stmt.QueryRowContext(ctx, common.HashToPureHexStr(id)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return rec, true, nil
}

func (st *StateDB) GetRecordsByOutcome(ctx context.Context, outcome agreement.Outcome) ([]*agreement.ProcessingRecord, error) {
	if !outcome.Valid() {
		return nil, fmt.Errorf("invalid outcome: %q", outcome)
	}

	query := `SELECT` + transferColumns + `FROM transfer WHERE outcome = ? ORDER BY sourceBlock, logIndex`
	stmt, err := st.stmtCache.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.QueryContext(ctx, string(outcome))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []*agreement.ProcessingRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (st *StateDB) GetCursor(ctx context.Context, chain string) (uint64, bool, error) {
	stmt, err := st.stmtCache.PrepareContext(ctx, `SELECT block FROM cursor WHERE chain = ?`)
	if err != nil {
		return 0, false, err
	}

	var block int64
	if err := stmt.QueryRowContext(ctx, chain).Scan(&block); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint64(block), true, nil
}

func (st *StateDB) SetCursor(ctx context.Context, chain string, block uint64) error {
	query := `INSERT INTO cursor (chain, block) VALUES (?, ?)
		ON CONFLICT(chain) DO UPDATE SET block = excluded.block
		WHERE excluded.block >= cursor.block`
	stmt, err := st.stmtCache.PrepareContext(ctx, query)
	if err != nil {
		return err
	}

	res, err := stmt.ExecContext(ctx, chain, int64(block))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		stored, _, err := st.GetCursor(ctx, chain)
		if err != nil {
			return err
		}
		return ErrCursorRewind(chain, stored, block)
	}
	return nil
}

func (st *StateDB) ResetCursor(ctx context.Context, chain string, block uint64) error {
	stmt, err := st.stmtCache.PrepareContext(ctx, `INSERT OR REPLACE INTO cursor (chain, block) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, chain, int64(block))
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*agreement.ProcessingRecord, error) {
	var (
		id, kind, srcChain, dstChain, user, dstAddr, amount, srcTx, outcome, reason string
		srcBlock, logIndex, updatedAt                                               int64
		attempts                                                                    int
		dstTx                                                                       sql.NullString
	)

	err := row.Scan(&id, &kind, &srcChain, &dstChain, &user, &dstAddr,
		&amount, &srcTx, &srcBlock, &logIndex, &outcome, &dstTx, &attempts, &reason, &updatedAt)
	if err != nil {
		return nil, err
	}

	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("corrupted amount %q for correlationId %s", amount, id)
	}

	rec := &agreement.ProcessingRecord{
		CorrelationId: common.HexStrToHash(id),
		Outcome:       agreement.Outcome(outcome),
		Attempts:      attempts,
		Reason:        reason,
		UpdatedAt:     time.UnixMilli(updatedAt),
		Event: agreement.TransferEvent{
			Kind:               agreement.EventKind(kind),
			SourceChain:        srcChain,
			DestinationChain:   dstChain,
			User:               ethcommon.HexToAddress(user),
			DestinationAddress: ethcommon.HexToAddress(dstAddr),
			Amount:             amt,
			CorrelationId:      common.HexStrToHash(id),
			SourceTxHash:       common.HexStrToHash(srcTx),
			SourceBlock:        uint64(srcBlock),
			LogIndex:           uint(logIndex),
		},
	}
	if dstTx.Valid {
		rec.DestinationTxHash = common.HexStrToHash(dstTx.String)
	}
	return rec, nil
}
