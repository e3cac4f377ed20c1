package chaintxmgr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/TEENet-io/bridge-relay/agreement"
	"github.com/TEENet-io/bridge-relay/chaintxmgrdb"
	"github.com/TEENet-io/bridge-relay/common"
	ethcommon "github.com/ethereum/go-ethereum/common"
	logger "github.com/sirupsen/logrus"
)

const (
	DefaultConfirmationDelay   = 5 * time.Second
	DefaultMaxAttempts         = 3
	DefaultRetryBackoff        = 2 * time.Second
	DefaultMaxRetryBackoff     = 30 * time.Second
	DefaultReceiptTimeout      = 2 * time.Minute
	DefaultReceiptPollInterval = 2 * time.Second
)

var (
	ErrWrongDestination = errors.New("event is not destined for this ledger")
	ErrReceiptTimeout   = errors.New("timed out waiting for receipt")
	ErrTxReverted       = errors.New("completion tx reverted")
)

type ChainTxMgrConfig struct {
	ChainName string
	Aliases   []string

	// Wait before the first submission, lets the source settle
	ConfirmationDelay time.Duration

	// Submissions per event before it is marked failed
	MaxAttempts int

	// Backoff between attempts: RetryBackoff * 2^(n-1), capped
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration

	// How long and how often to poll for a receipt
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration
}

func (cfg *ChainTxMgrConfig) setDefaults() {
	if cfg.ConfirmationDelay < 0 {
		cfg.ConfirmationDelay = 0
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.MaxRetryBackoff <= 0 {
		cfg.MaxRetryBackoff = DefaultMaxRetryBackoff
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = DefaultReceiptTimeout
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = DefaultReceiptPollInterval
	}
}

// Result of executing one event.
type Result struct {
	CorrelationId ethcommon.Hash
	Admission     agreement.Admission
	// Completed or Failed when the record reached a terminal outcome,
	// Pending when execution was interrupted and can be resumed.
	Outcome  agreement.Outcome
	TxHash   ethcommon.Hash
	Attempts int
	Err      error
}

// ChainTxMgr completes transfers on one destination ledger.
type ChainTxMgr struct {
	cfg         *ChainTxMgrConfig
	store       agreement.IdempotencyStore
	chainWorker MgrWorker
	mgrdb       chaintxmgrdb.ChainTxMgrDB // optional history of sent txs

	submitLock sync.Mutex // one signing account, one submission at a time
}

func NewChainTxMgr(cfg *ChainTxMgrConfig, store agreement.IdempotencyStore, worker MgrWorker) (*ChainTxMgr, error) {
	if cfg.ChainName == "" {
		return nil, fmt.Errorf("%w: tx manager without chain name", agreement.ErrFatalConfiguration)
	}
	if store == nil || worker == nil {
		return nil, fmt.Errorf("%w: tx manager %s missing dependency", agreement.ErrFatalConfiguration, cfg.ChainName)
	}
	cfg.setDefaults()

	return &ChainTxMgr{
		cfg:         cfg,
		store:       store,
		chainWorker: worker,
	}, nil
}

// SetTxHistory makes the manager record every completion tx it sends.
func (ctm *ChainTxMgr) SetTxHistory(mgrdb chaintxmgrdb.ChainTxMgrDB) {
	ctm.mgrdb = mgrdb
}

func (ctm *ChainTxMgr) ChainName() string {
	return ctm.cfg.ChainName
}

// IsDestination reports whether name refers to this ledger.
func (ctm *ChainTxMgr) IsDestination(name string) bool {
	name = strings.TrimSpace(name)
	if strings.EqualFold(name, ctm.cfg.ChainName) {
		return true
	}
	for _, alias := range ctm.cfg.Aliases {
		if strings.EqualFold(name, alias) {
			return true
		}
	}
	return false
}

// Accept passes the event through the idempotency gate. Accepted means a
// pending record now exists and the caller must Execute the event.
func (ctm *ChainTxMgr) Accept(ctx context.Context, ev *agreement.TransferEvent) (agreement.Admission, error) {
	if !ctm.IsDestination(ev.DestinationChain) {
		return agreement.AlreadyProcessed, fmt.Errorf("%w: destination=%s, ledger=%s",
			ErrWrongDestination, ev.DestinationChain, ctm.cfg.ChainName)
	}

	adm, err := ctm.store.TryBegin(ctx, ev)
	if err != nil {
		return adm, err
	}

	fields := logger.Fields{
		"kind":          ev.Kind,
		"source":        ev.SourceChain,
		"destination":   ctm.cfg.ChainName,
		"correlationId": common.Shorten(ev.CorrelationId.Hex(), 8),
		"amount":        ev.Amount.String(),
	}
	if adm == agreement.AlreadyProcessed {
		logger.WithFields(fields).Debug("duplicate event skipped")
	} else {
		logger.WithFields(fields).Info("transfer accepted")
	}
	return adm, nil
}

// Execute runs the completion of an accepted event.
func (ctm *ChainTxMgr) Execute(ctx context.Context, ev *agreement.TransferEvent) Result {
	return ctm.execute(ctx, ev, ctm.cfg.ConfirmationDelay)
}

// Process is Accept followed by Execute.
func (ctm *ChainTxMgr) Process(ctx context.Context, ev *agreement.TransferEvent) Result {
	adm, err := ctm.Accept(ctx, ev)
	if err != nil {
		return Result{CorrelationId: ev.CorrelationId, Admission: adm, Err: err}
	}
	if adm == agreement.AlreadyProcessed {
		return Result{CorrelationId: ev.CorrelationId, Admission: adm}
	}
	return ctm.Execute(ctx, ev)
}

// Resume re-executes every pending record destined for this ledger, for
// instance after a restart. A recorded tx hash is checked before any new
// submission.
func (ctm *ChainTxMgr) Resume(ctx context.Context) ([]Result, error) {
	records, err := ctm.Pending(ctx)
	if err != nil {
		return nil, err
	}
	return ctm.ResumeRecords(ctx, records)
}

// Pending lists the pending records destined for this ledger.
func (ctm *ChainTxMgr) Pending(ctx context.Context) ([]*agreement.ProcessingRecord, error) {
	records, err := ctm.store.GetRecordsByOutcome(ctx, agreement.Pending)
	if err != nil {
		return nil, err
	}

	mine := []*agreement.ProcessingRecord{}
	for _, rec := range records {
		if ctm.IsDestination(rec.Event.DestinationChain) {
			mine = append(mine, rec)
		}
	}
	return mine, nil
}

// ResumeRecords executes records obtained from Pending without
// confirmation delay.
func (ctm *ChainTxMgr) ResumeRecords(ctx context.Context, records []*agreement.ProcessingRecord) ([]Result, error) {
	results := []Result{}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		logger.WithFields(logger.Fields{
			"destination":   ctm.cfg.ChainName,
			"correlationId": common.Shorten(rec.CorrelationId.Hex(), 8),
			"lastTx":        rec.DestinationTxHash.Hex(),
		}).Info("resuming pending transfer")

		ev := rec.Event
		results = append(results, ctm.execute(ctx, &ev, 0))
	}
	return results, nil
}

func (ctm *ChainTxMgr) execute(ctx context.Context, ev *agreement.TransferEvent, delay time.Duration) Result {
	res := Result{CorrelationId: ev.CorrelationId, Admission: agreement.Accepted, Outcome: agreement.Pending}
	log := logger.WithFields(logger.Fields{
		"kind":          ev.Kind,
		"destination":   ctm.cfg.ChainName,
		"correlationId": common.Shorten(ev.CorrelationId.Hex(), 8),
	})

	// 1. Confirmation delay
	if !common.Sleep(ctx.Done(), delay) {
		res.Err = ctx.Err()
		return res
	}

	// 2. The record tells whether someone got there first and which tx
	//    was sent last.
	rec, ok, err := ctm.store.GetRecord(ctx, ev.CorrelationId)
	if err != nil {
		res.Err = err
		return res
	}
	if !ok {
		res.Err = fmt.Errorf("no record for correlationId %s", ev.CorrelationId.Hex())
		return res
	}
	if rec.Outcome != agreement.Pending {
		res.Outcome = rec.Outcome
		res.TxHash = rec.DestinationTxHash
		return res
	}
	lastTx := rec.DestinationTxHash

	var lastErr error
	for attempt := 1; attempt <= ctm.cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt

		// 3. A previous tx may have landed after all.
		if lastTx != (ethcommon.Hash{}) {
			status, err := ctm.recheck(ctx, lastTx, attempt == 1)
			if err == nil && status == agreement.TxSuccess {
				log.WithField("tx", lastTx.Hex()).Info("previous completion tx succeeded")
				ctm.trackStatus(lastTx, status, nil)
				return ctm.complete(ctx, res, lastTx)
			}
		}

		// 4. Submit and wait
		txHash, status, err := ctm.submit(ctx, ev, attempt)
		if txHash != (ethcommon.Hash{}) {
			lastTx = txHash
		}
		if err == nil && status == agreement.TxSuccess {
			log.WithFields(logger.Fields{"tx": txHash.Hex(), "attempt": attempt}).Info("transfer completed")
			return ctm.complete(ctx, res, txHash)
		}
		if ctx.Err() != nil {
			res.Err = ctx.Err()
			return res
		}

		if err == nil {
			err = ErrTxReverted
		}
		lastErr = err
		log.WithField("attempt", attempt).Warnf("completion attempt failed: %v", err)

		if attempt < ctm.cfg.MaxAttempts {
			backoff := common.Backoff(ctm.cfg.RetryBackoff, ctm.cfg.MaxRetryBackoff, attempt)
			if !common.Sleep(ctx.Done(), backoff) {
				res.Err = ctx.Err()
				return res
			}
		}
	}

	// 5. Out of attempts
	res.Err = fmt.Errorf("%w: %d attempts: %w", agreement.ErrSubmissionFailure, ctm.cfg.MaxAttempts, lastErr)
	res.TxHash = lastTx
	if err := ctm.store.Fail(ctx, ev.CorrelationId, lastErr.Error()); err != nil {
		log.Errorf("failed to record failure: %v", err)
		res.Err = errors.Join(res.Err, err)
		return res
	}
	res.Outcome = agreement.Failed
	log.Errorf("transfer failed: %v", lastErr)
	return res
}

// submit sends the completion and waits for its receipt, holding the
// submit lock throughout.
func (ctm *ChainTxMgr) submit(ctx context.Context, ev *agreement.TransferEvent, attempt int) (ethcommon.Hash, agreement.MonitoredTxStatus, error) {
	ctm.submitLock.Lock()
	defer ctm.submitLock.Unlock()

	txHash, err := ctm.chainWorker.DoCompletion(ctx, ev.Kind, ev.Recipient(), ev.Amount, ev.CorrelationId)
	if err != nil {
		return ethcommon.Hash{}, "", err
	}

	if err := ctm.store.MarkSubmitted(ctx, ev.CorrelationId, txHash); err != nil {
		logger.WithField("tx", txHash.Hex()).Errorf("failed to remember submitted tx: %v", err)
	}
	ctm.trackSent(ev, txHash, attempt)

	status, err := ctm.waitReceipt(ctx, txHash)
	ctm.trackStatus(txHash, status, err)
	return txHash, status, err
}

func (ctm *ChainTxMgr) trackSent(ev *agreement.TransferEvent, txHash ethcommon.Hash, attempt int) {
	if ctm.mgrdb == nil {
		return
	}
	err := ctm.mgrdb.InsertMonitoredTx(&chaintxmgrdb.MonitoredTx{
		TxHash:        txHash,
		CorrelationId: ev.CorrelationId,
		Chain:         ctm.cfg.ChainName,
		Attempt:       attempt,
		SentAt:        time.Now(),
		TxStatus:      agreement.TxPending,
	})
	if err != nil {
		logger.WithField("tx", txHash.Hex()).Warnf("failed to record sent tx: %v", err)
	}
}

func (ctm *ChainTxMgr) trackStatus(txHash ethcommon.Hash, status agreement.MonitoredTxStatus, waitErr error) {
	if ctm.mgrdb == nil {
		return
	}
	if errors.Is(waitErr, ErrReceiptTimeout) {
		status = chaintxmgrdb.Timeout
	} else if waitErr != nil || status == "" {
		return
	}
	if err := ctm.mgrdb.UpdateTxStatus(txHash, status); err != nil {
		logger.WithField("tx", txHash.Hex()).Warnf("failed to update tx status: %v", err)
	}
}

// recheck looks up a previously sent tx. On the first attempt (resume)
// a pending tx is waited for instead of being replaced right away.
func (ctm *ChainTxMgr) recheck(ctx context.Context, txHash ethcommon.Hash, wait bool) (agreement.MonitoredTxStatus, error) {
	status, err := ctm.chainWorker.GetTxStatus(ctx, txHash)
	if err != nil || status != agreement.TxPending || !wait {
		return status, err
	}
	return ctm.waitReceipt(ctx, txHash)
}

func (ctm *ChainTxMgr) waitReceipt(ctx context.Context, txHash ethcommon.Hash) (agreement.MonitoredTxStatus, error) {
	wctx, cancel := context.WithTimeout(ctx, ctm.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(ctm.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		status, err := ctm.chainWorker.GetTxStatus(wctx, txHash)
		if err == nil && status != agreement.TxPending {
			return status, nil
		}
		if err != nil {
			lastErr = err
		}

		select {
		case <-wctx.Done():
			if ctx.Err() != nil {
				return agreement.TxPending, ctx.Err()
			}
			if lastErr != nil {
				return agreement.TxPending, fmt.Errorf("%w: tx=%s: %w", ErrReceiptTimeout, txHash.Hex(), lastErr)
			}
			return agreement.TxPending, fmt.Errorf("%w: tx=%s", ErrReceiptTimeout, txHash.Hex())
		case <-ticker.C:
		}
	}
}

func (ctm *ChainTxMgr) complete(ctx context.Context, res Result, txHash ethcommon.Hash) Result {
	res.TxHash = txHash
	if err := ctm.store.Complete(ctx, res.CorrelationId, txHash); err != nil {
		res.Err = err
		return res
	}
	res.Outcome = agreement.Completed
	return res
}
