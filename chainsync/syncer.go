// ChainSync: scans a chain block range by block range and hands every
// bridge event to a sink before moving its cursor.
// SyncWorker: defines the interface that a worker should implement.
package chainsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TEENet-io/bridge-relay/agreement"
	logger "github.com/sirupsen/logrus"
)

const (
	DefaultBlockBatch = uint64(1000)
	DefaultInterval   = 10 * time.Second
)

// Configuration
type ChainSyncConfig struct {
	ChainName               string
	IntervalCheckBlockchain time.Duration // interval to trigger the scan of blockchain.
	BlockBatch              uint64        // max blocks per log query.
	StartBlock              int64         // first block to scan when nothing is stored, -1 for the current head.
	ForceScanBlkNum         int64         // retro scan block, tell Sync() to scan from this block, -1 to honor the value in state.
}

type ChainSync struct {
	cfg        *ChainSyncConfig
	store      CursorStore
	sink       agreement.EventSink
	SyncWorker SyncWorker

	pollMu sync.Mutex // one scan at a time
	rewind bool       // next persist overwrites a higher stored cursor

	mu          sync.Mutex
	ready       bool
	next        uint64 // next block to scan
	lastChecked uint64 // newest finalized block seen
}

func NewChainSync(cfg *ChainSyncConfig, store CursorStore, syncWorker SyncWorker, sink agreement.EventSink) (*ChainSync, error) {
	if cfg.ChainName == "" {
		return nil, fmt.Errorf("%w: chain sync without chain name", agreement.ErrFatalConfiguration)
	}
	if store == nil || syncWorker == nil || sink == nil {
		return nil, fmt.Errorf("%w: chain sync %s missing dependency", agreement.ErrFatalConfiguration, cfg.ChainName)
	}
	if cfg.BlockBatch == 0 {
		cfg.BlockBatch = DefaultBlockBatch
	}
	if cfg.IntervalCheckBlockchain <= 0 {
		cfg.IntervalCheckBlockchain = DefaultInterval
	}

	return &ChainSync{
		cfg:        cfg,
		store:      store,
		sink:       sink,
		SyncWorker: syncWorker,
	}, nil
}

func (cs *ChainSync) ChainName() string {
	return cs.cfg.ChainName
}

// Cursor returns the last fully scanned block, false before the first scan.
func (cs *ChainSync) Cursor() (uint64, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if !cs.ready || cs.next == 0 {
		return 0, false
	}
	return cs.next - 1, true
}

func (cs *ChainSync) LastChecked() uint64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.lastChecked
}

// init decides where scanning starts: forced block, stored cursor,
// configured start block, or the current head.
func (cs *ChainSync) init(ctx context.Context, head uint64) error {
	if cs.cfg.ForceScanBlkNum >= 0 {
		cs.rewind = true
		cs.setNext(uint64(cs.cfg.ForceScanBlkNum))
		logger.WithFields(logger.Fields{
			"chain": cs.cfg.ChainName,
			"from":  cs.cfg.ForceScanBlkNum,
		}).Warn("forced rescan")
		return nil
	}

	stored, ok, err := cs.store.GetCursor(ctx, cs.cfg.ChainName)
	if err != nil {
		logger.WithField("chain", cs.cfg.ChainName).Error("failed to get cursor from database when initializing chain sync")
		return err
	}

	var next uint64
	switch {
	case ok:
		next = stored + 1
	case cs.cfg.StartBlock >= 0:
		next = uint64(cs.cfg.StartBlock)
	default:
		// only events from now on
		if err := cs.store.SetCursor(ctx, cs.cfg.ChainName, head); err != nil {
			return err
		}
		next = head + 1
	}
	cs.setNext(next)

	logger.WithFields(logger.Fields{
		"chain":  cs.cfg.ChainName,
		"from":   next,
		"stored": ok,
	}).Info("chain sync initialized")
	return nil
}

func (cs *ChainSync) setNext(next uint64) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.next = next
	cs.ready = true
}

func (cs *ChainSync) position() (next uint64, ready bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.next, cs.ready
}

// PollOnce scans (cursor, finalized] in batches. The cursor moves to the
// end of a batch only after every event of that batch has been
// dispatched, so a failure leaves it at the last complete batch.
func (cs *ChainSync) PollOnce(ctx context.Context) error {
	cs.pollMu.Lock()
	defer cs.pollMu.Unlock()

	head, err := cs.SyncWorker.GetNewestLedgerFinalizedNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get finalized block of %s: %w", cs.cfg.ChainName, err)
	}
	cs.mu.Lock()
	cs.lastChecked = head
	cs.mu.Unlock()

	if _, ready := cs.position(); !ready {
		if err := cs.init(ctx, head); err != nil {
			return err
		}
	}

	next, _ := cs.position()
	// Blockchain doesn't go forward? skip the rest.
	if head < next {
		return nil
	}

	logger.WithFields(logger.Fields{
		"chain": cs.cfg.ChainName,
		"from":  next,
		"to":    head,
	}).Debug("scanning blocks")

	for from := next; from <= head; {
		to := from + cs.cfg.BlockBatch - 1
		if to > head || to < from {
			to = head
		}

		events, err := cs.SyncWorker.GetTimeOrderedEvents(ctx, from, to)
		if err != nil {
			return fmt.Errorf("failed to get events of %s in [%d, %d]: %w", cs.cfg.ChainName, from, to, err)
		}

		for i := range events {
			if err := cs.sink.Dispatch(ctx, &events[i]); err != nil {
				return fmt.Errorf("failed to dispatch event %s: %w", events[i].CorrelationId.Hex(), err)
			}
		}

		if err := cs.persist(ctx, to); err != nil {
			return fmt.Errorf("failed to persist cursor of %s: %w", cs.cfg.ChainName, err)
		}
		cs.setNext(to + 1)
		from = to + 1

		if err := ctx.Err(); err != nil {
			return err
		}
	}

	return nil
}

func (cs *ChainSync) persist(ctx context.Context, block uint64) error {
	if cs.rewind {
		if err := cs.store.ResetCursor(ctx, cs.cfg.ChainName, block); err != nil {
			return err
		}
		cs.rewind = false
		return nil
	}
	return cs.store.SetCursor(ctx, cs.cfg.ChainName, block)
}

// The Big Loop! Polls right away and then on every tick until ctx is
// done. Errors go to the handler, which may block; the ticker restarts
// afterwards so no stale tick fires.
func (cs *ChainSync) Loop(ctx context.Context, handler FailureHandler) error {
	logger.WithField("chain", cs.cfg.ChainName).Debug("starting chain sync")
	defer logger.WithField("chain", cs.cfg.ChainName).Debug("stopping chain sync")

	scanTicker := time.NewTicker(cs.cfg.IntervalCheckBlockchain)
	defer scanTicker.Stop()

	poll := func() error {
		err := cs.PollOnce(ctx)
		if err == nil {
			if handler != nil {
				handler.ReportSuccess(cs.cfg.ChainName)
			}
			return nil
		}
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return ctx.Err()
		}

		logger.WithField("chain", cs.cfg.ChainName).Warnf("poll failed: %v", err)
		if handler == nil {
			return nil
		}
		if herr := handler.HandleFailure(ctx, cs.cfg.ChainName, err); herr != nil {
			return herr
		}
		scanTicker.Reset(cs.cfg.IntervalCheckBlockchain)
		return nil
	}

	if err := poll(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-scanTicker.C:
			if err := poll(); err != nil {
				return err
			}
		}
	}
}
