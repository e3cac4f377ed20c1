// Package relay wires two ledgers together: each ledger's poller feeds the
// other ledger's executor, the supervisor keeps both connections alive.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/TEENet-io/bridge-relay/agreement"
	"github.com/TEENet-io/bridge-relay/chainsync"
	"github.com/TEENet-io/bridge-relay/chaintxmgr"
	"github.com/TEENet-io/bridge-relay/chaintxmgrdb"
	"github.com/TEENet-io/bridge-relay/common"
	"github.com/TEENet-io/bridge-relay/state"
	"github.com/TEENet-io/bridge-relay/supervisor"
	ethcommon "github.com/ethereum/go-ethereum/common"
	logger "github.com/sirupsen/logrus"
)

var (
	ErrAlreadyRunning = errors.New("relay already running")
	ErrUnknownSource  = errors.New("event from an unknown ledger")
	ErrRecordNotFound = errors.New("record not found")
	ErrNotFailed      = errors.New("record has not failed")
	ErrUnroutable     = errors.New("no ledger for destination")
)

// LedgerConfig is what one ledger contributes to the relay.
type LedgerConfig struct {
	Name    string
	Aliases []string

	SyncWorker  chainsync.SyncWorker
	MgrWorker   chaintxmgr.MgrWorker
	Reconnector supervisor.Reconnector

	// ChainName and Aliases are filled in from above
	Sync chainsync.ChainSyncConfig
	Tx   chaintxmgr.ChainTxMgrConfig
}

type Config struct {
	Supervisor supervisor.Config

	// Period of the status log line, 0 disables it
	StatsInterval time.Duration

	// Optional history of completion txs
	TxHistory chaintxmgrdb.ChainTxMgrDB
}

type ledger struct {
	name    string
	aliases []string
	sync    *chainsync.ChainSync
	mgr     *chaintxmgr.ChainTxMgr
	stats   counters
}

// sink hands the events of one source ledger to the relay
type sink struct {
	r      *Relay
	source *ledger
}

func (s *sink) Dispatch(ctx context.Context, ev *agreement.TransferEvent) error {
	return s.r.dispatch(ctx, s.source, ev)
}

type Relay struct {
	cfg     *Config
	store   agreement.Store
	ledgers [2]*ledger
	sup     *supervisor.Supervisor
	state   RelayState

	mu     sync.Mutex
	cancel context.CancelFunc

	// executions outlive Stop, they only end with the process
	execCtx context.Context

	pollWg sync.WaitGroup
	execWg sync.WaitGroup
}

func New(cfg *Config, ledgers [2]*LedgerConfig, store agreement.Store) (*Relay, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if store == nil {
		return nil, fmt.Errorf("%w: relay without store", agreement.ErrFatalConfiguration)
	}
	for i, lc := range ledgers {
		if lc == nil || strings.TrimSpace(lc.Name) == "" {
			return nil, fmt.Errorf("%w: ledger %d has no name", agreement.ErrFatalConfiguration, i)
		}
		if lc.Reconnector == nil {
			return nil, fmt.Errorf("%w: ledger %s has no reconnector", agreement.ErrFatalConfiguration, lc.Name)
		}
	}
	if err := checkNames(ledgers[0], ledgers[1]); err != nil {
		return nil, err
	}

	r := &Relay{
		cfg:     cfg,
		store:   store,
		sup:     supervisor.New(&cfg.Supervisor),
		execCtx: context.Background(),
	}

	for i, lc := range ledgers {
		l := &ledger{name: lc.Name, aliases: lc.Aliases}

		syncCfg := lc.Sync
		syncCfg.ChainName = lc.Name
		cs, err := chainsync.NewChainSync(&syncCfg, store, lc.SyncWorker, &sink{r: r, source: l})
		if err != nil {
			return nil, err
		}

		txCfg := lc.Tx
		txCfg.ChainName = lc.Name
		txCfg.Aliases = lc.Aliases
		mgr, err := chaintxmgr.NewChainTxMgr(&txCfg, store, lc.MgrWorker)
		if err != nil {
			return nil, err
		}
		if cfg.TxHistory != nil {
			mgr.SetTxHistory(cfg.TxHistory)
		}

		if err := r.sup.Register(lc.Name, lc.Reconnector); err != nil {
			return nil, fmt.Errorf("%w: %w", agreement.ErrFatalConfiguration, err)
		}

		l.sync = cs
		l.mgr = mgr
		r.ledgers[i] = l
		LedgerUp.WithLabelValues(l.name).Set(1)
	}

	return r, nil
}

// checkNames refuses ledgers that could not be told apart by a
// destination chain string.
func checkNames(a, b *LedgerConfig) error {
	for _, x := range append([]string{a.Name}, a.Aliases...) {
		for _, y := range append([]string{b.Name}, b.Aliases...) {
			if strings.EqualFold(strings.TrimSpace(x), strings.TrimSpace(y)) {
				return fmt.Errorf("%w: ledgers %s and %s share the name %q",
					agreement.ErrFatalConfiguration, a.Name, b.Name, x)
			}
		}
	}
	return nil
}

// Start resumes pending records and starts both pollers, the supervisor
// and the status log. It returns once everything is running.
func (r *Relay) Start(ctx context.Context) error {
	if !r.state.setRunning(true) {
		return ErrAlreadyRunning
	}

	// Snapshot pending records before any poller can accept new ones, so
	// nothing is executed twice.
	resume := [2][]*agreement.ProcessingRecord{}
	for i, l := range r.ledgers {
		recs, err := l.mgr.Pending(ctx)
		if err != nil {
			r.state.setRunning(false)
			return fmt.Errorf("failed to list pending records of %s: %w", l.name, err)
		}
		resume[i] = recs
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	for i, l := range r.ledgers {
		if len(resume[i]) > 0 {
			r.execWg.Add(1)
			go func(l *ledger, recs []*agreement.ProcessingRecord) {
				defer r.execWg.Done()
				results, err := l.mgr.ResumeRecords(r.execCtx, recs)
				for _, res := range results {
					l.stats.record(l.name, res.Outcome)
				}
				if err != nil {
					logger.WithField("chain", l.name).Errorf("resume interrupted: %v", err)
				}
			}(l, resume[i])
		}

		r.pollWg.Add(1)
		go func(l *ledger) {
			defer r.pollWg.Done()
			err := l.sync.Loop(runCtx, r.sup)
			if err != nil && runCtx.Err() == nil {
				LedgerUp.WithLabelValues(l.name).Set(0)
				logger.WithField("chain", l.name).Errorf("poller stopped: %v", err)
			}
		}(l)
	}

	r.pollWg.Add(1)
	go func() {
		defer r.pollWg.Done()
		r.sup.Run(runCtx)
	}()

	if r.cfg.StatsInterval > 0 {
		r.pollWg.Add(1)
		go func() {
			defer r.pollWg.Done()
			r.statsLoop(runCtx)
		}()
	}

	logger.WithFields(logger.Fields{
		"ledgers": []string{r.ledgers[0].name, r.ledgers[1].name},
	}).Info("relay started")
	return nil
}

// Stop cancels the pollers and the supervisor. Executions in flight keep
// going, use Wait to let them finish.
func (r *Relay) Stop() {
	if !r.state.setRunning(false) {
		return
	}
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	logger.Info("relay stopping")
}

// Wait blocks until pollers and executions have ended.
func (r *Relay) Wait() {
	r.pollWg.Wait()
	r.execWg.Wait()
}

// Dispatch routes an event read from its source ledger.
func (r *Relay) Dispatch(ctx context.Context, ev *agreement.TransferEvent) error {
	source := r.lookup(ev.SourceChain)
	if source == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSource, ev.SourceChain)
	}
	return r.dispatch(ctx, source, ev)
}

// dispatch accepts the event synchronously, so that a pending record
// exists before the poller moves its cursor, and executes it in the
// background. Invalid and unroutable events are dropped. An event is
// counted as seen once it is settled, a failed dispatch is not counted
// since the poller delivers it again.
func (r *Relay) dispatch(ctx context.Context, source *ledger, ev *agreement.TransferEvent) error {
	if err := state.ValidateEvent(ev); err != nil {
		source.stats.seen.Add(1)
		EventsSeen.WithLabelValues(source.name).Inc()
		source.stats.invalid.Add(1)
		InvalidEvents.WithLabelValues(source.name).Inc()
		logger.WithFields(logger.Fields{
			"source":   source.name,
			"sourceTx": common.Shorten(ev.SourceTxHash.Hex(), 8),
			"block":    ev.SourceBlock,
		}).Warnf("invalid event dropped: %v", err)
		return nil
	}

	dest := r.route(source, ev.DestinationChain)
	if dest == nil {
		source.stats.seen.Add(1)
		EventsSeen.WithLabelValues(source.name).Inc()
		source.stats.unroutable.Add(1)
		Unroutable.WithLabelValues(source.name).Inc()
		logger.WithFields(logger.Fields{
			"source":        source.name,
			"destination":   ev.DestinationChain,
			"correlationId": common.Shorten(ev.CorrelationId.Hex(), 8),
		}).Warn("unroutable event dropped")
		return nil
	}

	if _, err := r.accept(ctx, dest, ev); err != nil {
		return err
	}
	source.stats.seen.Add(1)
	EventsSeen.WithLabelValues(source.name).Inc()
	return nil
}

func (r *Relay) accept(ctx context.Context, dest *ledger, ev *agreement.TransferEvent) (agreement.Admission, error) {
	adm, err := dest.mgr.Accept(ctx, ev)
	if err != nil {
		return adm, err
	}
	if adm == agreement.AlreadyProcessed {
		dest.stats.duplicates.Add(1)
		DuplicatesSkipped.WithLabelValues(dest.name).Inc()
		return adm, nil
	}

	evCopy := *ev
	r.execWg.Add(1)
	go func() {
		defer r.execWg.Done()
		res := dest.mgr.Execute(r.execCtx, &evCopy)
		dest.stats.record(dest.name, res.Outcome)
	}()
	return adm, nil
}

// route returns the ledger that completes events with the given
// destination, nil when it is unknown or the source itself.
func (r *Relay) route(source *ledger, destination string) *ledger {
	for _, l := range r.ledgers {
		if l.mgr.IsDestination(destination) {
			if l == source {
				return nil
			}
			return l
		}
	}
	return nil
}

func (r *Relay) lookup(name string) *ledger {
	for _, l := range r.ledgers {
		if l.mgr.IsDestination(name) {
			return l
		}
	}
	return nil
}

// Reprocess gives a failed record another execution. The record goes
// back to pending right away, the execution runs in the background.
func (r *Relay) Reprocess(ctx context.Context, id ethcommon.Hash) (agreement.Admission, error) {
	rec, ok, err := r.store.GetRecord(ctx, id)
	if err != nil {
		return agreement.AlreadyProcessed, err
	}
	if !ok {
		return agreement.AlreadyProcessed, fmt.Errorf("%w: %s", ErrRecordNotFound, id.Hex())
	}
	if rec.Outcome != agreement.Failed {
		return agreement.AlreadyProcessed, fmt.Errorf("%w: %s is %s", ErrNotFailed, id.Hex(), rec.Outcome)
	}

	source := r.lookup(rec.Event.SourceChain)
	dest := r.route(source, rec.Event.DestinationChain)
	if dest == nil {
		return agreement.AlreadyProcessed, fmt.Errorf("%w: %s", ErrUnroutable, rec.Event.DestinationChain)
	}

	logger.WithFields(logger.Fields{
		"destination":   dest.name,
		"correlationId": common.Shorten(id.Hex(), 8),
		"reason":        rec.Reason,
	}).Info("reprocessing failed transfer")

	ev := rec.Event
	return r.accept(ctx, dest, &ev)
}

// GetRecord exposes the store to status surfaces.
func (r *Relay) GetRecord(ctx context.Context, id ethcommon.Hash) (*agreement.ProcessingRecord, bool, error) {
	return r.store.GetRecord(ctx, id)
}

func (r *Relay) GetRecordsByOutcome(ctx context.Context, outcome agreement.Outcome) ([]*agreement.ProcessingRecord, error) {
	return r.store.GetRecordsByOutcome(ctx, outcome)
}

// TxHistory returns the completion txs sent for a record, nil when no
// history is kept.
func (r *Relay) TxHistory(id ethcommon.Hash) ([]*chaintxmgrdb.MonitoredTx, error) {
	if r.cfg.TxHistory == nil {
		return nil, nil
	}
	return r.cfg.TxHistory.GetMonitoredTxByCorrelationId(id)
}

func (r *Relay) Running() bool {
	return r.state.Running()
}

func (r *Relay) Stats() *Stats {
	st := &Stats{
		Running: r.state.Running(),
		Ledgers: make([]LedgerStats, 0, len(r.ledgers)),
	}
	if st.Running {
		st.StartedAt = r.state.StartedAt()
		st.Uptime = time.Since(st.StartedAt).Round(time.Second).String()
	}

	for _, l := range r.ledgers {
		ls := LedgerStats{
			Name:        l.name,
			Connection:  r.sup.State(l.name),
			LastChecked: l.sync.LastChecked(),
			EventsSeen:  l.stats.seen.Load(),
			Duplicates:  l.stats.duplicates.Load(),
			Unroutable:  l.stats.unroutable.Load(),
			Invalid:     l.stats.invalid.Load(),
			Completed:   l.stats.completed.Load(),
			Failed:      l.stats.failed.Load(),
		}
		ls.Cursor, ls.HasCursor = l.sync.Cursor()

		st.EventsSeen += ls.EventsSeen
		st.Duplicates += ls.Duplicates
		st.Unroutable += ls.Unroutable
		st.Invalid += ls.Invalid
		st.Completed += ls.Completed
		st.Failed += ls.Failed
		st.Ledgers = append(st.Ledgers, ls)
	}
	return st
}

// Connections returns the supervisor view of both ledgers.
func (r *Relay) Connections() []supervisor.LedgerStatus {
	return r.sup.Status()
}

func (r *Relay) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := r.Stats()
			for _, ls := range st.Ledgers {
				if ls.HasCursor {
					CursorBlock.WithLabelValues(ls.Name).Set(float64(ls.Cursor))
				}
				up := 0.0
				if ls.Connection == supervisor.Connected {
					up = 1
				}
				LedgerUp.WithLabelValues(ls.Name).Set(up)

				logger.WithFields(logger.Fields{
					"chain":      ls.Name,
					"connection": ls.Connection,
					"cursor":     ls.Cursor,
					"seen":       ls.EventsSeen,
					"duplicates": ls.Duplicates,
					"invalid":    ls.Invalid,
					"completed":  ls.Completed,
					"failed":     ls.Failed,
				}).Info("relay status")
			}
		}
	}
}
