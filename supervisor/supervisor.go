// Package supervisor keeps each ledger connection usable. Pollers report
// their failures here and block while the ledger reconnects.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/TEENet-io/bridge-relay/common"
	logger "github.com/sirupsen/logrus"
)

const (
	DefaultTransientBudget             = 3
	DefaultReconnectBackoff            = 5 * time.Second
	DefaultMaxReconnectBackoff         = time.Minute
	DefaultMaxReconnectAttempts        = 10
	DefaultPreventiveReconnectInterval = 30 * time.Minute
)

var (
	ErrLedgerStopped   = errors.New("ledger stopped")
	ErrUnknownLedger   = errors.New("unknown ledger")
	ErrDuplicateLedger = errors.New("ledger already registered")
)

type State string

const (
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
	Stopped      State = "stopped" // terminal until restart
)

// Reconnector re-dials a ledger and checks it is still the expected chain.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

type Config struct {
	// Consecutive transient failures tolerated before a reconnect
	TransientBudget int

	// Wait before reconnect attempt n: ReconnectBackoff * 2^(n-1), capped
	ReconnectBackoff    time.Duration
	MaxReconnectBackoff time.Duration

	// Failed reconnects in a row before the ledger is stopped
	MaxReconnectAttempts int

	// 0 disables preventive reconnects
	PreventiveReconnectInterval time.Duration
}

func (cfg *Config) setDefaults() {
	if cfg.TransientBudget <= 0 {
		cfg.TransientBudget = DefaultTransientBudget
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = DefaultReconnectBackoff
	}
	if cfg.MaxReconnectBackoff <= 0 {
		cfg.MaxReconnectBackoff = DefaultMaxReconnectBackoff
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.PreventiveReconnectInterval < 0 {
		cfg.PreventiveReconnectInterval = 0
	}
}

type ledger struct {
	name string
	rc   Reconnector

	reconnectMu sync.Mutex // one reconnect at a time

	// guarded by Supervisor.mu
	state      State
	failures   int
	reconnects int
	lastErr    error
}

// LedgerStatus is a snapshot of one ledger.
type LedgerStatus struct {
	Name       string `json:"name"`
	State      State  `json:"state"`
	Failures   int    `json:"consecutive_failures"`
	Reconnects int    `json:"reconnects"`
	LastError  string `json:"last_error,omitempty"`
}

type Supervisor struct {
	cfg *Config

	mu      sync.Mutex
	ledgers map[string]*ledger
}

func New(cfg *Config) *Supervisor {
	cfg.setDefaults()
	return &Supervisor{cfg: cfg, ledgers: map[string]*ledger{}}
}

// Register adds a ledger in state Connected.
func (s *Supervisor) Register(name string, rc Reconnector) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ledgers[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateLedger, name)
	}
	s.ledgers[name] = &ledger{name: name, rc: rc, state: Connected}
	return nil
}

// HandleFailure is called by a poller after a failed poll. It returns nil
// when the poller may continue, possibly after a reconnect, and a non-nil
// error when the ledger has been stopped.
func (s *Supervisor) HandleFailure(ctx context.Context, chain string, err error) error {
	l, lerr := s.get(chain)
	if lerr != nil {
		return lerr
	}

	class := Classify(err)
	log := logger.WithFields(logger.Fields{"chain": chain, "class": class.String()})

	s.mu.Lock()
	if l.state == Stopped {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrLedgerStopped, chain)
	}
	l.lastErr = err
	l.failures++
	failures := l.failures
	s.mu.Unlock()

	switch class {
	case Fatal:
		log.Errorf("fatal error: %v", err)
		s.stop(l, err)
		return fmt.Errorf("%w: %s: %w", ErrLedgerStopped, chain, err)
	case Transient:
		if failures < s.cfg.TransientBudget {
			log.WithField("failures", failures).Debug("transient failure")
			return nil
		}
		log.WithField("failures", failures).Warn("transient failure budget spent, reconnecting")
	case Stale:
		log.Warn("stale log filter, reconnecting")
	}

	return s.reconnect(ctx, l)
}

// ReportSuccess resets the consecutive failure counter of a ledger.
func (s *Supervisor) ReportSuccess(chain string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.ledgers[chain]; ok {
		l.failures = 0
	}
}

// Run reconnects every Connected ledger each PreventiveReconnectInterval
// until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	if s.cfg.PreventiveReconnectInterval == 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(s.cfg.PreventiveReconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, l := range s.snapshot() {
				if s.State(l.name) != Connected {
					continue
				}
				logger.WithField("chain", l.name).Info("preventive reconnect")
				if err := s.reconnect(ctx, l); err != nil && ctx.Err() == nil {
					logger.WithField("chain", l.name).Errorf("preventive reconnect failed: %v", err)
				}
			}
		}
	}
}

// Stop marks a ledger stopped. Its poller ends at the next failure report.
func (s *Supervisor) Stop(chain string) {
	if l, err := s.get(chain); err == nil {
		s.stop(l, errors.New("stopped by operator"))
	}
}

// State of a ledger, empty when unknown.
func (s *Supervisor) State(chain string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.ledgers[chain]; ok {
		return l.state
	}
	return ""
}

// Status returns a snapshot of every ledger ordered by name.
func (s *Supervisor) Status() []LedgerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]LedgerStatus, 0, len(s.ledgers))
	for _, l := range s.ledgers {
		st := LedgerStatus{Name: l.name, State: l.state, Failures: l.failures, Reconnects: l.reconnects}
		if l.lastErr != nil {
			st.LastError = l.lastErr.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Supervisor) reconnect(ctx context.Context, l *ledger) error {
	l.reconnectMu.Lock()
	defer l.reconnectMu.Unlock()

	if s.State(l.name) == Stopped {
		return fmt.Errorf("%w: %s", ErrLedgerStopped, l.name)
	}
	s.setState(l, Reconnecting)

	log := logger.WithField("chain", l.name)
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxReconnectAttempts; attempt++ {
		backoff := common.Backoff(s.cfg.ReconnectBackoff, s.cfg.MaxReconnectBackoff, attempt)
		if !common.Sleep(ctx.Done(), backoff) {
			s.setState(l, Connected)
			return ctx.Err()
		}

		err := l.rc.Reconnect(ctx)
		if err == nil {
			s.mu.Lock()
			l.state = Connected
			l.failures = 0
			l.reconnects++
			s.mu.Unlock()
			log.WithField("attempt", attempt).Info("reconnected")
			return nil
		}
		if ctx.Err() != nil {
			s.setState(l, Connected)
			return ctx.Err()
		}

		lastErr = err
		if Classify(err) == Fatal {
			log.Errorf("reconnect failed fatally: %v", err)
			s.stop(l, err)
			return fmt.Errorf("%w: %s: %w", ErrLedgerStopped, l.name, err)
		}
		log.WithField("attempt", attempt).Warnf("reconnect failed: %v", err)
	}

	s.stop(l, lastErr)
	log.Errorf("giving up after %d reconnect attempts", s.cfg.MaxReconnectAttempts)
	return fmt.Errorf("%w: %s: %d reconnect attempts: %w", ErrLedgerStopped, l.name, s.cfg.MaxReconnectAttempts, lastErr)
}

func (s *Supervisor) get(chain string) (*ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.ledgers[chain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLedger, chain)
	}
	return l, nil
}

func (s *Supervisor) snapshot() []*ledger {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*ledger, 0, len(s.ledgers))
	for _, l := range s.ledgers {
		out = append(out, l)
	}
	return out
}

func (s *Supervisor) setState(l *ledger, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.state != Stopped {
		l.state = st
	}
}

func (s *Supervisor) stop(l *ledger, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.state = Stopped
	if err != nil {
		l.lastErr = err
	}
}
