package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/TEENet-io/bridge-relay/agreement"
	"github.com/TEENet-io/bridge-relay/supervisor"
)

// counters of one ledger. Source-side counters (seen, unroutable, invalid) are
// kept on the ledger that emitted the event, destination-side ones on the
// ledger that completes it.
type counters struct {
	seen       atomic.Uint64
	duplicates atomic.Uint64
	unroutable atomic.Uint64
	invalid    atomic.Uint64
	completed  atomic.Uint64
	failed     atomic.Uint64
}

// RelayState is the liveness part of a Relay.
type RelayState struct {
	mu        sync.Mutex
	running   bool
	startedAt time.Time
}

func (s *RelayState) setRunning(running bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running == running {
		return false
	}
	s.running = running
	if running {
		s.startedAt = time.Now()
	}
	return true
}

func (s *RelayState) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *RelayState) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

type LedgerStats struct {
	Name        string           `json:"name"`
	Connection  supervisor.State `json:"connection"`
	Cursor      uint64           `json:"cursor"`
	HasCursor   bool             `json:"has_cursor"`
	LastChecked uint64           `json:"last_checked"`
	EventsSeen  uint64           `json:"events_seen"`
	Duplicates  uint64           `json:"duplicates_skipped"`
	Unroutable  uint64           `json:"unroutable"`
	Invalid     uint64           `json:"invalid"`
	Completed   uint64           `json:"completions_succeeded"`
	Failed      uint64           `json:"completions_failed"`
}

type Stats struct {
	Running    bool          `json:"running"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	Uptime     string        `json:"uptime,omitempty"`
	EventsSeen uint64        `json:"events_seen"`
	Duplicates uint64        `json:"duplicates_skipped"`
	Unroutable uint64        `json:"unroutable"`
	Invalid    uint64        `json:"invalid"`
	Completed  uint64        `json:"completions_succeeded"`
	Failed     uint64        `json:"completions_failed"`
	Ledgers    []LedgerStats `json:"ledgers"`
}

func (c *counters) record(chain string, outcome agreement.Outcome) {
	switch outcome {
	case agreement.Completed:
		c.completed.Add(1)
	case agreement.Failed:
		c.failed.Add(1)
	default:
		return
	}
	Completions.WithLabelValues(chain, string(outcome)).Inc()
}
