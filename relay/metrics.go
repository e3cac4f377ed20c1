package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsSeen counts settled deliveries per source chain: accepted,
	// duplicate, unroutable or invalid. Failed dispatches are not counted.
	EventsSeen = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_seen_total",
			Help: "Total number of bridge event deliveries settled by the relay",
		},
		[]string{"chain"},
	)

	// DuplicatesSkipped counts redelivered events per destination chain
	DuplicatesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_duplicates_skipped_total",
			Help: "Total number of events skipped because their correlation id was already processed",
		},
		[]string{"chain"},
	)

	// Unroutable counts events whose destination matches no ledger, per source chain
	Unroutable = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_unroutable_total",
			Help: "Total number of events with an unknown destination",
		},
		[]string{"chain"},
	)

	// InvalidEvents counts events dropped because they cannot be completed, per source chain
	InvalidEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_invalid_events_total",
			Help: "Total number of events with a zero amount or correlation id",
		},
		[]string{"chain"},
	)

	// Completions counts finished executions per destination chain and outcome
	Completions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_completions_total",
			Help: "Total number of completion executions by outcome",
		},
		[]string{"chain", "outcome"},
	)

	// CursorBlock is the last fully scanned block per chain
	CursorBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_cursor_block",
			Help: "Last block fully scanned by the poller",
		},
		[]string{"chain"},
	)

	// LedgerUp is 1 while the chain connection is usable
	LedgerUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_ledger_up",
			Help: "1 when the ledger connection is usable, 0 otherwise",
		},
		[]string{"chain"},
	)
)
