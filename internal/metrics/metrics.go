package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts requests served by the status API.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// CyclesTotal counts block cycles by outcome (ok/failed).
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_cycles_total",
			Help: "Total number of block cycles run.",
		},
		[]string{"status"},
	)

	// CycleDuration observes how long one evaluate+dispatch pass takes.
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keeper_cycle_duration_seconds",
			Help:    "Duration of one evaluate and dispatch pass.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// BlockHeight is the last block a cycle ran for.
	BlockHeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_block_height",
			Help: "Height of the last block processed.",
		},
	)

	// SkippedBlocksTotal counts notifications dropped in favour of a newer block.
	SkippedBlocksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_skipped_blocks_total",
			Help: "Block notifications skipped because a newer block was already queued.",
		},
	)

	// UnsupportedJobsTotal counts registry entries skipped because their id
	// does not fit into 64 bits.
	UnsupportedJobsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_unsupported_jobs_total",
			Help: "Registry entries skipped because their id is out of range.",
		},
	)

	// WorkableJobs is the number of workable jobs found in the last cycle.
	WorkableJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_workable_jobs",
			Help: "Workable jobs found in the last cycle.",
		},
	)

	// SubmissionsTotal counts work transactions by outcome (submitted/failed/skipped).
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_submissions_total",
			Help: "Total number of work transaction submissions.",
		},
		[]string{"status"},
	)

	// SettlementsTotal counts settled work transactions by outcome (success/failed).
	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_settlements_total",
			Help: "Total number of settled work transactions.",
		},
		[]string{"status"},
	)

	// InFlightJobs is the number of jobs with an outstanding work transaction.
	InFlightJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_in_flight_jobs",
			Help: "Jobs with an outstanding work transaction.",
		},
	)

	// HistoryPrunedTotal counts execution records removed by retention.
	HistoryPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_history_pruned_total",
			Help: "Execution records deleted by the retention job.",
		},
	)

	// IsLeader is 1 while this node runs the block loop as leader.
	IsLeader = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "is_leader",
			Help: "Is this node currently the leader. 1 if leader, 0 otherwise.",
		},
		[]string{"node_id"},
	)
)
