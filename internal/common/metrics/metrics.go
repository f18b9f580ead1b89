// Package metrics defines the Prometheus collectors shared by the inbox
// engine components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Writer metrics

	// MessagesWritten tracks write outcomes per inbox
	MessagesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inlet",
			Subsystem: "writer",
			Name:      "messages_written_total",
			Help:      "Total messages written per inbox",
		},
		[]string{"inbox", "outcome"}, // outcome: inserted, duplicate, error
	)

	// Worker metrics

	// MessagesProcessed tracks finalization results per inbox
	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inlet",
			Subsystem: "worker",
			Name:      "messages_processed_total",
			Help:      "Total messages finalized per inbox",
		},
		[]string{"inbox", "result"}, // result: completed, failed, retried, dead_lettered
	)

	// LeaseSize tracks the number of messages per lease
	LeaseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inlet",
			Subsystem: "worker",
			Name:      "lease_size",
			Help:      "Messages captured per lease",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		},
		[]string{"inbox"},
	)

	// HandlerDuration tracks handler invocation duration
	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inlet",
			Subsystem: "worker",
			Name:      "handler_duration_seconds",
			Help:      "Time spent in one handler invocation",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"inbox"},
	)

	// PollErrors tracks ReadAndCapture failures
	PollErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inlet",
			Subsystem: "worker",
			Name:      "poll_errors_total",
			Help:      "Total lease polls that returned an error",
		},
		[]string{"inbox"},
	)

	// LockExtensions tracks lock extender ticks
	LockExtensions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inlet",
			Subsystem: "worker",
			Name:      "lock_extensions_total",
			Help:      "Total lock extension ticks",
		},
		[]string{"inbox", "result"}, // result: ok, partial, error
	)

	// Storage health metrics, set by the health probe

	// PendingMessages is the current pending backlog
	PendingMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "inlet",
			Subsystem: "inbox",
			Name:      "pending_messages",
			Help:      "Messages waiting to be leased",
		},
		[]string{"inbox"},
	)

	// CapturedMessages is the current in-flight count
	CapturedMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "inlet",
			Subsystem: "inbox",
			Name:      "captured_messages",
			Help:      "Messages currently leased by workers",
		},
		[]string{"inbox"},
	)

	// DeadLetteredMessages is the dead-letter queue depth
	DeadLetteredMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "inlet",
			Subsystem: "inbox",
			Name:      "dead_letter_messages",
			Help:      "Messages retained in the dead-letter namespace",
		},
		[]string{"inbox"},
	)

	// OldestPendingAge is the age of the oldest pending message
	OldestPendingAge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "inlet",
			Subsystem: "inbox",
			Name:      "oldest_pending_age_seconds",
			Help:      "Age of the oldest pending message",
		},
		[]string{"inbox"},
	)

	// Cleanup metrics

	// CleanupDeleted tracks rows removed by the cleanup loops
	CleanupDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inlet",
			Subsystem: "cleanup",
			Name:      "deleted_total",
			Help:      "Records removed by cleanup tasks",
		},
		[]string{"inbox", "task"}, // task: dedup, dead_letters, group_locks
	)

	// CleanupErrors tracks cleanup loop failures
	CleanupErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inlet",
			Subsystem: "cleanup",
			Name:      "errors_total",
			Help:      "Cleanup rounds that failed",
		},
		[]string{"inbox", "task"},
	)

	// PollBreakerState tracks the poll-path circuit breaker state
	// 0 = closed (healthy), 1 = half-open (testing), 2 = open (tripped)
	PollBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "inlet",
			Subsystem: "worker",
			Name:      "poll_breaker_state",
			Help:      "Poll circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"inbox"},
	)
)
