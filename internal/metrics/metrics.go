package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline counters and histograms. Deposit metrics are partitioned by
// network; queue metrics by outcome.

var (
	// Deposit pipeline
	DepositsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "deposits",
		Name:      "processed_total",
		Help:      "Deposit processing attempts by outcome (confirmed, duplicate, failed)",
	}, []string{"network", "outcome"})

	DepositProcessingLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ledger",
		Subsystem: "deposits",
		Name:      "processing_duration_seconds",
		Help:      "End-to-end deposit processing duration",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"network"})

	TierUpgrades = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "deposits",
		Name:      "tier_upgrades_total",
		Help:      "Membership tier changes triggered by deposits",
	}, []string{"tier"})

	BelowMinimumDeposits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "deposits",
		Name:      "below_minimum_total",
		Help:      "Confirmed deposits below the configured minimum amount",
	}, []string{"network"})

	// Withdrawals
	Withdrawals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "withdrawals",
		Name:      "requests_total",
		Help:      "Withdrawal requests by outcome (accepted, insufficient_balance, duplicate_request, error)",
	}, []string{"outcome"})

	// Retry queue
	RetryEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "retry_queue",
		Name:      "enqueued_total",
		Help:      "Retry records created after a processing failure",
	})

	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "retry_queue",
		Name:      "attempts_total",
		Help:      "Retry attempts by outcome (success, rescheduled, dead_letter)",
	}, []string{"outcome"})

	DeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "retry_queue",
		Name:      "dead_letters_total",
		Help:      "Records moved to the dead-letter store",
	})

	SweepLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ledger",
		Subsystem: "retry_queue",
		Name:      "sweep_duration_seconds",
		Help:      "Retry sweep duration",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	})

	// Commission fan-out
	CommissionEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "commissions",
		Name:      "entries_total",
		Help:      "Commission entries created per referral level",
	}, []string{"level"})

	// Event boundaries
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Webhook deliveries by outcome (accepted, rejected, queued)",
	}, []string{"outcome"})

	ScannerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "scanner",
		Name:      "events_total",
		Help:      "Transfer events observed by the log scanner",
	}, []string{"network"})

	ScannerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "scanner",
		Name:      "errors_total",
		Help:      "Scan pass failures (after circuit breaker)",
	}, []string{"network"})

	// Alerting
	AlertsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "alerts",
		Name:      "sent_total",
		Help:      "Operator alerts delivered per channel",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "alerts",
		Name:      "cooldown_skipped_total",
		Help:      "Operator alerts suppressed by cooldown",
	}, []string{"channel", "type"})

	// Notifier
	NotificationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "notify",
		Name:      "failed_total",
		Help:      "Fire-and-forget notifications that could not be delivered",
	}, []string{"event"})
)
