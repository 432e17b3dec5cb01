package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CredentialLoad is the current number of reserved slots per credential.
	CredentialLoad = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dialer_pool_credential_load",
			Help: "Reserved concurrent slots per credential",
		},
		[]string{"credential_id", "provider", "tier"},
	)

	CredentialCapacity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dialer_pool_credential_capacity",
			Help: "Maximum concurrent slots per credential",
		},
		[]string{"credential_id", "provider", "tier"},
	)

	// CredentialHealthy is 1 when the last probe succeeded, 0 otherwise.
	CredentialHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dialer_pool_credential_healthy",
			Help: "Result of the most recent health probe (1 healthy, 0 not)",
		},
		[]string{"credential_id"},
	)

	PoolUtilization = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dialer_pool_utilization_ratio",
			Help: "Reserved slots divided by total capacity across active credentials",
		},
	)

	Reservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_pool_reservations_total",
			Help: "Slot reservation attempts by outcome",
		},
		[]string{"result"},
	)

	Releases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_pool_releases_total",
			Help: "Slot releases by outcome",
		},
		[]string{"result"},
	)

	CapacityAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_pool_capacity_alerts_total",
			Help: "Capacity threshold notifications emitted",
		},
		[]string{"threshold"},
	)

	Migrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_migrations_total",
			Help: "Migration attempts by final status",
		},
		[]string{"status"},
	)

	MigrationResourceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dialer_migration_resource_duration_seconds",
			Help:    "Time to move one resource between credentials",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45},
		},
		[]string{"kind", "result"},
	)

	// OrphanedTargets counts resources left under a target credential by a
	// migration step that failed after creating them.
	OrphanedTargets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_migration_orphaned_targets_total",
			Help: "Target resources left behind by failed migration steps",
		},
		[]string{"kind"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_provider_errors_total",
			Help: "Provider failures by normalized kind",
		},
		[]string{"provider", "kind"},
	)

	RetryRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_retry_runs_total",
			Help: "Retry queue runs by outcome",
		},
		[]string{"outcome"},
	)

	RetryCampaigns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_retry_campaigns_total",
			Help: "Blocked campaigns processed by outcome",
		},
		[]string{"outcome"},
	)

	LedgerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_ledger_operations_total",
			Help: "Ledger operations by type and outcome",
		},
		[]string{"op", "result"},
	)

	Settlements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_billing_settlements_total",
			Help: "Call completions settled by outcome",
		},
		[]string{"result"},
	)
)
