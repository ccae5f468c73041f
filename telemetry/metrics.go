package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// ReconcileBuckets for a full reconciliation (probe fan-out + admin round trips)
	ReconcileBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

	// ProbeBuckets for a single host status query
	ProbeBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// PublishBuckets for sink publish latency
	PublishBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
)

// Reconciliation Metrics
var (
	// ReconcileTotal counts reconciliations by action (bootstrap, reconfigure, no_change, waiting)
	// and result (success, failed, deferred)
	ReconcileTotal CounterVec = noopCounterVec{}

	// ReconcileDurationSeconds measures reconciliation latency by action
	ReconcileDurationSeconds HistogramVec = noopHistogramVec{}

	// ReconcileConflictRetriesTotal counts retries after a version conflict
	ReconcileConflictRetriesTotal Counter = NoopStat{}

	// MembershipProbeTotal counts host probes by outcome (MEMBER, NOT_YET_MEMBER, UNREACHABLE)
	MembershipProbeTotal CounterVec = noopCounterVec{}

	// MembershipProbeSeconds measures one host status query, dial included
	MembershipProbeSeconds Histogram = NoopStat{}
)

// Replica Set Metrics
var (
	// ReplsetVersion tracks the last known configuration version per deployment
	ReplsetVersion GaugeVec = noopGaugeVec{}

	// ReplsetMembers tracks the last known member count per deployment
	ReplsetMembers GaugeVec = noopGaugeVec{}

	// TrackedDeployments tracks deployments with recent outcomes
	TrackedDeployments Gauge = NoopStat{}

	// FailingDeployments tracks deployments whose last outcome failed
	FailingDeployments Gauge = NoopStat{}
)

// Journal Metrics
var (
	// JournalEventsTotal counts journal events by sink and result (published, filtered, failed)
	JournalEventsTotal CounterVec = noopCounterVec{}

	// JournalPublishSeconds measures sink publish latency
	JournalPublishSeconds HistogramVec = noopHistogramVec{}

	// JournalBacklog tracks unpublished journal entries per sink
	JournalBacklog GaugeVec = noopGaugeVec{}
)

// Controller Metrics
var (
	// ControllerQueueDepth tracks the number of queued reconciliation keys
	ControllerQueueDepth Gauge = NoopStat{}

	// ControllerEventsTotal counts platform events by kind (pod, cluster) and type (add, update, delete)
	ControllerEventsTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Reconciliation Metrics
	ReconcileTotal = NewCounterVec(
		"reconcile_total",
		"Total reconciliations by action and result",
		[]string{"action", "result"},
	)
	ReconcileDurationSeconds = NewHistogramVec(
		"reconcile_duration_seconds",
		"Reconciliation duration in seconds",
		[]string{"action"},
		ReconcileBuckets,
	)
	ReconcileConflictRetriesTotal = NewCounter(
		"reconcile_conflict_retries_total",
		"Total reconciliation retries after a version conflict",
	)
	MembershipProbeTotal = NewCounterVec(
		"membership_probe_total",
		"Host probes by outcome",
		[]string{"outcome"},
	)
	MembershipProbeSeconds = NewHistogram(
		"membership_probe_seconds",
		"Host status query duration in seconds",
		ProbeBuckets,
	)

	// Replica Set Metrics
	ReplsetVersion = NewGaugeVec(
		"replset_version",
		"Last known replica set configuration version",
		[]string{"deployment"},
	)
	ReplsetMembers = NewGaugeVec(
		"replset_members",
		"Last known replica set member count",
		[]string{"deployment"},
	)
	TrackedDeployments = NewGauge(
		"tracked_deployments",
		"Deployments with recent reconciliation outcomes",
	)
	FailingDeployments = NewGauge(
		"failing_deployments",
		"Deployments whose last reconciliation failed",
	)

	// Journal Metrics
	JournalEventsTotal = NewCounterVec(
		"journal_events_total",
		"Journal events by sink and result",
		[]string{"sink", "result"},
	)
	JournalPublishSeconds = NewHistogramVec(
		"journal_publish_seconds",
		"Sink publish duration in seconds",
		[]string{"sink"},
		PublishBuckets,
	)
	JournalBacklog = NewGaugeVec(
		"journal_backlog",
		"Unpublished journal entries per sink",
		[]string{"sink"},
	)

	// Controller Metrics
	ControllerQueueDepth = NewGauge(
		"controller_queue_depth",
		"Number of queued reconciliation keys",
	)
	ControllerEventsTotal = NewCounterVec(
		"controller_events_total",
		"Platform events by kind and type",
		[]string{"kind", "type"},
	)
}
