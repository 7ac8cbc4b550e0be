package telemetry

// LockWaitBuckets cover sub-millisecond grants up to multi-second convoys.
var LockWaitBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10}

// Lock table metrics
var (
	// LockRequestsTotal counts lock table calls by op (acquire, promote,
	// acquire_and_release, release), kind and result (granted, queued,
	// rejected, cancelled, released)
	LockRequestsTotal CounterVec = noopCounterVec{}

	// LockWaitSeconds measures how long queued requests waited, by op
	LockWaitSeconds HistogramVec = noopHistogramVec{}

	// LockWaitingRequests tracks requests currently sitting in wait queues
	LockWaitingRequests Gauge = NoopStat{}

	// LockHeld tracks granted locks across all transactions
	LockHeld Gauge = NoopStat{}

	// LockResources tracks resources with at least one holder or waiter
	LockResources Gauge = NoopStat{}
)

// Hierarchy metrics
var (
	// LockEscalationsTotal counts escalations by target kind (S, X)
	LockEscalationsTotal CounterVec = noopCounterVec{}

	// LockPlannerActionsTotal counts actions issued by the acquisition
	// planner (acquire, promote, escalate, noop)
	LockPlannerActionsTotal CounterVec = noopCounterVec{}
)

// Workload metrics
var (
	// WorkloadTxnTotal counts synthetic transactions by result (committed, aborted)
	WorkloadTxnTotal CounterVec = noopCounterVec{}

	// WorkloadTxnSeconds measures synthetic transaction latency by result
	WorkloadTxnSeconds HistogramVec = noopHistogramVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after the registry exists.
func InitMetrics() {
	LockRequestsTotal = NewCounterVec(
		"lock_requests_total",
		"Lock table requests by operation, kind and result",
		[]string{"op", "kind", "result"},
	)
	LockWaitSeconds = NewHistogramVec(
		"lock_wait_seconds",
		"Time spent queued before a grant or cancellation",
		[]string{"op"},
		LockWaitBuckets,
	)
	LockWaitingRequests = NewGauge(
		"lock_waiting_requests",
		"Requests currently waiting in resource queues",
	)
	LockHeld = NewGauge(
		"lock_held",
		"Locks currently granted",
	)
	LockResources = NewGauge(
		"lock_resources",
		"Resources with at least one holder or waiter",
	)

	LockEscalationsTotal = NewCounterVec(
		"lock_escalations_total",
		"Escalations by target kind",
		[]string{"target"},
	)
	LockPlannerActionsTotal = NewCounterVec(
		"lock_planner_actions_total",
		"Lock actions issued by the acquisition planner",
		[]string{"action"},
	)

	WorkloadTxnTotal = NewCounterVec(
		"workload_txn_total",
		"Synthetic transactions by result",
		[]string{"result"},
	)
	WorkloadTxnSeconds = NewHistogramVec(
		"workload_txn_seconds",
		"Synthetic transaction duration in seconds",
		[]string{"result"},
		LockWaitBuckets,
	)
}

// UpdateLockTableStats pushes a lock table snapshot into the gauges.
func UpdateLockTableStats(resources, held, waiting int) {
	LockResources.Set(float64(resources))
	LockHeld.Set(float64(held))
	LockWaitingRequests.Set(float64(waiting))
}
