package telemetry

// Histogram bucket definitions
var (
	// TxnBuckets for whole-transaction latency; sessions may sit idle between statements
	TxnBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30}

	// LockWaitBuckets for time spent parked on a lock queue
	LockWaitBuckets = []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30}

	// StatementBuckets for single statement execution
	StatementBuckets = []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.1}
)

// Transaction Metrics
var (
	// TxnTotal counts finished transactions by isolation and result
	// (committed, rolled_back, update_conflict, deadlock_victim, cancelled)
	TxnTotal CounterVec = noopCounterVec{}

	// TxnDurationSeconds measures begin-to-end latency by isolation
	TxnDurationSeconds HistogramVec = noopHistogramVec{}

	// SavepointRollbacksTotal counts partial rollbacks
	SavepointRollbacksTotal Counter = NoopStat{}

	// DoomedTotal counts transactions that entered UNCOMMITTABLE
	DoomedTotal Counter = NoopStat{}

	// UpdateConflictsTotal counts SNAPSHOT commit failures by cause (version, lock, key)
	UpdateConflictsTotal CounterVec = noopCounterVec{}

	// ConflictFilterChecks counts recent-commit filter checks by result (fast_path, slow_path)
	ConflictFilterChecks CounterVec = noopCounterVec{}

	// ConflictFilterFalsePositives counts filter hits where the chain showed no conflict
	ConflictFilterFalsePositives Counter = NoopStat{}
)

// Lock Metrics
var (
	// LockAcquireTotal counts lock requests by mode and result (granted, waited, conflict, timeout, deadlock)
	LockAcquireTotal CounterVec = noopCounterVec{}

	// LockWaitSeconds measures time spent waiting for a lock
	LockWaitSeconds Histogram = NoopStat{}

	// DeadlocksTotal counts detected wait-for cycles
	DeadlocksTotal Counter = NoopStat{}
)

// Statement Metrics
var (
	// StatementsTotal counts statements by kind (read, insert, write, update, delete, aggregate, window, recursive) and result
	StatementsTotal CounterVec = noopCounterVec{}

	// StatementDurationSeconds measures statement latency by kind
	StatementDurationSeconds HistogramVec = noopHistogramVec{}

	// RowsReturnedTotal counts rows produced by read statements
	RowsReturnedTotal Counter = NoopStat{}
)

// Engine state gauges, refreshed by MetricsCollector
var (
	ActiveTransactions  Gauge = NoopStat{}
	ActiveLocks         Gauge = NoopStat{}
	BlockedTransactions Gauge = NoopStat{}
	CommitSequence      Gauge = NoopStat{}
	RowsTotal           Gauge = NoopStat{}
	RowVersions         Gauge = NoopStat{}
	ConflictFilterSize  Gauge = NoopStat{}
	ActiveSessions      Gauge = NoopStat{}

	// GCPrunedVersionsTotal counts versions removed by garbage collection
	GCPrunedVersionsTotal Counter = NoopStat{}
)

// InitMetrics replaces the no-op instruments with registered ones.
// Must be called after InitializeTelemetry.
func InitMetrics() {
	TxnTotal = NewCounterVec("txn_total", "Finished transactions by isolation and result", []string{"isolation", "result"})
	TxnDurationSeconds = NewHistogramVec("txn_duration_seconds", "Transaction latency", []string{"isolation"}, TxnBuckets)
	SavepointRollbacksTotal = NewCounter("savepoint_rollbacks_total", "Rollbacks to a savepoint")
	DoomedTotal = NewCounter("doomed_total", "Transactions made uncommittable by a statement error")
	UpdateConflictsTotal = NewCounterVec("update_conflicts_total", "SNAPSHOT update conflicts by cause", []string{"cause"})
	ConflictFilterChecks = NewCounterVec("conflict_filter_checks_total", "Recent-commit filter checks by result", []string{"result"})
	ConflictFilterFalsePositives = NewCounter("conflict_filter_false_positives_total", "Filter hits with no real conflict")

	LockAcquireTotal = NewCounterVec("lock_acquire_total", "Lock requests by mode and result", []string{"mode", "result"})
	LockWaitSeconds = NewHistogramWithBuckets("lock_wait_seconds", "Time spent waiting for locks", LockWaitBuckets)
	DeadlocksTotal = NewCounter("deadlocks_total", "Detected deadlocks")

	StatementsTotal = NewCounterVec("statements_total", "Statements by kind and result", []string{"kind", "result"})
	StatementDurationSeconds = NewHistogramVec("statement_duration_seconds", "Statement latency", []string{"kind"}, StatementBuckets)
	RowsReturnedTotal = NewCounter("rows_returned_total", "Rows returned by reads")

	ActiveTransactions = NewGauge("active_transactions", "Transactions in ACTIVE or UNCOMMITTABLE state")
	ActiveLocks = NewGauge("active_locks", "Granted locks")
	BlockedTransactions = NewGauge("blocked_transactions", "Transactions waiting on a lock")
	CommitSequence = NewGauge("commit_sequence", "Current global commit sequence")
	RowsTotal = NewGauge("rows", "Rows in the row store")
	RowVersions = NewGauge("row_versions", "Row versions retained in the row store")
	ConflictFilterSize = NewGauge("conflict_filter_size", "Entries in the recent-commit filter")
	ActiveSessions = NewGauge("active_sessions", "Open client sessions")
	GCPrunedVersionsTotal = NewCounter("gc_pruned_versions_total", "Versions removed by garbage collection")
}

// UpdateEngineStats refreshes the engine state gauges
func UpdateEngineStats(s EngineStats) {
	ActiveTransactions.Set(float64(s.ActiveTransactions))
	ActiveLocks.Set(float64(s.ActiveLocks))
	BlockedTransactions.Set(float64(s.BlockedTransactions))
	CommitSequence.Set(float64(s.CommitSequence))
	RowsTotal.Set(float64(s.Rows))
	RowVersions.Set(float64(s.Versions))
	ConflictFilterSize.Set(float64(s.ConflictFilterSize))
}
