package telemetry

import (
	"sync"
	"time"
)

// EngineStats is a point-in-time view of engine state
type EngineStats struct {
	ActiveTransactions  int    `json:"active_transactions"`
	ActiveLocks         int    `json:"active_locks"`
	BlockedTransactions int    `json:"blocked_transactions"`
	CommitSequence      uint64 `json:"commit_sequence"`
	Rows                int    `json:"rows"`
	Versions            int    `json:"versions"`
	ConflictFilterSize  int    `json:"conflict_filter_size"`
}

// StatsProvider interface for components that provide stats
type StatsProvider interface {
	EngineStats() EngineStats
}

// SessionCounter reports open sessions
type SessionCounter interface {
	Count() int
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	provider StatsProvider
	sessions SessionCounter
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector. sessions may be nil.
func NewMetricsCollector(provider StatsProvider, sessions SessionCounter, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		sessions: sessions,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	UpdateEngineStats(mc.provider.EngineStats())
	if mc.sessions != nil {
		ActiveSessions.Set(float64(mc.sessions.Count()))
	}
}
