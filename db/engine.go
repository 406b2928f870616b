package db

import (
	"fmt"
	"time"

	"github.com/maxpert/txsandbox/catalog"
	"github.com/maxpert/txsandbox/cfg"
	"github.com/maxpert/txsandbox/encoding"
	"github.com/maxpert/txsandbox/telemetry"
	"github.com/rs/zerolog/log"
)

// EngineOptions wires an Engine
type EngineOptions struct {
	DetectDeadlocks        bool
	ConflictFilterCapacity uint
	GCInterval             time.Duration
	Events                 EventSink
}

// EngineOptionsFromConfig reads options from cfg.Config
func EngineOptionsFromConfig() EngineOptions {
	return EngineOptions{
		DetectDeadlocks:        cfg.Config.Engine.DeadlockDetection,
		ConflictFilterCapacity: uint(cfg.Config.MVCC.ConflictFilterCapacity),
		GCInterval:             time.Duration(cfg.Config.MVCC.GCIntervalSeconds) * time.Second,
	}
}

// Engine is the transaction core: row store, version chains, locks,
// transactions and the statement executor over one catalog
type Engine struct {
	Store    *RowStore
	Versions *VersionChainManager
	Locks    *LockManager
	Txns     *TransactionManager
	Exec     *Executor
	Catalog  catalog.Catalog

	filter     *ConflictFilter
	gcInterval time.Duration
}

// NewEngine builds an engine over cat
func NewEngine(cat catalog.Catalog, opts EngineOptions) *Engine {
	if opts.ConflictFilterCapacity == 0 {
		opts.ConflictFilterCapacity = 1 << 16
	}

	store := NewRowStore()
	versions := NewVersionChainManager(store)
	locks := NewLockManager(opts.DetectDeadlocks)
	filter := NewConflictFilter(opts.ConflictFilterCapacity)
	txns := NewTransactionManager(store, versions, locks, filter)
	if opts.Events != nil {
		txns.SetEventSink(opts.Events)
	}

	return &Engine{
		Store:      store,
		Versions:   versions,
		Locks:      locks,
		Txns:       txns,
		Exec:       NewExecutor(txns, cat),
		Catalog:    cat,
		filter:     filter,
		gcInterval: opts.GCInterval,
	}
}

// Start launches background version GC
func (e *Engine) Start() {
	e.Txns.StartGarbageCollection(e.gcInterval)
	log.Info().
		Dur("gc_interval", e.gcInterval).
		Strs("tables", e.Catalog.Tables()).
		Msg("Engine started")
}

// Close stops background work and rolls back every live transaction
func (e *Engine) Close() {
	e.Txns.StopGarbageCollection()
	for _, info := range e.Txns.ActiveTransactions() {
		if err := e.Txns.Cancel(info.ID); err != nil {
			log.Debug().Err(err).Uint64("txn_id", info.ID).Msg("Cancel on close")
		}
	}
}

// EngineStats implements telemetry.StatsProvider
func (e *Engine) EngineStats() telemetry.EngineStats {
	held, waiting, _ := e.Locks.Stats()
	rows, versions := e.Store.Stats()
	return telemetry.EngineStats{
		ActiveTransactions:  e.Txns.ActiveCount(),
		ActiveLocks:         held,
		BlockedTransactions: waiting,
		CommitSequence:      e.Txns.CommitSeq(),
		Rows:                rows,
		Versions:            versions,
		ConflictFilterSize:  int(e.filter.Size()),
	}
}

// Stats is the admin view of engine state
type Stats struct {
	telemetry.EngineStats
	Deadlocks      uint64   `json:"deadlocks"`
	GCPruned       uint64   `json:"gc_pruned_versions"`
	Horizon        uint64   `json:"gc_horizon"`
	FilterSeqs     int      `json:"conflict_filter_commits"`
	Tables         []string `json:"tables"`
	StoreChecksum  string   `json:"store_checksum"`
	DetectDeadlock bool     `json:"deadlock_detection"`
}

// Stats collects the admin view
func (e *Engine) Stats() Stats {
	_, _, deadlocks := e.Locks.Stats()
	st := Stats{
		EngineStats:    e.EngineStats(),
		Deadlocks:      deadlocks,
		GCPruned:       e.Txns.GCPruned(),
		Horizon:        e.Txns.Horizon(),
		FilterSeqs:     e.filter.SeqCount(),
		Tables:         e.Catalog.Tables(),
		DetectDeadlock: e.Locks.detectDeadlocks,
	}
	if sum, err := e.Store.Checksum(); err == nil {
		st.StoreChecksum = fmt.Sprintf("%016x", sum)
	}
	return st
}

// CommittedRows returns the latest committed state of table outside any
// transaction, as an observer that takes no locks
func (e *Engine) CommittedRows(table string) ([]ResultRow, error) {
	t, ok := e.Catalog.Table(table)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	var out []ResultRow
	for _, rowID := range e.Store.RowIDs(t.Name) {
		if v := e.Versions.LatestCommitted(rowID); v != nil {
			out = append(out, ResultRow{RowID: rowID, Values: v.Payload.Clone()})
		}
	}
	return out, nil
}

// RowHistory returns the version chain of one row, oldest first
func (e *Engine) RowHistory(table string, rowID uint64) ([]VersionImage, error) {
	t, ok := e.Catalog.Table(table)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	if owner, ok := e.Store.TableOf(rowID); !ok || owner != t.Name {
		return nil, fmt.Errorf("%w: %s row %d", ErrRowNotFound, t.Name, rowID)
	}
	chain := e.Store.VersionChain(rowID)
	out := make([]VersionImage, len(chain))
	for i, v := range chain {
		out[i] = imageOf(v)
	}
	return out, nil
}

// Snapshot returns the zstd-compressed msgpack image of the row store
func (e *Engine) Snapshot() ([]byte, error) {
	return encoding.MarshalCompressed(e.Store.Image())
}
