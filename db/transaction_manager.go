package db

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/txsandbox/cfg"
	"github.com/maxpert/txsandbox/id"
	"github.com/maxpert/txsandbox/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// TxnOptions configures a new transaction
type TxnOptions struct {
	Isolation   IsolationLevel
	Name        string
	XactAbort   bool
	LockTimeout time.Duration // negative waits forever
}

// LockTimeoutFromMS converts the SET LOCK_TIMEOUT convention (-1 = forever)
func LockTimeoutFromMS(ms int) time.Duration {
	if ms < 0 {
		return -1
	}
	return time.Duration(ms) * time.Millisecond
}

// DefaultTxnOptions returns options from the engine configuration
func DefaultTxnOptions() TxnOptions {
	level, err := ParseIsolationLevel(cfg.Config.Engine.DefaultIsolation)
	if err != nil {
		level = ReadCommitted
	}
	return TxnOptions{
		Isolation:   level,
		XactAbort:   cfg.Config.Engine.XactAbort,
		LockTimeout: LockTimeoutFromMS(cfg.Config.Engine.LockTimeoutMS),
	}
}

// TransactionManager owns the transaction lifecycle and coordinates the
// version chain manager and lock manager. Commits are serialized through
// commitMu, which also guards the commit sequence.
type TransactionManager struct {
	store    *RowStore
	versions *VersionChainManager
	locks    *LockManager
	filter   *ConflictFilter
	events   EventSink

	txnIDs *id.Sequence
	active *xsync.MapOf[uint64, *Transaction]

	// beginMu orders StartSeq assignment against GC horizon computation
	beginMu  sync.Mutex
	commitMu sync.Mutex

	gcMu       sync.Mutex
	gcInterval time.Duration
	stopGC     chan struct{}
	gcRunning  bool
	gcPruned   atomic.Uint64
}

// NewTransactionManager wires a manager over the given components
func NewTransactionManager(store *RowStore, versions *VersionChainManager, locks *LockManager, filter *ConflictFilter) *TransactionManager {
	return &TransactionManager{
		store:    store,
		versions: versions,
		locks:    locks,
		filter:   filter,
		txnIDs:   id.NewSequence(0),
		active:   xsync.NewMapOf[uint64, *Transaction](),
		stopGC:   make(chan struct{}),
	}
}

// SetEventSink sets the receiver of transaction events
func (tm *TransactionManager) SetEventSink(sink EventSink) {
	tm.events = sink
}

func (tm *TransactionManager) publish(typ EventType, txn *Transaction, savepoint, detail string) {
	if tm.events == nil {
		return
	}
	tm.events.Publish(TxnEvent{
		Type:      typ,
		TxnID:     txn.ID,
		Isolation: txn.Isolation.String(),
		CommitSeq: txn.commitSeq,
		Savepoint: savepoint,
		Detail:    detail,
		At:        time.Now(),
	})
}

// Begin starts a transaction. Its StartSeq is the current commit sequence.
func (tm *TransactionManager) Begin(opts TxnOptions) *Transaction {
	if opts.Isolation == 0 {
		opts.Isolation = ReadCommitted
	}

	tm.beginMu.Lock()
	txn := newTransaction(tm.txnIDs.NextID(), opts, tm.versions.CurrentSeq())
	tm.active.Store(txn.ID, txn)
	tm.beginMu.Unlock()

	log.Debug().
		Uint64("txn_id", txn.ID).
		Str("isolation", txn.Isolation.String()).
		Uint64("start_seq", txn.StartSeq).
		Msg("Transaction begin")

	tm.publish(EventBegin, txn, "", "")
	return txn
}

// Nest handles BEGIN TRANSACTION inside an active transaction: only the
// nesting counter moves
func (tm *TransactionManager) Nest(txn *Transaction) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if err := txn.checkUsable(); err != nil {
		return err
	}
	txn.nesting++
	return nil
}

// Savepoint records the current write and lock log positions under name.
// A later savepoint with the same name shadows the earlier one.
func (tm *TransactionManager) Savepoint(txn *Transaction, name string) error {
	if name == "" {
		return fmt.Errorf("savepoint name must not be empty")
	}

	txn.mu.Lock()
	defer txn.mu.Unlock()

	if err := txn.checkUsable(); err != nil {
		return err
	}
	txn.savepoints = append(txn.savepoints, savepoint{
		name:      name,
		writeMark: len(txn.writes),
		lockMark:  tm.locks.Mark(txn.ID),
	})
	tm.publish(EventSavepoint, txn, name, "")
	return nil
}

// Commit commits txn, or only decrements the nesting counter when nested.
// A SNAPSHOT commit that lost a write-write race rolls back and returns
// ErrUpdateConflict.
func (tm *TransactionManager) Commit(txn *Transaction) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if err := txn.checkUsable(); err != nil {
		return err
	}
	if txn.nesting > 1 {
		txn.nesting--
		return nil
	}
	return tm.commitLocked(txn)
}

func (tm *TransactionManager) commitLocked(txn *Transaction) error {
	rows := txn.writtenRows()

	tm.commitMu.Lock()
	if txn.Isolation == Snapshot && len(rows) > 0 {
		if err := tm.validateSnapshotLocked(txn); err != nil {
			tm.commitMu.Unlock()

			log.Info().
				Uint64("txn_id", txn.ID).
				Err(err).
				Msg("Snapshot commit lost write-write race")

			tm.publish(EventUpdateConflict, txn, "", err.Error())
			tm.rollbackLocked(txn, "update_conflict")
			return err
		}
	}

	seq, committed := tm.versions.CommitTxn(txn.ID, rows)
	tm.filter.Add(seq, txn.rowHashes())
	tm.commitMu.Unlock()

	tm.locks.ReleaseAll(txn.ID)

	txn.commitSeq = seq
	tm.finishLocked(txn, TxnCommitted, "committed")

	log.Debug().
		Uint64("txn_id", txn.ID).
		Uint64("commit_seq", seq).
		Int("rows", committed).
		Msg("Transaction committed")

	tm.publish(EventCommit, txn, "", "")
	return nil
}

// rowHashes returns the conflict filter keys of every written row
func (t *Transaction) rowHashes() []uint64 {
	seen := make(map[uint64]struct{}, len(t.writes))
	hashes := make([]uint64, 0, len(t.writes))
	for _, w := range t.writes {
		if _, dup := seen[w.rowID]; dup {
			continue
		}
		seen[w.rowID] = struct{}{}
		hashes = append(hashes, RowHash(w.table, w.rowID))
	}
	return hashes
}

// validateSnapshotLocked rejects the commit when a written row was committed
// by someone else after StartSeq, or when a locking-level transaction still
// holds a lock covering one of the written rows. Shared locks count when
// they are held to end of transaction.
// Caller holds commitMu and txn.mu.
func (tm *TransactionManager) validateSnapshotLocked(txn *Transaction) error {
	type rowWrites struct {
		table  string
		before Payload
		after  Payload
		key    Predicate
	}
	order := make([]uint64, 0, len(txn.writes))
	byRow := make(map[uint64]*rowWrites, len(txn.writes))
	for _, w := range txn.writes {
		rw, ok := byRow[w.rowID]
		if !ok {
			rw = &rowWrites{table: w.table, before: w.before}
			byRow[w.rowID] = rw
			order = append(order, w.rowID)
		}
		rw.after = w.version.Payload
		rw.key = w.key
	}

	for _, rowID := range order {
		rw := byRow[rowID]

		if tm.filter.Check(RowHash(rw.table, rowID)) {
			telemetry.ConflictFilterChecks.With("slow_path").Inc()
			if tm.versions.HasConflict(rowID, txn.StartSeq) {
				telemetry.UpdateConflictsTotal.With("version").Inc()
				return ErrUpdateConflict{TxnID: txn.ID, Table: rw.table, RowID: rowID}
			}
			telemetry.ConflictFilterFalsePositives.Inc()
		} else {
			telemetry.ConflictFilterChecks.With("fast_path").Inc()
		}

		req := LockRequest{
			Resource: RowResource(rw.table, rowID),
			Mode:     LockExclusive,
			Images:   []Payload{rw.before, rw.after},
		}
		for _, held := range tm.locks.HeldConflicts(txn.ID, req) {
			other, ok := tm.active.Load(held.TxnID)
			if !ok || !other.Isolation.locking() {
				continue
			}
			// READ COMMITTED shared locks end with their statement
			if held.Mode == LockShared && other.Isolation == ReadCommitted {
				continue
			}
			telemetry.UpdateConflictsTotal.With("lock").Inc()
			return ErrUpdateConflict{TxnID: txn.ID, Table: rw.table, RowID: rowID, HeldByTxn: held.TxnID}
		}
	}

	// a SNAPSHOT writer never waits on a key lock, so duplicates are caught here
	for _, rowID := range order {
		rw := byRow[rowID]
		if rw.key == nil {
			continue
		}
		keyRes := KeyResource(rw.table, rw.key)
		for _, held := range tm.locks.HeldConflicts(txn.ID, LockRequest{Resource: keyRes, Mode: LockExclusive}) {
			if other, ok := tm.active.Load(held.TxnID); ok && other.Isolation.locking() {
				telemetry.UpdateConflictsTotal.With("key").Inc()
				return ErrUpdateConflict{TxnID: txn.ID, Table: rw.table, RowID: rowID, Key: keyRes.Predicate, HeldByTxn: held.TxnID}
			}
		}
		for _, other := range tm.store.RowIDs(rw.table) {
			if _, mine := byRow[other]; mine {
				continue
			}
			if v := tm.versions.LatestCommitted(other); v != nil && rw.key.Match(v.Payload) {
				telemetry.UpdateConflictsTotal.With("key").Inc()
				return ErrUpdateConflict{TxnID: txn.ID, Table: rw.table, RowID: rowID, Key: keyRes.Predicate}
			}
		}
	}
	return nil
}

// Rollback discards every in-flight write, releases all locks and aborts
// txn regardless of nesting. Valid from ACTIVE and UNCOMMITTABLE; rolling
// back a finished transaction returns ErrTxnNotActive and changes nothing.
func (tm *TransactionManager) Rollback(txn *Transaction) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	switch txn.State() {
	case TxnActive, TxnUncommittable:
	default:
		return fmt.Errorf("rollback txn %d (%s): %w", txn.ID, txn.State(), ErrTxnNotActive)
	}
	tm.rollbackLocked(txn, "rolled_back")
	return nil
}

// rollbackLocked performs a full rollback. Caller holds txn.mu.
func (tm *TransactionManager) rollbackLocked(txn *Transaction, result string) {
	discarded := tm.versions.DiscardUncommitted(txn.ID)
	for _, w := range txn.writes {
		tm.store.forgetRowID(w.rowID)
	}
	released := tm.locks.ReleaseAll(txn.ID)

	tm.finishLocked(txn, TxnAborted, result)

	log.Debug().
		Uint64("txn_id", txn.ID).
		Str("result", result).
		Int("versions", discarded).
		Int("locks", released).
		Msg("Transaction rolled back")

	tm.publish(EventRollback, txn, "", result)
}

func (tm *TransactionManager) finishLocked(txn *Transaction, state TxnState, result string) {
	txn.writes = nil
	txn.savepoints = nil
	txn.nesting = 0
	txn.setState(state)
	tm.active.Delete(txn.ID)

	telemetry.TxnTotal.With(txn.Isolation.String(), result).Inc()
	telemetry.TxnDurationSeconds.With(txn.Isolation.String()).Observe(time.Since(txn.StartedAt).Seconds())
}

// RollbackTo undoes the writes and lock acquisitions made after the latest
// savepoint called name. The savepoint itself survives; later ones are
// removed. Not allowed on an UNCOMMITTABLE transaction.
func (tm *TransactionManager) RollbackTo(txn *Transaction, name string) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if err := txn.checkUsable(); err != nil {
		return err
	}

	idx := -1
	for i := len(txn.savepoints) - 1; i >= 0; i-- {
		if txn.savepoints[i].name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("rollback to %q: %w", name, ErrSavepointNotFound)
	}

	sp := txn.savepoints[idx]
	discarded := tm.undoWritesLocked(txn, sp.writeMark)
	released := tm.locks.ReleaseSince(txn.ID, sp.lockMark)
	txn.savepoints = txn.savepoints[:idx+1]

	telemetry.SavepointRollbacksTotal.Inc()
	log.Debug().
		Uint64("txn_id", txn.ID).
		Str("savepoint", name).
		Int("versions", discarded).
		Int("locks", released).
		Msg("Rolled back to savepoint")

	tm.publish(EventRollbackTo, txn, name, "")
	return nil
}

// undoWritesLocked discards the in-flight versions logged after mark
func (tm *TransactionManager) undoWritesLocked(txn *Transaction, mark int) int {
	if mark >= len(txn.writes) {
		return 0
	}
	undone := txn.writes[mark:]
	versions := make([]*RowVersion, len(undone))
	for i, w := range undone {
		versions[i] = w.version
		tm.store.forgetRowID(w.rowID)
	}
	txn.writes = txn.writes[:mark]
	return tm.versions.DiscardVersions(versions)
}

// doomLocked moves txn to UNCOMMITTABLE. Caller holds txn.mu.
func (tm *TransactionManager) doomLocked(txn *Transaction, cause error) {
	if txn.State() != TxnActive {
		return
	}
	txn.setState(TxnUncommittable)
	txn.doomCause = cause
	telemetry.DoomedTotal.Inc()

	log.Debug().
		Uint64("txn_id", txn.ID).
		Err(cause).
		Msg("Transaction is uncommittable")

	tm.publish(EventDoomed, txn, "", cause.Error())
}

// Cancel externally kills a transaction: any lock wait is interrupted and
// the transaction is fully rolled back. A transaction that finished before
// the cancel took hold returns ErrTxnNotActive.
func (tm *TransactionManager) Cancel(txnID uint64) error {
	txn, ok := tm.active.Load(txnID)
	if !ok {
		return fmt.Errorf("cancel txn %d: %w", txnID, ErrTxnNotFound)
	}

	// interrupt before txn.mu: a blocked statement holds it while waiting
	txn.cancelled.Store(true)
	woke := tm.locks.Interrupt(txnID, ErrTxnCancelled{TxnID: txnID})

	txn.mu.Lock()
	defer txn.mu.Unlock()

	live := txn.State() == TxnActive || txn.State() == TxnUncommittable
	if !live {
		tm.locks.ClearInterrupt(txnID)
		// a woken waiter has already rolled itself back
		if !woke {
			return fmt.Errorf("cancel txn %d (%s): %w", txnID, txn.State(), ErrTxnNotActive)
		}
	}

	log.Info().Uint64("txn_id", txnID).Msg("Transaction cancelled")
	tm.publish(EventCancel, txn, "", "")
	if live {
		tm.rollbackLocked(txn, "cancelled")
	}
	return nil
}

// XactState mirrors XACT_STATE() for txn; nil means no transaction
func (tm *TransactionManager) XactState(txn *Transaction) int {
	if txn == nil {
		return 0
	}
	return txn.XactState()
}

// Get returns an active (or uncommittable) transaction
func (tm *TransactionManager) Get(txnID uint64) (*Transaction, bool) {
	return tm.active.Load(txnID)
}

// ActiveTransactions describes every live transaction, oldest first.
// It never waits on a running statement.
func (tm *TransactionManager) ActiveTransactions() []TxnInfo {
	var out []TxnInfo
	tm.active.Range(func(_ uint64, txn *Transaction) bool {
		out = append(out, txn.infoHeader())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveCount returns the number of live transactions
func (tm *TransactionManager) ActiveCount() int {
	return tm.active.Size()
}

// CommitSeq returns the current global commit sequence
func (tm *TransactionManager) CommitSeq() uint64 {
	return tm.versions.CurrentSeq()
}

// Horizon is the oldest StartSeq among live transactions, or the current
// commit sequence when none are live. No live transaction can observe a
// version superseded at or below it.
func (tm *TransactionManager) Horizon() uint64 {
	tm.beginMu.Lock()
	defer tm.beginMu.Unlock()

	horizon := tm.versions.CurrentSeq()
	tm.active.Range(func(_ uint64, txn *Transaction) bool {
		if txn.StartSeq < horizon {
			horizon = txn.StartSeq
		}
		return true
	})
	return horizon
}

// RunGC prunes unreachable versions and stale conflict filter entries
func (tm *TransactionManager) RunGC() int {
	horizon := tm.Horizon()
	pruned := tm.versions.Prune(horizon)
	filtered := tm.filter.Prune(horizon)

	tm.gcPruned.Add(uint64(pruned))
	telemetry.GCPrunedVersionsTotal.Add(float64(pruned))

	if pruned > 0 || filtered > 0 {
		log.Debug().
			Uint64("horizon", horizon).
			Int("versions", pruned).
			Int("filter_entries", filtered).
			Msg("Version GC")
	}
	return pruned
}

// GCPruned returns the number of versions removed by GC so far
func (tm *TransactionManager) GCPruned() uint64 {
	return tm.gcPruned.Load()
}

// StartGarbageCollection starts the background GC loop. A non-positive
// interval disables it.
func (tm *TransactionManager) StartGarbageCollection(interval time.Duration) {
	if interval <= 0 {
		return
	}

	tm.gcMu.Lock()
	if tm.gcRunning {
		tm.gcMu.Unlock()
		return
	}
	tm.gcRunning = true
	tm.gcInterval = interval
	tm.stopGC = make(chan struct{}) // Fresh channel for this GC cycle
	stop := tm.stopGC
	tm.gcMu.Unlock()

	go tm.gcLoop(stop)
}

// StopGarbageCollection stops the background GC. Safe to call multiple times.
func (tm *TransactionManager) StopGarbageCollection() {
	tm.gcMu.Lock()
	defer tm.gcMu.Unlock()

	if !tm.gcRunning {
		return
	}
	tm.gcRunning = false
	close(tm.stopGC)
}

func (tm *TransactionManager) gcLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(tm.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tm.RunGC()
		case <-stop:
			return
		}
	}
}
