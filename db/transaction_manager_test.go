package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/txsandbox/catalog"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []TxnEvent
}

func (r *recordingSink) Publish(ev TxnEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) types(txnID uint64) []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventType
	for _, ev := range r.events {
		if ev.TxnID == txnID {
			out = append(out, ev.Type)
		}
	}
	return out
}

func TestTxn_RollbackRestoresStoreImage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	a := seedAccount(t, e, 1, "Alice", 100)
	b := seedAccount(t, e, 2, "Bob", 50)
	before := checksum(t, e)

	txn := begin(e, ReadCommitted)
	require.NoError(t, e.Exec.Update(ctx, txn, "Accounts", a, Payload{"Balance": 10}))
	require.NoError(t, e.Exec.Delete(ctx, txn, "Accounts", b))
	_, err := e.Exec.Insert(ctx, txn, "Accounts", Payload{"AccountID": 3, "Owner": "Carol", "Balance": 5})
	require.NoError(t, err)
	require.NotEqual(t, before, checksum(t, e))

	require.NoError(t, e.Txns.Rollback(txn))
	require.Equal(t, before, checksum(t, e))
	require.Equal(t, TxnAborted, txn.State())
	require.Equal(t, 0, txn.XactState())

	// a second rollback fails and changes nothing
	require.ErrorIs(t, e.Txns.Rollback(txn), ErrTxnNotActive)
	require.Equal(t, before, checksum(t, e))

	held, _, _ := e.Locks.Stats()
	require.Zero(t, held)
	require.Zero(t, e.Txns.ActiveCount())
}

func TestTxn_SavepointTransferScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	row := seedAccount(t, e, 1, "Alice", 100)

	txn := begin(e, ReadCommitted)
	require.NoError(t, e.Exec.Update(ctx, txn, "Accounts", row, Payload{"Balance": 150}))
	require.NoError(t, e.Txns.Savepoint(txn, "S1"))
	require.NoError(t, e.Exec.Update(ctx, txn, "Accounts", row, Payload{"Balance": 200}))
	require.Equal(t, 200.0, balanceOf(t, e, txn, row))

	require.NoError(t, e.Txns.RollbackTo(txn, "S1"))
	require.Equal(t, 150.0, balanceOf(t, e, txn, row))
	require.Equal(t, TxnActive, txn.State())

	require.ErrorIs(t, e.Txns.RollbackTo(txn, "missing"), ErrSavepointNotFound)

	require.NoError(t, e.Txns.Commit(txn))
	require.Equal(t, 150.0, committedBalance(t, e, row))
}

func TestTxn_SavepointNameShadowing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	row := seedAccount(t, e, 1, "Alice", 100)

	txn := begin(e, ReadCommitted)
	require.NoError(t, e.Txns.Savepoint(txn, "A"))
	require.NoError(t, e.Exec.Update(ctx, txn, "Accounts", row, Payload{"Balance": 110}))
	require.NoError(t, e.Txns.Savepoint(txn, "A"))
	require.NoError(t, e.Exec.Update(ctx, txn, "Accounts", row, Payload{"Balance": 120}))

	require.NoError(t, e.Txns.RollbackTo(txn, "A"))
	require.Equal(t, 110.0, balanceOf(t, e, txn, row))

	// the savepoint survives its own rollback
	require.NoError(t, e.Txns.RollbackTo(txn, "A"))
	require.Equal(t, 110.0, balanceOf(t, e, txn, row))
	require.Equal(t, []string{"A", "A"}, txn.Info().Savepoints)
	require.NoError(t, e.Txns.Rollback(txn))
}

func TestTxn_SavepointReleasesLaterLocks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	a := seedAccount(t, e, 1, "Alice", 100)
	b := seedAccount(t, e, 2, "Bob", 50)

	txn := begin(e, RepeatableRead)
	balanceOf(t, e, txn, a)
	require.NoError(t, e.Txns.Savepoint(txn, "S1"))
	balanceOf(t, e, txn, b)
	require.NoError(t, e.Exec.Update(ctx, txn, "Accounts", a, Payload{"Balance": 90}))

	require.NoError(t, e.Txns.RollbackTo(txn, "S1"))
	require.True(t, e.Locks.Holds(txn.ID, RowResource("Accounts", a), LockShared))
	require.False(t, e.Locks.Holds(txn.ID, RowResource("Accounts", a), LockExclusive))
	require.False(t, e.Locks.Holds(txn.ID, RowResource("Accounts", b), LockShared))
	require.NoError(t, e.Txns.Commit(txn))
	require.Equal(t, 100.0, committedBalance(t, e, a))
}

func TestTxn_NestingCounter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	row := seedAccount(t, e, 1, "Alice", 100)

	txn := begin(e, ReadCommitted)
	require.NoError(t, e.Txns.Nest(txn))
	require.Equal(t, 2, txn.NestingLevel())
	require.NoError(t, e.Exec.Update(ctx, txn, "Accounts", row, Payload{"Balance": 300}))

	// inner commit only decrements
	require.NoError(t, e.Txns.Commit(txn))
	require.Equal(t, 1, txn.NestingLevel())
	require.Equal(t, TxnActive, txn.State())
	require.Equal(t, 100.0, committedBalance(t, e, row))

	require.NoError(t, e.Txns.Commit(txn))
	require.Equal(t, TxnCommitted, txn.State())
	require.Equal(t, 300.0, committedBalance(t, e, row))

	// rollback at any depth ends everything
	outer := begin(e, ReadCommitted)
	require.NoError(t, e.Txns.Nest(outer))
	require.NoError(t, e.Txns.Nest(outer))
	require.NoError(t, e.Exec.Update(ctx, outer, "Accounts", row, Payload{"Balance": 1}))
	require.NoError(t, e.Txns.Rollback(outer))
	require.Equal(t, TxnAborted, outer.State())
	require.Equal(t, 0, outer.NestingLevel())
	require.Equal(t, 300.0, committedBalance(t, e, row))
}

func TestTxn_CommitSequence(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	start := e.Txns.CommitSeq()

	readOnly := begin(e, ReadCommitted)
	require.NoError(t, e.Txns.Commit(readOnly))
	require.Equal(t, start+1, readOnly.CommitSeq())

	seedAccount(t, e, 1, "Alice", 100)
	require.Equal(t, start+2, e.Txns.CommitSeq())

	aborted := begin(e, ReadCommitted)
	require.NoError(t, e.Txns.Rollback(aborted))
	require.Equal(t, start+2, e.Txns.CommitSeq())

	require.ErrorIs(t, e.Txns.Commit(readOnly), ErrTxnNotActive)
}

func TestTxn_SnapshotUpdateConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	row := seedAccount(t, e, 1, "Alice", 100)

	t1 := begin(e, Snapshot)
	t2 := begin(e, Snapshot)
	require.NoError(t, e.Exec.Update(ctx, t1, "Accounts", row, Payload{"Balance": 110}))
	// SNAPSHOT writers never wait
	require.NoError(t, e.Exec.Update(ctx, t2, "Accounts", row, Payload{"Balance": 120}))

	require.NoError(t, e.Txns.Commit(t1))
	err := e.Txns.Commit(t2)
	require.Equal(t, KindUpdateConflict, KindOf(err))
	require.Equal(t, TxnAborted, t2.State())
	require.Equal(t, 110.0, committedBalance(t, e, row))
}

func TestTxn_SnapshotDisjointRowsCommit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	a := seedAccount(t, e, 1, "Alice", 100)
	b := seedAccount(t, e, 2, "Bob", 100)

	t1 := begin(e, Snapshot)
	t2 := begin(e, Snapshot)
	require.NoError(t, e.Exec.Update(ctx, t1, "Accounts", a, Payload{"Balance": 1}))
	require.NoError(t, e.Exec.Update(ctx, t2, "Accounts", b, Payload{"Balance": 2}))
	require.NoError(t, e.Txns.Commit(t1))
	require.NoError(t, e.Txns.Commit(t2))
	require.Equal(t, 1.0, committedBalance(t, e, a))
	require.Equal(t, 2.0, committedBalance(t, e, b))
}

func TestTxn_SnapshotConflictsWithLockingWriter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	row := seedAccount(t, e, 1, "Alice", 100)

	locker := begin(e, ReadCommitted)
	require.NoError(t, e.Exec.Update(ctx, locker, "Accounts", row, Payload{"Balance": 10}))

	snap := begin(e, Snapshot)
	require.NoError(t, e.Exec.Update(ctx, snap, "Accounts", row, Payload{"Balance": 20}))

	err := e.Txns.Commit(snap)
	var conflict ErrUpdateConflict
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, locker.ID, conflict.HeldByTxn)

	require.NoError(t, e.Txns.Commit(locker))
	require.Equal(t, 10.0, committedBalance(t, e, row))
}

func TestTxn_SnapshotConflictsWithRepeatableReadReader(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	row := seedAccount(t, e, 1, "Alice", 100)

	reader := begin(e, RepeatableRead)
	read := balanceOf(t, e, reader, row)
	require.True(t, e.Locks.Holds(reader.ID, RowResource("Accounts", row), LockShared))

	snap := begin(e, Snapshot)
	require.NoError(t, e.Exec.Update(ctx, snap, "Accounts", row, Payload{"Balance": 999}))

	err := e.Txns.Commit(snap)
	var conflict ErrUpdateConflict
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, reader.ID, conflict.HeldByTxn)
	require.Equal(t, TxnAborted, snap.State())

	require.NoError(t, e.Exec.Update(ctx, reader, "Accounts", row, Payload{"Balance": read + 10}))
	require.NoError(t, e.Txns.Commit(reader))
	require.Equal(t, 110.0, committedBalance(t, e, row))
}

func TestTxn_SnapshotIgnoresFinishedReadCommittedReader(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	row := seedAccount(t, e, 1, "Alice", 100)

	reader := begin(e, ReadCommitted)
	require.Equal(t, 100.0, balanceOf(t, e, reader, row))
	require.False(t, e.Locks.Holds(reader.ID, RowResource("Accounts", row), LockShared))

	snap := begin(e, Snapshot)
	require.NoError(t, e.Exec.Update(ctx, snap, "Accounts", row, Payload{"Balance": 150}))
	require.NoError(t, e.Txns.Commit(snap))
	require.Equal(t, 150.0, committedBalance(t, e, row))
	require.NoError(t, e.Txns.Commit(reader))
}

func TestTxn_SnapshotSavepointTransferScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	row := seedAccount(t, e, 5, "Eve", 100)

	txn := begin(e, Snapshot)
	require.NoError(t, e.Exec.Update(ctx, txn, "Accounts", row, Payload{"Balance": 150}))
	require.NoError(t, e.Txns.Savepoint(txn, "S1"))
	require.NoError(t, e.Exec.Update(ctx, txn, "Accounts", row, Payload{"Balance": 200}))
	require.Equal(t, 200.0, balanceOf(t, e, txn, row))

	require.NoError(t, e.Txns.RollbackTo(txn, "S1"))
	require.Equal(t, 150.0, balanceOf(t, e, txn, row))
	require.Equal(t, 100.0, committedBalance(t, e, row))

	require.NoError(t, e.Txns.Commit(txn))
	require.Equal(t, 150.0, committedBalance(t, e, row))
}

func TestTxn_SnapshotReadsItsSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	row := seedAccount(t, e, 1, "Alice", 100)

	snap := begin(e, Snapshot)
	require.Equal(t, 100.0, balanceOf(t, e, snap, row))

	writer := begin(e, ReadCommitted)
	require.NoError(t, e.Exec.Update(ctx, writer, "Accounts", row, Payload{"Balance": 200}))
	require.NoError(t, e.Txns.Commit(writer))

	require.Equal(t, 100.0, balanceOf(t, e, snap, row))

	// GC must keep what a live snapshot can see
	e.Txns.RunGC()
	require.Equal(t, 100.0, balanceOf(t, e, snap, row))
	require.NoError(t, e.Txns.Commit(snap))
}

func TestTxn_XactAbortDooms(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	row := seedAccount(t, e, 1, "Alice", 100)

	txn := e.Txns.Begin(TxnOptions{Isolation: ReadCommitted, XactAbort: true, LockTimeout: -1})
	require.NoError(t, e.Exec.Update(ctx, txn, "Accounts", row, Payload{"Balance": 90}))

	err := e.Exec.Update(ctx, txn, "Accounts", row, Payload{"Balance": -1})
	require.Equal(t, KindConstraintViolation, KindOf(err))
	require.Equal(t, TxnUncommittable, txn.State())
	require.Equal(t, -1, e.Txns.XactState(txn))

	_, _, err = e.Exec.Get(ctx, txn, "Accounts", row)
	require.Equal(t, KindTransactionDoomed, KindOf(err))
	require.Equal(t, KindTransactionDoomed, KindOf(e.Txns.Commit(txn)))
	require.Equal(t, KindTransactionDoomed, KindOf(e.Txns.Savepoint(txn, "S")))
	require.Equal(t, KindTransactionDoomed, KindOf(e.Txns.RollbackTo(txn, "S")))

	require.NoError(t, e.Txns.Rollback(txn))
	require.Equal(t, 0, txn.XactState())
	require.Equal(t, 100.0, committedBalance(t, e, row))
}

func TestTxn_StatementErrorKeepsTransaction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	row := seedAccount(t, e, 1, "Alice", 100)

	txn := begin(e, ReadCommitted)
	require.NoError(t, e.Exec.Update(ctx, txn, "Accounts", row, Payload{"Balance": 90}))
	err := e.Exec.Update(ctx, txn, "Accounts", row, Payload{"Balance": -5})
	require.Equal(t, KindConstraintViolation, KindOf(err))
	require.Equal(t, 1, txn.XactState())

	require.NoError(t, e.Txns.Commit(txn))
	require.Equal(t, 90.0, committedBalance(t, e, row))
}

func TestTxn_DeadlockVictimRolledBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sink := &recordingSink{}
	e := NewEngine(catalog.HRSystem(), EngineOptions{DetectDeadlocks: true, Events: sink})
	a := seedAccount(t, e, 1, "Alice", 100)
	b := seedAccount(t, e, 2, "Bob", 100)

	t1 := begin(e, ReadCommitted)
	t2 := begin(e, ReadCommitted)
	require.NoError(t, e.Exec.Update(ctx, t1, "Accounts", a, Payload{"Balance": 1}))
	require.NoError(t, e.Exec.Update(ctx, t2, "Accounts", b, Payload{"Balance": 2}))

	done := make(chan error, 1)
	go func() {
		done <- e.Exec.Update(ctx, t1, "Accounts", b, Payload{"Balance": 11})
	}()
	waitUntil(t, func() bool { return isWaiting(e.Locks, t1.ID) })

	err := e.Exec.Update(ctx, t2, "Accounts", a, Payload{"Balance": 22})
	require.Equal(t, KindDeadlockVictim, KindOf(err))
	require.Equal(t, TxnAborted, t2.State())
	require.Contains(t, sink.types(t2.ID), EventDeadlock)

	require.NoError(t, <-done)
	require.NoError(t, e.Txns.Commit(t1))
	require.Equal(t, 1.0, committedBalance(t, e, a))
	require.Equal(t, 11.0, committedBalance(t, e, b))
}

func TestTxn_LockTimeoutKeepsTransaction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	row := seedAccount(t, e, 1, "Alice", 100)

	holder := begin(e, ReadCommitted)
	require.NoError(t, e.Exec.Update(ctx, holder, "Accounts", row, Payload{"Balance": 1}))

	waiter := e.Txns.Begin(TxnOptions{Isolation: ReadCommitted, LockTimeout: 20 * time.Millisecond})
	err := e.Exec.Update(ctx, waiter, "Accounts", row, Payload{"Balance": 2})
	require.Equal(t, KindLockTimeout, KindOf(err))
	require.Equal(t, 1, waiter.XactState())
	require.Equal(t, 1222, KindOf(err).Number())

	require.NoError(t, e.Txns.Rollback(holder))
	require.NoError(t, e.Exec.Update(ctx, waiter, "Accounts", row, Payload{"Balance": 2}))
	require.NoError(t, e.Txns.Commit(waiter))
	require.Equal(t, 2.0, committedBalance(t, e, row))
}

func TestTxn_CancelBlockedTransaction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	row := seedAccount(t, e, 1, "Alice", 100)

	holder := begin(e, ReadCommitted)
	require.NoError(t, e.Exec.Update(ctx, holder, "Accounts", row, Payload{"Balance": 1}))

	victim := begin(e, ReadCommitted)
	other := seedAccount(t, e, 2, "Bob", 5)
	require.NoError(t, e.Exec.Update(ctx, victim, "Accounts", other, Payload{"Balance": 6}))

	done := make(chan error, 1)
	go func() {
		done <- e.Exec.Update(ctx, victim, "Accounts", row, Payload{"Balance": 2})
	}()
	waitUntil(t, func() bool { return isWaiting(e.Locks, victim.ID) })
	require.Equal(t, "ROW Accounts#1", victim.infoHeader().WaitingOn)

	require.NoError(t, e.Txns.Cancel(victim.ID))
	require.Equal(t, KindCancelled, KindOf(<-done))
	require.Equal(t, TxnAborted, victim.State())
	require.Equal(t, 5.0, committedBalance(t, e, other))

	_, exists := e.Txns.Get(victim.ID)
	require.False(t, exists)
	require.ErrorIs(t, e.Txns.Cancel(victim.ID), ErrTxnNotFound)

	require.NoError(t, e.Txns.Commit(holder))
}

func pendingInterrupt(lm *LockManager, txnID uint64) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	_, ok := lm.interrupted[txnID]
	return ok
}

func TestTxn_CancelLosesToCommit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	row := seedAccount(t, e, 1, "Alice", 100)

	txn := begin(e, ReadCommitted)
	require.NoError(t, e.Exec.Update(ctx, txn, "Accounts", row, Payload{"Balance": 150}))

	// the commit holds txn.mu while the cancel is already in flight
	txn.mu.Lock()
	done := make(chan error, 1)
	go func() { done <- e.Txns.Cancel(txn.ID) }()
	waitUntil(t, func() bool { return pendingInterrupt(e.Locks, txn.ID) })
	require.NoError(t, e.Txns.commitLocked(txn))
	txn.mu.Unlock()

	require.ErrorIs(t, <-done, ErrTxnNotActive)
	require.False(t, pendingInterrupt(e.Locks, txn.ID))
	require.Equal(t, TxnCommitted, txn.State())
	require.Equal(t, 150.0, committedBalance(t, e, row))
}

func TestTxn_GCPrunesSupersededVersions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	row := seedAccount(t, e, 1, "Alice", 100)
	gone := seedAccount(t, e, 2, "Bob", 100)

	for _, balance := range []int{200, 300, 400} {
		txn := begin(e, ReadCommitted)
		require.NoError(t, e.Exec.Update(ctx, txn, "Accounts", row, Payload{"Balance": balance}))
		require.NoError(t, e.Txns.Commit(txn))
	}
	txn := begin(e, ReadCommitted)
	require.NoError(t, e.Exec.Delete(ctx, txn, "Accounts", gone))
	require.NoError(t, e.Txns.Commit(txn))

	_, versions := e.Store.Stats()
	require.Equal(t, 6, versions)

	pruned := e.Txns.RunGC()
	require.Equal(t, 5, pruned)
	rows, versions := e.Store.Stats()
	require.Equal(t, 1, rows)
	require.Equal(t, 1, versions)
	require.Equal(t, 400.0, committedBalance(t, e, row))
	require.Equal(t, uint64(5), e.Txns.GCPruned())
	require.Zero(t, e.filter.SeqCount())
}

func TestTxn_BackgroundGC(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := NewEngine(catalog.HRSystem(), EngineOptions{GCInterval: 5 * time.Millisecond})
	row := seedAccount(t, e, 1, "Alice", 100)
	txn := begin(e, ReadCommitted)
	require.NoError(t, e.Exec.Update(ctx, txn, "Accounts", row, Payload{"Balance": 1}))
	require.NoError(t, e.Txns.Commit(txn))

	e.Start()
	defer e.Close()
	waitUntil(t, func() bool {
		_, versions := e.Store.Stats()
		return versions == 1
	})
	e.Txns.StopGarbageCollection()
	e.Txns.StopGarbageCollection()
}

func TestTxn_EventsAndActiveList(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	e := NewEngine(catalog.HRSystem(), EngineOptions{Events: sink})

	t1 := e.Txns.Begin(TxnOptions{Isolation: Serializable, Name: "audit"})
	t2 := begin(e, ReadCommitted)

	active := e.Txns.ActiveTransactions()
	require.Len(t, active, 2)
	require.Equal(t, t1.ID, active[0].ID)
	require.Equal(t, "SERIALIZABLE", active[0].Isolation)
	require.Equal(t, "audit", active[0].Name)

	require.NoError(t, e.Txns.Savepoint(t1, "S1"))
	require.NoError(t, e.Txns.RollbackTo(t1, "S1"))
	require.NoError(t, e.Txns.Commit(t1))
	require.NoError(t, e.Txns.Rollback(t2))

	require.Equal(t, []EventType{EventBegin, EventSavepoint, EventRollbackTo, EventCommit}, sink.types(t1.ID))
	require.Equal(t, []EventType{EventBegin, EventRollback}, sink.types(t2.ID))
	require.Empty(t, e.Txns.ActiveTransactions())
}
