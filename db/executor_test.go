package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecutor_DirtyReadPrevented(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	row := seedAccount(t, e, 1, "Alice", 100)

	writer := begin(e, ReadCommitted)
	require.NoError(t, e.Exec.Update(ctx, writer, "Accounts", row, Payload{"Balance": 999}))

	reader := begin(e, ReadCommitted)
	done := make(chan []ResultRow, 1)
	go func() {
		rows, err := e.Exec.Read(ctx, reader, "Accounts", nil)
		if err != nil {
			t.Error(err)
		}
		done <- rows
	}()
	waitUntil(t, func() bool { return isWaiting(e.Locks, reader.ID) })

	require.NoError(t, e.Txns.Rollback(writer))
	rows := <-done
	require.Len(t, rows, 1)
	require.Equal(t, 100.0, rows[0].Values["Balance"])
	require.NoError(t, e.Txns.Commit(reader))
}

func TestExecutor_ReadCommittedSeesLatestCommit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	row := seedAccount(t, e, 1, "Alice", 100)

	reader := begin(e, ReadCommitted)
	require.Equal(t, 100.0, balanceOf(t, e, reader, row))

	// READ COMMITTED holds no SHARED lock after the statement
	held, _, _ := e.Locks.Stats()
	require.Zero(t, held)

	writer := begin(e, ReadCommitted)
	require.NoError(t, e.Exec.Update(ctx, writer, "Accounts", row, Payload{"Balance": 200}))
	require.NoError(t, e.Txns.Commit(writer))

	require.Equal(t, 200.0, balanceOf(t, e, reader, row))
	require.NoError(t, e.Txns.Commit(reader))
}

func TestExecutor_RepeatableReadBlocksWriters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	row := seedAccount(t, e, 1, "Alice", 100)

	reader := begin(e, RepeatableRead)
	require.Equal(t, 100.0, balanceOf(t, e, reader, row))

	writer := e.Txns.Begin(TxnOptions{Isolation: ReadCommitted, LockTimeout: 20 * time.Millisecond})
	err := e.Exec.Update(ctx, writer, "Accounts", row, Payload{"Balance": 200})
	require.Equal(t, KindLockTimeout, KindOf(err))

	require.Equal(t, 100.0, balanceOf(t, e, reader, row))
	require.NoError(t, e.Txns.Commit(reader))

	require.NoError(t, e.Exec.Update(ctx, writer, "Accounts", row, Payload{"Balance": 200}))
	require.NoError(t, e.Txns.Commit(writer))
	require.Equal(t, 200.0, committedBalance(t, e, row))
}

func TestExecutor_RepeatableReadAllowsPhantoms(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	seedAccount(t, e, 1, "Alice", 500)
	seedAccount(t, e, 2, "Bob", 50)

	reader := begin(e, RepeatableRead)
	rows, err := e.Exec.Read(ctx, reader, "Accounts", Gt("Balance", 100))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	seedAccount(t, e, 3, "Carol", 700)

	rows, err = e.Exec.Read(ctx, reader, "Accounts", Gt("Balance", 100))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.NoError(t, e.Txns.Commit(reader))
}

func TestExecutor_SerializableBlocksPhantoms(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	seedAccount(t, e, 1, "Alice", 500)
	seedAccount(t, e, 2, "Bob", 50)

	reader := begin(e, Serializable)
	rows, err := e.Exec.Read(ctx, reader, "Accounts", Gt("Balance", 100))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	inserter := e.Txns.Begin(TxnOptions{Isolation: ReadCommitted, LockTimeout: 20 * time.Millisecond})
	_, err = e.Exec.Insert(ctx, inserter, "Accounts", Payload{"AccountID": 3, "Owner": "Carol", "Balance": 700})
	require.Equal(t, KindLockTimeout, KindOf(err))

	// outside the range is allowed
	_, err = e.Exec.Insert(ctx, inserter, "Accounts", Payload{"AccountID": 4, "Owner": "Dan", "Balance": 10})
	require.NoError(t, err)
	require.NoError(t, e.Txns.Commit(inserter))

	rows, err = e.Exec.Read(ctx, reader, "Accounts", Gt("Balance", 100))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// an update moving a row into the range is a phantom too
	mover := e.Txns.Begin(TxnOptions{Isolation: ReadCommitted, LockTimeout: 20 * time.Millisecond})
	n, err := e.Exec.UpdateWhere(ctx, mover, "Accounts", Eq("Owner", "Bob"), Payload{"Balance": 900})
	require.Equal(t, KindLockTimeout, KindOf(err))
	require.Zero(t, n)
	require.NoError(t, e.Txns.Rollback(mover))

	require.NoError(t, e.Txns.Commit(reader))
}

func TestExecutor_SerializableInsertWaitsForReader(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	seedAccount(t, e, 1, "Alice", 500)

	reader := begin(e, Serializable)
	_, err := e.Exec.Read(ctx, reader, "Accounts", Gt("Balance", 100))
	require.NoError(t, err)

	inserter := begin(e, ReadCommitted)
	done := make(chan error, 1)
	go func() {
		_, err := e.Exec.Insert(ctx, inserter, "Accounts", Payload{"AccountID": 2, "Owner": "Bob", "Balance": 800})
		done <- err
	}()
	waitUntil(t, func() bool { return isWaiting(e.Locks, inserter.ID) })

	require.NoError(t, e.Txns.Commit(reader))
	require.NoError(t, <-done)
	require.NoError(t, e.Txns.Commit(inserter))
}

func TestExecutor_StatementAtomicity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	a := seedAccount(t, e, 1, "Alice", 100)
	b := seedAccount(t, e, 2, "Bob", 100)

	txn := begin(e, ReadCommitted)
	require.NoError(t, e.Exec.Update(ctx, txn, "Accounts", a, Payload{"Owner": "Alicia"}))

	// the second row collides with the first on the key
	n, err := e.Exec.UpdateWhere(ctx, txn, "Accounts", All(), Payload{"AccountID": 9})
	require.Equal(t, KindConstraintViolation, KindOf(err))
	require.Equal(t, 547, KindOf(err).Number())
	require.Zero(t, n)

	rowA, ok, err := e.Exec.Get(ctx, txn, "Accounts", a)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, rowA.Values["AccountID"])
	require.Equal(t, "Alicia", rowA.Values["Owner"])

	// locks taken by the failed statement stay
	require.True(t, e.Locks.Holds(txn.ID, RowResource("Accounts", b), LockExclusive))

	require.NoError(t, e.Txns.Commit(txn))
}

func TestExecutor_InsertValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	seedAccount(t, e, 1, "Alice", 100)
	before := checksum(t, e)

	txn := begin(e, ReadCommitted)
	_, err := e.Exec.Insert(ctx, txn, "Accounts", Payload{"AccountID": 1, "Owner": "Dup", "Balance": 1})
	require.Equal(t, KindConstraintViolation, KindOf(err))

	_, err = e.Exec.Insert(ctx, txn, "Accounts", Payload{"AccountID": 2, "Balance": 1})
	require.Equal(t, KindConstraintViolation, KindOf(err))

	_, err = e.Exec.Insert(ctx, txn, "Accounts", Payload{"AccountID": 2, "Owner": "X", "Balance": 1, "Color": "red"})
	require.Equal(t, KindConstraintViolation, KindOf(err))

	_, err = e.Exec.Insert(ctx, txn, "Nope", Payload{"A": 1})
	require.ErrorIs(t, err, ErrUnknownTable)

	err = e.Exec.Update(ctx, txn, "Accounts", 12345, Payload{"Balance": 1})
	require.ErrorIs(t, err, ErrRowNotFound)

	// case-insensitive names are stored with their declared spelling
	rowID, err := e.Exec.Insert(ctx, txn, "accounts", Payload{"accountid": 2, "OWNER": "Bob", "balance": 5})
	require.NoError(t, err)
	row, ok, err := e.Exec.Get(ctx, txn, "Accounts", rowID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Payload{"AccountID": 2, "Owner": "Bob", "Balance": 5}, row.Values)

	require.NoError(t, e.Txns.Rollback(txn))
	require.Equal(t, before, checksum(t, e))
}

func accountIDs(t *testing.T, e *Engine) []any {
	t.Helper()
	rows, err := e.CommittedRows("Accounts")
	require.NoError(t, err)
	ids := make([]any, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.Values["AccountID"])
	}
	return ids
}

func TestExecutor_ConcurrentDuplicateInsertWaits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)

	first := begin(e, ReadCommitted)
	_, err := e.Exec.Insert(ctx, first, "Accounts", Payload{"AccountID": 7, "Owner": "First", "Balance": 1})
	require.NoError(t, err)

	second := begin(e, ReadCommitted)
	done := make(chan error, 1)
	go func() {
		_, err := e.Exec.Insert(ctx, second, "Accounts", Payload{"AccountID": 7, "Owner": "Second", "Balance": 2})
		done <- err
	}()
	waitUntil(t, func() bool { return isWaiting(e.Locks, second.ID) })
	require.Equal(t, "KEY Accounts[AccountID = 7]", second.infoHeader().WaitingOn)

	require.NoError(t, e.Txns.Commit(first))
	require.Equal(t, KindConstraintViolation, KindOf(<-done))
	require.NoError(t, e.Txns.Commit(second))

	require.Equal(t, []any{7}, accountIDs(t, e))
}

func TestExecutor_DuplicateInsertProceedsAfterRollback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)

	first := begin(e, ReadCommitted)
	_, err := e.Exec.Insert(ctx, first, "Accounts", Payload{"AccountID": 7, "Owner": "First", "Balance": 1})
	require.NoError(t, err)

	second := begin(e, ReadCommitted)
	done := make(chan error, 1)
	go func() {
		_, err := e.Exec.Insert(ctx, second, "Accounts", Payload{"AccountID": 7, "Owner": "Second", "Balance": 2})
		done <- err
	}()
	waitUntil(t, func() bool { return isWaiting(e.Locks, second.ID) })

	require.NoError(t, e.Txns.Rollback(first))
	require.NoError(t, <-done)
	require.NoError(t, e.Txns.Commit(second))

	rows, err := e.CommittedRows("Accounts")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "Second", rows[0].Values["Owner"])
}

func TestExecutor_DeleteFreesKeyAtCommit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	row := seedAccount(t, e, 7, "Old", 1)

	deleter := begin(e, ReadCommitted)
	require.NoError(t, e.Exec.Delete(ctx, deleter, "Accounts", row))

	inserter := begin(e, ReadCommitted)
	done := make(chan error, 1)
	go func() {
		_, err := e.Exec.Insert(ctx, inserter, "Accounts", Payload{"AccountID": 7, "Owner": "New", "Balance": 2})
		done <- err
	}()
	waitUntil(t, func() bool { return isWaiting(e.Locks, inserter.ID) })

	require.NoError(t, e.Txns.Commit(deleter))
	require.NoError(t, <-done)
	require.NoError(t, e.Txns.Commit(inserter))
	require.Equal(t, []any{7}, accountIDs(t, e))
}

func TestExecutor_SnapshotDuplicateInsertConflicts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)

	t1 := begin(e, Snapshot)
	t2 := begin(e, Snapshot)
	_, err := e.Exec.Insert(ctx, t1, "Accounts", Payload{"AccountID": 7, "Owner": "First", "Balance": 1})
	require.NoError(t, err)
	// SNAPSHOT writers never wait, even on a key
	_, err = e.Exec.Insert(ctx, t2, "Accounts", Payload{"AccountID": 7, "Owner": "Second", "Balance": 2})
	require.NoError(t, err)

	require.NoError(t, e.Txns.Commit(t1))
	err = e.Txns.Commit(t2)
	var conflict ErrUpdateConflict
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "AccountID = 7", conflict.Key)
	require.Equal(t, TxnAborted, t2.State())

	require.Equal(t, []any{7}, accountIDs(t, e))
}

func TestExecutor_SnapshotInsertConflictsWithLockingInserter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)

	locker := begin(e, ReadCommitted)
	_, err := e.Exec.Insert(ctx, locker, "Accounts", Payload{"AccountID": 7, "Owner": "Locker", "Balance": 1})
	require.NoError(t, err)

	snap := begin(e, Snapshot)
	_, err = e.Exec.Insert(ctx, snap, "Accounts", Payload{"AccountID": 7, "Owner": "Snap", "Balance": 2})
	require.NoError(t, err)

	err = e.Txns.Commit(snap)
	var conflict ErrUpdateConflict
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, locker.ID, conflict.HeldByTxn)

	require.NoError(t, e.Txns.Commit(locker))
	require.Equal(t, []any{7}, accountIDs(t, e))
}

func TestExecutor_InsertThenDeleteLeavesNoRow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	before := checksum(t, e)

	txn := begin(e, ReadCommitted)
	rowID, err := e.Exec.Insert(ctx, txn, "Accounts", Payload{"AccountID": 1, "Owner": "Tmp", "Balance": 1})
	require.NoError(t, err)
	require.NoError(t, e.Exec.Delete(ctx, txn, "Accounts", rowID))
	require.NoError(t, e.Txns.Commit(txn))

	require.Empty(t, e.Store.RowIDs("Accounts"))
	require.Equal(t, before, checksum(t, e))
}

func TestExecutor_DeleteWhere(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	seedEmployee(t, e, 1, "Ann", 1, nil, 9000)
	seedEmployee(t, e, 2, "Ben", 2, 1, 4000)
	seedEmployee(t, e, 3, "Cat", 2, 1, 4500)

	txn := begin(e, ReadCommitted)
	n, err := e.Exec.DeleteWhere(ctx, txn, "Employees", Eq("DepartmentID", 2))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	rows, err := e.Exec.Read(ctx, txn, "Employees", nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	n, err = e.Exec.UpdateWhere(ctx, txn, "Employees", MustLike("FirstName", "a%"), Payload{"Salary": 9500})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, e.Txns.Commit(txn))

	committed, err := e.CommittedRows("Employees")
	require.NoError(t, err)
	require.Len(t, committed, 1)
	require.Equal(t, 9500, committed[0].Values["Salary"])
}

func TestExecutor_SnapshotWritesDoNotWait(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	row := seedAccount(t, e, 1, "Alice", 100)

	locker := begin(e, ReadCommitted)
	require.NoError(t, e.Exec.Update(ctx, locker, "Accounts", row, Payload{"Balance": 10}))

	snap := begin(e, Snapshot)
	require.Equal(t, 100.0, balanceOf(t, e, snap, row))
	require.NoError(t, e.Exec.Update(ctx, snap, "Accounts", row, Payload{"Balance": 20}))
	require.Equal(t, 20.0, balanceOf(t, e, snap, row))

	require.NoError(t, e.Txns.Rollback(snap))
	require.NoError(t, e.Txns.Rollback(locker))
}

func TestExecutor_RowHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t)
	row := seedAccount(t, e, 1, "Alice", 100)

	txn := begin(e, ReadCommitted)
	require.NoError(t, e.Exec.Update(ctx, txn, "Accounts", row, Payload{"Balance": 150}))
	require.NoError(t, e.Txns.Commit(txn))

	history, err := e.RowHistory("Accounts", row)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, history[1].BeginSeq, history[0].EndSeq)
	require.Zero(t, history[1].EndSeq)

	_, err = e.RowHistory("Accounts", 999)
	require.ErrorIs(t, err, ErrRowNotFound)

	data, err := e.Snapshot()
	require.NoError(t, err)
	require.NotEmpty(t, data)
}
