package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/maxpert/txsandbox/catalog"
	"github.com/maxpert/txsandbox/db"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *db.Engine) {
	t.Helper()
	e := db.NewEngine(catalog.HRSystem(), db.EngineOptions{DetectDeadlocks: true})
	t.Cleanup(e.Close)
	return NewRegistry(e), e
}

func account(id int, owner string, balance float64) db.Payload {
	return db.Payload{"AccountID": id, "Owner": owner, "Balance": balance}
}

func committedCount(t *testing.T, e *db.Engine, table string) int {
	t.Helper()
	rows, err := e.CommittedRows(table)
	require.NoError(t, err)
	return len(rows)
}

func TestAutocommitStatement(t *testing.T) {
	t.Parallel()
	r, e := newTestRegistry(t)
	s := r.Open("writer")
	ctx := context.Background()

	rowID, err := s.Insert(ctx, "Accounts", account(1, "Ann", 100))
	require.NoError(t, err)
	require.Equal(t, 0, s.TranCount())
	require.Nil(t, s.Transaction())
	require.Equal(t, 0, e.Txns.ActiveCount())

	row, ok, err := r.Open("reader").Get(ctx, "Accounts", rowID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Ann", row.Values["Owner"])
}

func TestAutocommitFailureRollsBack(t *testing.T) {
	t.Parallel()
	r, e := newTestRegistry(t)
	s := r.Open("writer")

	_, err := s.Insert(context.Background(), "Accounts", account(1, "Ann", -5))
	require.Equal(t, db.KindConstraintViolation, db.KindOf(err))
	require.Equal(t, 0, e.Txns.ActiveCount())
	require.Equal(t, 0, committedCount(t, e, "Accounts"))
}

func TestNestedCommitOnlyOutermostCounts(t *testing.T) {
	t.Parallel()
	r, e := newTestRegistry(t)
	s := r.Open("nested")
	ctx := context.Background()

	require.NoError(t, s.BeginTran("outer"))
	require.NoError(t, s.BeginTran("inner"))
	require.Equal(t, 2, s.TranCount())

	_, err := s.Insert(ctx, "Accounts", account(1, "Ann", 100))
	require.NoError(t, err)

	require.NoError(t, s.CommitTran())
	require.Equal(t, 1, s.TranCount())
	require.Equal(t, 0, committedCount(t, e, "Accounts"))

	require.NoError(t, s.CommitTran())
	require.Equal(t, 0, s.TranCount())
	require.Equal(t, 1, committedCount(t, e, "Accounts"))
}

func TestRollbackIgnoresNesting(t *testing.T) {
	t.Parallel()
	r, e := newTestRegistry(t)
	s := r.Open("nested")

	require.NoError(t, s.BeginTran(""))
	require.NoError(t, s.BeginTran(""))
	_, err := s.Insert(context.Background(), "Accounts", account(1, "Ann", 100))
	require.NoError(t, err)

	require.NoError(t, s.RollbackTran(""))
	require.Equal(t, 0, s.TranCount())
	require.Equal(t, 0, committedCount(t, e, "Accounts"))
}

func TestRollbackByTransactionName(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	s := r.Open("named")

	require.NoError(t, s.BeginTran("Transfer"))
	require.NoError(t, s.BeginTran(""))
	require.NoError(t, s.RollbackTran("transfer"))
	require.Equal(t, 0, s.TranCount())
}

func TestSaveTranPartialRollback(t *testing.T) {
	t.Parallel()
	r, e := newTestRegistry(t)
	s := r.Open("savepoints")
	ctx := context.Background()

	require.NoError(t, s.BeginTran(""))
	_, err := s.Insert(ctx, "Accounts", account(1, "Ann", 100))
	require.NoError(t, err)
	require.NoError(t, s.SaveTran("AfterFirst"))
	_, err = s.Insert(ctx, "Accounts", account(2, "Ben", 50))
	require.NoError(t, err)

	require.NoError(t, s.RollbackTran("AfterFirst"))
	require.Equal(t, 1, s.TranCount())
	require.NoError(t, s.CommitTran())

	rows, err := e.CommittedRows("Accounts")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "Ann", rows[0].Values["Owner"])

	require.ErrorIs(t, s.RollbackTran("AfterFirst"), ErrNoTransaction)
}

func TestCommitWithoutBegin(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	s := r.Open("idle")

	require.ErrorIs(t, s.CommitTran(), ErrNoTransaction)
	require.ErrorIs(t, s.RollbackTran(""), ErrNoTransaction)
	require.ErrorIs(t, s.SaveTran("sp"), ErrNoTransaction)
	require.Equal(t, 0, s.XactState())
}

func TestTryCatchRollsBack(t *testing.T) {
	t.Parallel()
	r, e := newTestRegistry(t)
	s := r.Open("try")

	err := s.Try(context.Background(), func(ctx context.Context) error {
		if err := s.BeginTran(""); err != nil {
			return err
		}
		if _, err := s.Insert(ctx, "Accounts", account(1, "Ann", 100)); err != nil {
			return err
		}
		if _, err := s.Insert(ctx, "Accounts", account(2, "Ben", -1)); err != nil {
			return err
		}
		return s.CommitTran()
	})

	var caught *CaughtError
	require.True(t, errors.As(err, &caught))
	require.Equal(t, 547, caught.Number)
	require.True(t, caught.RolledBack)
	require.Equal(t, 0, s.TranCount())
	require.Equal(t, 0, committedCount(t, e, "Accounts"))
}

func TestTrySuccess(t *testing.T) {
	t.Parallel()
	r, e := newTestRegistry(t)
	s := r.Open("try")

	err := s.Try(context.Background(), func(ctx context.Context) error {
		if err := s.BeginTran(""); err != nil {
			return err
		}
		if _, err := s.Insert(ctx, "Accounts", account(1, "Ann", 100)); err != nil {
			return err
		}
		return s.CommitTran()
	})
	require.NoError(t, err)
	require.Equal(t, 1, committedCount(t, e, "Accounts"))
}

func TestXactAbortDoomsTransaction(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	s := r.Open("strict")
	s.SetXactAbort(true)
	ctx := context.Background()

	require.NoError(t, s.BeginTran(""))
	_, err := s.Insert(ctx, "Accounts", account(1, "Ann", -1))
	require.Error(t, err)
	require.Equal(t, -1, s.XactState())

	err = s.CommitTran()
	require.Equal(t, db.KindTransactionDoomed, db.KindOf(err))
	_, err = s.Insert(ctx, "Accounts", account(2, "Ben", 1))
	require.Equal(t, db.KindTransactionDoomed, db.KindOf(err))

	require.NoError(t, s.RollbackTran(""))
	require.Equal(t, 0, s.XactState())
}

func TestStatementErrorWithoutXactAbort(t *testing.T) {
	t.Parallel()
	r, e := newTestRegistry(t)
	s := r.Open("lenient")
	ctx := context.Background()

	require.NoError(t, s.BeginTran(""))
	_, err := s.Insert(ctx, "Accounts", account(1, "Ann", 10))
	require.NoError(t, err)
	_, err = s.Insert(ctx, "Accounts", account(2, "Ben", -1))
	require.Error(t, err)
	require.Equal(t, 1, s.XactState())
	require.NoError(t, s.CommitTran())
	require.Equal(t, 1, committedCount(t, e, "Accounts"))
}

func TestSetIsolation(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	s := r.Open("iso")

	require.NoError(t, s.SetIsolation("repeatable   read"))
	require.Equal(t, db.RepeatableRead, s.Isolation())
	require.Error(t, s.SetIsolation("chaos"))
	require.Equal(t, db.RepeatableRead, s.Isolation())

	require.NoError(t, s.BeginTran(""))
	require.Equal(t, db.RepeatableRead, s.Transaction().Isolation)
	require.Equal(t, "REPEATABLE READ", s.Info().Isolation)
	require.NoError(t, s.CommitTran())
}

func TestLockTimeoutSetting(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	writer := r.Open("writer")
	reader := r.Open("reader")
	ctx := context.Background()

	rowID, err := writer.Insert(ctx, "Accounts", account(1, "Ann", 100))
	require.NoError(t, err)

	require.NoError(t, writer.BeginTran(""))
	require.NoError(t, writer.Update(ctx, "Accounts", rowID, db.Payload{"Balance": 10}))

	reader.SetLockTimeout(20)
	require.Equal(t, int64(20), reader.Info().LockTimeoutMS)
	start := time.Now()
	_, _, err = reader.Get(ctx, "Accounts", rowID)
	require.Equal(t, db.KindLockTimeout, db.KindOf(err))
	require.Equal(t, 1222, db.KindOf(err).Number())
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	require.NoError(t, writer.RollbackTran(""))
}

func TestCancelledTransactionIsForgotten(t *testing.T) {
	t.Parallel()
	r, e := newTestRegistry(t)
	s := r.Open("victim")

	require.NoError(t, s.BeginTran(""))
	txnID := s.Transaction().ID
	require.NoError(t, e.Txns.Cancel(txnID))

	require.Nil(t, s.Transaction())
	require.Equal(t, 0, s.TranCount())
	require.Equal(t, uint64(0), s.Info().TxnID)
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r, e := newTestRegistry(t)

	a := r.Open("a")
	b := r.Open("b")
	require.Equal(t, 2, r.Count())
	require.Greater(t, b.ID, a.ID)
	require.Greater(t, a.ID, uint64(50))

	got, ok := r.Get(a.ID)
	require.True(t, ok)
	require.Same(t, a, got)

	infos := r.List()
	require.Len(t, infos, 2)
	require.Equal(t, a.ID, infos[0].ID)
	require.Equal(t, "b", infos[1].Name)

	a.Close()
	require.Equal(t, 1, r.Count())
	require.ErrorIs(t, a.BeginTran(""), ErrClosed)

	require.NoError(t, b.BeginTran(""))
	require.Equal(t, 1, e.Txns.ActiveCount())
	r.CloseAll()
	require.Equal(t, 0, r.Count())
	require.Equal(t, 0, e.Txns.ActiveCount())
}
