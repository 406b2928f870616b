package db

import (
	"context"
	"testing"
	"time"

	"github.com/maxpert/txsandbox/catalog"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(catalog.HRSystem(), EngineOptions{DetectDeadlocks: true})
}

func begin(e *Engine, level IsolationLevel) *Transaction {
	return e.Txns.Begin(TxnOptions{Isolation: level, LockTimeout: -1})
}

func seedAccount(t *testing.T, e *Engine, accountID int, owner string, balance float64) uint64 {
	t.Helper()
	txn := begin(e, ReadCommitted)
	rowID, err := e.Exec.Insert(context.Background(), txn, "Accounts", Payload{
		"AccountID": accountID,
		"Owner":     owner,
		"Balance":   balance,
	})
	require.NoError(t, err)
	require.NoError(t, e.Txns.Commit(txn))
	return rowID
}

func seedEmployee(t *testing.T, e *Engine, employeeID int, first string, dept int, manager any, salary float64) uint64 {
	t.Helper()
	txn := begin(e, ReadCommitted)
	rowID, err := e.Exec.Insert(context.Background(), txn, "Employees", Payload{
		"EmployeeID":   employeeID,
		"FirstName":    first,
		"LastName":     "Test",
		"DepartmentID": dept,
		"ManagerID":    manager,
		"Salary":       salary,
	})
	require.NoError(t, err)
	require.NoError(t, e.Txns.Commit(txn))
	return rowID
}

func balanceOf(t *testing.T, e *Engine, txn *Transaction, rowID uint64) float64 {
	t.Helper()
	row, ok, err := e.Exec.Get(context.Background(), txn, "Accounts", rowID)
	require.NoError(t, err)
	require.True(t, ok, "row %d not visible", rowID)
	f, ok := catalog.ToFloat(row.Values["Balance"])
	require.True(t, ok)
	return f
}

func committedBalance(t *testing.T, e *Engine, rowID uint64) float64 {
	t.Helper()
	v := e.Versions.LatestCommitted(rowID)
	require.NotNil(t, v)
	f, ok := catalog.ToFloat(v.Payload["Balance"])
	require.True(t, ok)
	return f
}

func checksum(t *testing.T, e *Engine) uint64 {
	t.Helper()
	sum, err := e.Store.Checksum()
	require.NoError(t, err)
	return sum
}

// waitUntil polls cond until it holds or the test times out
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// isWaiting reports whether txnID has a queued lock request
func isWaiting(lm *LockManager, txnID uint64) bool {
	for _, l := range lm.Snapshot() {
		if l.Status == "WAIT" && l.TxnID == txnID {
			return true
		}
	}
	return false
}
