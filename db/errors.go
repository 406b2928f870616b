package db

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies engine errors surfaced to callers
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindLockTimeout
	KindDeadlockVictim
	KindUpdateConflict
	KindConstraintViolation
	KindTransactionDoomed
	KindCancelled
	KindOther
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "NONE"
	case KindLockTimeout:
		return "LOCK_TIMEOUT"
	case KindDeadlockVictim:
		return "DEADLOCK_VICTIM"
	case KindUpdateConflict:
		return "UPDATE_CONFLICT"
	case KindConstraintViolation:
		return "CONSTRAINT_VIOLATION"
	case KindTransactionDoomed:
		return "TRANSACTION_DOOMED"
	case KindCancelled:
		return "CANCELLED"
	}
	return "ERROR"
}

// Number returns the SQL Server error number the tutorials show for this kind
func (k ErrorKind) Number() int {
	switch k {
	case KindLockTimeout:
		return 1222
	case KindDeadlockVictim:
		return 1205
	case KindUpdateConflict:
		return 3960
	case KindConstraintViolation:
		return 547
	case KindTransactionDoomed:
		return 3930
	case KindCancelled:
		return 3980
	}
	return 50000
}

// Sentinel errors
var (
	ErrTxnNotActive      = errors.New("transaction is not active")
	ErrTxnNotFound       = errors.New("transaction not found")
	ErrSavepointNotFound = errors.New("savepoint not found")
	ErrRowNotFound       = errors.New("row not found")
	ErrUnknownTable      = errors.New("unknown table")
	ErrMaxRecursion      = errors.New("maximum recursion exhausted before statement completion")
)

// ErrLockTimeout is returned when a blocking lock request exceeds the lock timeout
type ErrLockTimeout struct {
	TxnID    uint64
	Resource string
	Timeout  time.Duration
}

func (e ErrLockTimeout) Error() string {
	return fmt.Sprintf("lock request time out period exceeded: txn %d waiting for %s (%s)", e.TxnID, e.Resource, e.Timeout)
}

// ErrDeadlockVictim is returned to the transaction chosen to break a wait-for cycle.
// The transaction has already been rolled back when the error reaches the caller.
type ErrDeadlockVictim struct {
	TxnID uint64
	Cycle []uint64
}

func (e ErrDeadlockVictim) Error() string {
	return fmt.Sprintf("transaction %d was deadlocked on lock resources with %v and has been chosen as the deadlock victim", e.TxnID, e.Cycle)
}

// ErrUpdateConflict is returned when a SNAPSHOT commit loses a write-write race.
// The transaction is ABORTED when the error reaches the caller.
type ErrUpdateConflict struct {
	TxnID     uint64
	Table     string
	RowID     uint64
	HeldByTxn uint64 // non-zero when the conflict is a lock held by a locking-level transaction
	Key       string // set when another writer took the same primary key value
}

func (e ErrUpdateConflict) Error() string {
	if e.Key != "" {
		if e.HeldByTxn != 0 {
			return fmt.Sprintf("snapshot update conflict: txn %d, %s key %s is locked by txn %d", e.TxnID, e.Table, e.Key, e.HeldByTxn)
		}
		return fmt.Sprintf("snapshot update conflict: txn %d, %s key %s was committed after the snapshot began", e.TxnID, e.Table, e.Key)
	}
	if e.HeldByTxn != 0 {
		return fmt.Sprintf("snapshot update conflict: txn %d, %s row %d is locked by txn %d", e.TxnID, e.Table, e.RowID, e.HeldByTxn)
	}
	return fmt.Sprintf("snapshot update conflict: txn %d, %s row %d was modified after the snapshot began", e.TxnID, e.Table, e.RowID)
}

// ErrConstraintViolation wraps a catalog rejection
type ErrConstraintViolation struct {
	Table string
	Err   error
}

func (e ErrConstraintViolation) Error() string {
	return e.Err.Error()
}

func (e ErrConstraintViolation) Unwrap() error {
	return e.Err
}

// ErrTransactionDoomed is returned for any operation other than a full
// rollback on an UNCOMMITTABLE transaction
type ErrTransactionDoomed struct {
	TxnID uint64
}

func (e ErrTransactionDoomed) Error() string {
	return fmt.Sprintf("transaction %d is uncommittable and must be rolled back", e.TxnID)
}

// ErrTxnCancelled is returned to statements of a transaction killed from outside
type ErrTxnCancelled struct {
	TxnID uint64
}

func (e ErrTxnCancelled) Error() string {
	return fmt.Sprintf("transaction %d was cancelled", e.TxnID)
}

// KindOf classifies err. nil maps to KindNone.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var (
		timeout   ErrLockTimeout
		deadlock  ErrDeadlockVictim
		conflict  ErrUpdateConflict
		violation ErrConstraintViolation
		doomed    ErrTransactionDoomed
		cancelled ErrTxnCancelled
	)
	switch {
	case errors.As(err, &timeout):
		return KindLockTimeout
	case errors.As(err, &deadlock):
		return KindDeadlockVictim
	case errors.As(err, &conflict):
		return KindUpdateConflict
	case errors.As(err, &violation):
		return KindConstraintViolation
	case errors.As(err, &doomed):
		return KindTransactionDoomed
	case errors.As(err, &cancelled):
		return KindCancelled
	}
	return KindOther
}
