package db

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/txsandbox/cfg"
)

// IsolationLevel is one of the four supported isolation contracts
type IsolationLevel int

const (
	ReadCommitted IsolationLevel = iota + 1
	RepeatableRead
	Snapshot
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadCommitted:
		return cfg.IsolationReadCommitted
	case RepeatableRead:
		return cfg.IsolationRepeatableRead
	case Snapshot:
		return cfg.IsolationSnapshot
	case Serializable:
		return cfg.IsolationSerializable
	}
	return "UNKNOWN"
}

// locking reports whether the level uses locks for reads and blocking writes
func (l IsolationLevel) locking() bool {
	return l != Snapshot
}

// ParseIsolationLevel accepts the SQL names, case and spacing insensitive
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	name, ok := cfg.NormalizeIsolation(s)
	if !ok {
		return 0, fmt.Errorf("unknown isolation level %q", s)
	}
	switch name {
	case cfg.IsolationRepeatableRead:
		return RepeatableRead, nil
	case cfg.IsolationSnapshot:
		return Snapshot, nil
	case cfg.IsolationSerializable:
		return Serializable, nil
	}
	return ReadCommitted, nil
}

// TxnState is the lifecycle state of a transaction
type TxnState int32

const (
	TxnActive TxnState = iota + 1
	TxnCommitted
	TxnAborted
	TxnUncommittable
)

func (s TxnState) String() string {
	switch s {
	case TxnActive:
		return "ACTIVE"
	case TxnCommitted:
		return "COMMITTED"
	case TxnAborted:
		return "ABORTED"
	case TxnUncommittable:
		return "UNCOMMITTABLE"
	}
	return "UNKNOWN"
}

// writeRecord is one entry of the transaction write log
type writeRecord struct {
	table   string
	rowID   uint64
	version *RowVersion // the in-flight version as stored in the chain
	before  Payload     // image replaced by this write, nil for inserts
	key     Predicate   // primary key value this write claims, nil when unchanged or absent
}

type savepoint struct {
	name      string
	writeMark int
	lockMark  int
}

// Transaction is a unit of work. It is owned by one session; mu is held for
// the duration of every statement and lifecycle call.
type Transaction struct {
	ID          uint64
	Name        string
	Isolation   IsolationLevel
	StartSeq    uint64
	StartedAt   time.Time
	XactAbort   bool
	LockTimeout time.Duration // negative waits forever

	mu         sync.Mutex
	state      atomic.Int32
	nesting    int
	writes     []writeRecord
	savepoints []savepoint
	pins       map[uint64]uint64 // REPEATABLE READ: row id -> commit seq of first read
	commitSeq  uint64
	statements int
	doomCause  error

	cancelled atomic.Bool
	waitingOn atomic.Pointer[string]
}

func newTransaction(id uint64, opts TxnOptions, startSeq uint64) *Transaction {
	txn := &Transaction{
		ID:          id,
		Name:        opts.Name,
		Isolation:   opts.Isolation,
		StartSeq:    startSeq,
		StartedAt:   time.Now(),
		XactAbort:   opts.XactAbort,
		LockTimeout: opts.LockTimeout,
		nesting:     1,
		pins:        make(map[uint64]uint64),
	}
	txn.state.Store(int32(TxnActive))
	return txn
}

// State returns the current state. Safe from any goroutine.
func (t *Transaction) State() TxnState {
	return TxnState(t.state.Load())
}

func (t *Transaction) setState(s TxnState) {
	t.state.Store(int32(s))
}

// NestingLevel returns the @@TRANCOUNT contribution of this transaction
func (t *Transaction) NestingLevel() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nesting
}

// CommitSeq returns the sequence assigned at commit, 0 before
func (t *Transaction) CommitSeq() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commitSeq
}

// XactState mirrors XACT_STATE(): 1 committable, -1 uncommittable, 0 no
// active transaction.
func (t *Transaction) XactState() int {
	switch t.State() {
	case TxnActive:
		return 1
	case TxnUncommittable:
		return -1
	}
	return 0
}

// checkUsable rejects operations on doomed or finished transactions.
// Caller holds t.mu.
func (t *Transaction) checkUsable() error {
	if t.cancelled.Load() {
		return ErrTxnCancelled{TxnID: t.ID}
	}
	switch t.State() {
	case TxnActive:
		return nil
	case TxnUncommittable:
		return ErrTransactionDoomed{TxnID: t.ID}
	}
	return fmt.Errorf("txn %d is %s: %w", t.ID, t.State(), ErrTxnNotActive)
}

// writtenRows returns the distinct row ids in write-log order
func (t *Transaction) writtenRows() []uint64 {
	seen := make(map[uint64]struct{}, len(t.writes))
	rows := make([]uint64, 0, len(t.writes))
	for _, w := range t.writes {
		if _, dup := seen[w.rowID]; dup {
			continue
		}
		seen[w.rowID] = struct{}{}
		rows = append(rows, w.rowID)
	}
	return rows
}

// TxnInfo is a point-in-time description of a transaction
type TxnInfo struct {
	ID         uint64    `json:"txn_id"`
	Name       string    `json:"name,omitempty"`
	Isolation  string    `json:"isolation"`
	State      string    `json:"state"`
	StartSeq   uint64    `json:"start_seq"`
	StartedAt  time.Time `json:"started_at"`
	XactAbort  bool      `json:"xact_abort"`
	WaitingOn  string    `json:"waiting_on,omitempty"`
	Nesting    int       `json:"nesting"`
	Writes     int       `json:"writes"`
	Savepoints []string  `json:"savepoints,omitempty"`
	Statements int       `json:"statements"`
	Busy       bool      `json:"busy,omitempty"`
}

// Info describes the transaction. It waits for any running statement.
func (t *Transaction) Info() TxnInfo {
	info := t.infoHeader()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.describeLocked(&info)
	return info
}

// Describe is Info without waiting: while a statement runs only the header
// fields are filled and Busy is set
func (t *Transaction) Describe() TxnInfo {
	info := t.infoHeader()
	if !t.mu.TryLock() {
		info.Busy = true
		return info
	}
	defer t.mu.Unlock()
	t.describeLocked(&info)
	return info
}

func (t *Transaction) describeLocked(info *TxnInfo) {
	info.Nesting = t.nesting
	info.Writes = len(t.writes)
	info.Statements = t.statements
	for _, sp := range t.savepoints {
		info.Savepoints = append(info.Savepoints, sp.name)
	}
}

// infoHeader returns the fields readable without t.mu, so admin listings
// never wait behind a blocked statement
func (t *Transaction) infoHeader() TxnInfo {
	info := TxnInfo{
		ID:        t.ID,
		Name:      t.Name,
		Isolation: t.Isolation.String(),
		State:     t.State().String(),
		StartSeq:  t.StartSeq,
		StartedAt: t.StartedAt,
		XactAbort: t.XactAbort,
	}
	if w := t.waitingOn.Load(); w != nil {
		info.WaitingOn = *w
	}
	return info
}
