package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/txsandbox/catalog"
	"github.com/maxpert/txsandbox/telemetry"
	"github.com/rs/zerolog/log"
)

// Statement kinds used for metrics and logs
const (
	StmtRead      = "read"
	StmtGet       = "get"
	StmtInsert    = "insert"
	StmtWrite     = "write"
	StmtUpdate    = "update"
	StmtDelete    = "delete"
	StmtAggregate = "aggregate"
	StmtWindow    = "window"
	StmtRecursive = "recursive"
)

// ResultRow is one row returned by a read
type ResultRow struct {
	RowID  uint64  `json:"row_id"`
	Values Payload `json:"values"`
}

// Executor runs structured statements inside a transaction, applying the
// locking discipline of the transaction's isolation level
type Executor struct {
	tm      *TransactionManager
	catalog catalog.Catalog
}

// NewExecutor creates an executor validating writes against cat
func NewExecutor(tm *TransactionManager, cat catalog.Catalog) *Executor {
	return &Executor{tm: tm, catalog: cat}
}

// errSkipRow tells a row writer the row no longer qualifies
var errSkipRow = errors.New("row skipped")

// statement runs fn as one statement of txn. A failing statement undoes
// its own writes and keeps its locks; a deadlock or cancellation rolls the
// whole transaction back; with XACT_ABORT any failure dooms the transaction.
func (e *Executor) statement(txn *Transaction, kind string, fn func() error) error {
	start := time.Now()

	txn.mu.Lock()
	defer txn.mu.Unlock()

	err := txn.checkUsable()
	if err == nil {
		txn.statements++
		mark := len(txn.writes)
		if err = fn(); err != nil {
			e.failLocked(txn, mark, err)
		}
	}

	result := "ok"
	if err != nil {
		result = strings.ToLower(KindOf(err).String())
	}
	telemetry.StatementsTotal.With(kind, result).Inc()
	telemetry.StatementDurationSeconds.With(kind).Observe(time.Since(start).Seconds())
	return err
}

func (e *Executor) failLocked(txn *Transaction, mark int, err error) {
	switch KindOf(err) {
	case KindDeadlockVictim:
		e.tm.publish(EventDeadlock, txn, "", err.Error())
		e.tm.rollbackLocked(txn, "deadlock_victim")
		return
	case KindCancelled:
		e.tm.rollbackLocked(txn, "cancelled")
		return
	}

	undone := e.tm.undoWritesLocked(txn, mark)
	log.Debug().
		Uint64("txn_id", txn.ID).
		Int("versions", undone).
		Err(err).
		Msg("Statement failed")

	if txn.XactAbort {
		e.tm.doomLocked(txn, err)
	}
}

func (e *Executor) table(name string) (*catalog.Table, error) {
	t, ok := e.catalog.Table(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	return t, nil
}

// canonical rewrites column names to their declared spelling. Unknown
// columns are left as given for the catalog to reject.
func canonical(t *catalog.Table, values Payload) Payload {
	out := make(Payload, len(values))
	for k, v := range values {
		if c, ok := t.Column(k); ok {
			k = c.Name
		}
		out[k] = v
	}
	return out
}

func (e *Executor) validate(table string, values Payload) error {
	if err := e.catalog.Validate(table, values); err != nil {
		return ErrConstraintViolation{Table: table, Err: err}
	}
	return nil
}

// lock acquires req for txn, publishing what txn waits on while it waits
func (e *Executor) lock(ctx context.Context, txn *Transaction, req LockRequest, blocking bool) (LockResult, error) {
	req.Timeout = txn.LockTimeout
	label := req.Resource.String()
	txn.waitingOn.Store(&label)
	defer txn.waitingOn.Store(nil)

	return e.tm.locks.Acquire(ctx, txn.ID, req, blocking)
}

func (e *Executor) lockRange(ctx context.Context, txn *Transaction, table string, pred Predicate) error {
	if txn.Isolation != Serializable {
		return nil
	}
	_, err := e.lock(ctx, txn, LockRequest{
		Resource:  RangeResource(table, pred),
		Mode:      LockRange,
		Predicate: pred,
	}, true)
	return err
}

// Read returns the rows of table matching pred that txn may see, in row id
// order. A nil pred matches every row.
func (e *Executor) Read(ctx context.Context, txn *Transaction, table string, pred Predicate) ([]ResultRow, error) {
	var rows []ResultRow
	err := e.statement(txn, StmtRead, func() error {
		var err error
		rows, err = e.readLocked(ctx, txn, table, pred)
		return err
	})
	return rows, err
}

func (e *Executor) readLocked(ctx context.Context, txn *Transaction, table string, pred Predicate) ([]ResultRow, error) {
	t, err := e.table(table)
	if err != nil {
		return nil, err
	}
	if pred == nil {
		pred = All()
	}
	if err := e.lockRange(ctx, txn, t.Name, pred); err != nil {
		return nil, err
	}

	var out []ResultRow
	for _, rowID := range e.tm.store.RowIDs(t.Name) {
		row, ok, err := e.readRowLocked(ctx, txn, t.Name, rowID, pred)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, row)
		}
	}
	telemetry.RowsReturnedTotal.Add(float64(len(out)))
	return out, nil
}

// readRowLocked reads one row under the isolation's lock discipline. READ
// COMMITTED drops its SHARED lock as soon as the row is read; REPEATABLE READ
// and SERIALIZABLE keep it on returned rows.
func (e *Executor) readRowLocked(ctx context.Context, txn *Transaction, table string, rowID uint64, pred Predicate) (ResultRow, bool, error) {
	if !txn.Isolation.locking() {
		v := e.tm.versions.VisibleVersion(rowID, txn)
		if v == nil || !pred.Match(v.Payload) {
			return ResultRow{}, false, nil
		}
		return ResultRow{RowID: rowID, Values: v.Payload.Clone()}, true, nil
	}

	res := RowResource(table, rowID)
	held := e.tm.locks.Holds(txn.ID, res, LockShared)
	if !held {
		if _, err := e.lock(ctx, txn, LockRequest{Resource: res, Mode: LockShared}, true); err != nil {
			return ResultRow{}, false, err
		}
	}

	v := e.tm.versions.VisibleVersion(rowID, txn)
	match := v != nil && pred.Match(v.Payload)
	if !held && (txn.Isolation == ReadCommitted || !match) {
		e.tm.locks.Release(txn.ID, res)
	}
	if !match {
		return ResultRow{}, false, nil
	}
	return ResultRow{RowID: rowID, Values: v.Payload.Clone()}, true, nil
}

// Get is a point read of one row. ok is false when txn cannot see the row.
func (e *Executor) Get(ctx context.Context, txn *Transaction, table string, rowID uint64) (row ResultRow, ok bool, err error) {
	err = e.statement(txn, StmtGet, func() error {
		t, err := e.table(table)
		if err != nil {
			return err
		}
		if owner, found := e.tm.store.TableOf(rowID); !found || owner != t.Name {
			return nil
		}
		row, ok, err = e.readRowLocked(ctx, txn, t.Name, rowID, All())
		return err
	})
	return row, ok, err
}

// Insert adds a new row and returns its id
func (e *Executor) Insert(ctx context.Context, txn *Transaction, table string, values Payload) (uint64, error) {
	var rowID uint64
	err := e.statement(txn, StmtInsert, func() error {
		var err error
		rowID, err = e.insertLocked(ctx, txn, table, values)
		return err
	})
	return rowID, err
}

func (e *Executor) insertLocked(ctx context.Context, txn *Transaction, table string, values Payload) (uint64, error) {
	t, err := e.table(table)
	if err != nil {
		return 0, err
	}
	payload := canonical(t, values)
	if err := e.validate(t.Name, payload); err != nil {
		return 0, err
	}
	key := keyOf(t, payload)
	if err := e.lockKey(ctx, txn, t, key); err != nil {
		return 0, err
	}

	rowID := e.tm.store.NewRowID(t.Name)
	if err := e.checkKeyLocked(txn, t, rowID, payload); err != nil {
		e.tm.store.forgetRowID(rowID)
		return 0, err
	}

	req := LockRequest{Resource: RowResource(t.Name, rowID), Mode: LockExclusive, Images: []Payload{payload}}
	if _, err := e.lock(ctx, txn, req, txn.Isolation.locking()); err != nil {
		e.tm.store.forgetRowID(rowID)
		return 0, err
	}

	v := &RowVersion{CreatorTxnID: txn.ID, Payload: payload}
	if err := e.tm.store.AppendVersion(rowID, v); err != nil {
		return 0, err
	}
	txn.writes = append(txn.writes, writeRecord{table: t.Name, rowID: rowID, version: v, key: key})
	return rowID, nil
}

// keyOf returns the predicate selecting the primary key value of values, or
// nil when the table has no key or the value is NULL
func keyOf(t *catalog.Table, values Payload) Predicate {
	if t.Key == "" || values == nil {
		return nil
	}
	key, ok := columnValue(values, t.Key)
	if !ok || key == nil {
		return nil
	}
	return Eq(t.Key, key)
}

func sameKey(a, b Predicate) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.String() == b.String()
}

// lockKey takes the EXCLUSIVE lock on a primary key value before the
// duplicate check. Locking levels wait for the other writer to finish;
// SNAPSHOT tries once and commit validation rechecks the key.
func (e *Executor) lockKey(ctx context.Context, txn *Transaction, t *catalog.Table, key Predicate) error {
	if key == nil {
		return nil
	}
	req := LockRequest{Resource: KeyResource(t.Name, key), Mode: LockExclusive}
	_, err := e.lock(ctx, txn, req, txn.Isolation.locking())
	return err
}

// checkKeyLocked rejects a payload whose key column duplicates another row
// the writer can see
func (e *Executor) checkKeyLocked(txn *Transaction, t *catalog.Table, rowID uint64, values Payload) error {
	if t.Key == "" {
		return nil
	}
	key, ok := columnValue(values, t.Key)
	if !ok || key == nil {
		return nil
	}
	for _, other := range e.tm.store.RowIDs(t.Name) {
		if other == rowID {
			continue
		}
		base := e.tm.versions.WriteBase(other, txn)
		if base == nil {
			continue
		}
		existing, ok := columnValue(base.Payload, t.Key)
		if !ok || existing == nil {
			continue
		}
		if c, ok := CompareValues(existing, key); ok && c == 0 {
			return ErrConstraintViolation{Table: t.Name, Err: &catalog.ConstraintError{
				Table:  t.Name,
				Column: t.Key,
				Reason: fmt.Sprintf("violation of PRIMARY KEY constraint, duplicate key (%v)", key),
			}}
		}
	}
	return nil
}

// Write replaces the payload of a row
func (e *Executor) Write(ctx context.Context, txn *Transaction, table string, rowID uint64, values Payload) error {
	return e.statement(txn, StmtWrite, func() error {
		t, err := e.table(table)
		if err != nil {
			return err
		}
		replacement := canonical(t, values)
		return e.writeRowLocked(ctx, txn, t, rowID, func(Payload) (Payload, bool, error) {
			return replacement.Clone(), false, nil
		})
	})
}

// Update merges set into a row
func (e *Executor) Update(ctx context.Context, txn *Transaction, table string, rowID uint64, set Payload) error {
	return e.statement(txn, StmtUpdate, func() error {
		t, err := e.table(table)
		if err != nil {
			return err
		}
		return e.writeRowLocked(ctx, txn, t, rowID, merge(t, set))
	})
}

// Delete removes a row
func (e *Executor) Delete(ctx context.Context, txn *Transaction, table string, rowID uint64) error {
	return e.statement(txn, StmtDelete, func() error {
		t, err := e.table(table)
		if err != nil {
			return err
		}
		return e.writeRowLocked(ctx, txn, t, rowID, tombstone)
	})
}

// UpdateWhere merges set into every row matching pred and returns the
// number of rows changed. The statement is atomic.
func (e *Executor) UpdateWhere(ctx context.Context, txn *Transaction, table string, pred Predicate, set Payload) (int, error) {
	var n int
	err := e.statement(txn, StmtUpdate, func() error {
		t, err := e.table(table)
		if err != nil {
			return err
		}
		n, err = e.writeWhereLocked(ctx, txn, t, pred, merge(t, set))
		return err
	})
	return n, err
}

// DeleteWhere deletes every row matching pred and returns the number of
// rows removed. The statement is atomic.
func (e *Executor) DeleteWhere(ctx context.Context, txn *Transaction, table string, pred Predicate) (int, error) {
	var n int
	err := e.statement(txn, StmtDelete, func() error {
		t, err := e.table(table)
		if err != nil {
			return err
		}
		n, err = e.writeWhereLocked(ctx, txn, t, pred, tombstone)
		return err
	})
	return n, err
}

type rowChange func(base Payload) (next Payload, deleted bool, err error)

func merge(t *catalog.Table, set Payload) rowChange {
	set = canonical(t, set)
	return func(base Payload) (Payload, bool, error) {
		next := base.Clone()
		if next == nil {
			next = make(Payload, len(set))
		}
		for k, v := range set {
			next[k] = v
		}
		return next, false, nil
	}
}

func tombstone(Payload) (Payload, bool, error) {
	return nil, true, nil
}

func (e *Executor) writeWhereLocked(ctx context.Context, txn *Transaction, t *catalog.Table, pred Predicate, change rowChange) (int, error) {
	if pred == nil {
		pred = All()
	}
	if err := e.lockRange(ctx, txn, t.Name, pred); err != nil {
		return 0, err
	}

	var candidates []uint64
	for _, rowID := range e.tm.store.RowIDs(t.Name) {
		if base := e.tm.versions.WriteBase(rowID, txn); base != nil && pred.Match(base.Payload) {
			candidates = append(candidates, rowID)
		}
	}

	n := 0
	for _, rowID := range candidates {
		err := e.writeRowLocked(ctx, txn, t, rowID, func(base Payload) (Payload, bool, error) {
			// the row may have changed while this writer waited for its lock
			if !pred.Match(base) {
				return nil, false, errSkipRow
			}
			return change(base)
		})
		switch {
		case errors.Is(err, errSkipRow), errors.Is(err, ErrRowNotFound):
			continue
		case err != nil:
			return 0, err
		}
		n++
	}
	return n, nil
}

// writeRowLocked appends a new in-flight version of rowID computed by change.
// Locking levels wait for EXCLUSIVE before reading the base; SNAPSHOT tries
// once and leaves any conflict to commit validation.
func (e *Executor) writeRowLocked(ctx context.Context, txn *Transaction, t *catalog.Table, rowID uint64, change rowChange) error {
	if owner, ok := e.tm.store.TableOf(rowID); !ok || owner != t.Name {
		return fmt.Errorf("%w: %s row %d", ErrRowNotFound, t.Name, rowID)
	}
	res := RowResource(t.Name, rowID)

	if txn.Isolation.locking() {
		if _, err := e.lock(ctx, txn, LockRequest{Resource: res, Mode: LockExclusive}, true); err != nil {
			return err
		}
	}

	base := e.tm.versions.WriteBase(rowID, txn)
	if base == nil {
		return fmt.Errorf("%w: %s row %d", ErrRowNotFound, t.Name, rowID)
	}
	next, deleted, err := change(base.Payload)
	if err != nil {
		return err
	}
	// key is logged only when this write claims a new key value
	var key Predicate
	if !deleted {
		if err := e.validate(t.Name, next); err != nil {
			return err
		}
		key = keyOf(t, next)
	}
	// a delete or key change frees the old value for other writers
	if oldKey := keyOf(t, base.Payload); sameKey(oldKey, key) {
		key = nil
	} else {
		if err := e.lockKey(ctx, txn, t, oldKey); err != nil {
			return err
		}
		if err := e.lockKey(ctx, txn, t, key); err != nil {
			return err
		}
		if err := e.checkKeyLocked(txn, t, rowID, next); err != nil {
			return err
		}
	}

	// images let RANGE holders see both the row they had and the row to be
	req := LockRequest{Resource: res, Mode: LockExclusive, Images: []Payload{base.Payload, next}}
	if _, err := e.lock(ctx, txn, req, txn.Isolation.locking()); err != nil {
		return err
	}

	v := &RowVersion{CreatorTxnID: txn.ID, Tombstone: deleted, Payload: next}
	if err := e.tm.store.AppendVersion(rowID, v); err != nil {
		return err
	}
	txn.writes = append(txn.writes, writeRecord{table: t.Name, rowID: rowID, version: v, before: base.Payload, key: key})
	return nil
}
