package session

import (
	"context"
	"errors"

	"github.com/maxpert/txsandbox/db"
	"github.com/rs/zerolog/log"
)

// autocommit runs fn in the open transaction, or in a single-statement
// transaction that commits on success and rolls back on failure
func autocommit[T any](s *Session, fn func(txn *db.Transaction) (T, error)) (T, error) {
	if txn := s.current(); txn != nil {
		res, err := fn(txn)
		if err != nil {
			s.current()
		}
		return res, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		var zero T
		return zero, ErrClosed
	}
	txn := s.engine.Txns.Begin(s.options(""))
	s.mu.Unlock()

	res, err := fn(txn)
	if err != nil {
		if rbErr := s.engine.Txns.Rollback(txn); rbErr != nil && !errors.Is(rbErr, db.ErrTxnNotActive) {
			log.Warn().Err(rbErr).Uint64("txn_id", txn.ID).Msg("Autocommit rollback failed")
		}
		return res, err
	}
	if err := s.engine.Txns.Commit(txn); err != nil {
		return res, err
	}
	return res, nil
}

// Select reads the rows of table matching pred
func (s *Session) Select(ctx context.Context, table string, pred db.Predicate) ([]db.ResultRow, error) {
	return autocommit(s, func(txn *db.Transaction) ([]db.ResultRow, error) {
		return s.engine.Exec.Read(ctx, txn, table, pred)
	})
}

// Get reads one row by id
func (s *Session) Get(ctx context.Context, table string, rowID uint64) (db.ResultRow, bool, error) {
	type found struct {
		row db.ResultRow
		ok  bool
	}
	res, err := autocommit(s, func(txn *db.Transaction) (found, error) {
		row, ok, err := s.engine.Exec.Get(ctx, txn, table, rowID)
		return found{row, ok}, err
	})
	return res.row, res.ok, err
}

// Insert adds a row and returns its id
func (s *Session) Insert(ctx context.Context, table string, values db.Payload) (uint64, error) {
	return autocommit(s, func(txn *db.Transaction) (uint64, error) {
		return s.engine.Exec.Insert(ctx, txn, table, values)
	})
}

// Update merges set into one row
func (s *Session) Update(ctx context.Context, table string, rowID uint64, set db.Payload) error {
	_, err := autocommit(s, func(txn *db.Transaction) (struct{}, error) {
		return struct{}{}, s.engine.Exec.Update(ctx, txn, table, rowID, set)
	})
	return err
}

// Delete removes one row
func (s *Session) Delete(ctx context.Context, table string, rowID uint64) error {
	_, err := autocommit(s, func(txn *db.Transaction) (struct{}, error) {
		return struct{}{}, s.engine.Exec.Delete(ctx, txn, table, rowID)
	})
	return err
}

// UpdateWhere merges set into every row matching pred
func (s *Session) UpdateWhere(ctx context.Context, table string, pred db.Predicate, set db.Payload) (int, error) {
	return autocommit(s, func(txn *db.Transaction) (int, error) {
		return s.engine.Exec.UpdateWhere(ctx, txn, table, pred, set)
	})
}

// DeleteWhere removes every row matching pred
func (s *Session) DeleteWhere(ctx context.Context, table string, pred db.Predicate) (int, error) {
	return autocommit(s, func(txn *db.Transaction) (int, error) {
		return s.engine.Exec.DeleteWhere(ctx, txn, table, pred)
	})
}

// Aggregate runs a GROUP BY query
func (s *Session) Aggregate(ctx context.Context, table string, pred db.Predicate, groupBy []string, aggs ...db.Aggregation) ([]db.Payload, error) {
	return autocommit(s, func(txn *db.Transaction) ([]db.Payload, error) {
		return s.engine.Exec.Aggregate(ctx, txn, table, pred, groupBy, aggs...)
	})
}

// Window runs a query with window functions
func (s *Session) Window(ctx context.Context, table string, pred db.Predicate, spec db.WindowSpec) ([]db.Payload, error) {
	return autocommit(s, func(txn *db.Transaction) ([]db.Payload, error) {
		return s.engine.Exec.Window(ctx, txn, table, pred, spec)
	})
}

// Recursive walks a self-referencing hierarchy
func (s *Session) Recursive(ctx context.Context, table string, h db.Hierarchy) ([]db.Payload, error) {
	return autocommit(s, func(txn *db.Transaction) ([]db.Payload, error) {
		return s.engine.Exec.Recursive(ctx, txn, table, h)
	})
}
