package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/maxpert/txsandbox/db"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNoTransaction mirrors errors 3902/3903: COMMIT or ROLLBACK without BEGIN
	ErrNoTransaction = errors.New("request has no corresponding BEGIN TRANSACTION")
	ErrClosed        = errors.New("session is closed")
)

// Info describes a session for the admin API
type Info struct {
	ID            uint64 `json:"session_id"`
	Name          string `json:"name,omitempty"`
	Isolation     string `json:"isolation"`
	XactAbort     bool   `json:"xact_abort"`
	LockTimeoutMS int64  `json:"lock_timeout_ms"`
	TxnID         uint64 `json:"txn_id,omitempty"`
	XactState     int    `json:"xact_state"`
}

// Session is one client connection. It is driven by a single goroutine;
// mu only protects the settings and current transaction from admin reads.
type Session struct {
	ID   uint64
	Name string

	engine   *db.Engine
	registry *Registry

	mu          sync.Mutex
	isolation   db.IsolationLevel
	xactAbort   bool
	lockTimeout time.Duration
	txn         *db.Transaction
	closed      bool
}

func newSession(id uint64, name string, engine *db.Engine, registry *Registry) *Session {
	defaults := db.DefaultTxnOptions()
	return &Session{
		ID:          id,
		Name:        name,
		engine:      engine,
		registry:    registry,
		isolation:   defaults.Isolation,
		xactAbort:   defaults.XactAbort,
		lockTimeout: defaults.LockTimeout,
	}
}

// SetIsolation is SET TRANSACTION ISOLATION LEVEL. It applies to the next
// transaction the session begins.
func (s *Session) SetIsolation(name string) error {
	level, err := db.ParseIsolationLevel(name)
	if err != nil {
		return err
	}
	s.SetIsolationLevel(level)
	return nil
}

// SetIsolationLevel is SetIsolation with a parsed level
func (s *Session) SetIsolationLevel(level db.IsolationLevel) {
	s.mu.Lock()
	s.isolation = level
	s.mu.Unlock()
}

// Isolation returns the session isolation level
func (s *Session) Isolation() db.IsolationLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isolation
}

// SetXactAbort is SET XACT_ABORT ON|OFF
func (s *Session) SetXactAbort(on bool) {
	s.mu.Lock()
	s.xactAbort = on
	s.mu.Unlock()
}

// SetLockTimeout is SET LOCK_TIMEOUT in milliseconds; -1 waits forever
func (s *Session) SetLockTimeout(ms int) {
	s.mu.Lock()
	s.lockTimeout = db.LockTimeoutFromMS(ms)
	s.mu.Unlock()
}

func (s *Session) options(name string) db.TxnOptions {
	return db.TxnOptions{
		Isolation:   s.isolation,
		Name:        name,
		XactAbort:   s.xactAbort,
		LockTimeout: s.lockTimeout,
	}
}

// current returns the open transaction, forgetting one that the engine has
// already finished (deadlock victim, cancelled, update conflict)
func (s *Session) current() *db.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.txn == nil {
		return nil
	}
	switch s.txn.State() {
	case db.TxnActive, db.TxnUncommittable:
		return s.txn
	}
	s.txn = nil
	return nil
}

// Transaction returns the open explicit transaction or nil
func (s *Session) Transaction() *db.Transaction {
	return s.current()
}

// BeginTran is BEGIN TRANSACTION. Inside an open transaction it only
// increments @@TRANCOUNT.
func (s *Session) BeginTran(name string) error {
	if txn := s.current(); txn != nil {
		return s.engine.Txns.Nest(txn)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.txn = s.engine.Txns.Begin(s.options(name))
	return nil
}

// SaveTran is SAVE TRANSACTION name
func (s *Session) SaveTran(name string) error {
	txn := s.current()
	if txn == nil {
		return fmt.Errorf("save transaction %s: %w", name, ErrNoTransaction)
	}
	return s.engine.Txns.Savepoint(txn, name)
}

// CommitTran is COMMIT TRANSACTION. Only the outermost commit makes the
// work durable.
func (s *Session) CommitTran() error {
	txn := s.current()
	if txn == nil {
		return fmt.Errorf("commit transaction: %w", ErrNoTransaction)
	}
	err := s.engine.Txns.Commit(txn)
	s.current()
	return err
}

// RollbackTran is ROLLBACK TRANSACTION [name]. An empty name or the name the
// transaction was begun with rolls back everything regardless of nesting;
// any other name rolls back to that savepoint.
func (s *Session) RollbackTran(name string) error {
	txn := s.current()
	if txn == nil {
		return fmt.Errorf("rollback transaction: %w", ErrNoTransaction)
	}

	if name != "" && !strings.EqualFold(name, txn.Name) {
		return s.engine.Txns.RollbackTo(txn, name)
	}

	err := s.engine.Txns.Rollback(txn)
	s.current()
	return err
}

// TranCount mirrors @@TRANCOUNT
func (s *Session) TranCount() int {
	txn := s.current()
	if txn == nil {
		return 0
	}
	return txn.NestingLevel()
}

// XactState mirrors XACT_STATE()
func (s *Session) XactState() int {
	return s.engine.Txns.XactState(s.current())
}

// CaughtError is what a CATCH block sees: ERROR_NUMBER() and ERROR_MESSAGE()
// of the failure, plus the underlying error
type CaughtError struct {
	Number     int
	Kind       db.ErrorKind
	Message    string
	RolledBack bool
	Err        error
}

func (e *CaughtError) Error() string {
	return fmt.Sprintf("Msg %d: %s", e.Number, e.Message)
}

func (e *CaughtError) Unwrap() error {
	return e.Err
}

// Try runs fn as a TRY block. When fn fails the CATCH block rolls back any
// open transaction (IF @@TRANCOUNT > 0 ROLLBACK) and the failure is
// returned as a *CaughtError.
func (s *Session) Try(ctx context.Context, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}

	kind := db.KindOf(err)
	caught := &CaughtError{
		Number:  kind.Number(),
		Kind:    kind,
		Message: err.Error(),
		Err:     err,
	}

	if txn := s.current(); txn != nil {
		if rbErr := s.engine.Txns.Rollback(txn); rbErr != nil && !errors.Is(rbErr, db.ErrTxnNotActive) {
			log.Warn().Err(rbErr).Uint64("session_id", s.ID).Msg("Rollback in CATCH failed")
		}
		s.current()
		caught.RolledBack = true
	}

	log.Debug().
		Uint64("session_id", s.ID).
		Int("error_number", caught.Number).
		Str("kind", kind.String()).
		Bool("rolled_back", caught.RolledBack).
		Msg("Caught statement error")
	return caught
}

// Info describes the session. It never waits behind a running statement.
func (s *Session) Info() Info {
	txn := s.current()

	s.mu.Lock()
	info := Info{
		ID:            s.ID,
		Name:          s.Name,
		Isolation:     s.isolation.String(),
		XactAbort:     s.xactAbort,
		LockTimeoutMS: s.lockTimeout.Milliseconds(),
	}
	if s.lockTimeout < 0 {
		info.LockTimeoutMS = -1
	}
	s.mu.Unlock()

	if txn != nil {
		info.TxnID = txn.ID
		info.XactState = txn.XactState()
	}
	return info
}

// Close rolls back any open transaction and unregisters the session
func (s *Session) Close() {
	if txn := s.current(); txn != nil {
		_ = s.engine.Txns.Rollback(txn)
	}

	s.mu.Lock()
	s.closed = true
	s.txn = nil
	s.mu.Unlock()

	if s.registry != nil {
		s.registry.remove(s.ID)
	}
}
