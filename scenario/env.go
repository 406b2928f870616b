package scenario

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlserver"
	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/txsandbox/catalog"
	"github.com/maxpert/txsandbox/db"
	"github.com/maxpert/txsandbox/session"
)

// blockTimeout bounds how long a scenario waits for a statement to block or resume
const blockTimeout = 5 * time.Second

// Env is one fresh engine with sample data and the sessions of a scenario
type Env struct {
	Engine   *db.Engine
	Sessions *session.Registry

	dialect goqu.DialectWrapper
	report  *Report
}

func newEnv(ctx context.Context, opts db.EngineOptions, report *Report) (*Env, error) {
	opts.DetectDeadlocks = true
	engine := db.NewEngine(catalog.HRSystem(), opts)
	if err := LoadSampleData(ctx, engine); err != nil {
		engine.Close()
		return nil, err
	}

	return &Env{
		Engine:   engine,
		Sessions: session.NewRegistry(engine),
		dialect:  goqu.Dialect("sqlserver"),
		report:   report,
	}, nil
}

func (env *Env) close() {
	env.Sessions.CloseAll()
	env.Engine.Close()
}

// Open starts a client session named like the tutorial windows (S1, S2)
func (env *Env) Open(name string) *Client {
	return &Client{name: name, s: env.Sessions.Open(name), env: env}
}

type sqlBuilder interface {
	ToSQL() (string, []interface{}, error)
}

func (env *Env) render(b sqlBuilder) string {
	sql, _, err := b.ToSQL()
	if err != nil {
		return "-- " + err.Error()
	}
	return sql
}

// note records an observation that is not a statement
func (env *Env) note(text string) {
	env.report.add(Step{Session: "--", Statement: text})
}

// statement is rendered T-SQL plus the engine call that implements it
type statement struct {
	sql string
	run func(ctx context.Context) (string, error)
}

// Client is a session that records every statement into the report
type Client struct {
	name string
	s    *session.Session
	env  *Env
}

// Session exposes the underlying session
func (c *Client) Session() *session.Session {
	return c.s
}

func (c *Client) record(sql, outcome string, err error) {
	if err != nil {
		outcome = describeError(err)
	}
	c.env.report.add(Step{Session: c.name, Statement: sql, Outcome: outcome})
}

// Exec runs st synchronously
func (c *Client) Exec(ctx context.Context, st statement) (string, error) {
	out, err := st.run(ctx)
	c.record(st.sql, out, err)
	return out, err
}

// Run executes statements in order, stopping at the first error
func (c *Client) Run(ctx context.Context, sts ...statement) error {
	for _, st := range sts {
		if _, err := c.Exec(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// Pending is a statement running on its own goroutine, typically blocked
// on a lock held by another session
type Pending struct {
	client *Client
	sql    string
	fut    *future.Future[string]
	done   chan struct{}
}

// Start runs st asynchronously. Its outcome is recorded by Wait.
func (c *Client) Start(ctx context.Context, st statement) *Pending {
	p := future.NewPromise[string]()
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Set(st.run(ctx))
	}()
	return &Pending{client: c, sql: st.sql, fut: p.Future(), done: done}
}

// Wait blocks until the statement finishes and records its outcome
func (p *Pending) Wait() (string, error) {
	select {
	case <-p.done:
	case <-time.After(blockTimeout):
		err := fmt.Errorf("%s: statement did not complete within %s", p.client.name, blockTimeout)
		p.client.record(p.sql, "", err)
		return "", err
	}

	out, err := p.fut.Get()
	p.client.record(p.sql, "resumed: "+out, err)
	return out, err
}

// awaitBlocked waits until c's transaction is queued on a lock and records
// the resource it waits for
func (c *Client) awaitBlocked(p *Pending) error {
	txn := c.s.Transaction()
	if txn == nil {
		return fmt.Errorf("%s has no open transaction", c.name)
	}

	deadline := time.Now().Add(blockTimeout)
	for time.Now().Before(deadline) {
		for _, l := range c.env.Engine.Locks.Snapshot() {
			if l.Status == "WAIT" && l.TxnID == txn.ID {
				c.env.report.add(Step{Session: c.name, Statement: p.sql, Outcome: "blocked, waiting on " + l.Resource})
				return nil
			}
		}
		select {
		case <-p.done:
			return fmt.Errorf("%s: statement completed without blocking", c.name)
		case <-time.After(5 * time.Millisecond):
		}
	}
	return fmt.Errorf("%s: statement did not block within %s", c.name, blockTimeout)
}

// Try runs fn as BEGIN TRY ... END TRY with the rollback CATCH block
func (c *Client) Try(ctx context.Context, fn func(ctx context.Context) error) *session.CaughtError {
	err := c.s.Try(ctx, fn)
	if err == nil {
		return nil
	}

	var caught *session.CaughtError
	if !errors.As(err, &caught) {
		caught = &session.CaughtError{Message: err.Error(), Err: err}
	}
	outcome := fmt.Sprintf("ERROR_NUMBER() = %d", caught.Number)
	if caught.RolledBack {
		outcome += ", transaction rolled back"
	}
	c.env.report.add(Step{Session: c.name, Statement: "BEGIN CATCH IF @@TRANCOUNT > 0 ROLLBACK TRANSACTION END CATCH", Outcome: outcome})
	return caught
}

func describeError(err error) string {
	kind := db.KindOf(err)
	return fmt.Sprintf("Msg %d (%s): %s", kind.Number(), kind, err)
}
