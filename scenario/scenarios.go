package scenario

import (
	"context"
	"fmt"

	"github.com/maxpert/txsandbox/db"
)

var scenarios = []Scenario{
	{
		Name:   "dirty-read",
		Title:  "Dirty read prevented under READ COMMITTED",
		Lesson: "A READ COMMITTED reader waits for the writer's exclusive lock and then sees only committed data.",
		run:    dirtyRead,
	},
	{
		Name:   "non-repeatable-read",
		Title:  "Non-repeatable read under READ COMMITTED",
		Lesson: "Shared locks are released after each statement, so a second read sees another session's committed update.",
		run:    nonRepeatableRead,
	},
	{
		Name:   "repeatable-read",
		Title:  "Repeatable read holds shared locks",
		Lesson: "REPEATABLE READ keeps shared locks until commit: writers wait and both reads agree.",
		run:    repeatableRead,
	},
	{
		Name:   "phantom-read",
		Title:  "Phantom rows under REPEATABLE READ",
		Lesson: "Row locks do not cover rows that do not exist yet; a new matching row appears in the second read.",
		run:    phantomRead,
	},
	{
		Name:   "serializable",
		Title:  "SERIALIZABLE blocks phantoms with range locks",
		Lesson: "The range lock on the predicate makes matching inserts wait while inserts outside the range proceed.",
		run:    serializableRange,
	},
	{
		Name:   "snapshot-conflict",
		Title:  "SNAPSHOT update conflict",
		Lesson: "Snapshot readers never block; the second writer of a row fails at commit with error 3960.",
		run:    snapshotConflict,
	},
	{
		Name:   "savepoint",
		Title:  "Savepoints scope a partial rollback",
		Lesson: "ROLLBACK TRANSACTION to a savepoint undoes later work only and keeps the transaction open.",
		run:    savepointScope,
	},
	{
		Name:   "nested-transactions",
		Title:  "Nested transactions only move @@TRANCOUNT",
		Lesson: "An inner COMMIT just decrements @@TRANCOUNT; the outer ROLLBACK discards everything.",
		run:    nestedTransactions,
	},
	{
		Name:   "deadlock",
		Title:  "Deadlock victim selection",
		Lesson: "Two sessions locking rows in opposite order form a cycle; the younger transaction is rolled back with error 1205.",
		run:    deadlockVictim,
	},
	{
		Name:   "xact-abort",
		Title:  "XACT_ABORT dooms the transaction",
		Lesson: "With XACT_ABORT ON any error makes the transaction uncommittable (XACT_STATE() = -1); with OFF only the statement is undone.",
		run:    xactAbort,
	},
}

func dirtyRead(ctx context.Context, env *Env) error {
	s1, s2 := env.Open("S1"), env.Open("S2")

	if err := s1.Run(ctx, s1.begin(""), s1.updateBalance(1, 0)); err != nil {
		return err
	}
	if err := s2.Run(ctx, s2.setIsolation("READ COMMITTED"), s2.begin("")); err != nil {
		return err
	}

	read := s2.Start(ctx, s2.selectBalance(1))
	if err := s2.awaitBlocked(read); err != nil {
		return err
	}
	if err := s1.Run(ctx, s1.rollback("")); err != nil {
		return err
	}
	balance, err := read.Wait()
	if err != nil {
		return err
	}
	if err := s2.Run(ctx, s2.commit()); err != nil {
		return err
	}

	return expect(balance == "1000.00", "S2 read %s, expected the committed 1000.00", balance)
}

func nonRepeatableRead(ctx context.Context, env *Env) error {
	s1, s2 := env.Open("S1"), env.Open("S2")

	if err := s1.Run(ctx, s1.setIsolation("READ COMMITTED"), s1.begin("")); err != nil {
		return err
	}
	first, err := s1.Exec(ctx, s1.selectBalance(1))
	if err != nil {
		return err
	}
	if err := s2.Run(ctx, s2.updateBalance(1, 900)); err != nil {
		return err
	}
	second, err := s1.Exec(ctx, s1.selectBalance(1))
	if err != nil {
		return err
	}
	if err := s1.Run(ctx, s1.commit()); err != nil {
		return err
	}

	return expect(first == "1000.00" && second == "900.00",
		"reads were %s then %s, expected 1000.00 then 900.00", first, second)
}

func repeatableRead(ctx context.Context, env *Env) error {
	s1, s2 := env.Open("S1"), env.Open("S2")

	if err := s1.Run(ctx, s1.setIsolation("REPEATABLE READ"), s1.begin("")); err != nil {
		return err
	}
	first, err := s1.Exec(ctx, s1.selectBalance(1))
	if err != nil {
		return err
	}

	if err := s2.Run(ctx, s2.begin("")); err != nil {
		return err
	}
	update := s2.Start(ctx, s2.updateBalance(1, 900))
	if err := s2.awaitBlocked(update); err != nil {
		return err
	}

	second, err := s1.Exec(ctx, s1.selectBalance(1))
	if err != nil {
		return err
	}
	if err := s1.Run(ctx, s1.commit()); err != nil {
		return err
	}
	if _, err := update.Wait(); err != nil {
		return err
	}
	if err := s2.Run(ctx, s2.commit()); err != nil {
		return err
	}
	after, err := s1.Exec(ctx, s1.selectBalance(1))
	if err != nil {
		return err
	}

	return expect(first == "1000.00" && second == first && after == "900.00",
		"reads were %s, %s and %s after the update, expected 1000.00, 1000.00 and 900.00", first, second, after)
}

func newHire(id int, departmentID int) db.Payload {
	return db.Payload{
		"EmployeeID":   id,
		"FirstName":    "Nora",
		"LastName":     fmt.Sprintf("Hire%d", id),
		"DepartmentID": departmentID,
		"ManagerID":    1,
		"Salary":       70000.0,
		"HireDate":     "2024-05-01",
		"IsActive":     true,
	}
}

func phantomRead(ctx context.Context, env *Env) error {
	s1, s2 := env.Open("S1"), env.Open("S2")

	if err := s1.Run(ctx, s1.setIsolation("REPEATABLE READ"), s1.begin("")); err != nil {
		return err
	}
	first, err := s1.Exec(ctx, s1.countEmployees(1))
	if err != nil {
		return err
	}
	if err := s2.Run(ctx, s2.insert("Employees", newHire(9, 1))); err != nil {
		return err
	}
	second, err := s1.Exec(ctx, s1.countEmployees(1))
	if err != nil {
		return err
	}
	if err := s1.Run(ctx, s1.commit()); err != nil {
		return err
	}

	return expect(first == "4" && second == "5",
		"counts were %s then %s, expected a phantom (4 then 5)", first, second)
}

func serializableRange(ctx context.Context, env *Env) error {
	s1, s2, s3 := env.Open("S1"), env.Open("S2"), env.Open("S3")

	if err := s1.Run(ctx, s1.setIsolation("SERIALIZABLE"), s1.begin("")); err != nil {
		return err
	}
	first, err := s1.Exec(ctx, s1.countEmployees(1))
	if err != nil {
		return err
	}

	if err := s2.Run(ctx, s2.begin("")); err != nil {
		return err
	}
	hire := s2.Start(ctx, s2.insert("Employees", newHire(9, 1)))
	if err := s2.awaitBlocked(hire); err != nil {
		return err
	}
	if err := s3.Run(ctx, s3.insert("Employees", newHire(10, 2))); err != nil {
		return err
	}

	second, err := s1.Exec(ctx, s1.countEmployees(1))
	if err != nil {
		return err
	}
	if err := s1.Run(ctx, s1.commit()); err != nil {
		return err
	}
	if _, err := hire.Wait(); err != nil {
		return err
	}
	if err := s2.Run(ctx, s2.commit()); err != nil {
		return err
	}
	after, err := s1.Exec(ctx, s1.countEmployees(1))
	if err != nil {
		return err
	}

	return expect(first == "4" && second == "4" && after == "5",
		"counts were %s, %s and %s after commit, expected 4, 4 and 5", first, second, after)
}

func snapshotConflict(ctx context.Context, env *Env) error {
	s1, s2 := env.Open("S1"), env.Open("S2")

	if err := s1.Run(ctx, s1.setIsolation("SNAPSHOT"), s1.begin("")); err != nil {
		return err
	}
	first, err := s1.Exec(ctx, s1.selectBalance(1))
	if err != nil {
		return err
	}

	if err := s2.Run(ctx, s2.setIsolation("SNAPSHOT"), s2.begin(""), s2.updateBalance(1, 800), s2.commit()); err != nil {
		return err
	}

	second, err := s1.Exec(ctx, s1.selectBalance(1))
	if err != nil {
		return err
	}
	if err := s1.Run(ctx, s1.updateBalance(1, 1100)); err != nil {
		return err
	}
	_, commitErr := s1.Exec(ctx, s1.commit())
	state, err := s1.Exec(ctx, s1.xactState())
	if err != nil {
		return err
	}
	final, err := s2.Exec(ctx, s2.selectBalance(1))
	if err != nil {
		return err
	}

	if err := expect(first == "1000.00" && second == "1000.00",
		"snapshot reads were %s and %s, expected 1000.00 twice", first, second); err != nil {
		return err
	}
	if kind := db.KindOf(commitErr); kind != db.KindUpdateConflict {
		return fmt.Errorf("commit returned %s, expected UPDATE_CONFLICT", kind)
	}
	return expect(state == "0" && final == "800.00",
		"after the conflict XACT_STATE() = %s and balance %s, expected 0 and 800.00", state, final)
}

func savepointScope(ctx context.Context, env *Env) error {
	s1, s2 := env.Open("S1"), env.Open("S2")

	if err := s1.Run(ctx,
		s1.begin("Transfer"),
		s1.updateBalance(1, 900),
		s1.updateBalance(2, 600),
		s1.save("Fee"),
		s1.updateBalance(1, 890),
	); err != nil {
		return err
	}
	withFee, err := s1.Exec(ctx, s1.selectBalance(1))
	if err != nil {
		return err
	}
	if err := s1.Run(ctx, s1.rollback("Fee")); err != nil {
		return err
	}
	count, err := s1.Exec(ctx, s1.tranCount())
	if err != nil {
		return err
	}
	if err := s1.Run(ctx, s1.commit()); err != nil {
		return err
	}

	a, err := s2.Exec(ctx, s2.selectBalance(1))
	if err != nil {
		return err
	}
	b, err := s2.Exec(ctx, s2.selectBalance(2))
	if err != nil {
		return err
	}

	return expect(withFee == "890.00" && count == "1" && a == "900.00" && b == "600.00",
		"got fee balance %s, @@TRANCOUNT %s, final %s/%s; expected 890.00, 1, 900.00/600.00", withFee, count, a, b)
}

func nestedTransactions(ctx context.Context, env *Env) error {
	s1, s2 := env.Open("S1"), env.Open("S2")
	project := func(id int, name string) db.Payload {
		return db.Payload{"ProjectID": id, "ProjectName": name, "DepartmentID": 4, "Budget": 90000.0}
	}

	if err := s1.Run(ctx,
		s1.begin("Outer"),
		s1.insert("Projects", project(4, "Data Warehouse")),
		s1.begin("Inner"),
		s1.insert("Projects", project(5, "Audit Tooling")),
	); err != nil {
		return err
	}
	innerCommit, err := s1.Exec(ctx, s1.commit())
	if err != nil {
		return err
	}
	committed, err := env.Engine.CommittedRows("Projects")
	if err != nil {
		return err
	}
	env.note(fmt.Sprintf("committed Projects rows after inner COMMIT: %d", len(committed)))

	if err := s1.Run(ctx, s1.rollback("")); err != nil {
		return err
	}
	afterRollback, err := s2.Exec(ctx, s2.countRows("Projects"))
	if err != nil {
		return err
	}

	if err := s1.Run(ctx,
		s1.begin("Outer"),
		s1.begin("Inner"),
		s1.insert("Projects", project(4, "Data Warehouse")),
		s1.commit(),
		s1.commit(),
	); err != nil {
		return err
	}
	afterCommit, err := s2.Exec(ctx, s2.countRows("Projects"))
	if err != nil {
		return err
	}

	return expect(innerCommit == "@@TRANCOUNT = 1" && len(committed) == 3 && afterRollback == "3" && afterCommit == "4",
		"inner commit left %q with %d committed rows; counts %s after rollback and %s after commit, expected 3 and 4",
		innerCommit, len(committed), afterRollback, afterCommit)
}

func deadlockVictim(ctx context.Context, env *Env) error {
	s1, s2 := env.Open("S1"), env.Open("S2")

	if err := s1.Run(ctx, s1.begin(""), s1.updateBalance(1, 900)); err != nil {
		return err
	}
	if err := s2.Run(ctx, s2.begin(""), s2.updateBalance(2, 600)); err != nil {
		return err
	}

	first := s1.Start(ctx, s1.updateBalance(2, 400))
	if err := s1.awaitBlocked(first); err != nil {
		return err
	}
	second := s2.Start(ctx, s2.updateBalance(1, 1100))

	_, secondErr := second.Wait()
	_, firstErr := first.Wait()

	if kind := db.KindOf(secondErr); kind != db.KindDeadlockVictim {
		return fmt.Errorf("S2 got %s, expected DEADLOCK_VICTIM", kind)
	}
	if firstErr != nil {
		return fmt.Errorf("S1 should survive the deadlock: %w", firstErr)
	}

	count, err := s2.Exec(ctx, s2.tranCount())
	if err != nil {
		return err
	}
	if err := s1.Run(ctx, s1.commit()); err != nil {
		return err
	}
	a, err := s2.Exec(ctx, s2.selectBalance(1))
	if err != nil {
		return err
	}
	b, err := s2.Exec(ctx, s2.selectBalance(2))
	if err != nil {
		return err
	}

	return expect(count == "0" && a == "900.00" && b == "400.00",
		"victim @@TRANCOUNT %s, balances %s/%s; expected 0, 900.00/400.00", count, a, b)
}

func xactAbort(ctx context.Context, env *Env) error {
	s1, s2 := env.Open("S1"), env.Open("S2")

	if err := s1.Run(ctx, s1.setXactAbort(true)); err != nil {
		return err
	}
	var doomedState string
	caught := s1.Try(ctx, func(ctx context.Context) error {
		if err := s1.Run(ctx, s1.begin(""), s1.updateBalance(1, 800)); err != nil {
			return err
		}
		if _, err := s1.Exec(ctx, s1.updateBalance(2, -50)); err != nil {
			doomedState, _ = s1.Exec(ctx, s1.xactState())
			return err
		}
		_, err := s1.Exec(ctx, s1.commit())
		return err
	})
	if caught == nil {
		return fmt.Errorf("the CHECK violation was not raised")
	}
	untouched, err := s2.Exec(ctx, s2.selectBalance(1))
	if err != nil {
		return err
	}
	if err := expect(caught.Number == 547 && doomedState == "-1" && untouched == "1000.00",
		"XACT_ABORT ON: error %d, XACT_STATE() %s, balance %s; expected 547, -1, 1000.00",
		caught.Number, doomedState, untouched); err != nil {
		return err
	}

	if err := s2.Run(ctx, s2.setXactAbort(false), s2.begin(""), s2.updateBalance(1, 800)); err != nil {
		return err
	}
	if _, err := s2.Exec(ctx, s2.updateBalance(2, -50)); db.KindOf(err) != db.KindConstraintViolation {
		return fmt.Errorf("expected a CHECK violation, got %v", err)
	}
	state, err := s2.Exec(ctx, s2.xactState())
	if err != nil {
		return err
	}
	if err := s2.Run(ctx, s2.commit()); err != nil {
		return err
	}
	kept, err := s2.Exec(ctx, s2.selectBalance(1))
	if err != nil {
		return err
	}

	return expect(state == "1" && kept == "800.00",
		"XACT_ABORT OFF: XACT_STATE() %s, balance %s; expected 1 and 800.00", state, kept)
}
