package scenario

import (
	"context"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/maxpert/txsandbox/catalog"
	"github.com/maxpert/txsandbox/db"
)

func (c *Client) setIsolation(level string) statement {
	return statement{
		sql: "SET TRANSACTION ISOLATION LEVEL " + strings.ToUpper(level),
		run: func(context.Context) (string, error) {
			return "", c.s.SetIsolation(level)
		},
	}
}

func (c *Client) setXactAbort(on bool) statement {
	state := "OFF"
	if on {
		state = "ON"
	}
	return statement{
		sql: "SET XACT_ABORT " + state,
		run: func(context.Context) (string, error) {
			c.s.SetXactAbort(on)
			return "", nil
		},
	}
}

func (c *Client) begin(name string) statement {
	return statement{
		sql: strings.TrimSpace("BEGIN TRANSACTION " + name),
		run: func(context.Context) (string, error) {
			if err := c.s.BeginTran(name); err != nil {
				return "", err
			}
			return fmt.Sprintf("@@TRANCOUNT = %d", c.s.TranCount()), nil
		},
	}
}

func (c *Client) save(name string) statement {
	return statement{
		sql: "SAVE TRANSACTION " + name,
		run: func(context.Context) (string, error) {
			return "", c.s.SaveTran(name)
		},
	}
}

func (c *Client) commit() statement {
	return statement{
		sql: "COMMIT TRANSACTION",
		run: func(context.Context) (string, error) {
			if err := c.s.CommitTran(); err != nil {
				return "", err
			}
			return fmt.Sprintf("@@TRANCOUNT = %d", c.s.TranCount()), nil
		},
	}
}

func (c *Client) rollback(name string) statement {
	return statement{
		sql: strings.TrimSpace("ROLLBACK TRANSACTION " + name),
		run: func(context.Context) (string, error) {
			if err := c.s.RollbackTran(name); err != nil {
				return "", err
			}
			return fmt.Sprintf("@@TRANCOUNT = %d", c.s.TranCount()), nil
		},
	}
}

func (c *Client) tranCount() statement {
	return statement{
		sql: "SELECT @@TRANCOUNT",
		run: func(context.Context) (string, error) {
			return fmt.Sprint(c.s.TranCount()), nil
		},
	}
}

func (c *Client) xactState() statement {
	return statement{
		sql: "SELECT XACT_STATE()",
		run: func(context.Context) (string, error) {
			return fmt.Sprint(c.s.XactState()), nil
		},
	}
}

func (c *Client) selectBalance(accountID int) statement {
	return statement{
		sql: c.env.render(c.env.dialect.From("Accounts").
			Select("Balance").
			Where(goqu.C("AccountID").Eq(accountID))),
		run: func(ctx context.Context) (string, error) {
			rows, err := c.s.Select(ctx, "Accounts", db.Eq("AccountID", accountID))
			if err != nil {
				return "", err
			}
			if len(rows) == 0 {
				return "(0 rows)", nil
			}
			return formatMoney(rows[0].Values["Balance"]), nil
		},
	}
}

func (c *Client) updateBalance(accountID int, balance float64) statement {
	return statement{
		sql: c.env.render(c.env.dialect.Update("Accounts").
			Set(goqu.Record{"Balance": balance}).
			Where(goqu.C("AccountID").Eq(accountID))),
		run: func(ctx context.Context) (string, error) {
			n, err := c.s.UpdateWhere(ctx, "Accounts", db.Eq("AccountID", accountID), db.Payload{"Balance": balance})
			if err != nil {
				return "", err
			}
			return rowsAffected(n), nil
		},
	}
}

func (c *Client) countEmployees(departmentID int) statement {
	return statement{
		sql: c.env.render(c.env.dialect.From("Employees").
			Select(goqu.COUNT(goqu.Star()).As("Total")).
			Where(goqu.C("DepartmentID").Eq(departmentID))),
		run: func(ctx context.Context) (string, error) {
			res, err := c.s.Aggregate(ctx, "Employees", db.Eq("DepartmentID", departmentID), nil, db.CountAll("Total"))
			if err != nil {
				return "", err
			}
			return fmt.Sprint(res[0]["Total"]), nil
		},
	}
}

func (c *Client) insert(table string, values db.Payload) statement {
	return statement{
		sql: c.env.render(c.env.dialect.Insert(table).Rows(goqu.Record(values))),
		run: func(ctx context.Context) (string, error) {
			if _, err := c.s.Insert(ctx, table, values.Clone()); err != nil {
				return "", err
			}
			return rowsAffected(1), nil
		},
	}
}

func (c *Client) countRows(table string) statement {
	return statement{
		sql: c.env.render(c.env.dialect.From(table).Select(goqu.COUNT(goqu.Star()).As("Total"))),
		run: func(ctx context.Context) (string, error) {
			res, err := c.s.Aggregate(ctx, table, db.All(), nil, db.CountAll("Total"))
			if err != nil {
				return "", err
			}
			return fmt.Sprint(res[0]["Total"]), nil
		},
	}
}

func rowsAffected(n int) string {
	if n == 1 {
		return "(1 row affected)"
	}
	return fmt.Sprintf("(%d rows affected)", n)
}

func formatMoney(v any) string {
	if f, ok := catalog.ToFloat(v); ok {
		return fmt.Sprintf("%.2f", f)
	}
	return fmt.Sprint(v)
}
