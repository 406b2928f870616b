package scenario

import (
	"context"
	"fmt"

	"github.com/maxpert/txsandbox/db"
	"github.com/rs/zerolog/log"
)

type tableRows struct {
	table string
	rows  []db.Payload
}

// sampleData is the HRSystem demo database the tutorials assume exists
var sampleData = []tableRows{
	{"Departments", []db.Payload{
		{"DepartmentID": 1, "DepartmentName": "Engineering", "Location": "Building A"},
		{"DepartmentID": 2, "DepartmentName": "Sales", "Location": "Building B"},
		{"DepartmentID": 3, "DepartmentName": "Human Resources", "Location": "Building A"},
		{"DepartmentID": 4, "DepartmentName": "Finance", "Location": "Building C"},
	}},
	{"Employees", []db.Payload{
		employee(1, "John", "Smith", 1, nil, 120000, "2015-01-10"),
		employee(2, "Sarah", "Johnson", 1, 1, 95000, "2017-03-15"),
		employee(3, "Mike", "Brown", 1, 2, 80000, "2019-06-01"),
		employee(4, "Emily", "Davis", 2, 1, 85000, "2016-09-20"),
		employee(5, "David", "Wilson", 2, 4, 62000, "2020-02-11"),
		employee(6, "Lisa", "Anderson", 3, 1, 70000, "2018-11-05"),
		employee(7, "James", "Taylor", 4, 1, 90000, "2016-04-25"),
		employee(8, "Anna", "Martinez", 1, 2, 78000, "2021-08-30"),
	}},
	{"Projects", []db.Payload{
		{"ProjectID": 1, "ProjectName": "Payroll Migration", "DepartmentID": 4, "Budget": 250000.0, "StartDate": "2024-01-01", "EndDate": "2024-12-31"},
		{"ProjectID": 2, "ProjectName": "CRM Rollout", "DepartmentID": 2, "Budget": 180000.0, "StartDate": "2024-03-01"},
		{"ProjectID": 3, "ProjectName": "Platform Rewrite", "DepartmentID": 1, "Budget": 500000.0, "StartDate": "2023-07-01"},
	}},
	{"Accounts", []db.Payload{
		{"AccountID": 1, "Owner": "Alice", "Balance": 1000.0},
		{"AccountID": 2, "Owner": "Bob", "Balance": 500.0},
		{"AccountID": 3, "Owner": "Carol", "Balance": 250.0},
	}},
}

func employee(id int, first, last string, dept int, manager any, salary float64, hired string) db.Payload {
	return db.Payload{
		"EmployeeID":   id,
		"FirstName":    first,
		"LastName":     last,
		"Email":        fmt.Sprintf("%s.%s@hrsystem.example", first, last),
		"DepartmentID": dept,
		"ManagerID":    manager,
		"Salary":       salary,
		"HireDate":     hired,
		"IsActive":     true,
	}
}

// LoadSampleData inserts the HRSystem rows in one transaction
func LoadSampleData(ctx context.Context, engine *db.Engine) error {
	txn := engine.Txns.Begin(db.TxnOptions{Isolation: db.ReadCommitted, Name: "sample_data", LockTimeout: -1})

	count := 0
	for _, t := range sampleData {
		for _, row := range t.rows {
			if _, err := engine.Exec.Insert(ctx, txn, t.table, row.Clone()); err != nil {
				_ = engine.Txns.Rollback(txn)
				return fmt.Errorf("loading %s: %w", t.table, err)
			}
			count++
		}
	}

	if err := engine.Txns.Commit(txn); err != nil {
		return fmt.Errorf("committing sample data: %w", err)
	}
	log.Debug().Int("rows", count).Msg("Sample data loaded")
	return nil
}
