package catalog

func bound(v float64) *float64 { return &v }

// HRSystem returns the tutorial schema: departments, employees, projects and
// the accounts table used by the transfer examples.
func HRSystem() *Static {
	s, err := NewStatic(
		&Table{
			Name: "Departments",
			Key:  "DepartmentID",
			Columns: []Column{
				{Name: "DepartmentID", Type: "INT", NotNull: true, Min: bound(1)},
				{Name: "DepartmentName", Type: "NVARCHAR(50)", NotNull: true},
				{Name: "Location", Type: "NVARCHAR(50)"},
			},
		},
		&Table{
			Name: "Employees",
			Key:  "EmployeeID",
			Columns: []Column{
				{Name: "EmployeeID", Type: "INT", NotNull: true, Min: bound(1)},
				{Name: "FirstName", Type: "NVARCHAR(50)", NotNull: true},
				{Name: "LastName", Type: "NVARCHAR(50)", NotNull: true},
				{Name: "Email", Type: "NVARCHAR(100)"},
				{Name: "DepartmentID", Type: "INT"},
				{Name: "ManagerID", Type: "INT"},
				{Name: "Salary", Type: "DECIMAL(10,2)", NotNull: true, Min: bound(0)},
				{Name: "HireDate", Type: "DATE"},
				{Name: "IsActive", Type: "BIT"},
			},
		},
		&Table{
			Name: "Projects",
			Key:  "ProjectID",
			Columns: []Column{
				{Name: "ProjectID", Type: "INT", NotNull: true, Min: bound(1)},
				{Name: "ProjectName", Type: "NVARCHAR(100)", NotNull: true},
				{Name: "DepartmentID", Type: "INT"},
				{Name: "Budget", Type: "DECIMAL(12,2)", Min: bound(0)},
				{Name: "StartDate", Type: "DATE"},
				{Name: "EndDate", Type: "DATE"},
			},
		},
		&Table{
			Name: "Accounts",
			Key:  "AccountID",
			Columns: []Column{
				{Name: "AccountID", Type: "INT", NotNull: true, Min: bound(1)},
				{Name: "Owner", Type: "NVARCHAR(50)", NotNull: true},
				{Name: "Balance", Type: "DECIMAL(12,2)", NotNull: true, Min: bound(0)},
			},
		},
	)
	if err != nil {
		panic(err)
	}
	return s
}
