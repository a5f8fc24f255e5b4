package sandbox

import (
	"context"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

// newTestSandbox configures sqlmock with QueryMatcherEqual, which compares
// whitespace-normalized SQL, so the expectation must be the full statement
// issued by DescribeSchema rather than a regexp fragment.
const describeSchemaQuery = `SELECT c.table_name, c.column_name, c.data_type, c.is_nullable, ` +
	`COALESCE(pgd.description, '') AS column_comment, ` +
	`COALESCE(obj_description(pgc.oid, 'pg_class'), '') AS table_comment ` +
	`FROM information_schema.columns c ` +
	`JOIN pg_catalog.pg_class pgc ON pgc.relname = c.table_name ` +
	`AND pgc.relnamespace = (SELECT oid FROM pg_catalog.pg_namespace WHERE nspname = c.table_schema) ` +
	`LEFT JOIN pg_catalog.pg_description pgd ON pgd.objoid = pgc.oid AND pgd.objsubid = c.ordinal_position ` +
	`WHERE c.table_schema = $1 ORDER BY c.table_name, c.ordinal_position`

func TestDescribeSchemaEmpty(t *testing.T) {
	sb, mock := newTestSandbox(t)

	mock.ExpectQuery(describeSchemaQuery).
		WithArgs("agent_sandbox").
		WillReturnRows(sqlmock.NewRows(
			[]string{"table_name", "column_name", "data_type", "is_nullable", "column_comment", "table_comment"}))

	catalog, err := sb.DescribeSchema(context.Background())
	if err != nil {
		t.Fatalf("DescribeSchema() error = %v", err)
	}
	if !strings.Contains(catalog, "contains no tables yet") {
		t.Errorf("catalog = %q, want empty-schema guidance", catalog)
	}
}

func TestDescribeSchemaRendersTables(t *testing.T) {
	sb, mock := newTestSandbox(t)

	rows := sqlmock.NewRows(
		[]string{"table_name", "column_name", "data_type", "is_nullable", "column_comment", "table_comment"}).
		AddRow("groceries", "name", "text", "NO", "item name", "shopping list").
		AddRow("groceries", "qty", "integer", "YES", "", "shopping list").
		AddRow("reminders", "due_at", "timestamp with time zone", "NO", "", "")

	mock.ExpectQuery(describeSchemaQuery).
		WithArgs("agent_sandbox").
		WillReturnRows(rows)

	catalog, err := sb.DescribeSchema(context.Background())
	if err != nil {
		t.Fatalf("DescribeSchema() error = %v", err)
	}

	for _, want := range []string{
		"groceries -- shopping list",
		"name text not null -- item name",
		"qty integer",
		"reminders",
		"due_at timestamp with time zone not null",
	} {
		if !strings.Contains(catalog, want) {
			t.Errorf("catalog missing %q:\n%s", want, catalog)
		}
	}
	if strings.Contains(catalog, "qty integer not null") {
		t.Error("nullable column rendered as not null")
	}
}
