package sandbox

import (
	"context"
	"fmt"
	"strings"
)

// DescribeSchema renders a human-readable catalog of the sandbox schema's
// tables, columns, and comments. It is how the agent learns what tables it
// created in earlier conversations. The query runs read-only with the
// default role; only the schema name (validated at construction) selects
// what is visible.
func (s *Sandbox) DescribeSchema(ctx context.Context) (string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			c.table_name,
			c.column_name,
			c.data_type,
			c.is_nullable,
			COALESCE(pgd.description, '') AS column_comment,
			COALESCE(obj_description(pgc.oid, 'pg_class'), '') AS table_comment
		FROM information_schema.columns c
		JOIN pg_catalog.pg_class pgc
			ON pgc.relname = c.table_name
			AND pgc.relnamespace = (SELECT oid FROM pg_catalog.pg_namespace WHERE nspname = c.table_schema)
		LEFT JOIN pg_catalog.pg_description pgd
			ON pgd.objoid = pgc.oid AND pgd.objsubid = c.ordinal_position
		WHERE c.table_schema = $1
		ORDER BY c.table_name, c.ordinal_position
	`, s.cfg.Schema)
	if err != nil {
		return "", fmt.Errorf("describe schema: %w", err)
	}
	defer rows.Close()

	type column struct {
		name, dataType, comment string
		nullable                bool
	}
	tableOrder := []string{}
	tables := map[string][]column{}
	tableComments := map[string]string{}

	for rows.Next() {
		var (
			table, col, dataType, nullable string
			colComment, tableComment       string
		)
		if err := rows.Scan(&table, &col, &dataType, &nullable, &colComment, &tableComment); err != nil {
			return "", fmt.Errorf("scan schema row: %w", err)
		}
		if _, seen := tables[table]; !seen {
			tableOrder = append(tableOrder, table)
			tableComments[table] = tableComment
		}
		tables[table] = append(tables[table], column{
			name:     col,
			dataType: dataType,
			comment:  colComment,
			nullable: nullable == "YES",
		})
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("describe schema: %w", err)
	}

	if len(tableOrder) == 0 {
		return fmt.Sprintf("Schema %q contains no tables yet. You may create tables in it with CREATE TABLE.", s.cfg.Schema), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Tables in schema %q:\n", s.cfg.Schema)
	for _, table := range tableOrder {
		fmt.Fprintf(&sb, "\n%s", table)
		if comment := tableComments[table]; comment != "" {
			fmt.Fprintf(&sb, " -- %s", comment)
		}
		sb.WriteString("\n")
		for _, col := range tables[table] {
			fmt.Fprintf(&sb, "  %s %s", col.name, col.dataType)
			if !col.nullable {
				sb.WriteString(" not null")
			}
			if col.comment != "" {
				fmt.Fprintf(&sb, " -- %s", col.comment)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}
