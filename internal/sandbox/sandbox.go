// Package sandbox executes LLM-originated SQL under a narrowed PostgreSQL
// role with per-statement resource ceilings. The statement text is
// untrusted input; safety comes from the database's own privilege system,
// not from parsing or rewriting the SQL.
package sandbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

var statementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "attache_sandbox_statements_total",
	Help: "Sandboxed statement executions by outcome.",
}, []string{"outcome"})

// Config holds the sandbox role and resource ceilings.
type Config struct {
	// Role is the pre-provisioned low-privilege role statements run as.
	Role string
	// Schema is the only schema on the sandboxed search_path. The role
	// owns it and has rights nowhere else.
	Schema string
	// StatementTimeout is the server-side ceiling for one statement.
	StatementTimeout time.Duration
}

// Sandbox borrows connections from the shared pool, narrows their
// privileges for the duration of one statement, and always restores the
// default role before handing the connection back.
type Sandbox struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger
}

// New creates a Sandbox. Role and schema names are baked into session
// commands that cannot be parameterized, so they are validated here once
// and the constructor refuses anything outside the identifier character set.
func New(db *sql.DB, cfg Config, logger *slog.Logger) (*Sandbox, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if !identifierPattern.MatchString(cfg.Role) {
		return nil, fmt.Errorf("invalid sandbox role %q", cfg.Role)
	}
	if !identifierPattern.MatchString(cfg.Schema) {
		return nil, fmt.Errorf("invalid sandbox schema %q", cfg.Schema)
	}
	if cfg.StatementTimeout <= 0 {
		cfg.StatementTimeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sandbox{db: db, cfg: cfg, logger: logger}, nil
}

// Result is the outcome of one executed statement. Reads carry columns and
// rows; writes and DDL carry the rows-affected count.
type Result struct {
	Columns      []string         `json:"columns,omitempty"`
	Rows         []map[string]any `json:"rows,omitempty"`
	RowsAffected int64            `json:"rows_affected"`
	// IsQuery is true when the statement produced a row set.
	IsQuery bool `json:"is_query"`
}

// ExecError is a structured statement failure carrying the SQLSTATE code
// the database reported, when available.
type ExecError struct {
	Code    string
	Message string
}

func (e *ExecError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (SQLSTATE %s)", e.Message, e.Code)
}

// ExecuteRestricted runs one caller-supplied statement under the sandbox
// role. The connection's privileges are narrowed before the statement and
// restored on every exit path before the connection returns to the pool.
func (s *Sandbox) ExecuteRestricted(ctx context.Context, statement string, args ...any) (*Result, error) {
	if strings.TrimSpace(statement) == "" {
		return nil, &ExecError{Message: "empty statement"}
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkout connection: %w", err)
	}
	defer func() {
		s.restore(conn)
		if cerr := conn.Close(); cerr != nil {
			s.logger.Warn("release sandbox connection", "error", cerr)
		}
	}()

	if err := s.narrow(ctx, conn); err != nil {
		return nil, err
	}

	result, err := runStatement(ctx, conn, statement, args...)
	if err != nil {
		statementsTotal.WithLabelValues("error").Inc()
		return nil, asExecError(err)
	}
	statementsTotal.WithLabelValues("ok").Inc()
	return result, nil
}

// ExecutePrivileged runs a statement with the application's default role and
// search path. It is reserved for internal bookkeeping (scheduler catalogs,
// prompt history) that the model never feeds raw text into; callers must
// pass untrusted values as parameters, never interpolated.
func (s *Sandbox) ExecutePrivileged(ctx context.Context, statement string, args ...any) (*Result, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkout connection: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			s.logger.Warn("release connection", "error", cerr)
		}
	}()

	result, err := runStatement(ctx, conn, statement, args...)
	if err != nil {
		return nil, asExecError(err)
	}
	return result, nil
}

// narrow switches the connection to the sandbox role, pins the search path
// to the sandbox schema, and installs per-statement resource ceilings.
func (s *Sandbox) narrow(ctx context.Context, conn *sql.Conn) error {
	guards := []string{
		fmt.Sprintf("SET ROLE %s", pq.QuoteIdentifier(s.cfg.Role)),
		fmt.Sprintf("SET search_path TO %s", pq.QuoteIdentifier(s.cfg.Schema)),
		fmt.Sprintf("SET statement_timeout = %d", s.cfg.StatementTimeout.Milliseconds()),
		"SET max_parallel_workers_per_gather = 0",
	}
	for _, g := range guards {
		if _, err := conn.ExecContext(ctx, g); err != nil {
			s.restore(conn)
			return fmt.Errorf("narrow privileges: %w", err)
		}
	}
	return nil
}

// restore puts the connection back on the default role and settings.
// Failure to restore is logged but never blocks the release: the checkout
// context may already be dead, and a poisoned connection is preferable to
// a leaked one.
func (s *Sandbox) restore(conn *sql.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, stmt := range []string{"RESET ROLE", "RESET ALL"} {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			s.logger.Error("restore sandbox connection", "statement", stmt, "error", err)
			return
		}
	}
}

// queryKeywords are leading keywords of statements that produce row sets.
var queryKeywords = map[string]bool{
	"SELECT":  true,
	"WITH":    true,
	"VALUES":  true,
	"TABLE":   true,
	"SHOW":    true,
	"EXPLAIN": true,
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func runStatement(ctx context.Context, conn execer, statement string, args ...any) (*Result, error) {
	keyword := leadingKeyword(statement)
	if queryKeywords[keyword] {
		rows, err := conn.QueryContext(ctx, statement, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return collectRows(rows)
	}

	res, err := conn.ExecContext(ctx, statement, args...)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		// DDL has no row count; the statement still succeeded.
		affected = 0
	}
	return &Result{RowsAffected: affected}, nil
}

func leadingKeyword(statement string) string {
	fields := strings.Fields(stripLeadingComments(statement))
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(strings.TrimLeft(fields[0], "("))
}

// stripLeadingComments removes whitespace, -- line comments, and /* */
// block comments (which PostgreSQL nests) from the front of a statement,
// so a commented SELECT still classifies as a query.
func stripLeadingComments(s string) string {
	for {
		s = strings.TrimLeft(s, " \t\r\n")
		switch {
		case strings.HasPrefix(s, "--"):
			idx := strings.IndexByte(s, '\n')
			if idx < 0 {
				return ""
			}
			s = s[idx+1:]
		case strings.HasPrefix(s, "/*"):
			depth, i := 1, 2
			for i < len(s) && depth > 0 {
				switch {
				case strings.HasPrefix(s[i:], "/*"):
					depth++
					i += 2
				case strings.HasPrefix(s[i:], "*/"):
					depth--
					i += 2
				default:
					i++
				}
			}
			if depth > 0 {
				return ""
			}
			s = s[i:]
		default:
			return s
		}
	}
}

func collectRows(rows *sql.Rows) (*Result, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &Result{Columns: columns, IsQuery: true}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	result.RowsAffected = int64(len(result.Rows))
	return result, nil
}

// normalizeValue makes driver values JSON-friendly: lib/pq hands most
// column types back as raw bytes.
func normalizeValue(v any) any {
	switch typed := v.(type) {
	case []byte:
		return string(typed)
	case time.Time:
		return typed.UTC().Format(time.RFC3339)
	default:
		return v
	}
}

func asExecError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return &ExecError{Code: string(pqErr.Code), Message: pqErr.Message}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ExecError{Message: "statement timed out"}
	}
	return &ExecError{Message: err.Error()}
}
