package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Table is the relational table written by the SQL sinks.
const Table = "process_history"

var columnNames = []string{
	"occurred_at", "event", "name", "run_id", "pid", "from_state", "to_state",
	"restart_count", "exit_code", "exit_signal", "error",
}

// Dialect describes the differences between the SQL backends.
type Dialect struct {
	Name        string
	Timestamp   string           // column type of occurred_at
	Placeholder func(int) string // 1-based bind parameter
}

var (
	SQLite   = Dialect{Name: "sqlite", Timestamp: "TIMESTAMP", Placeholder: func(int) string { return "?" }}
	Postgres = Dialect{Name: "postgres", Timestamp: "TIMESTAMPTZ", Placeholder: func(i int) string { return fmt.Sprintf("$%d", i) }}
)

func (d Dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + Table + `(
			occurred_at ` + d.Timestamp + ` NOT NULL,
			event TEXT NOT NULL,
			name TEXT NOT NULL,
			run_id TEXT NOT NULL,
			pid INTEGER NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			restart_count INTEGER NOT NULL,
			exit_code INTEGER,
			exit_signal TEXT,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_` + Table + `_name ON ` + Table + `(name)`,
		`CREATE INDEX IF NOT EXISTS idx_` + Table + `_run ON ` + Table + `(run_id)`,
	}
}

func (d Dialect) insert() string {
	marks := make([]string, len(columnNames))
	for i := range marks {
		marks[i] = d.Placeholder(i + 1)
	}
	return "INSERT INTO " + Table + " (" + strings.Join(columnNames, ", ") + ") VALUES (" + strings.Join(marks, ", ") + ")"
}

// SQLSink appends events to Table through database/sql.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
	insert  string
}

// NewSQLSink creates the table and indexes if needed. The sink owns db and
// closes it on Close, also when schema creation fails.
func NewSQLSink(ctx context.Context, db *sql.DB, d Dialect) (*SQLSink, error) {
	for _, stmt := range d.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s history schema: %w", d.Name, err)
		}
	}
	return &SQLSink{db: db, dialect: d, insert: d.insert()}, nil
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	if _, err := s.db.ExecContext(ctx, s.insert, Columns(e)...); err != nil {
		return fmt.Errorf("%s history insert: %w", s.dialect.Name, err)
	}
	return nil
}

// DB exposes the underlying handle for queries.
func (s *SQLSink) DB() *sql.DB { return s.db }

func (s *SQLSink) Close() error { return s.db.Close() }
