// Package sqlite stores history events in a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/janus/internal/history"
)

// Path strips the optional sqlite:// scheme from dsn. Bare paths and
// ":memory:" are accepted as is.
func Path(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if len(dsn) >= len("sqlite://") && strings.EqualFold(dsn[:len("sqlite://")], "sqlite://") {
		return dsn[len("sqlite://"):]
	}
	return dsn
}

// New opens the database at dsn ("sqlite:///var/lib/janus/h.db", a bare path
// or ":memory:") and prepares the history table.
func New(dsn string) (*history.SQLSink, error) {
	path := Path(dsn)
	if path == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection: keeps ":memory:" alive and serializes writers
	db.SetMaxOpenConns(1)
	return history.NewSQLSink(context.Background(), db, history.SQLite)
}
