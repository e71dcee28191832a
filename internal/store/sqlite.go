package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// sqliteDialect backs local development and tests. Timestamps are stored
// as RFC 3339 text.
type sqliteDialect struct{}

func (d *sqliteDialect) Name() string       { return "sqlite" }
func (d *sqliteDialect) Aliases() []string  { return []string{"sqlite3"} }
func (d *sqliteDialect) DriverName() string { return "sqlite" }

func (d *sqliteDialect) Quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (d *sqliteDialect) Qualify(_, table string) string {
	return d.Quote(table)
}

func (d *sqliteDialect) Placeholder(index int) string {
	return fmt.Sprintf("?%d", index)
}

func (d *sqliteDialect) ColumnType(t ColumnType) string {
	switch t {
	case Bool, Int:
		return "INTEGER"
	case Float:
		return "REAL"
	default:
		return "TEXT"
	}
}

func (d *sqliteDialect) CreateTable(schema string, t Table) []string {
	return createIfNotExists(d, schema, t)
}

func (d *sqliteDialect) Upsert(schema, table string, cols, key []string) string {
	return onConflict(d, schema, table, cols, key, true)
}

func (d *sqliteDialect) InsertIfAbsent(schema, table string, cols, key []string) string {
	return onConflict(d, schema, table, cols, key, false)
}

func (d *sqliteDialect) Bind(v any) any { return bindTime(v) }

// Configure pins SQLite to a single connection; concurrent writers would
// otherwise fail with SQLITE_BUSY.
func (d *sqliteDialect) Configure(db *sql.DB, _ int) {
	db.SetMaxOpenConns(1)
}

func (d *sqliteDialect) IsUniqueViolation(err error) bool {
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}

func (d *sqliteDialect) IsConnectionError(err error) bool {
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		return sqErr.Code()&0xff == sqlite3.SQLITE_CANTOPEN
	}
	return false
}
