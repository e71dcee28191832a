package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
)

// postgresDialect targets PostgreSQL through pgx's database/sql adapter.
type postgresDialect struct{}

func (d *postgresDialect) Name() string       { return "postgres" }
func (d *postgresDialect) Aliases() []string  { return []string{"postgresql", "pg"} }
func (d *postgresDialect) DriverName() string { return "pgx" }

func (d *postgresDialect) Quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (d *postgresDialect) Qualify(schema, table string) string {
	if schema == "" {
		return d.Quote(table)
	}
	return d.Quote(schema) + "." + d.Quote(table)
}

func (d *postgresDialect) Placeholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

func (d *postgresDialect) ColumnType(t ColumnType) string {
	switch t {
	case UUID:
		return "UUID"
	case Timestamp:
		return "TIMESTAMPTZ"
	case Bool:
		return "BOOLEAN"
	case Int:
		return "BIGINT"
	case Float:
		return "DOUBLE PRECISION"
	default:
		return "TEXT"
	}
}

func (d *postgresDialect) CreateTable(schema string, t Table) []string {
	var stmts []string
	if schema != "" && schema != "public" {
		stmts = append(stmts, "CREATE SCHEMA IF NOT EXISTS "+d.Quote(schema))
	}
	return append(stmts, createIfNotExists(d, schema, t)...)
}

func (d *postgresDialect) Upsert(schema, table string, cols, key []string) string {
	return onConflict(d, schema, table, cols, key, true)
}

func (d *postgresDialect) InsertIfAbsent(schema, table string, cols, key []string) string {
	return onConflict(d, schema, table, cols, key, false)
}

func (d *postgresDialect) Bind(v any) any { return deref(v) }

func (d *postgresDialect) Configure(db *sql.DB, maxConns int) {
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)
}

func (d *postgresDialect) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (d *postgresDialect) IsConnectionError(err error) bool {
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 08: connection exception, 57P01..03: server shutting down
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P")
	}
	return false
}
