// Package store is the relational persistence layer: entity upserts, the
// identifier mapping table, run watermarks and locks, and reference
// reconciliation queries. PostgreSQL, SQL Server and SQLite are supported.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/johndauphine/fieldsync/internal/config"
	"github.com/johndauphine/fieldsync/internal/logging"
)

// Store wraps a database handle and the dialect used to talk to it.
type Store struct {
	db      *sql.DB
	dialect Dialect
	schema  string
}

// Open connects to the configured store and verifies the connection.
func Open(ctx context.Context, cfg *config.StoreConfig) (*Store, error) {
	d, err := GetDialect(cfg.Type)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.DriverName(), cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", d.Name(), err)
	}
	d.Configure(db, cfg.MaxConnections)

	s := &Store{db: db, dialect: d, schema: cfg.Schema}
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logging.With("component", "store").With("dialect", d.Name()).Debug("connected")
	return s, nil
}

// New wraps an existing handle. Mostly useful in tests.
func New(db *sql.DB, dialectName, schema string) (*Store, error) {
	d, err := GetDialect(dialectName)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, dialect: d, schema: schema}, nil
}

// Ping checks that the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging %s store: %w: %w", s.dialect.Name(), ErrUnavailable, err)
	}
	return nil
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dialect returns the primary dialect name.
func (s *Store) Dialect() string {
	return s.dialect.Name()
}

func (s *Store) table(name string) string {
	return s.dialect.Qualify(s.schema, name)
}

func (s *Store) q(name string) string {
	return s.dialect.Quote(name)
}

func (s *Store) ph(i int) string {
	return s.dialect.Placeholder(i)
}

func (s *Store) bind(args ...any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = s.dialect.Bind(a)
	}
	return out
}
