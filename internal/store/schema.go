package store

import (
	"context"
	"fmt"
)

// ColumnType is a portable column type, mapped to DDL per dialect.
type ColumnType int

const (
	Text ColumnType = iota
	// Key is short indexable text.
	Key
	UUID
	Timestamp
	Bool
	Int
	Float
)

// Column describes one column of a table.
type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
}

// Index describes a secondary index.
type Index struct {
	Name    string
	Columns []string
	Unique  bool
}

// Table is a dialect-neutral table definition.
type Table struct {
	Name       string
	Columns    []Column
	PrimaryKey []string
	Indexes    []Index
}

// ColumnNames returns the column names in declaration order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Tables owned by the sync engine itself.
const (
	MappingsTable   = "id_mappings"
	WatermarksTable = "sync_watermarks"
	LocksTable      = "sync_locks"
)

// SyncTables returns the definitions of the tables the engine owns.
func SyncTables() []Table {
	return []Table{
		{
			Name: MappingsTable,
			Columns: []Column{
				{Name: "entity_type", Type: Key},
				{Name: "legacy_id", Type: Key},
				{Name: "internal_id", Type: UUID},
				{Name: "last_synced_at", Type: Timestamp, Nullable: true},
			},
			PrimaryKey: []string{"entity_type", "legacy_id"},
			Indexes: []Index{
				{Name: "ix_id_mappings_internal", Columns: []string{"entity_type", "internal_id"}},
			},
		},
		{
			Name: WatermarksTable,
			Columns: []Column{
				{Name: "scope", Type: Key},
				{Name: "watermark_at", Type: Text},
				{Name: "run_id", Type: Key},
				{Name: "updated_at", Type: Text},
			},
			PrimaryKey: []string{"scope"},
		},
		{
			Name: LocksTable,
			Columns: []Column{
				{Name: "scope", Type: Key},
				{Name: "owner", Type: Key},
				{Name: "acquired_at", Type: Text},
				{Name: "expires_at", Type: Key},
			},
			PrimaryKey: []string{"scope"},
		},
	}
}

// EnsureSyncTables creates the engine-owned tables if they do not exist.
func (s *Store) EnsureSyncTables(ctx context.Context) error {
	return s.EnsureTables(ctx, SyncTables()...)
}

// EnsureTables creates the given tables if they do not exist.
func (s *Store) EnsureTables(ctx context.Context, tables ...Table) error {
	for _, t := range tables {
		for _, stmt := range s.dialect.CreateTable(s.schema, t) {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return s.wrap(fmt.Sprintf("creating table %s", t.Name), err)
			}
		}
	}
	return nil
}
