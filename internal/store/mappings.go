package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Mapping is one row of the identifier mapping table. A zero LastSyncedAt
// means the id was claimed but no row has been written for it yet.
type Mapping struct {
	EntityType   string
	LegacyID     string
	InternalID   string
	LastSyncedAt time.Time
}

// Synced reports whether a row has been written for the mapping.
func (m Mapping) Synced() bool { return !m.LastSyncedAt.IsZero() }

// LookupInternalID returns the internal id mapped to a legacy id.
func (s *Store) LookupInternalID(ctx context.Context, entityType, legacyID string) (string, bool, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s AND %s = %s",
		s.q("internal_id"), s.table(MappingsTable),
		s.q("entity_type"), s.ph(1), s.q("legacy_id"), s.ph(2))

	var id string
	err := s.db.QueryRowContext(ctx, query, entityType, legacyID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, s.wrap("looking up mapping", err)
	}
	return id, true, nil
}

// LookupSyncedID is LookupInternalID restricted to mappings whose row has
// been written.
func (s *Store) LookupSyncedID(ctx context.Context, entityType, legacyID string) (string, bool, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s AND %s = %s AND %s IS NOT NULL",
		s.q("internal_id"), s.table(MappingsTable),
		s.q("entity_type"), s.ph(1), s.q("legacy_id"), s.ph(2), s.q("last_synced_at"))

	var id string
	err := s.db.QueryRowContext(ctx, query, entityType, legacyID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, s.wrap("looking up synced mapping", err)
	}
	return id, true, nil
}

// LookupLegacyID is the reverse of LookupInternalID.
func (s *Store) LookupLegacyID(ctx context.Context, entityType, internalID string) (string, bool, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s AND %s = %s",
		s.q("legacy_id"), s.table(MappingsTable),
		s.q("entity_type"), s.ph(1), s.q("internal_id"), s.ph(2))

	var id string
	err := s.db.QueryRowContext(ctx, query, entityType, internalID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, s.wrap("looking up legacy id", err)
	}
	return id, true, nil
}

// InsertMapping stores m unless a mapping for the same legacy id already
// exists. It returns the internal id that ended up stored and whether m won.
func (s *Store) InsertMapping(ctx context.Context, m Mapping) (string, bool, error) {
	cols := []string{"entity_type", "legacy_id", "internal_id", "last_synced_at"}
	stmt := s.dialect.InsertIfAbsent(s.schema, MappingsTable, cols, []string{"entity_type", "legacy_id"})

	var synced *time.Time
	if m.Synced() {
		synced = &m.LastSyncedAt
	}
	res, err := s.db.ExecContext(ctx, stmt, s.bind(m.EntityType, m.LegacyID, m.InternalID, synced)...)
	if err != nil && !s.dialect.IsUniqueViolation(err) {
		return "", false, s.wrap("inserting mapping", err)
	}
	if err == nil {
		if n, _ := res.RowsAffected(); n == 1 {
			return m.InternalID, true, nil
		}
	}

	// Lost the race: another writer stored a mapping first.
	id, ok, err := s.LookupInternalID(ctx, m.EntityType, m.LegacyID)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, fmt.Errorf("mapping %s/%s vanished after conflict", m.EntityType, m.LegacyID)
	}
	return id, false, nil
}

// TouchMapping records that the row for a legacy record was written by a run.
func (s *Store) TouchMapping(ctx context.Context, entityType, legacyID string, at time.Time) error {
	query := fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s = %s AND %s = %s",
		s.table(MappingsTable), s.q("last_synced_at"), s.ph(1),
		s.q("entity_type"), s.ph(2), s.q("legacy_id"), s.ph(3))
	_, err := s.db.ExecContext(ctx, query, s.bind(at, entityType, legacyID)...)
	return s.wrap("touching mapping", err)
}

// GetMapping returns the full mapping row for a legacy id.
func (s *Store) GetMapping(ctx context.Context, entityType, legacyID string) (*Mapping, error) {
	query := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s = %s AND %s = %s",
		s.q("internal_id"), s.q("last_synced_at"), s.table(MappingsTable),
		s.q("entity_type"), s.ph(1), s.q("legacy_id"), s.ph(2))

	m := &Mapping{EntityType: entityType, LegacyID: legacyID}
	var synced any
	err := s.db.QueryRowContext(ctx, query, entityType, legacyID).Scan(&m.InternalID, &synced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap("reading mapping", err)
	}
	m.LastSyncedAt, _ = parseTime(synced)
	return m, nil
}

// CountMappings returns the number of mappings per entity type.
func (s *Store) CountMappings(ctx context.Context) (map[string]int64, error) {
	query := fmt.Sprintf("SELECT %s, COUNT(*) FROM %s GROUP BY %s",
		s.q("entity_type"), s.table(MappingsTable), s.q("entity_type"))

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, s.wrap("counting mappings", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, s.wrap("counting mappings", err)
		}
		counts[typ] = n
	}
	return counts, s.wrap("counting mappings", rows.Err())
}

// parseTime accepts native timestamps and the RFC 3339 text stored by SQLite.
func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	case []byte:
		parsed, err := time.Parse(time.RFC3339Nano, string(t))
		return parsed, err == nil
	}
	return time.Time{}, false
}
