package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Row is one record destined for an entity table. The first column is
// the key and must be "id".
type Row struct {
	Columns []string
	Values  []any
}

// Upsert inserts row into table or overwrites the existing row with the
// same id.
func (s *Store) Upsert(ctx context.Context, table string, row Row) error {
	if len(row.Columns) == 0 || row.Columns[0] != "id" {
		return fmt.Errorf("upsert into %s: first column must be id", table)
	}
	if len(row.Columns) != len(row.Values) {
		return fmt.Errorf("upsert into %s: %d columns but %d values", table, len(row.Columns), len(row.Values))
	}

	stmt := s.dialect.Upsert(s.schema, table, row.Columns, []string{"id"})
	_, err := s.db.ExecContext(ctx, stmt, s.bind(row.Values...)...)
	return s.wrap(fmt.Sprintf("upserting into %s", table), err)
}

// CountRows returns the number of rows in table.
func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+s.table(table)).Scan(&n)
	return n, s.wrap(fmt.Sprintf("counting %s", table), err)
}

// Get reads the named columns of the row with the given id. It returns
// nil when the row does not exist.
func (s *Store) Get(ctx context.Context, table, id string, cols ...string) (map[string]any, error) {
	quoted := quoteList(s.dialect, cols)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s", quoted, s.table(table), s.q("id"), s.ph(1))

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	err := s.db.QueryRowContext(ctx, query, id).Scan(ptrs...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap(fmt.Sprintf("reading %s", table), err)
	}

	out := make(map[string]any, len(cols))
	for i, c := range cols {
		if b, ok := vals[i].([]byte); ok {
			vals[i] = string(b)
		}
		out[c] = vals[i]
	}
	return out, nil
}
