package store

import (
	"context"
	"database/sql"
	"fmt"
)

// RefRow is one row with a reference column still to reconcile.
type RefRow struct {
	ID     string
	Source string
	// Target is the current value of the target column, nil when NULL.
	Target *string
}

// ScanReferences returns every row of table whose sourceCol is set. When
// sourceCol and targetCol differ, Target carries the target column's
// current value. Rows are fully read before returning.
func (s *Store) ScanReferences(ctx context.Context, table, sourceCol, targetCol string) ([]RefRow, error) {
	query := fmt.Sprintf("SELECT %s, %s, %s FROM %s WHERE %s IS NOT NULL",
		s.q("id"), s.q(sourceCol), s.q(targetCol), s.table(table), s.q(sourceCol))

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, s.wrap(fmt.Sprintf("scanning %s.%s", table, sourceCol), err)
	}
	defer rows.Close()

	var out []RefRow
	for rows.Next() {
		var r RefRow
		var target sql.NullString
		if err := rows.Scan(&r.ID, &r.Source, &target); err != nil {
			return nil, s.wrap(fmt.Sprintf("scanning %s.%s", table, sourceCol), err)
		}
		if target.Valid {
			v := target.String
			r.Target = &v
		}
		if r.Source == "" {
			continue
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(fmt.Sprintf("scanning %s.%s", table, sourceCol), err)
	}
	return out, nil
}

// SetReference writes value into targetCol of row id, but only while the
// column still holds current (NULL when current is nil). It reports
// whether the row changed.
func (s *Store) SetReference(ctx context.Context, table, targetCol, id string, current *string, value string) (bool, error) {
	var (
		query string
		args  []any
	)
	if current == nil {
		query = fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s = %s AND %s IS NULL",
			s.table(table), s.q(targetCol), s.ph(1), s.q("id"), s.ph(2), s.q(targetCol))
		args = []any{value, id}
	} else {
		query = fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s = %s AND %s = %s",
			s.table(table), s.q(targetCol), s.ph(1), s.q("id"), s.ph(2), s.q(targetCol), s.ph(3))
		args = []any{value, id, *current}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, s.wrap(fmt.Sprintf("updating %s.%s", table, targetCol), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.wrap(fmt.Sprintf("updating %s.%s", table, targetCol), err)
	}
	return n > 0, nil
}
