package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Watermark returns the last successful run start for scope.
func (s *Store) Watermark(ctx context.Context, scope string) (time.Time, bool, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
		s.q("watermark_at"), s.table(WatermarksTable), s.q("scope"), s.ph(1))

	var raw string
	err := s.db.QueryRowContext(ctx, query, scope).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, s.wrap("reading watermark", err)
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("watermark for %s is corrupt: %w", scope, err)
	}
	return at, true, nil
}

// SetWatermark stores the watermark for scope.
func (s *Store) SetWatermark(ctx context.Context, scope string, at time.Time, runID string) error {
	cols := []string{"scope", "watermark_at", "run_id", "updated_at"}
	stmt := s.dialect.Upsert(s.schema, WatermarksTable, cols, []string{"scope"})
	_, err := s.db.ExecContext(ctx, stmt,
		scope, formatTime(at), runID, formatTime(time.Now()))
	return s.wrap("writing watermark", err)
}

// Lock describes the holder of a run lock.
type Lock struct {
	Scope      string
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the lock can be taken over at now.
func (l *Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// AcquireLock takes the run lock for scope. An expired lock is taken over.
// It returns false when another live owner holds it.
func (s *Store) AcquireLock(ctx context.Context, scope, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	cols := []string{"scope", "owner", "acquired_at", "expires_at"}
	stmt := s.dialect.InsertIfAbsent(s.schema, LocksTable, cols, []string{"scope"})

	res, err := s.db.ExecContext(ctx, stmt, scope, owner, formatTime(now), formatTime(now.Add(ttl)))
	if err != nil && !s.dialect.IsUniqueViolation(err) {
		return false, s.wrap("acquiring lock", err)
	}
	if err == nil {
		if n, _ := res.RowsAffected(); n == 1 {
			return true, nil
		}
	}

	current, err := s.LockHolder(ctx, scope)
	if err != nil {
		return false, err
	}
	if current == nil {
		// Released between our insert and read; try once more.
		res, err := s.db.ExecContext(ctx, stmt, scope, owner, formatTime(now), formatTime(now.Add(ttl)))
		if err != nil {
			if s.dialect.IsUniqueViolation(err) {
				return false, nil
			}
			return false, s.wrap("acquiring lock", err)
		}
		n, _ := res.RowsAffected()
		return n == 1, nil
	}
	if !current.Expired(now) {
		return false, nil
	}

	// Compare-and-set on the stale holder so only one contender wins.
	query := fmt.Sprintf("UPDATE %s SET %s = %s, %s = %s, %s = %s WHERE %s = %s AND %s = %s AND %s = %s",
		s.table(LocksTable),
		s.q("owner"), s.ph(1), s.q("acquired_at"), s.ph(2), s.q("expires_at"), s.ph(3),
		s.q("scope"), s.ph(4), s.q("owner"), s.ph(5), s.q("expires_at"), s.ph(6))
	res, err = s.db.ExecContext(ctx, query,
		owner, formatTime(now), formatTime(now.Add(ttl)),
		scope, current.Owner, formatTime(current.ExpiresAt))
	if err != nil {
		return false, s.wrap("taking over expired lock", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ReleaseLock drops the lock if owner still holds it.
func (s *Store) ReleaseLock(ctx context.Context, scope, owner string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = %s AND %s = %s",
		s.table(LocksTable), s.q("scope"), s.ph(1), s.q("owner"), s.ph(2))
	_, err := s.db.ExecContext(ctx, query, scope, owner)
	return s.wrap("releasing lock", err)
}

// LockHolder returns the current lock for scope, or nil when unlocked.
func (s *Store) LockHolder(ctx context.Context, scope string) (*Lock, error) {
	query := fmt.Sprintf("SELECT %s, %s, %s FROM %s WHERE %s = %s",
		s.q("owner"), s.q("acquired_at"), s.q("expires_at"),
		s.table(LocksTable), s.q("scope"), s.ph(1))

	var owner, acquired, expires string
	err := s.db.QueryRowContext(ctx, query, scope).Scan(&owner, &acquired, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap("reading lock", err)
	}

	l := &Lock{Scope: scope, Owner: owner}
	if l.AcquiredAt, err = time.Parse(time.RFC3339Nano, acquired); err != nil {
		return nil, fmt.Errorf("lock for %s is corrupt: %w", scope, err)
	}
	if l.ExpiresAt, err = time.Parse(time.RFC3339Nano, expires); err != nil {
		return nil, fmt.Errorf("lock for %s is corrupt: %w", scope, err)
	}
	return l, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
