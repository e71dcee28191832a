package store

import "fmt"

// PoolStats is a snapshot of the connection pool, for logging.
type PoolStats struct {
	Dialect     string
	MaxConns    int
	ActiveConns int
	IdleConns   int
	WaitCount   int64
	WaitTimeMs  int64
}

func (s PoolStats) String() string {
	return fmt.Sprintf("%s: %d/%d active, %d idle, %d waits (%.1fms avg)",
		s.Dialect, s.ActiveConns, s.MaxConns, s.IdleConns,
		s.WaitCount, float64(s.WaitTimeMs)/float64(max(s.WaitCount, 1)))
}

// PoolStats reports the current pool usage.
func (s *Store) PoolStats() PoolStats {
	st := s.db.Stats()
	return PoolStats{
		Dialect:     s.dialect.Name(),
		MaxConns:    st.MaxOpenConnections,
		ActiveConns: st.InUse,
		IdleConns:   st.Idle,
		WaitCount:   st.WaitCount,
		WaitTimeMs:  st.WaitDuration.Milliseconds(),
	}
}
