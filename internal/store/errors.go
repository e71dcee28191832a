package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrUnavailable marks errors caused by the store being unreachable. A
// run that hits it is aborted.
var ErrUnavailable = errors.New("store unavailable")

// IsUnavailable reports whether err means the store cannot be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// wrap annotates err with the operation and tags connection failures
// with ErrUnavailable.
func (s *Store) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if s.isUnavailable(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Store) isUnavailable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return s.dialect.IsConnectionError(err)
}
