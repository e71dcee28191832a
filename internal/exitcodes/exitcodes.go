// Package exitcodes defines the process exit codes of the fieldsync CLI,
// so schedulers (cron, Kubernetes jobs, Airflow) can tell retryable
// failures from ones that need an operator.
package exitcodes

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/johndauphine/fieldsync/internal/checkpoint"
	"github.com/johndauphine/fieldsync/internal/identity"
	"github.com/johndauphine/fieldsync/internal/legacy"
	"github.com/johndauphine/fieldsync/internal/orchestrator"
	"github.com/johndauphine/fieldsync/internal/store"
)

const (
	// Success - run completed without errors
	Success = 0

	// ConfigError - configuration/YAML parsing or validation errors (don't retry)
	ConfigError = 1

	// ConnectionError - store or legacy platform unreachable (recoverable)
	ConnectionError = 2

	// SyncError - the run failed for another reason
	SyncError = 3

	// PartialError - the run completed but some records or entity types failed (recoverable)
	PartialError = 4

	// Cancelled - user cancelled via SIGINT/SIGTERM (recoverable)
	Cancelled = 5

	// StateError - another run holds the tenant lock, or run history is unusable
	StateError = 6

	// IOError - file I/O errors (recoverable)
	IOError = 7

	// AuthError - the legacy platform rejected the API token (don't retry)
	AuthError = 8
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromError determines the exit code for an error. Typed errors are
// checked first; message matching covers errors from outside the module.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Cancelled
	case errors.Is(err, legacy.ErrUnauthorized):
		return AuthError
	case errors.Is(err, orchestrator.ErrRunInProgress):
		return StateError
	case errors.Is(err, checkpoint.ErrProfileMismatch):
		return ConfigError
	case store.IsUnavailable(err):
		return ConnectionError
	}
	var retryErr *legacy.RetryError
	if errors.As(err, &retryErr) {
		return ConnectionError
	}
	var storageErr *identity.StorageError
	if errors.As(err, &storageErr) {
		return ConnectionError
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return IOError
	}

	errStr := strings.ToLower(err.Error())

	if containsAny(errStr, []string{
		"no such file",
		"file not found",
		"permission denied",
		"is a directory",
		"not a directory",
	}) {
		return IOError
	}

	if containsAny(errStr, []string{
		"yaml:",
		"json:",
		"unmarshal",
		"invalid config",
		"missing required",
		"invalid value",
		"parsing config",
		"sync mode must be",
		"unknown entity type",
	}) && !containsAny(errStr, []string{"connection", "connect", "dial"}) {
		return ConfigError
	}

	if containsAny(errStr, []string{
		"connection",
		"connect",
		"dial",
		"refused",
		"timeout",
		"unreachable",
		"no such host",
		"network",
		"ping",
	}) {
		return ConnectionError
	}

	if containsAny(errStr, []string{
		"cancel",
		"interrupt",
	}) {
		return Cancelled
	}

	if containsAny(errStr, []string{
		"lock",
		"run history",
		"run not found",
		"profile",
	}) {
		return StateError
	}

	return SyncError
}

// FromReport maps a finished run to an exit code.
func FromReport(report *orchestrator.Report, err error) int {
	if err != nil {
		return FromError(err)
	}
	if report != nil && report.ErrorCount > 0 {
		return PartialError
	}
	return Success
}

// IsRecoverable returns true if the error is recoverable (safe to retry).
func IsRecoverable(code int) bool {
	switch code {
	case ConnectionError, PartialError, Cancelled, IOError:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case ConnectionError:
		return "connection error (recoverable)"
	case SyncError:
		return "sync error"
	case PartialError:
		return "completed with errors (recoverable)"
	case Cancelled:
		return "cancelled (recoverable)"
	case StateError:
		return "state error"
	case IOError:
		return "I/O error (recoverable)"
	case AuthError:
		return "authentication error"
	default:
		return "unknown error"
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
