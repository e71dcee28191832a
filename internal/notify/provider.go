package notify

import "time"

// Provider defines the notification contract for sync run events.
// This interface allows for different notification backends (Slack, email, etc.)
// and enables easier testing through mock implementations.
type Provider interface {
	// SyncStarted sends notification when a run starts.
	SyncStarted(runID, tenant, mode string, since *time.Time) error

	// SyncCompleted sends notification when a run completes without record errors.
	SyncCompleted(runID string, startTime time.Time, duration time.Duration, migrated int, refsUpdated int) error

	// SyncCompletedWithErrors sends notification when a run completes but
	// some records or entity types failed.
	SyncCompletedWithErrors(runID string, startTime time.Time, duration time.Duration, migrated int, errorCount int, errors []string) error

	// SyncFailed sends notification when a run fails.
	SyncFailed(runID string, err error, duration time.Duration) error

	// EntityFailed sends notification when one entity type could not be synced.
	EntityFailed(runID, entityType string, err error) error
}

// Ensure Notifier implements Provider
var _ Provider = (*Notifier)(nil)
