package orchestrator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/johndauphine/fieldsync/internal/mapping"
)

// HealthCheckResult reports connectivity to the store and the legacy platform.
type HealthCheckResult struct {
	Timestamp       string `json:"timestamp"`
	Tenant          string `json:"tenant"`
	StoreType       string `json:"store_type"`
	StoreConnected  bool   `json:"store_connected"`
	StoreLatencyMs  int64  `json:"store_latency_ms"`
	StoreError      string `json:"store_error,omitempty"`
	LegacyConnected bool   `json:"legacy_connected"`
	LegacyLatencyMs int64  `json:"legacy_latency_ms"`
	LegacyError     string `json:"legacy_error,omitempty"`
	Healthy         bool   `json:"healthy"`
}

// HealthCheck tests the store and the legacy platform concurrently, each
// with its own timeout so one slow side cannot fail the other.
func (o *Orchestrator) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	result := &HealthCheckResult{
		Timestamp: time.Now().Format(time.RFC3339),
		Tenant:    o.config.Tenant,
		StoreType: o.store.Dialect(),
	}

	const checkTimeout = 30 * time.Second

	// Checks record failures in the result rather than returning them, so
	// the group never cancels the sibling check.
	var g errgroup.Group

	g.Go(func() error {
		start := time.Now()
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()

		if err := o.store.Ping(checkCtx); err != nil {
			result.StoreError = err.Error()
		} else {
			result.StoreConnected = true
		}
		result.StoreLatencyMs = time.Since(start).Milliseconds()
		return nil
	})

	g.Go(func() error {
		start := time.Now()
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()

		if err := o.source.Ping(checkCtx, mapping.MustGet(mapping.Company).LegacyType); err != nil {
			result.LegacyError = err.Error()
		} else {
			result.LegacyConnected = true
		}
		result.LegacyLatencyMs = time.Since(start).Milliseconds()
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	result.Healthy = result.StoreConnected && result.LegacyConnected
	return result, ctx.Err()
}
