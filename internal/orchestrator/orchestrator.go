// Package orchestrator drives a sync run: it plans the run window, takes
// the tenant run lock, runs one migrator per entity type in dependency
// order, reconciles late references and records the watermark and report.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/johndauphine/fieldsync/internal/checkpoint"
	"github.com/johndauphine/fieldsync/internal/config"
	"github.com/johndauphine/fieldsync/internal/identity"
	"github.com/johndauphine/fieldsync/internal/legacy"
	"github.com/johndauphine/fieldsync/internal/logging"
	"github.com/johndauphine/fieldsync/internal/mapping"
	"github.com/johndauphine/fieldsync/internal/migrate"
	"github.com/johndauphine/fieldsync/internal/notify"
	"github.com/johndauphine/fieldsync/internal/reconcile"
	"github.com/johndauphine/fieldsync/internal/store"
)

// ErrRunInProgress is returned when another run holds the tenant lock.
var ErrRunInProgress = errors.New("a sync run is already in progress")

// Source reads legacy records.
type Source interface {
	migrate.Source
	Ping(ctx context.Context, legacyType string) error
}

// Options carries invocation details recorded with each run.
type Options struct {
	// StateFile selects the YAML history backend instead of SQLite.
	StateFile   string
	ConfigPath  string
	ProfileName string
	// RequestHook observes every legacy HTTP attempt.
	RequestHook func(legacy.RequestInfo)
}

// Deps are the collaborators of an Orchestrator. New builds them from
// config; tests supply their own.
type Deps struct {
	Store    *store.Store
	Source   Source
	State    checkpoint.StateBackend
	Notifier notify.Provider
}

// Request describes one run.
type Request struct {
	// Mode defaults to sync.default_mode.
	Mode migrate.Mode
	// Since overrides the stored watermark in incremental mode.
	Since *time.Time
	// Types restricts the run; nil means every entity type.
	Types   []mapping.EntityType
	Workers int
}

// Orchestrator coordinates sync runs for one tenant.
type Orchestrator struct {
	config    *config.Config
	opts      Options
	store     *store.Store
	source    Source
	ids       *identity.Resolver
	state     checkpoint.StateBackend
	notifier  notify.Provider
	observers observers
	running   atomic.Bool
	// minted is the resolver's counter at the start of the current run.
	minted int64
	now    func() time.Time
}

// New creates an orchestrator wired to the configured store, legacy
// platform and history backend.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Orchestrator, error) {
	st, err := store.Open(ctx, &cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	var clientOpts []legacy.Option
	if opts.RequestHook != nil {
		clientOpts = append(clientOpts, legacy.WithRequestHook(opts.RequestHook))
	}
	client, err := legacy.New(LegacyConfig(&cfg.Legacy), clientOpts...)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating legacy client: %w", err)
	}

	var state checkpoint.StateBackend
	if opts.StateFile != "" {
		state, err = checkpoint.NewFileState(opts.StateFile)
	} else {
		state, err = checkpoint.New(cfg.Sync.DataDir)
	}
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating state manager: %w", err)
	}

	return NewWithDeps(cfg, opts, Deps{
		Store:    st,
		Source:   client,
		State:    state,
		Notifier: notify.New(&cfg.Slack),
	}), nil
}

// NewWithDeps creates an orchestrator from explicit collaborators.
func NewWithDeps(cfg *config.Config, opts Options, deps Deps) *Orchestrator {
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.New(nil)
	}
	return &Orchestrator{
		config:   cfg,
		opts:     opts,
		store:    deps.Store,
		source:   deps.Source,
		ids:      identity.New(deps.Store, cfg.Sync.CacheTTL),
		state:    deps.State,
		notifier: notifier,
		now:      time.Now,
	}
}

// LegacyConfig converts the config section into client settings.
func LegacyConfig(c *config.LegacyConfig) legacy.Config {
	return legacy.Config{
		BaseURL:           c.BaseURL,
		APIToken:          c.APIToken,
		PageSize:          c.PageSize,
		MaxAttempts:       c.MaxAttempts,
		InitialBackoff:    c.InitialBackoff,
		MaxBackoff:        c.MaxBackoff,
		Timeout:           c.Timeout,
		RequestsPerSecond: c.RequestsPerSecond,
	}
}

// Observe registers an observer for subsequent runs.
func (o *Orchestrator) Observe(obs Observer) {
	o.observers = append(o.observers, obs)
}

// Close releases all resources
func (o *Orchestrator) Close() {
	if o.state != nil {
		o.state.Close()
	}
	if o.store != nil {
		o.store.Close()
	}
}

// Store exposes the relational store, for maintenance commands.
func (o *Orchestrator) Store() *store.Store {
	return o.store
}

// Resolver exposes the identifier resolver shared by runs.
func (o *Orchestrator) Resolver() *identity.Resolver {
	return o.ids
}

// State exposes the run history backend.
func (o *Orchestrator) State() checkpoint.StateBackend {
	return o.state
}

// Running reports whether this process is executing a run.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// Run executes one sync run. A non-nil report is returned whenever the run
// got past planning; it carries status "failed" when err is also non-nil.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Report, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer o.running.Store(false)

	mode := req.Mode
	if mode == "" {
		var err error
		if mode, err = migrate.ParseMode(o.config.Sync.DefaultMode); err != nil {
			return nil, err
		}
	}
	if _, err := migrate.ParseMode(string(mode)); err != nil {
		return nil, err
	}
	workers := req.Workers
	if workers <= 0 {
		workers = o.config.Sync.Workers
	}
	types := req.Types
	if len(types) == 0 {
		types = mapping.Types()
	}
	ordered, err := mapping.Order(types)
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()[:8]
	start := o.now().UTC()
	scope := o.config.Tenant
	log := logging.With("run", runID).With("tenant", scope)

	o.observers.PhaseChanged(runID, PhasePlanning, "")
	acquired, err := o.store.AcquireLock(ctx, scope, runID, o.config.Sync.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquiring run lock: %w", err)
	}
	if !acquired {
		if holder, herr := o.store.LockHolder(ctx, scope); herr == nil && holder != nil {
			return nil, fmt.Errorf("%w: held by run %s since %s", ErrRunInProgress,
				holder.Owner, holder.AcquiredAt.Format(time.RFC3339))
		}
		return nil, ErrRunInProgress
	}
	defer o.releaseLock(scope, runID)

	var since *time.Time
	if mode == migrate.Incremental {
		since, err = o.resolveSince(ctx, req.Since, start)
		if err != nil {
			o.observers.PhaseChanged(runID, PhaseFailed, "")
			return nil, fmt.Errorf("planning run: %w", err)
		}
	}

	report := newReport(runID, string(mode), start, since, ordered)
	if since != nil {
		log.Info("Starting %s sync run %s (since %s, %d entity types)", mode, runID, since.Format(time.RFC3339), len(ordered))
	} else {
		log.Info("Starting %s sync run %s (%d entity types)", mode, runID, len(ordered))
	}

	if err := o.state.CreateRun(checkpoint.Run{
		ID:          runID,
		Mode:        string(mode),
		Since:       since,
		StartedAt:   start,
		ProfileName: o.opts.ProfileName,
		ConfigPath:  o.opts.ConfigPath,
	}); err != nil {
		log.Warn("Failed to record run in history: %v", err)
	}
	if err := o.notifier.SyncStarted(runID, scope, string(mode), since); err != nil {
		log.Warn("Failed to send start notification: %v", err)
	}

	o.minted = o.ids.Minted()
	opts := migrate.Options{
		Mode:        mode,
		Since:       since,
		Workers:     workers,
		SkipDeleted: o.config.Sync.SkipDeleted,
		OnRecord:    o.observers.RecordProcessed,
	}

	var failedTypes []string
	for _, t := range ordered {
		o.setPhase(runID, PhaseRunning, t)

		m, err := migrate.New(t, o.source, o.store, o.ids)
		if err != nil {
			return o.fail(report, err)
		}
		res, err := m.Migrate(ctx, opts)
		if res != nil {
			report.Counts[string(t)] = res.Migrated
			if res.Deleted > 0 {
				if report.Deleted == nil {
					report.Deleted = make(map[string]int)
				}
				report.Deleted[string(t)] = res.Deleted
			}
			for _, recErr := range res.Errors {
				report.addError(recErr.Error())
			}
		}
		o.observers.EntityFinished(runID, t, res, err)

		if err != nil {
			if !entityFailure(err) {
				return o.fail(report, fmt.Errorf("%s: %w", t, err))
			}
			log.Error("%s sync failed, continuing with the next entity type: %v", t, err)
			report.addError(fmt.Sprintf("%s/*: %v", t, err))
			failedTypes = append(failedTypes, string(t))
			if nerr := o.notifier.EntityFailed(runID, string(t), err); nerr != nil {
				log.Warn("Failed to send entity failure notification: %v", nerr)
			}
		}
	}

	o.setPhase(runID, PhaseReconciling, "")
	updated, err := reconcile.New(o.store, o.ids).Reconcile(ctx)
	if err != nil {
		return o.fail(report, fmt.Errorf("reconciling references: %w", err))
	}
	report.PipelineRefsUpdated = updated

	if len(failedTypes) > 0 {
		log.Warn("Keeping previous watermark, failed entity types: %s", strings.Join(failedTypes, ", "))
	} else if err := o.store.SetWatermark(ctx, scope, start, runID); err != nil {
		return o.fail(report, fmt.Errorf("saving watermark: %w", err))
	}

	report.NewMappings = o.ids.Minted() - o.minted
	report.Status = checkpoint.StatusCompleted
	report.DurationMs = o.now().Sub(start).Milliseconds()
	o.finish(report, "")

	duration := time.Duration(report.DurationMs) * time.Millisecond
	var nerr error
	if report.ErrorCount > 0 {
		nerr = o.notifier.SyncCompletedWithErrors(runID, start, duration, report.Migrated(), report.ErrorCount, report.Errors)
	} else {
		nerr = o.notifier.SyncCompleted(runID, start, duration, report.Migrated(), updated)
	}
	if nerr != nil {
		log.Warn("Failed to send completion notification: %v", nerr)
	}

	log.Info("Sync run %s completed in %s: %s, %d references updated, %d new mappings",
		runID, duration.Round(time.Millisecond), report.Summary(), updated, report.NewMappings)
	return report, nil
}

// resolveSince picks the incremental lower bound: the request, then the
// stored watermark, then the fallback window.
func (o *Orchestrator) resolveSince(ctx context.Context, requested *time.Time, start time.Time) (*time.Time, error) {
	if requested != nil {
		since := requested.UTC()
		return &since, nil
	}
	wm, ok, err := o.store.Watermark(ctx, o.config.Tenant)
	if err != nil {
		return nil, fmt.Errorf("reading watermark: %w", err)
	}
	if ok {
		return &wm, nil
	}
	since := start.Add(-o.config.Sync.FallbackWindow)
	logging.Info("No watermark for tenant %s, falling back to %s", o.config.Tenant, since.Format(time.RFC3339))
	return &since, nil
}

func (o *Orchestrator) setPhase(runID string, phase Phase, entity mapping.EntityType) {
	o.observers.PhaseChanged(runID, phase, entity)
	label := string(phase)
	if entity != "" {
		label += ":" + string(entity)
	}
	if err := o.state.UpdatePhase(runID, label); err != nil {
		logging.Debug("Failed to record phase %s: %v", label, err)
	}
}

func (o *Orchestrator) fail(report *Report, err error) (*Report, error) {
	report.Status = checkpoint.StatusFailed
	report.Error = err.Error()
	report.NewMappings = o.ids.Minted() - o.minted
	report.DurationMs = o.now().Sub(report.SyncedAt).Milliseconds()
	o.finish(report, err.Error())

	logging.With("run", report.RunID).Error("Sync run %s failed: %v", report.RunID, err)
	if nerr := o.notifier.SyncFailed(report.RunID, err, time.Duration(report.DurationMs)*time.Millisecond); nerr != nil {
		logging.Warn("Failed to send failure notification: %v", nerr)
	}
	return report, err
}

func (o *Orchestrator) finish(report *Report, errMsg string) {
	phase := PhaseCompleted
	if report.Failed() {
		phase = PhaseFailed
	}
	o.setPhase(report.RunID, phase, "")

	data, err := json.Marshal(report)
	if err != nil {
		logging.Warn("Failed to encode run report: %v", err)
	}
	if err := o.state.CompleteRun(report.RunID, report.Status, errMsg, data); err != nil {
		logging.Warn("Failed to record run completion: %v", err)
	}
	if o.store != nil {
		logging.Debug("Store pool %s", o.store.PoolStats())
	}
	o.observers.RunFinished(report)
}

// releaseLock runs even when the run context was cancelled.
func (o *Orchestrator) releaseLock(scope, runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.store.ReleaseLock(ctx, scope, runID); err != nil {
		logging.Warn("Failed to release run lock for %s: %v", scope, err)
	}
}

// entityFailure reports errors that fail one entity type but let the run
// continue: an exhausted retry budget on the legacy platform.
func entityFailure(err error) bool {
	var re *legacy.RetryError
	if !errors.As(err, &re) {
		return false
	}
	var se *identity.StorageError
	switch {
	case legacy.IsFatal(err), store.IsUnavailable(err), errors.As(err, &se):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
