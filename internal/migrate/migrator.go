// Package migrate moves one legacy entity type into the relational store.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/johndauphine/fieldsync/internal/identity"
	"github.com/johndauphine/fieldsync/internal/legacy"
	"github.com/johndauphine/fieldsync/internal/logging"
	"github.com/johndauphine/fieldsync/internal/mapping"
	"github.com/johndauphine/fieldsync/internal/store"
)

// Source lists legacy records.
type Source interface {
	ListAll(ctx context.Context, legacyType string, constraints []legacy.Constraint, fn func(legacy.Record) error) error
}

// Sink persists converted rows.
type Sink interface {
	Upsert(ctx context.Context, table string, row store.Row) error
}

// Resolver maps legacy identifiers to internal ones. Lookup only sees ids
// passed to MarkSynced.
type Resolver interface {
	Claim(ctx context.Context, t mapping.EntityType, legacyID string) (string, error)
	MarkSynced(ctx context.Context, t mapping.EntityType, legacyID, internalID string) error
	Lookup(ctx context.Context, t mapping.EntityType, legacyID string) (string, bool, error)
}

// Mode selects which records a pass fetches.
type Mode string

const (
	Full        Mode = "full"
	Incremental Mode = "incremental"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case Full, Incremental:
		return Mode(s), nil
	}
	return "", fmt.Errorf("sync mode must be %q or %q, got %q", Full, Incremental, s)
}

// Options controls a single migration pass.
type Options struct {
	Mode Mode
	// Since is the inclusive lower bound on the legacy modified date.
	// Required in incremental mode.
	Since   *time.Time
	Workers int
	// SkipDeleted disables the pass over soft-deleted records.
	SkipDeleted bool
	// OnRecord, when set, is called after each record with its outcome.
	OnRecord func(t mapping.EntityType, err error)
}

// RecordError is a per-record failure. It never stops the pass.
type RecordError struct {
	EntityType mapping.EntityType
	LegacyID   string
	Err        error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s/%s: %v", e.EntityType, e.LegacyID, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// Result summarizes one pass.
type Result struct {
	EntityType mapping.EntityType
	Migrated   int
	// Deleted counts soft-deleted records, included in Migrated.
	Deleted  int
	Errors   []*RecordError
	Duration time.Duration
}

// Migrator migrates one entity type.
type Migrator struct {
	entity  *mapping.Entity
	convert converter
	src     Source
	sink    Sink
	ids     Resolver
	log     *logging.Entry
}

// New returns the migrator for entity type t.
func New(t mapping.EntityType, src Source, sink Sink, ids Resolver) (*Migrator, error) {
	e, err := mapping.Get(t)
	if err != nil {
		return nil, err
	}
	conv, ok := converters[t]
	if !ok {
		return nil, fmt.Errorf("no converter for %s", t)
	}
	return &Migrator{
		entity:  e,
		convert: conv,
		src:     src,
		sink:    sink,
		ids:     ids,
		log:     logging.With("entity", string(t)),
	}, nil
}

// EntityType returns the type this migrator handles.
func (m *Migrator) EntityType() mapping.EntityType {
	return m.entity.Type
}

// Migrate fetches, converts and upserts every matching record. Per-record
// problems are collected in the result; the returned error is reserved
// for failures that stop the whole pass.
func (m *Migrator) Migrate(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Mode == Incremental && opts.Since == nil {
		return nil, fmt.Errorf("%s: incremental mode requires a lower bound", m.entity.Type)
	}

	res := &Result{EntityType: m.entity.Type}
	var mu sync.Mutex

	passes := []bool{false}
	if !opts.SkipDeleted {
		passes = append(passes, true)
	}

	for _, deleted := range passes {
		constraints := m.constraints(opts, deleted)
		if err := m.pass(ctx, opts, constraints, deleted, res, &mu); err != nil {
			res.Duration = time.Since(start)
			return res, err
		}
	}

	res.Duration = time.Since(start)
	m.log.With("migrated", res.Migrated).With("deleted", res.Deleted).With("errors", len(res.Errors)).
		Info("%s pass finished in %s", m.entity.Type, res.Duration.Round(time.Millisecond))
	return res, nil
}

func (m *Migrator) constraints(opts Options, deleted bool) []legacy.Constraint {
	var cs []legacy.Constraint
	if deleted {
		cs = append(cs, legacy.Deleted(mapping.LegacyDeletedField))
	} else {
		cs = append(cs, legacy.NotDeleted(mapping.LegacyDeletedField))
	}
	if opts.Mode == Incremental {
		cs = append(cs, legacy.ModifiedSince(mapping.LegacyModifiedField, *opts.Since))
	}
	return cs
}

func (m *Migrator) pass(ctx context.Context, opts Options, constraints []legacy.Constraint, deleted bool, res *Result, mu *sync.Mutex) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)

	listErr := m.src.ListAll(gctx, m.entity.LegacyType, constraints, func(rec legacy.Record) error {
		if err := gctx.Err(); err != nil {
			return err
		}
		g.Go(func() error {
			err := m.migrateRecord(gctx, rec, deleted)
			if err != nil && isFatal(err) {
				return err
			}

			mu.Lock()
			if err != nil {
				var recErr *RecordError
				if !errors.As(err, &recErr) {
					recErr = &RecordError{EntityType: m.entity.Type, LegacyID: rec.ID(), Err: err}
				}
				res.Errors = append(res.Errors, recErr)
				m.log.Warn("%v", recErr)
			} else {
				res.Migrated++
				if deleted {
					res.Deleted++
				}
			}
			mu.Unlock()

			if opts.OnRecord != nil {
				opts.OnRecord(m.entity.Type, err)
			}
			return nil
		})
		return nil
	})

	// A worker's fatal error cancels gctx, which usually surfaces from
	// ListAll as context.Canceled; prefer the worker's error.
	if err := g.Wait(); err != nil {
		return err
	}
	if listErr != nil {
		return fmt.Errorf("listing %s: %w", m.entity.LegacyType, listErr)
	}
	return ctx.Err()
}

func (m *Migrator) migrateRecord(ctx context.Context, rec legacy.Record, deleted bool) error {
	r := m.entity.Read(rec)
	legacyID := r.ID()
	if legacyID == "" {
		return &RecordError{EntityType: m.entity.Type, LegacyID: "?", Err: errors.New("record has no _id")}
	}
	fail := func(err error) error {
		return &RecordError{EntityType: m.entity.Type, LegacyID: legacyID, Err: err}
	}

	id, err := m.ids.Claim(ctx, m.entity.Type, legacyID)
	if err != nil {
		if isFatal(err) {
			return err
		}
		return fail(err)
	}

	c := &conversion{ctx: ctx, entity: m.entity, ids: m.ids, r: r}
	record := m.convert(c, c.meta(id, deleted))
	if c.fatal != nil {
		return c.fatal
	}
	if err := c.err(); err != nil {
		return fail(err)
	}

	if err := m.sink.Upsert(ctx, record.Table(), record.Row()); err != nil {
		if isFatal(err) {
			return err
		}
		return fail(err)
	}
	return m.ids.MarkSynced(ctx, m.entity.Type, legacyID, id)
}

// isFatal reports errors that must stop the run rather than one record.
func isFatal(err error) bool {
	var se *identity.StorageError
	switch {
	case errors.As(err, &se):
		return true
	case store.IsUnavailable(err), legacy.IsFatal(err):
		return true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

