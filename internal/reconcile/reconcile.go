// Package reconcile rewrites legacy identifiers left in reference columns
// into internal ids once every entity pass has completed.
package reconcile

import (
	"context"
	"fmt"

	"github.com/johndauphine/fieldsync/internal/identity"
	"github.com/johndauphine/fieldsync/internal/logging"
	"github.com/johndauphine/fieldsync/internal/mapping"
	"github.com/johndauphine/fieldsync/internal/store"
)

// Reference is one column that may hold a legacy identifier.
type Reference struct {
	Table string
	// Source holds the legacy id. When Target differs, the resolved id is
	// written there and Source is left untouched.
	Source string
	Target string
	Entity mapping.EntityType
}

// InPlace reports whether the column is rewritten in place.
func (r Reference) InPlace() bool {
	return r.Source == r.Target
}

func (r Reference) String() string {
	if r.InPlace() {
		return fmt.Sprintf("%s.%s", r.Table, r.Source)
	}
	return fmt.Sprintf("%s.%s->%s", r.Table, r.Source, r.Target)
}

// References is the declared list of reference columns to reconcile.
var References = []Reference{
	{Table: "pipeline_opportunities", Source: "client_id", Target: "client_id", Entity: mapping.Client},
	{Table: "pipeline_opportunities", Source: "project_id", Target: "project_id", Entity: mapping.Project},
	{Table: "pipeline_opportunities", Source: "company_id", Target: "company_id", Entity: mapping.Company},
	{Table: "pipeline_opportunities", Source: "contact_id", Target: "contact_id", Entity: mapping.Contact},
	{Table: "pipeline_activities", Source: "opportunity_owner_id", Target: "opportunity_owner_id", Entity: mapping.User},
	{Table: "pipeline_activities", Source: "task_id", Target: "task_id", Entity: mapping.Task},
	{Table: "calendar_events", Source: "legacy_task_ref", Target: "task_id", Entity: mapping.Task},
}

// Store is the subset of the relational store used here.
type Store interface {
	ScanReferences(ctx context.Context, table, sourceCol, targetCol string) ([]store.RefRow, error)
	SetReference(ctx context.Context, table, targetCol, id string, current *string, value string) (bool, error)
}

// Lookup resolves identifiers without minting.
type Lookup interface {
	Lookup(ctx context.Context, t mapping.EntityType, legacyID string) (string, bool, error)
}

// Updater reconciles the declared references.
type Updater struct {
	store Store
	ids   Lookup
	refs  []Reference
	log   *logging.Entry
}

// New creates an updater over the default reference list.
func New(s Store, ids Lookup) *Updater {
	return NewWithReferences(s, ids, References)
}

// NewWithReferences creates an updater over refs.
func NewWithReferences(s Store, ids Lookup, refs []Reference) *Updater {
	return &Updater{store: s, ids: ids, refs: refs, log: logging.With("component", "reconcile")}
}

// Reconcile resolves every reference still holding a legacy id and
// returns how many rows changed. Unknown ids are left as they are and
// retried on the next run; a second call with no new mappings changes
// nothing.
func (u *Updater) Reconcile(ctx context.Context) (int, error) {
	total := 0
	for _, ref := range u.refs {
		n, err := u.reconcileRef(ctx, ref)
		if err != nil {
			return total, fmt.Errorf("reconciling %s: %w", ref, err)
		}
		if n > 0 {
			u.log.With("reference", ref.String()).Info("updated %d rows", n)
		}
		total += n
	}
	return total, nil
}

func (u *Updater) reconcileRef(ctx context.Context, ref Reference) (int, error) {
	rows, err := u.store.ScanReferences(ctx, ref.Table, ref.Source, ref.Target)
	if err != nil {
		return 0, err
	}

	updated, unresolved := 0, 0
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		if ref.InPlace() {
			if _, ok := identity.ResolveIfUUIDShaped(row.Source); ok {
				continue
			}
		}

		id, ok, err := u.ids.Lookup(ctx, ref.Entity, row.Source)
		if err != nil {
			return updated, err
		}
		if !ok {
			unresolved++
			continue
		}
		if row.Target != nil && *row.Target == id {
			continue
		}

		current := row.Target
		if ref.InPlace() {
			src := row.Source
			current = &src
		}
		changed, err := u.store.SetReference(ctx, ref.Table, ref.Target, row.ID, current, id)
		if err != nil {
			return updated, err
		}
		if changed {
			updated++
		}
	}

	if unresolved > 0 {
		u.log.With("reference", ref.String()).Debug("%d values have no mapping yet", unresolved)
	}
	return updated, nil
}
