// Package identity maps legacy platform identifiers to stable internal UUIDs.
package identity

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/johndauphine/fieldsync/internal/mapping"
	"github.com/johndauphine/fieldsync/internal/store"
)

// Store is the subset of the relational store the resolver needs.
type Store interface {
	LookupInternalID(ctx context.Context, entityType, legacyID string) (string, bool, error)
	LookupSyncedID(ctx context.Context, entityType, legacyID string) (string, bool, error)
	LookupLegacyID(ctx context.Context, entityType, internalID string) (string, bool, error)
	InsertMapping(ctx context.Context, m store.Mapping) (string, bool, error)
	TouchMapping(ctx context.Context, entityType, legacyID string, at time.Time) error
}

// StorageError wraps a failure of the mapping storage. Resolution never
// fails for any other reason, so callers treat it as fatal.
type StorageError struct {
	Op         string
	EntityType mapping.EntityType
	ID         string
	Err        error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("identity %s %s/%s: %v", e.Op, e.EntityType, e.ID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Resolver resolves and mints internal identifiers. Mappings never change
// once written, so lookups are cached for the resolver's lifetime.
//
// A minted id stays pending until MarkSynced records that its row was
// written. Lookup only returns synced ids.
type Resolver struct {
	store  Store
	cache  *cache.Cache
	minted atomic.Int64
	now    func() time.Time
}

// New creates a resolver over s. ttl bounds how long cached mappings live.
func New(s Store, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Resolver{
		store: s,
		cache: cache.New(ttl, ttl*2),
		now:   time.Now,
	}
}

func forwardKey(t mapping.EntityType, legacyID string) string {
	return string(t) + "\x00" + legacyID
}

func pendingKey(t mapping.EntityType, legacyID string) string {
	return "p\x00" + string(t) + "\x00" + legacyID
}

func reverseKey(t mapping.EntityType, internalID string) string {
	return "r\x00" + string(t) + "\x00" + internalID
}

// ResolveIfUUIDShaped returns the lower-cased value when it is already a
// canonical 8-4-4-4-12 hex UUID.
func ResolveIfUUIDShaped(value string) (string, bool) {
	if len(value) != 36 {
		return "", false
	}
	for i, c := range value {
		switch i {
		case 8, 13, 18, 23:
			if c != '-' {
				return "", false
			}
			continue
		}
		if !isHex(c) {
			return "", false
		}
	}
	return strings.ToLower(value), true
}

func isHex(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// Lookup returns the internal id for a legacy id whose row has been
// written, without ever minting one. UUID-shaped values are returned as
// they are.
func (r *Resolver) Lookup(ctx context.Context, t mapping.EntityType, legacyID string) (string, bool, error) {
	if id, ok := ResolveIfUUIDShaped(legacyID); ok {
		return id, true, nil
	}
	return r.lookup(ctx, t, legacyID)
}

func (r *Resolver) lookup(ctx context.Context, t mapping.EntityType, legacyID string) (string, bool, error) {
	key := forwardKey(t, legacyID)
	if v, ok := r.cache.Get(key); ok {
		return v.(string), true, nil
	}

	id, ok, err := r.store.LookupSyncedID(ctx, string(t), legacyID)
	if err != nil {
		return "", false, &StorageError{Op: "lookup", EntityType: t, ID: legacyID, Err: err}
	}
	if ok {
		r.remember(t, legacyID, id)
	}
	return id, ok, nil
}

// Resolve returns the internal id for a legacy id, minting and storing a
// new UUID the first time it is seen. Concurrent first sightings all get
// the id stored by the first writer.
func (r *Resolver) Resolve(ctx context.Context, t mapping.EntityType, legacyID string) (string, error) {
	if id, ok := ResolveIfUUIDShaped(legacyID); ok {
		return id, nil
	}
	id, _, err := r.resolve(ctx, t, legacyID)
	return id, err
}

// resolve reports whether this call inserted the mapping. The mapping it
// returns may still be pending.
func (r *Resolver) resolve(ctx context.Context, t mapping.EntityType, legacyID string) (string, bool, error) {
	if strings.TrimSpace(legacyID) == "" {
		return "", false, fmt.Errorf("empty legacy id for %s", t)
	}
	if v, ok := r.cache.Get(forwardKey(t, legacyID)); ok {
		return v.(string), false, nil
	}
	if v, ok := r.cache.Get(pendingKey(t, legacyID)); ok {
		return v.(string), false, nil
	}

	id, ok, err := r.store.LookupInternalID(ctx, string(t), legacyID)
	if err != nil {
		return "", false, &StorageError{Op: "lookup", EntityType: t, ID: legacyID, Err: err}
	}
	if ok {
		r.rememberPending(t, legacyID, id)
		return id, false, nil
	}

	candidate := uuid.NewString()
	stored, won, err := r.store.InsertMapping(ctx, store.Mapping{
		EntityType: string(t),
		LegacyID:   legacyID,
		InternalID: candidate,
	})
	if err != nil {
		return "", false, &StorageError{Op: "insert", EntityType: t, ID: legacyID, Err: err}
	}
	if won {
		r.minted.Add(1)
	}
	r.rememberPending(t, legacyID, stored)
	return stored, won, nil
}

// Claim returns the identifier for a record about to be written. Other
// records cannot reference it through Lookup until MarkSynced is called.
func (r *Resolver) Claim(ctx context.Context, t mapping.EntityType, legacyID string) (string, error) {
	id, _, err := r.resolve(ctx, t, legacyID)
	return id, err
}

// MarkSynced stamps the mapping with the sync time once the record's row
// has been written, making it visible to Lookup.
func (r *Resolver) MarkSynced(ctx context.Context, t mapping.EntityType, legacyID, internalID string) error {
	if err := r.store.TouchMapping(ctx, string(t), legacyID, r.now()); err != nil {
		return &StorageError{Op: "touch", EntityType: t, ID: legacyID, Err: err}
	}
	r.cache.Delete(pendingKey(t, legacyID))
	r.remember(t, legacyID, internalID)
	return nil
}

// LegacyID returns the legacy id an internal id was minted for.
func (r *Resolver) LegacyID(ctx context.Context, t mapping.EntityType, internalID string) (string, bool, error) {
	key := reverseKey(t, internalID)
	if v, ok := r.cache.Get(key); ok {
		return v.(string), true, nil
	}
	legacyID, ok, err := r.store.LookupLegacyID(ctx, string(t), internalID)
	if err != nil {
		return "", false, &StorageError{Op: "reverse lookup", EntityType: t, ID: internalID, Err: err}
	}
	if ok {
		r.remember(t, legacyID, internalID)
	}
	return legacyID, ok, nil
}

// Minted returns how many mappings this resolver has created.
func (r *Resolver) Minted() int64 {
	return r.minted.Load()
}

func (r *Resolver) remember(t mapping.EntityType, legacyID, internalID string) {
	r.cache.SetDefault(forwardKey(t, legacyID), internalID)
	r.cache.SetDefault(reverseKey(t, internalID), legacyID)
}

func (r *Resolver) rememberPending(t mapping.EntityType, legacyID, internalID string) {
	r.cache.SetDefault(pendingKey(t, legacyID), internalID)
	r.cache.SetDefault(reverseKey(t, internalID), legacyID)
}
