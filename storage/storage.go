// Package storage defines the persistence interface for case instances.
//
// A store deals in engine.CaseSnapshot values, so any encoding works.
// The bolt subpackage is the stock implementation.
package storage

import (
	"context"
	"errors"

	"github.com/caseworks/docket/engine"
)

var NotFound = errors.New("not found")

// CaseStore persists case snapshots.
type CaseStore interface {
	// Save writes (or overwrites) a snapshot.
	Save(ctx context.Context, snap *engine.CaseSnapshot) error

	// Load reads one snapshot, or returns NotFound.
	Load(ctx context.Context, caseID string) (*engine.CaseSnapshot, error)

	// Remove deletes a snapshot.  Removing an absent snapshot is not
	// an error.
	Remove(ctx context.Context, caseID string) error

	// List gives the stored case ids.
	List(ctx context.Context) ([]string, error)
}

// SaveCase snapshots a live case under its lock and writes it.
func SaveCase(ctx context.Context, store CaseStore, ci *engine.CaseInstance) error {
	ci.Lock()
	snap := engine.SnapshotCase(ci)
	ci.Unlock()
	return store.Save(ctx, snap)
}

// RestoreAll loads every stored case, rebuilds it against its registered
// definition, and hands it to the engine.
func RestoreAll(ctx context.Context, store CaseStore, eng *engine.Engine) ([]*engine.CaseInstance, error) {
	ids, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	acc := make([]*engine.CaseInstance, 0, len(ids))
	for _, id := range ids {
		snap, err := store.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		def, err := eng.Definition(snap.DefName)
		if err != nil {
			return nil, err
		}
		ci, err := engine.RestoreCase(def, snap)
		if err != nil {
			return nil, err
		}
		eng.AdoptCase(ci)
		acc = append(acc, ci)
	}
	return acc, nil
}
