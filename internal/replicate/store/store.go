// Package store implements the per-collection client-side CRDT store:
// local insert/update/delete mutations, remote update application, and the
// pending-delta queue the sync engine drains to the server (spec.md §4.2).
package store

import (
	"context"
	"log"
	"sync"

	"github.com/synckit-labs/replicate-go/internal/crdt"
	"github.com/synckit-labs/replicate-go/internal/replicate/localstore"
)

// Store wraps one crdt.Doc per collection and tracks which locally
// produced deltas still need to reach the server.
type Store struct {
	Collection string
	Doc        *crdt.Doc

	// Synced gates Insert/Update/Delete until the collection's local
	// persistence has finished its initial load (spec.md §4.3). Nil means
	// no gate is wired (tests, or an embedder that skips local
	// persistence entirely) — mutations proceed immediately.
	Synced *localstore.SyncedGate

	mu      sync.Mutex
	pending []crdt.UpdateV2
}

// New wraps doc for collection, queueing every locally-originated delta it
// observes.
func New(collection string, doc *crdt.Doc) *Store {
	s := &Store{Collection: collection, Doc: doc}
	doc.Observe(func(update crdt.UpdateV2, origin crdt.Origin) {
		if origin.IsLocal() {
			s.mu.Lock()
			s.pending = append(s.pending, update)
			s.mu.Unlock()
		}
	})
	return s
}

// awaitSynced blocks until s.Synced opens, if one is wired.
func (s *Store) awaitSynced(ctx context.Context) error {
	if s.Synced == nil {
		return nil
	}
	return s.Synced.Wait(ctx)
}

// Insert replaces the sub-map at key with a new map initialized from
// record, inside a transaction tagged insert. Returns the captured delta.
func (s *Store) Insert(ctx context.Context, key string, record map[string]any) (crdt.UpdateV2, error) {
	if err := s.awaitSynced(ctx); err != nil {
		return nil, err
	}

	var txErr error
	delta := crdt.Transact(s.Doc, func(tx *crdt.Txn) {
		txErr = tx.ReplaceDoc(key, record)
	}, crdt.OriginInsert)
	if txErr != nil {
		return nil, txErr
	}
	return delta, nil
}

// Update sets changed fields on the existing sub-map at key, inside a
// transaction tagged update. If key does not currently exist, logs and
// performs no write (spec.md §4.2) — this is not a codec failure, so it
// returns (nil, nil) rather than an error.
func (s *Store) Update(ctx context.Context, key string, patch map[string]any) (crdt.UpdateV2, error) {
	if err := s.awaitSynced(ctx); err != nil {
		return nil, err
	}

	if s.Doc.Snapshot(key) == nil {
		log.Printf("[STORE] update on missing key %q in collection %q: no-op", key, s.Collection)
		return nil, nil
	}

	var txErr error
	delta := crdt.Transact(s.Doc, func(tx *crdt.Txn) {
		for field, value := range patch {
			if err := tx.Set(key, field, value); err != nil {
				txErr = err
				return
			}
		}
	}, crdt.OriginUpdate)
	if txErr != nil {
		return nil, txErr
	}
	return delta, nil
}

// Delete removes the sub-map at key, inside a transaction tagged delete.
func (s *Store) Delete(ctx context.Context, key string) (crdt.UpdateV2, error) {
	if err := s.awaitSynced(ctx); err != nil {
		return nil, err
	}
	return crdt.Transact(s.Doc, func(tx *crdt.Txn) {
		tx.DeleteDoc(key)
	}, crdt.OriginDelete), nil
}

// ApplyRemote applies an update under the caller's origin. The origin is
// passed through unchecked: callers pass a remote tag, and a local tag here
// would queue the update as pending like any local mutation.
func (s *Store) ApplyRemote(update crdt.UpdateV2, origin crdt.Origin) error {
	return crdt.ApplyUpdate(s.Doc, update, origin)
}

// PendingDeltas returns and clears the queue of locally-originated deltas
// awaiting a server round trip.
func (s *Store) PendingDeltas() []crdt.UpdateV2 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.pending
	s.pending = nil
	return out
}
