// Package checkpoint persists the {lastModified} boundary used to resume
// the server's delta stream after a restart or reconnect (spec.md §4.4).
package checkpoint

import (
	"encoding/json"
	"fmt"

	"github.com/synckit-labs/replicate-go/internal/replicate/localstore"
)

// Checkpoint marks the boundary between consumed and un-consumed server
// events for one collection.
type Checkpoint struct {
	LastModified int64 `json:"lastModified"`
}

// Store reads and writes Checkpoint values through a localstore.Store.
type Store struct {
	backing localstore.Store
}

func NewStore(backing localstore.Store) *Store {
	return &Store{backing: backing}
}

func key(collection string) string {
	return "replicate:checkpoint:" + collection
}

// Load returns the saved checkpoint for collection, or {lastModified:0} if
// none has been saved yet. Always reads from durable storage, never an
// in-memory cache — the checkpoint-on-reconnect pitfall of spec.md §9.
func (s *Store) Load(collection string) (Checkpoint, error) {
	raw, found, err := s.backing.Load(key(collection))
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: load: %w", err)
	}
	if !found {
		return Checkpoint{LastModified: 0}, nil
	}

	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: unmarshal: %w", err)
	}
	return cp, nil
}

// Save persists cp for collection.
func (s *Store) Save(collection string, cp Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}
	if err := s.backing.Save(key(collection), raw); err != nil {
		return fmt.Errorf("checkpoint: save: %w", err)
	}
	return nil
}

// Clear removes the saved checkpoint for collection.
func (s *Store) Clear(collection string) error {
	if err := s.backing.Clear(key(collection)); err != nil {
		return fmt.Errorf("checkpoint: clear: %w", err)
	}
	return nil
}
