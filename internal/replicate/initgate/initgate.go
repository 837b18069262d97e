// Package initgate runs the one-shot protocol version check and local
// storage migrations that gate all sync operations (spec.md §4.5).
package initgate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	replicateerr "github.com/synckit-labs/replicate-go/internal/replicate/errors"
	"github.com/synckit-labs/replicate-go/internal/replicate/localstore"
)

const metadataKey = "convex-replicate-protocol/metadata"

const (
	minProtocolVersion = 1
	maxProtocolVersion = 99
)

type metadata struct {
	Version int `json:"version"`
}

// Migration upgrades locally stored state from one protocol version to the
// next. Migrations form a monotone v -> v+1 pipeline; there is no
// downgrade path (spec.md §9).
type Migration func(store localstore.Store) error

// Gate runs once per process per collection-family. Ensure is safe to call
// concurrently from every mutation handler and the sync engine; only the
// first caller does the work, everyone else waits for it.
type Gate struct {
	store      localstore.Store
	migrations map[int]Migration

	once sync.Once
	err  error
}

// New constructs a Gate over store, with step migrations keyed by the
// version they migrate FROM (so migrations[1] moves a v1 store to v2).
func New(store localstore.Store, migrations map[int]Migration) *Gate {
	return &Gate{store: store, migrations: migrations}
}

// ServerVersionFunc fetches the server's advertised protocol version.
type ServerVersionFunc func(ctx context.Context) (int, error)

// Ensure performs the one-shot init sequence: load the local version
// (default 1), query the server's version, run any needed migrations in
// order, and persist the new version only after all of them succeed. All
// mutation handlers and the sync engine must await this before their first
// network call.
func (g *Gate) Ensure(ctx context.Context, serverVersion ServerVersionFunc) error {
	g.once.Do(func() {
		g.err = g.run(ctx, serverVersion)
	})
	return g.err
}

func (g *Gate) run(ctx context.Context, serverVersion ServerVersionFunc) error {
	local, err := g.loadVersion()
	if err != nil {
		return err
	}

	remote, err := serverVersion(ctx)
	if err != nil {
		return fmt.Errorf("initgate: query server protocol version: %w", err)
	}
	if remote < minProtocolVersion || remote > maxProtocolVersion {
		return &replicateerr.ProtocolVersionError{Version: remote, Reason: "server version out of range [1,99]"}
	}

	version := local
	for version < remote {
		migrate, ok := g.migrations[version]
		if !ok {
			return &replicateerr.ProtocolVersionError{
				Version: version,
				Reason:  fmt.Sprintf("no migration registered for v%d -> v%d", version, version+1),
			}
		}
		log.Printf("[INITGATE] running migration v%d -> v%d", version, version+1)
		if err := migrate(g.store); err != nil {
			return fmt.Errorf("initgate: migration v%d -> v%d failed: %w", version, version+1, err)
		}
		version++
	}

	if version != local {
		if err := g.saveVersion(version); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gate) loadVersion() (int, error) {
	raw, found, err := g.store.Load(metadataKey)
	if err != nil {
		return 0, fmt.Errorf("initgate: load metadata: %w", err)
	}
	if !found {
		return 1, nil
	}

	var md metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return 0, &replicateerr.ProtocolVersionError{Reason: "stored protocol metadata is not valid JSON"}
	}
	if md.Version < minProtocolVersion || md.Version > maxProtocolVersion {
		return 0, &replicateerr.ProtocolVersionError{Version: md.Version, Reason: "stored version out of range [1,99]"}
	}
	return md.Version, nil
}

func (g *Gate) saveVersion(version int) error {
	raw, err := json.Marshal(metadata{Version: version})
	if err != nil {
		return fmt.Errorf("initgate: marshal metadata: %w", err)
	}
	if err := g.store.Save(metadataKey, raw); err != nil {
		return fmt.Errorf("initgate: save metadata: %w", err)
	}
	return nil
}
