package initgate

import (
	"context"
	"errors"
	"testing"

	replicateerr "github.com/synckit-labs/replicate-go/internal/replicate/errors"
	"github.com/synckit-labs/replicate-go/internal/replicate/localstore"
)

func serverVersion(v int) ServerVersionFunc {
	return func(ctx context.Context) (int, error) { return v, nil }
}

func TestGate_Ensure_NoMigrationsNeeded(t *testing.T) {
	g := New(localstore.NewMemoryStore(), nil)

	if err := g.Ensure(context.Background(), serverVersion(1)); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
}

func TestGate_Ensure_RunsMigrationsInOrder(t *testing.T) {
	store := localstore.NewMemoryStore()
	var ran []int
	migrations := map[int]Migration{
		1: func(s localstore.Store) error { ran = append(ran, 1); return nil },
		2: func(s localstore.Store) error { ran = append(ran, 2); return nil },
	}
	g := New(store, migrations)

	if err := g.Ensure(context.Background(), serverVersion(3)); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if len(ran) != 2 || ran[0] != 1 || ran[1] != 2 {
		t.Errorf("migrations ran in order %v, want [1 2]", ran)
	}

	// A fresh Gate over the same store should see the persisted version
	// and skip migrations it already ran.
	g2 := New(store, migrations)
	ran = nil
	if err := g2.Ensure(context.Background(), serverVersion(3)); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if len(ran) != 0 {
		t.Errorf("second Ensure re-ran migrations %v, want none", ran)
	}
}

func TestGate_Ensure_OnlyRunsOnce(t *testing.T) {
	calls := 0
	g := New(localstore.NewMemoryStore(), nil)
	versionFn := func(ctx context.Context) (int, error) {
		calls++
		return 1, nil
	}

	for i := 0; i < 5; i++ {
		if err := g.Ensure(context.Background(), versionFn); err != nil {
			t.Fatalf("Ensure call %d: %v", i, err)
		}
	}
	if calls != 1 {
		t.Errorf("serverVersion called %d times, want 1 (sync.Once)", calls)
	}
}

func TestGate_Ensure_MissingMigrationIsFatal(t *testing.T) {
	g := New(localstore.NewMemoryStore(), nil)

	err := g.Ensure(context.Background(), serverVersion(2))
	if err == nil {
		t.Fatal("Ensure = nil, want an error when no migration is registered for the needed step")
	}
	var protoErr *replicateerr.ProtocolVersionError
	if !errors.As(err, &protoErr) {
		t.Errorf("Ensure error = %T, want *replicateerr.ProtocolVersionError", err)
	}
}

func TestGate_Ensure_ServerVersionOutOfRange(t *testing.T) {
	g := New(localstore.NewMemoryStore(), nil)

	err := g.Ensure(context.Background(), serverVersion(100))
	if err == nil {
		t.Fatal("Ensure = nil, want an error for a server version above the valid range")
	}
}

func TestGate_Ensure_ServerVersionQueryFails(t *testing.T) {
	g := New(localstore.NewMemoryStore(), nil)
	boom := errors.New("network down")

	err := g.Ensure(context.Background(), func(ctx context.Context) (int, error) { return 0, boom })
	if err == nil {
		t.Fatal("Ensure = nil, want the wrapped query error")
	}
	if !errors.Is(err, boom) {
		t.Errorf("Ensure error = %v, want it to wrap %v", err, boom)
	}
}

func TestGate_Ensure_MigrationFailureStopsTheChain(t *testing.T) {
	store := localstore.NewMemoryStore()
	boom := errors.New("disk full")
	var ranSecond bool
	migrations := map[int]Migration{
		1: func(s localstore.Store) error { return boom },
		2: func(s localstore.Store) error { ranSecond = true; return nil },
	}
	g := New(store, migrations)

	err := g.Ensure(context.Background(), serverVersion(3))
	if err == nil {
		t.Fatal("Ensure = nil, want the migration failure surfaced")
	}
	if !errors.Is(err, boom) {
		t.Errorf("Ensure error = %v, want it to wrap %v", err, boom)
	}
	if ranSecond {
		t.Error("migration v2->v3 ran despite v1->v2 failing")
	}
}
