package localstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/synckit-labs/replicate-go/internal/crdt"
)

func TestMemoryStore_SaveLoadClear(t *testing.T) {
	s := NewMemoryStore()

	if _, found, err := s.Load("missing"); err != nil || found {
		t.Fatalf("Load(missing) = found=%v err=%v, want found=false err=nil", found, err)
	}

	if err := s.Save("key", []byte("value")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, found, err := s.Load("key")
	if err != nil || !found {
		t.Fatalf("Load(key) = found=%v err=%v, want found=true err=nil", found, err)
	}
	if string(raw) != "value" {
		t.Errorf("Load(key) = %q, want %q", raw, "value")
	}

	if err := s.Clear("key"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, found, _ := s.Load("key"); found {
		t.Error("Load after Clear still found the key")
	}
}

func TestMemoryStore_SaveCopiesValue(t *testing.T) {
	s := NewMemoryStore()
	value := []byte("original")
	if err := s.Save("key", value); err != nil {
		t.Fatalf("Save: %v", err)
	}
	value[0] = 'X'

	raw, _, _ := s.Load("key")
	if string(raw) != "original" {
		t.Errorf("Load(key) = %q, want %q (mutating the caller's slice after Save must not affect the store)", raw, "original")
	}
}

func TestFileStore_SaveLoadClear(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	if err := fs.Save("replicate:checkpoint:todos", []byte(`{"lastModified":42}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, found, err := fs.Load("replicate:checkpoint:todos")
	if err != nil || !found {
		t.Fatalf("Load = found=%v err=%v, want found=true err=nil", found, err)
	}
	if string(raw) != `{"lastModified":42}` {
		t.Errorf("Load = %q, want the saved JSON back verbatim", raw)
	}

	if err := fs.Clear("replicate:checkpoint:todos"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, found, _ := fs.Load("replicate:checkpoint:todos"); found {
		t.Error("Load after Clear still found the key")
	}
}

func TestFileStore_ClearMissingKeyIsNotAnError(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := fs.Clear("never-saved"); err != nil {
		t.Errorf("Clear(never-saved) = %v, want nil", err)
	}
}

func TestFileStore_KeySanitizedToSafeFilename(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	key := "replicate:checkpoint:todos/archive"
	if err := fs.Save(key, []byte("x")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got := fs.path(key)
	if filepath.Dir(got) != dir {
		t.Errorf("path(%q) = %q, want it to stay under %q", key, got, dir)
	}
	if filepath.Base(got) == key {
		t.Errorf("path(%q) did not sanitize the key at all", key)
	}
}

func TestClientIdentity_GeneratesAndPersists(t *testing.T) {
	s := NewMemoryStore()

	id, err := ClientIdentity(s, "todos")
	if err != nil {
		t.Fatalf("ClientIdentity: %v", err)
	}
	if id == 0 {
		t.Error("ClientIdentity returned 0, want a value in [1, 2^31-1]")
	}

	again, err := ClientIdentity(s, "todos")
	if err != nil {
		t.Fatalf("ClientIdentity (second call): %v", err)
	}
	if again != id {
		t.Errorf("ClientIdentity second call = %d, want the persisted %d", again, id)
	}
}

func TestClientIdentity_PerCollectionIsolation(t *testing.T) {
	s := NewMemoryStore()

	todos, err := ClientIdentity(s, "todos")
	if err != nil {
		t.Fatalf("ClientIdentity(todos): %v", err)
	}
	notes, err := ClientIdentity(s, "notes")
	if err != nil {
		t.Fatalf("ClientIdentity(notes): %v", err)
	}

	if todos == notes {
		t.Errorf("ClientIdentity(todos) == ClientIdentity(notes) == %d, want distinct ids per collection", todos)
	}
}

func TestSaveDoc_LoadAndMergeDoc_RoundTrips(t *testing.T) {
	s := NewMemoryStore()

	src := crdt.NewDoc("guid-src", 3)
	crdt.Transact(src, func(tx *crdt.Txn) {
		tx.ReplaceDoc("todo-1", map[string]any{"title": "wash car", "done": false})
	}, crdt.OriginInsert)
	if err := SaveDoc(s, "todos", src); err != nil {
		t.Fatalf("SaveDoc: %v", err)
	}

	dest := crdt.NewDoc("guid-dest", 0)
	if err := LoadAndMergeDoc(s, "todos", dest); err != nil {
		t.Fatalf("LoadAndMergeDoc: %v", err)
	}

	snap := dest.Snapshot("todo-1")
	if snap == nil {
		t.Fatal("expected persisted document to be merged into dest")
	}
	if snap["title"] != "wash car" {
		t.Errorf("title = %v, want %q", snap["title"], "wash car")
	}
}

func TestLoadAndMergeDoc_NoPriorSaveIsNoOp(t *testing.T) {
	s := NewMemoryStore()
	dest := crdt.NewDoc("guid-dest", 1)

	if err := LoadAndMergeDoc(s, "todos", dest); err != nil {
		t.Fatalf("LoadAndMergeDoc on empty store: %v", err)
	}
	if len(dest.Keys()) != 0 {
		t.Error("expected dest to stay empty when nothing was ever persisted")
	}
}

func TestSaveDoc_MergeIsNotOverwrite(t *testing.T) {
	s := NewMemoryStore()

	src := crdt.NewDoc("guid-src", 1)
	crdt.Transact(src, func(tx *crdt.Txn) {
		tx.ReplaceDoc("todo-1", map[string]any{"title": "A"})
	}, crdt.OriginInsert)
	if err := SaveDoc(s, "todos", src); err != nil {
		t.Fatalf("SaveDoc: %v", err)
	}

	dest := crdt.NewDoc("guid-dest", 9)
	crdt.Transact(dest, func(tx *crdt.Txn) {
		tx.ReplaceDoc("todo-2", map[string]any{"title": "B"})
	}, crdt.OriginInsert)

	if err := LoadAndMergeDoc(s, "todos", dest); err != nil {
		t.Fatalf("LoadAndMergeDoc: %v", err)
	}

	if dest.Snapshot("todo-1") == nil {
		t.Error("expected merge to add the persisted key")
	}
	if dest.Snapshot("todo-2") == nil {
		t.Error("expected merge to keep dest's own pre-existing key, not overwrite the whole doc")
	}
}

func TestSyncedGate_WaitBlocksUntilMarkSynced(t *testing.T) {
	g := NewSyncedGate()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx); err == nil {
		t.Fatal("expected Wait to time out before MarkSynced is called")
	}

	g.MarkSynced()
	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("Wait after MarkSynced: %v", err)
	}
}

func TestSyncedGate_MarkSyncedIsIdempotent(t *testing.T) {
	g := NewSyncedGate()
	g.MarkSynced()
	g.MarkSynced() // must not panic (double close)

	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestRandomClientID_NeverZero(t *testing.T) {
	for i := 0; i < 1000; i++ {
		id, err := randomClientID()
		if err != nil {
			t.Fatalf("randomClientID: %v", err)
		}
		if id == 0 {
			t.Fatal("randomClientID returned 0")
		}
	}
}
