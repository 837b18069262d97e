package store

import (
	"context"
	"testing"
	"time"

	"github.com/synckit-labs/replicate-go/internal/crdt"
	"github.com/synckit-labs/replicate-go/internal/replicate/localstore"
)

func TestInsert_CapturesLocalDelta(t *testing.T) {
	doc := crdt.NewDoc("guid-1", 1)
	s := New("todos", doc)

	delta, err := s.Insert(context.Background(), "todo-1", map[string]any{"title": "wash car", "done": false})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if delta == nil {
		t.Fatal("expected a non-nil delta")
	}

	pending := s.PendingDeltas()
	if len(pending) != 1 {
		t.Fatalf("PendingDeltas() len = %d, want 1", len(pending))
	}
}

func TestUpdate_OnMissingKeyIsNoOp(t *testing.T) {
	doc := crdt.NewDoc("guid-1", 1)
	s := New("todos", doc)

	delta, err := s.Update(context.Background(), "missing", map[string]any{"done": true})
	if err != nil {
		t.Fatalf("Update returned error, want no-op: %v", err)
	}
	if delta != nil {
		t.Errorf("Update on missing key returned non-nil delta")
	}
	if len(s.PendingDeltas()) != 0 {
		t.Error("Update on missing key should not queue a pending delta")
	}
}

func TestUpdate_ExistingKey(t *testing.T) {
	doc := crdt.NewDoc("guid-1", 1)
	s := New("todos", doc)

	if _, err := s.Insert(context.Background(), "todo-1", map[string]any{"title": "wash car", "done": false}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	s.PendingDeltas() // drain insert

	if _, err := s.Update(context.Background(), "todo-1", map[string]any{"done": true}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	snap := doc.Snapshot("todo-1")
	if snap["done"] != true {
		t.Errorf("done = %v, want true", snap["done"])
	}
	if snap["title"] != "wash car" {
		t.Errorf("title = %v, want %q (untouched fields must survive)", snap["title"], "wash car")
	}
}

func TestDelete_RemovesKey(t *testing.T) {
	doc := crdt.NewDoc("guid-1", 1)
	s := New("todos", doc)

	s.Insert(context.Background(), "todo-1", map[string]any{"title": "wash car"})
	if _, err := s.Delete(context.Background(), "todo-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if doc.Snapshot("todo-1") != nil {
		t.Error("expected key to be gone after Delete")
	}
}

func TestInsert_BlocksUntilSynced(t *testing.T) {
	doc := crdt.NewDoc("guid-1", 1)
	s := New("todos", doc)
	s.Synced = localstore.NewSyncedGate()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Insert(ctx, "todo-1", map[string]any{"title": "wash car"}); err == nil {
		t.Fatal("expected Insert to block and time out while the gate is unsynced")
	}

	s.Synced.MarkSynced()
	if _, err := s.Insert(context.Background(), "todo-1", map[string]any{"title": "wash car"}); err != nil {
		t.Fatalf("Insert after MarkSynced failed: %v", err)
	}
}

func TestApplyRemote_DoesNotQueueAsPending(t *testing.T) {
	source := crdt.NewDoc("guid-src", 2)
	delta := crdt.Transact(source, func(tx *crdt.Txn) {
		tx.ReplaceDoc("todo-1", map[string]any{"title": "remote item"})
	}, crdt.OriginInsert)

	dest := crdt.NewDoc("guid-dest", 1)
	s := New("todos", dest)

	if err := s.ApplyRemote(delta, crdt.OriginSubscription); err != nil {
		t.Fatalf("ApplyRemote failed: %v", err)
	}
	if len(s.PendingDeltas()) != 0 {
		t.Error("remote-origin updates must not be queued as pending local deltas")
	}
	if dest.Snapshot("todo-1") == nil {
		t.Error("expected remote update to be applied to doc")
	}
}
