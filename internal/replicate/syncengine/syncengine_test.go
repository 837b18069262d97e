package syncengine

import (
	"context"
	"testing"

	"github.com/synckit-labs/replicate-go/internal/crdt"
	"github.com/synckit-labs/replicate-go/internal/replicate/bridge"
	"github.com/synckit-labs/replicate-go/internal/replicate/checkpoint"
	"github.com/synckit-labs/replicate-go/internal/replicate/initgate"
	"github.com/synckit-labs/replicate-go/internal/replicate/localstore"
	"github.com/synckit-labs/replicate-go/internal/replicate/store"
)

type recordingSink struct {
	events   []string
	readyHit bool
}

func (s *recordingSink) Begin()             { s.events = append(s.events, "begin") }
func (s *recordingSink) Write(bridge.WriteMsg) { s.events = append(s.events, "write") }
func (s *recordingSink) Commit()            { s.events = append(s.events, "commit") }
func (s *recordingSink) Truncate()          { s.events = append(s.events, "truncate") }
func (s *recordingSink) MarkReady()         { s.readyHit = true }

type fixedServerVersion int

func (v fixedServerVersion) version(context.Context) (int, error) { return int(v), nil }

type singlePageStream struct {
	resp StreamResponse
	sent bool
}

func (s *singlePageStream) Stream(ctx context.Context, collection string, cp checkpoint.Checkpoint, vector crdt.StateVector, limit int) (StreamResponse, error) {
	if s.sent {
		return StreamResponse{Checkpoint: cp, HasMore: false}, nil
	}
	s.sent = true
	return s.resp, nil
}

func newTestEngine(t *testing.T, stream StreamSubscriber, sink *recordingSink) (*Engine, *crdt.Doc) {
	t.Helper()
	local := localstore.NewMemoryStore()
	doc := crdt.NewDoc("guid-1", 1)
	s := store.New("todos", doc)

	gate := initgate.New(local, nil)
	e := New(Options{
		Collection: "todos",
		Doc:        doc,
		Store:      s,
		Sink:       sink,
		Local:      local,
		Gate:       gate,
		ServerVer:  fixedServerVersion(1).version,
		Stream:     stream,
	})
	return e, doc
}

func TestStart_AppliesDeltaAndEmitsThroughSink(t *testing.T) {
	remote := crdt.NewDoc("guid-remote", 2)
	delta := crdt.Transact(remote, func(tx *crdt.Txn) {
		tx.ReplaceDoc("todo-1", map[string]any{"title": "from server"})
	}, crdt.OriginInsert)

	stream := &singlePageStream{resp: StreamResponse{
		Changes: []StreamEvent{{
			CRDTBytes:     delta,
			OperationType: OpDelta,
		}},
		Checkpoint: checkpoint.Checkpoint{LastModified: 100},
		HasMore:    false,
	}}
	sink := &recordingSink{}
	e, doc := newTestEngine(t, stream, sink)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if doc.Snapshot("todo-1") == nil {
		t.Fatal("expected remote delta to be applied")
	}
	if !sink.readyHit {
		t.Fatal("expected MarkReady to be called")
	}
	if len(sink.events) == 0 {
		t.Fatal("expected sink to have received begin/write/commit for the applied delta")
	}
}

func TestStart_SavesReturnedCheckpoint(t *testing.T) {
	stream := &singlePageStream{resp: StreamResponse{
		Checkpoint: checkpoint.Checkpoint{LastModified: 555},
		HasMore:    false,
	}}
	sink := &recordingSink{}
	local := localstore.NewMemoryStore()
	doc := crdt.NewDoc("guid-1", 1)
	s := store.New("todos", doc)
	gate := initgate.New(local, nil)

	e := New(Options{
		Collection: "todos",
		Doc:        doc,
		Store:      s,
		Sink:       sink,
		Local:      local,
		Gate:       gate,
		ServerVer:  fixedServerVersion(1).version,
		Stream:     stream,
	})

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	cps := checkpoint.NewStore(local)
	cp, err := cps.Load("todos")
	if err != nil {
		t.Fatalf("Load checkpoint failed: %v", err)
	}
	if cp.LastModified != 555 {
		t.Errorf("checkpoint.LastModified = %d, want 555", cp.LastModified)
	}
}

func TestStart_MergesPersistedDocAndOpensSyncedGate(t *testing.T) {
	local := localstore.NewMemoryStore()

	// Simulate a prior run that persisted state for "todos" under a
	// different in-memory doc instance.
	prior := crdt.NewDoc("guid-prior", 7)
	crdt.Transact(prior, func(tx *crdt.Txn) {
		tx.ReplaceDoc("todo-1", map[string]any{"title": "persisted earlier"})
	}, crdt.OriginInsert)
	if err := localstore.SaveDoc(local, "todos", prior); err != nil {
		t.Fatalf("SaveDoc failed: %v", err)
	}

	doc := crdt.NewDoc("guid-1", 0)
	s := store.New("todos", doc)
	synced := localstore.NewSyncedGate()
	gate := initgate.New(local, nil)

	e := New(Options{
		Collection: "todos",
		Doc:        doc,
		Store:      s,
		Sink:       &recordingSink{},
		Local:      local,
		Gate:       gate,
		ServerVer:  fixedServerVersion(1).version,
		Stream:     &singlePageStream{},
		Synced:     synced,
	})

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if doc.Snapshot("todo-1") == nil {
		t.Fatal("expected persisted state to be merged into the fresh doc on startup")
	}

	if err := synced.Wait(context.Background()); err != nil {
		t.Fatalf("expected synced gate to be open after Start: %v", err)
	}
	if s.Synced != synced {
		t.Fatal("expected New to wire opts.Synced onto opts.Store")
	}
}

func TestLoadAndMergeDoc_DoesNotOverwriteNewerLocalState(t *testing.T) {
	local := localstore.NewMemoryStore()

	persisted := crdt.NewDoc("guid-old", 1)
	crdt.Transact(persisted, func(tx *crdt.Txn) {
		tx.ReplaceDoc("todo-1", map[string]any{"title": "stale"})
	}, crdt.OriginInsert)
	if err := localstore.SaveDoc(local, "todos", persisted); err != nil {
		t.Fatalf("SaveDoc failed: %v", err)
	}

	live := crdt.NewDoc("guid-live", 2)
	crdt.Transact(live, func(tx *crdt.Txn) {
		tx.ReplaceDoc("todo-1", map[string]any{"title": "fresher"})
	}, crdt.OriginInsert)

	if err := localstore.LoadAndMergeDoc(local, "todos", live); err != nil {
		t.Fatalf("LoadAndMergeDoc failed: %v", err)
	}

	snap := live.Snapshot("todo-1")
	if snap["title"] != "fresher" {
		t.Errorf("title = %v, want %q (newer in-memory write must survive a merge of older persisted state)", snap["title"], "fresher")
	}
}

func TestMarkReady_CalledEvenOnGateFailure(t *testing.T) {
	sink := &recordingSink{}
	local := localstore.NewMemoryStore()
	doc := crdt.NewDoc("guid-1", 1)
	s := store.New("todos", doc)
	gate := initgate.New(local, nil)

	e := New(Options{
		Collection: "todos",
		Doc:        doc,
		Store:      s,
		Sink:       sink,
		Local:      local,
		Gate:       gate,
		ServerVer:  func(context.Context) (int, error) { return 999, nil }, // out of [1,99] range
		Stream:     &singlePageStream{},
	})

	if err := e.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail on an out-of-range server version")
	}
	if !sink.readyHit {
		t.Error("expected MarkReady to be called even on init gate failure")
	}
}
