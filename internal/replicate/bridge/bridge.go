// Package bridge wires a crdt.Doc's remote-origin events to an external
// reactive sink (spec.md §4.7): the minimal begin/write/commit/truncate/
// markReady contract a UI's "collection" abstraction is assumed to expose.
package bridge

import (
	"log"
	"sync"

	"github.com/synckit-labs/replicate-go/internal/crdt"
)

// WriteKind distinguishes an insert/update snapshot write from a delete
// carrying the pre-deletion snapshot.
type WriteKind string

const (
	WriteUpdate WriteKind = "update"
	WriteDelete WriteKind = "delete"
)

// WriteMsg is one row-level change handed to the sink inside a
// begin/commit bracket.
type WriteMsg struct {
	Key   string
	Type  WriteKind
	Value map[string]any
}

// Sink is the external reactive collection's contract. Implementations
// decide how begin/write/commit map onto their own change-notification
// mechanism (signals, observables, plain callbacks).
type Sink interface {
	Begin()
	Write(msg WriteMsg)
	Commit()
	Truncate()
	MarkReady()
}

// Bridge observes a crdt.Doc and forwards remote-origin changes to a Sink.
// Local-origin changes are suppressed: the sink already applied them
// optimistically through its own mutation path.
type Bridge struct {
	mu        sync.Mutex
	preimages map[string]map[string]any // capped best-effort cache, keyed by doc key
	maxCache  int
}

// New constructs a Bridge. maxCache bounds the pre-image cache; 0 means
// unbounded (acceptable for short-lived test docs, not recommended for a
// long-running client).
func New(maxCache int) *Bridge {
	return &Bridge{preimages: make(map[string]map[string]any), maxCache: maxCache}
}

// Attach registers an observer on doc that forwards remote-origin events
// to sink per spec.md §4.7's emission rules.
func (b *Bridge) Attach(doc *crdt.Doc, sink Sink) {
	doc.Observe(func(update crdt.UpdateV2, origin crdt.Origin) {
		if origin.IsLocal() {
			return
		}
		b.emit(doc, update, sink)
	})
}

func (b *Bridge) emit(doc *crdt.Doc, update crdt.UpdateV2, sink Sink) {
	keys, deletedKeys, err := crdt.TouchedKeys(update)
	if err != nil {
		log.Printf("[BRIDGE] dropping malformed remote update: %v", err)
		return
	}
	if len(keys) == 0 && len(deletedKeys) == 0 {
		return
	}

	deleted := make(map[string]bool, len(deletedKeys))
	for _, key := range deletedKeys {
		deleted[key] = true
	}

	sink.Begin()
	for _, key := range keys {
		if deleted[key] {
			continue // same update also deletes this key; delete wins below
		}
		snap := doc.Snapshot(key)
		if snap == nil {
			// Concurrently deleted since the update was decoded; treat as delete.
			b.writeDelete(key, sink)
			continue
		}
		b.cachePreimage(key, snap)
		sink.Write(WriteMsg{Key: key, Type: WriteUpdate, Value: snap})
	}
	for _, key := range deletedKeys {
		b.writeDelete(key, sink)
	}
	sink.Commit()
}

func (b *Bridge) writeDelete(key string, sink Sink) {
	b.mu.Lock()
	pre, ok := b.preimages[key]
	delete(b.preimages, key)
	b.mu.Unlock()

	if !ok {
		// Pre-image was never cached or already evicted: skip the delete
		// message and rely on periodic reconciliation (spec.md §4.7).
		log.Printf("[BRIDGE] no pre-image for deleted key %q, skipping delete emission", key)
		return
	}
	sink.Write(WriteMsg{Key: key, Type: WriteDelete, Value: pre})
}

func (b *Bridge) cachePreimage(key string, snap map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxCache > 0 && len(b.preimages) >= b.maxCache {
		for k := range b.preimages {
			delete(b.preimages, k)
			break
		}
	}
	b.preimages[key] = snap
}

// Reconcile truncates the sink and re-emits every currently-live key as an
// insert, used after applying a full snapshot (spec.md §4.6 step "snapshot
// — truncate the reactive sink and re-emit an insert for every key").
func Reconcile(doc *crdt.Doc, sink Sink) {
	sink.Truncate()
	sink.Begin()
	for _, key := range doc.Keys() {
		snap := doc.Snapshot(key)
		if snap == nil {
			continue
		}
		sink.Write(WriteMsg{Key: key, Type: WriteUpdate, Value: snap})
	}
	sink.Commit()
}
