// Package crdt implements an opaque, Yjs-UpdateV2-shaped binary CRDT codec:
// a per-field last-writer-wins keyed map with commutative, associative,
// idempotent update merging and state-vector diffing.
package crdt

import (
	"encoding/json"
	"sync"
)

// Origin tags the source of a transaction or applied update. The set is
// closed: a local tag (Insert/Update/Delete) or a remote tag
// (Subscription/Snapshot/SSRInit/Reconciliation).
type Origin string

const (
	OriginInsert         Origin = "insert"
	OriginUpdate         Origin = "update"
	OriginDelete         Origin = "delete"
	OriginSubscription   Origin = "subscription"
	OriginSnapshot       Origin = "snapshot"
	OriginSSRInit        Origin = "ssr-init"
	OriginReconciliation Origin = "reconciliation"
)

// IsLocal reports whether origin is one of the local mutation tags
// (Insert/Update/Delete) as opposed to a remote tag.
func (o Origin) IsLocal() bool {
	switch o {
	case OriginInsert, OriginUpdate, OriginDelete:
		return true
	default:
		return false
	}
}

// clockStamp identifies the causal ordering of a single field write: higher
// Clock wins; ties are broken by ClientID. Callers must not depend on which
// side of a tie wins, only that every replica agrees (spec.md §4.2).
type clockStamp struct {
	Clock    uint64
	ClientID uint32
}

// after reports whether s is causally newer than other under the codec's
// deterministic tie-break.
func (s clockStamp) after(other clockStamp) bool {
	if s.Clock != other.Clock {
		return s.Clock > other.Clock
	}
	return s.ClientID > other.ClientID
}

func (s clockStamp) zero() bool {
	return s.Clock == 0 && s.ClientID == 0
}

// survivesDelete reports whether a field stamped s stays live against a
// tombstone stamped tomb. Unlike after, this is not a ClientID tie-break:
// a field update concurrent with a delete (equal Clock) always loses to the
// delete (spec.md §4.2 "delete wins when concurrent with a field update on
// the same key"); the field only survives with a strictly newer Clock,
// which is causal resurrection, not a tie.
func (s clockStamp) survivesDelete(tomb clockStamp) bool {
	return tomb.zero() || s.Clock > tomb.Clock
}

// fieldState is the winning write for one field of one document.
type fieldState struct {
	Stamp clockStamp
	Value []byte // raw JSON
}

// Doc is a per-collection CRDT document: a keyed map of sub-maps, each a
// set of last-writer-wins fields, plus a per-key tombstone stamp.
type Doc struct {
	mu sync.Mutex

	GUID     string
	ClientID uint32

	clock uint64 // local Lamport clock, highest value used or observed

	fields     map[string]map[string]fieldState // docKey -> fieldPath -> state
	tombstones map[string]clockStamp            // docKey -> stamp of the delete that last applied

	observers []func(update UpdateV2, origin Origin)
}

// NewDoc allocates an empty document for the given GUID and client identity.
func NewDoc(guid string, clientID uint32) *Doc {
	return &Doc{
		GUID:       guid,
		ClientID:   clientID,
		fields:     make(map[string]map[string]fieldState),
		tombstones: make(map[string]clockStamp),
	}
}

// Observe registers fn to be called, with the origin delivered verbatim,
// once per local Transact or remote ApplyUpdate call.
func (d *Doc) Observe(fn func(update UpdateV2, origin Origin)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, fn)
}

func (d *Doc) fireObservers(update UpdateV2, origin Origin) {
	// Copy under lock, invoke outside it: observers may re-enter the doc
	// (e.g. the reactive bridge reading a plain snapshot of a key).
	d.mu.Lock()
	obs := make([]func(UpdateV2, Origin), len(d.observers))
	copy(obs, d.observers)
	d.mu.Unlock()

	for _, fn := range obs {
		fn(update, origin)
	}
}

func (d *Doc) nextClockLocked() uint64 {
	d.clock++
	return d.clock
}

func (d *Doc) observeClockLocked(c uint64) {
	if c > d.clock {
		d.clock = c
	}
}

// Keys returns the currently-live document keys (those with at least one
// field whose stamp causally dominates the key's tombstone, if any).
func (d *Doc) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	keys := make([]string, 0, len(d.fields))
	for k := range d.fields {
		if d.liveLocked(k) {
			keys = append(keys, k)
		}
	}
	return keys
}

func (d *Doc) liveLocked(docKey string) bool {
	fields, ok := d.fields[docKey]
	if !ok {
		return false
	}
	tomb := d.tombstones[docKey]
	for _, fs := range fields {
		if fs.Stamp.survivesDelete(tomb) {
			return true
		}
	}
	return false
}

// Snapshot returns a plain JSON-able copy of the sub-map at docKey, or nil
// if the key is not currently live.
func (d *Doc) Snapshot(docKey string) map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.liveLocked(docKey) {
		return nil
	}

	tomb := d.tombstones[docKey]
	out := make(map[string]any)
	for path, fs := range d.fields[docKey] {
		if !fs.Stamp.survivesDelete(tomb) {
			continue
		}
		var v any
		if err := json.Unmarshal(fs.Value, &v); err == nil {
			out[path] = v
		}
	}
	return out
}
