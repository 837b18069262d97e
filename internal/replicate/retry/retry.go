// Package retry implements the offline mutation retry wrapper (spec.md
// §4.8): it queues failed mutations and replays survivors, in FIFO order,
// once the client observes a reconnect.
package retry

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/synckit-labs/replicate-go/internal/replicate/localstore"
)

const (
	maxAge   = 24 * time.Hour
	maxTries = 10
)

// MutationFunc is the mutation handler entry point the wrapper replays.
// Input is whatever the caller originally passed to the mutation.
type MutationFunc func(input json.RawMessage) error

// Mode reports whether the queue is being persisted or the wrapper has
// degraded to replaying only what is held in memory for this process.
type Mode int

const (
	ModePersistent Mode = iota
	ModeOnlineOnly
)

type entry struct {
	Input      json.RawMessage `json:"input"`
	CreatedAt  time.Time       `json:"createdAt"`
	RetryCount int             `json:"retryCount"`
}

// Wrapper wraps a collection's mutation function once, queueing failures
// and replaying them on reconnect. It never parses CRDT bytes itself; it
// only replays the same inputs the mutation handler originally received.
type Wrapper struct {
	collection string
	mutate     MutationFunc
	backing    localstore.Store

	mu    sync.Mutex
	queue []entry
	mode  Mode
}

// New wraps mutate for collection, loading any previously persisted queue
// from backing.
func New(collection string, mutate MutationFunc, backing localstore.Store) *Wrapper {
	w := &Wrapper{collection: collection, mutate: mutate, backing: backing}
	if err := w.load(); err != nil {
		log.Printf("[RETRY] degraded to online-only: %v", err)
		w.mode = ModeOnlineOnly
	}
	return w
}

func queueKey(collection string) string {
	return "replicate:retryqueue:" + collection
}

// Invoke calls the wrapped mutation. On failure it enqueues the input for
// later replay and returns the original error to the caller.
func (w *Wrapper) Invoke(input json.RawMessage) error {
	err := w.mutate(input)
	if err == nil {
		return nil
	}

	w.mu.Lock()
	w.queue = append(w.queue, entry{Input: input, CreatedAt: now(), RetryCount: 0})
	w.mu.Unlock()
	w.persist()

	return err
}

// Retry is called on an "online" event or observed reconnect. It filters
// the queue to entries younger than 24h with fewer than 10 prior attempts,
// and replays survivors in FIFO order.
func (w *Wrapper) Retry() {
	w.mu.Lock()
	cutoff := now().Add(-maxAge)
	survivors := w.queue[:0]
	for _, e := range w.queue {
		if e.CreatedAt.After(cutoff) && e.RetryCount < maxTries {
			survivors = append(survivors, e)
		}
	}
	w.queue = survivors
	pending := append([]entry(nil), w.queue...)
	w.mu.Unlock()

	for _, e := range pending {
		if err := w.mutate(e.Input); err != nil {
			log.Printf("[RETRY] replay failed for %q (attempt %d): %v", w.collection, e.RetryCount+1, err)
			w.mu.Lock()
			w.bumpRetryCountLocked(e)
			w.mu.Unlock()
			continue
		}
		w.mu.Lock()
		w.removeLocked(e)
		w.mu.Unlock()
	}
	w.persist()
}

func sameEntry(a, b entry) bool {
	return a.CreatedAt.Equal(b.CreatedAt) && string(a.Input) == string(b.Input)
}

func (w *Wrapper) bumpRetryCountLocked(target entry) {
	for i := range w.queue {
		if sameEntry(w.queue[i], target) {
			w.queue[i].RetryCount++
			return
		}
	}
}

func (w *Wrapper) removeLocked(target entry) {
	out := w.queue[:0]
	removed := false
	for _, e := range w.queue {
		if !removed && sameEntry(e, target) {
			removed = true
			continue
		}
		out = append(out, e)
	}
	w.queue = out
}

// Mode reports the wrapper's current persistence mode.
func (w *Wrapper) Mode() Mode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

func (w *Wrapper) load() error {
	raw, found, err := w.backing.Load(queueKey(w.collection))
	if err != nil {
		return fmt.Errorf("retry: load queue: %w", err)
	}
	if !found {
		return nil
	}
	var q []entry
	if err := json.Unmarshal(raw, &q); err != nil {
		return fmt.Errorf("retry: decode queue: %w", err)
	}
	w.queue = q
	return nil
}

func (w *Wrapper) persist() {
	w.mu.Lock()
	mode := w.mode
	q := append([]entry(nil), w.queue...)
	w.mu.Unlock()

	if mode == ModeOnlineOnly {
		return
	}

	raw, err := json.Marshal(q)
	if err != nil {
		log.Printf("[RETRY] degraded to online-only: %v", err)
		w.mu.Lock()
		w.mode = ModeOnlineOnly
		w.mu.Unlock()
		return
	}
	if err := w.backing.Save(queueKey(w.collection), raw); err != nil {
		log.Printf("[RETRY] degraded to online-only: %v", err)
		w.mu.Lock()
		w.mode = ModeOnlineOnly
		w.mu.Unlock()
	}
}

// now is a seam so tests can avoid depending on wall-clock time.
var now = time.Now
