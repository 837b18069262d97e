package retry

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/synckit-labs/replicate-go/internal/replicate/localstore"
)

func withFixedNow(t *testing.T, ts time.Time) {
	t.Helper()
	orig := now
	now = func() time.Time { return ts }
	t.Cleanup(func() { now = orig })
}

func TestInvoke_Success_NoEnqueue(t *testing.T) {
	backing := localstore.NewMemoryStore()
	calls := 0
	w := New("todos", func(json.RawMessage) error {
		calls++
		return nil
	}, backing)

	if err := w.Invoke(json.RawMessage(`{"id":"1"}`)); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestInvoke_Failure_EnqueuesAndPersists(t *testing.T) {
	backing := localstore.NewMemoryStore()
	w := New("todos", func(json.RawMessage) error {
		return errors.New("network down")
	}, backing)

	input := json.RawMessage(`{"id":"1"}`)
	if err := w.Invoke(input); err == nil {
		t.Fatal("expected Invoke to propagate the mutation error")
	}

	raw, found, err := backing.Load(queueKey("todos"))
	if err != nil || !found {
		t.Fatalf("expected persisted queue, found=%v err=%v", found, err)
	}
	var entries []entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		t.Fatalf("decode persisted queue: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("persisted queue len = %d, want 1", len(entries))
	}
}

func TestRetry_ReplaysSurvivorsInFIFOOrder(t *testing.T) {
	withFixedNow(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	backing := localstore.NewMemoryStore()
	var order []string
	fail := true
	w := New("todos", func(raw json.RawMessage) error {
		if fail {
			return errors.New("still offline")
		}
		order = append(order, string(raw))
		return nil
	}, backing)

	w.Invoke(json.RawMessage(`"first"`))
	w.Invoke(json.RawMessage(`"second"`))

	fail = false
	w.Retry()

	if len(order) != 2 || order[0] != `"first"` || order[1] != `"second"` {
		t.Fatalf("replay order = %v, want FIFO [first, second]", order)
	}

	raw, found, _ := backing.Load(queueKey("todos"))
	var remaining []entry
	if found {
		json.Unmarshal(raw, &remaining)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected empty queue after successful replay, got %d entries", len(remaining))
	}
}

func TestRetry_DropsEntriesOlderThan24Hours(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	withFixedNow(t, start)

	backing := localstore.NewMemoryStore()
	w := New("todos", func(json.RawMessage) error {
		return errors.New("offline")
	}, backing)
	w.Invoke(json.RawMessage(`"stale"`))

	replayed := false
	w.mutate = func(json.RawMessage) error {
		replayed = true
		return nil
	}

	withFixedNow(t, start.Add(25*time.Hour))
	w.Retry()

	if replayed {
		t.Error("entry older than 24h must not be replayed")
	}
}

func TestRetry_DropsEntriesAtMaxAttempts(t *testing.T) {
	withFixedNow(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	backing := localstore.NewMemoryStore()
	w := New("todos", func(json.RawMessage) error {
		return errors.New("still failing")
	}, backing)
	w.Invoke(json.RawMessage(`"x"`))

	for i := 0; i < maxTries+5; i++ {
		w.Retry()
	}

	w.mu.Lock()
	remaining := len(w.queue)
	w.mu.Unlock()
	if remaining != 0 {
		t.Errorf("queue len = %d, want 0 once every entry has exhausted its retry budget", remaining)
	}
}
