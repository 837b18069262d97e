// Package syncengine drives one collection's sync lifecycle: the startup
// sequence, server stream subscription, reconciliation against the
// materialized table, and event buffering before the reactive sink is
// ready (spec.md §4.6).
package syncengine

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/synckit-labs/replicate-go/internal/crdt"
	"github.com/synckit-labs/replicate-go/internal/replicate/bridge"
	"github.com/synckit-labs/replicate-go/internal/replicate/checkpoint"
	"github.com/synckit-labs/replicate-go/internal/replicate/initgate"
	"github.com/synckit-labs/replicate-go/internal/replicate/localstore"
	"github.com/synckit-labs/replicate-go/internal/replicate/store"
)

// OperationType is the closed set of stream event kinds the server emits.
type OperationType string

const (
	OpSnapshot OperationType = "snapshot"
	OpDiff     OperationType = "diff"
	OpDelta    OperationType = "delta"
)

// StreamEvent mirrors one entry of the server's stream response.
type StreamEvent struct {
	DocumentID    *string
	CRDTBytes     crdt.UpdateV2
	Version       int64
	Timestamp     int64
	OperationType OperationType
}

// StreamResponse is one page of the server's delta stream.
type StreamResponse struct {
	Changes    []StreamEvent
	Checkpoint checkpoint.Checkpoint
	HasMore    bool
}

// SSRData is the optional server-rendered payload a caller may supply at
// Start time, carrying a pre-fetched CRDT snapshot.
type SSRData struct {
	CRDTBytes  crdt.UpdateV2
	Checkpoint checkpoint.Checkpoint
}

// SSRQuerier fetches the materialized document set used for startup
// reconciliation (spec.md §4.6 step 3).
type SSRQuerier interface {
	SSR(ctx context.Context, collection string) (documents map[string]map[string]any, err error)
}

// StreamSubscriber opens the server's delta stream.
type StreamSubscriber interface {
	Stream(ctx context.Context, collection string, cp checkpoint.Checkpoint, vector crdt.StateVector, limit int) (StreamResponse, error)
}

// MutationClient sends a locally-originated delta to the server. Used by
// the retry wrapper, not directly by the engine's startup sequence.
type MutationClient interface {
	Mutate(ctx context.Context, collection string, delta crdt.UpdateV2) error
}

const streamPageLimit = 100

// registry is a process-wide collection-name -> cleanup mapping, so
// re-creating a collection with the same name runs the previous instance's
// cleanup first (spec.md §4.6, "Cancellation and HMR").
var registry sync.Map // map[string]func()

// Options configures one Engine's Start call.
type Options struct {
	Collection string
	Doc        *crdt.Doc
	Store      *store.Store
	Sink       bridge.Sink
	Local      localstore.Store
	Gate       *initgate.Gate
	ServerVer  initgate.ServerVersionFunc
	SSR        SSRQuerier
	Stream     StreamSubscriber

	// Synced gates opts.Store's mutation handlers until local persistence
	// (client identity + persisted CRDT doc merge) has finished loading
	// (spec.md §4.3). Engine opens it at the end of loadLocalPersistence,
	// win or lose — a caller that never provides local persistence should
	// not block forever. Nil means no gate; Insert/Update/Delete proceed
	// immediately.
	Synced *localstore.SyncedGate

	// SSRInit supplies the optional SSR payload from step 2; nil if the
	// caller has none.
	SSRInit *SSRData
}

// Engine runs one collection's sync lifecycle.
type Engine struct {
	opts Options
	cps  *checkpoint.Store
	gate *gatedSink

	cancel context.CancelFunc
}

// New constructs an Engine for opts.Collection. It does not start syncing
// until Start is called.
func New(opts Options) *Engine {
	if opts.Store != nil && opts.Synced != nil {
		opts.Store.Synced = opts.Synced
	}
	return &Engine{
		opts: opts,
		cps:  checkpoint.NewStore(opts.Local),
	}
}

// Start runs the six-step startup sequence and then blocks streaming
// server events until ctx is cancelled or the stream is exhausted without
// HasMore. Start is safe to call again for the same collection name; the
// previous Engine's cleanup runs first via the module-level registry.
func (e *Engine) Start(ctx context.Context) error {
	if prevCleanup, ok := registry.LoadAndDelete(e.opts.Collection); ok {
		prevCleanup.(func())()
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	registry.Store(e.opts.Collection, func() { cancel() })

	e.gate = newGatedSink(e.opts.Sink)
	bridge.New(0).Attach(e.opts.Doc, e.gate)

	// Step 1: local persistence ready. Resolve client identity and merge
	// any previously persisted CRDT state into the doc before anything
	// else touches it, then open the synced gate so opts.Store's mutation
	// handlers (blocked since construction) can proceed. This runs before
	// the protocol/init gate deliberately: persistence readiness and
	// protocol-version readiness are independent barriers (spec.md §4.3,
	// §4.5), and a client with no network access yet should still be able
	// to read/write its local CRDT doc.
	if err := e.loadLocalPersistence(); err != nil {
		e.markSynced()
		e.gate.markReady()
		return fmt.Errorf("syncengine: local persistence: %w", err)
	}
	e.markSynced()
	e.opts.Doc.Observe(func(crdt.UpdateV2, crdt.Origin) {
		if perr := localstore.SaveDoc(e.opts.Local, e.opts.Collection, e.opts.Doc); perr != nil {
			log.Printf("[SYNC] failed to persist doc for %q: %v", e.opts.Collection, perr)
		}
	})

	if err := e.opts.Gate.Ensure(ctx, e.opts.ServerVer); err != nil {
		e.gate.markReady()
		return fmt.Errorf("syncengine: init gate: %w", err)
	}

	if e.opts.SSRInit != nil {
		if err := crdt.ApplyUpdate(e.opts.Doc, e.opts.SSRInit.CRDTBytes, crdt.OriginSSRInit); err != nil {
			e.gate.markReady()
			return fmt.Errorf("syncengine: apply ssr-init bytes: %w", err)
		}
		if err := e.cps.Save(e.opts.Collection, e.opts.SSRInit.Checkpoint); err != nil {
			log.Printf("[SYNC] failed to save ssr-init checkpoint for %q: %v", e.opts.Collection, err)
		}
	}

	if e.opts.SSR != nil {
		if err := e.reconcile(ctx); err != nil {
			log.Printf("[SYNC] reconciliation failed for %q: %v", e.opts.Collection, err)
		}
	}

	cp, err := e.cps.Load(e.opts.Collection)
	if err != nil {
		e.gate.markReady()
		return fmt.Errorf("syncengine: load checkpoint: %w", err)
	}
	vector := crdt.EncodeStateVector(e.opts.Doc)

	if err := e.runStream(ctx, cp, vector); err != nil {
		log.Printf("[SYNC] stream loop for %q ended: %v", e.opts.Collection, err)
	}

	e.gate.markReady()
	return nil
}

// loadLocalPersistence resolves this collection's persisted client
// identity and merges its persisted CRDT state into e.opts.Doc. A no-op
// (not an error) when e.opts.Local is nil, so callers that skip local
// persistence entirely still get a working engine.
func (e *Engine) loadLocalPersistence() error {
	if e.opts.Local == nil {
		return nil
	}

	id, err := localstore.ClientIdentity(e.opts.Local, e.opts.Collection)
	if err != nil {
		return fmt.Errorf("client identity: %w", err)
	}
	e.opts.Doc.ClientID = id

	if err := localstore.LoadAndMergeDoc(e.opts.Local, e.opts.Collection, e.opts.Doc); err != nil {
		return fmt.Errorf("load persisted doc: %w", err)
	}
	return nil
}

// markSynced opens opts.Synced, if one is wired. Safe to call whether or
// not loadLocalPersistence succeeded: a client that can never resolve its
// local persistence should fail loudly (Start returns the error) rather
// than leave every mutation handler blocked forever.
func (e *Engine) markSynced() {
	if e.opts.Synced != nil {
		e.opts.Synced.MarkSynced()
	}
}

// reconcile implements step 3: any CRDT key absent from the SSR document
// set is removed locally under origin reconciliation. The bridge captures
// each key's pre-deletion value for the reactive sink's delete message
// because it is still attached and observing at this point.
func (e *Engine) reconcile(ctx context.Context) error {
	documents, err := e.opts.SSR.SSR(ctx, e.opts.Collection)
	if err != nil {
		return fmt.Errorf("fetch materialized set: %w", err)
	}

	for _, key := range e.opts.Doc.Keys() {
		if _, present := documents[key]; present {
			continue
		}
		crdt.Transact(e.opts.Doc, func(tx *crdt.Txn) {
			tx.DeleteDoc(key)
		}, crdt.OriginReconciliation)
	}
	return nil
}

// runStream implements step 5: subscribe with (checkpoint, vector,
// limit=100), process events in order, save the new checkpoint after each
// page. A stream error ends the loop and is returned to Start, which logs
// it; there is no resubscribe after a stream error.
func (e *Engine) runStream(ctx context.Context, cp checkpoint.Checkpoint, vector crdt.StateVector) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		resp, err := e.opts.Stream.Stream(ctx, e.opts.Collection, cp, vector, streamPageLimit)
		if err != nil {
			log.Printf("[SYNC] stream error for %q at checkpoint %+v: %v", e.opts.Collection, cp, err)
			return err
		}

		for _, evt := range resp.Changes {
			e.applyEvent(evt)
		}
		if err := e.cps.Save(e.opts.Collection, resp.Checkpoint); err != nil {
			log.Printf("[SYNC] failed to save checkpoint for %q: %v", e.opts.Collection, err)
		}
		cp = resp.Checkpoint

		if !resp.HasMore {
			return nil
		}
	}
}

// applyEvent implements the operationType dispatch of spec.md §4.6. The
// resulting doc mutation fires the bridge observer, which routes through
// gatedSink so emission ordering survives any pre-ready buffering.
func (e *Engine) applyEvent(evt StreamEvent) {
	switch evt.OperationType {
	case OpSnapshot:
		if err := crdt.ApplyUpdate(e.opts.Doc, evt.CRDTBytes, crdt.OriginSnapshot); err != nil {
			log.Printf("[SYNC] failed to apply snapshot for %q: %v", e.opts.Collection, err)
			return
		}
		bridge.Reconcile(e.opts.Doc, e.gate)
	case OpDiff, OpDelta:
		if err := crdt.ApplyUpdate(e.opts.Doc, evt.CRDTBytes, crdt.OriginSubscription); err != nil {
			log.Printf("[SYNC] failed to apply %s for %q: %v", evt.OperationType, e.opts.Collection, err)
		}
	default:
		log.Printf("[SYNC] unknown operationType %q for %q, ignoring", evt.OperationType, e.opts.Collection)
	}
}

// Stop cancels the engine's stream loop and removes it from the registry.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	registry.Delete(e.opts.Collection)
}

// sinkCall records one buffered Sink method invocation, replayed in order
// once the sink is marked ready.
type sinkCall struct {
	kind string // "begin", "write", "commit", "truncate"
	msg  bridge.WriteMsg
}

// gatedSink buffers every Sink call until markReady is invoked, then
// replays them in order and forwards everything live from then on — the
// "no event may be lost before sinkReady" requirement of spec.md §4.6.
type gatedSink struct {
	inner bridge.Sink

	mu     sync.Mutex
	ready  bool
	buffer []sinkCall
}

func newGatedSink(inner bridge.Sink) *gatedSink {
	return &gatedSink{inner: inner}
}

func (g *gatedSink) Begin() { g.record(sinkCall{kind: "begin"}) }
func (g *gatedSink) Write(msg bridge.WriteMsg) {
	g.record(sinkCall{kind: "write", msg: msg})
}
func (g *gatedSink) Commit()   { g.record(sinkCall{kind: "commit"}) }
func (g *gatedSink) Truncate() { g.record(sinkCall{kind: "truncate"}) }

// MarkReady is never buffered: the engine calls markReady directly once,
// at the end of Start, after all startup-sequence emissions have already
// been buffered or replayed.
func (g *gatedSink) MarkReady() {}

func (g *gatedSink) record(call sinkCall) {
	g.mu.Lock()
	if !g.ready {
		g.buffer = append(g.buffer, call)
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	g.apply(call)
}

func (g *gatedSink) apply(call sinkCall) {
	switch call.kind {
	case "begin":
		g.inner.Begin()
	case "write":
		g.inner.Write(call.msg)
	case "commit":
		g.inner.Commit()
	case "truncate":
		g.inner.Truncate()
	}
}

// markReady flips ready, replays any buffered calls in order, and calls
// the real sink's MarkReady exactly once. Safe to call more than once;
// only the first call has effect.
func (g *gatedSink) markReady() {
	g.mu.Lock()
	if g.ready {
		g.mu.Unlock()
		return
	}
	g.ready = true
	buffered := g.buffer
	g.buffer = nil
	g.mu.Unlock()

	for _, call := range buffered {
		g.apply(call)
	}
	g.inner.MarkReady()
}
