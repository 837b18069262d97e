// Package maintenance implements scheduled compaction and pruning of the
// server event log (spec.md §4.11), run by a robfig/cron/v3 scheduler.
package maintenance

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/synckit-labs/replicate-go/internal/crdt"
	"github.com/synckit-labs/replicate-go/internal/storage"
)

// now is a seam for tests; see internal/replicate/retry for the same pattern.
var now = time.Now

const (
	defaultCompactCron = "0 3 * * *"
	defaultPruneCron   = "0 4 * * 0"

	minRetainedSnapshots = 2
)

// Scheduler runs compaction and pruning on a cron schedule, one job per
// registered collection.
type Scheduler struct {
	eventLog *storage.EventLogAdapter
	cron     *cron.Cron

	compactRetentionDays int
	pruneRetentionDays   int
}

// New constructs a Scheduler. compactRetentionDays/pruneRetentionDays come
// from REPLICATE_COMPACT_RETENTION_DAYS / REPLICATE_PRUNE_RETENTION_DAYS
// (SPEC_FULL §2.3); spec.md defaults are 90 and 180 respectively.
func New(eventLog *storage.EventLogAdapter, compactRetentionDays, pruneRetentionDays int) *Scheduler {
	return &Scheduler{
		eventLog:             eventLog,
		cron:                 cron.New(),
		compactRetentionDays: compactRetentionDays,
		pruneRetentionDays:   pruneRetentionDays,
	}
}

// Register schedules compaction and pruning for collection using the
// supplied cron expressions, or the spec's defaults if empty.
func (s *Scheduler) Register(collection, compactCron, pruneCron string) error {
	if compactCron == "" {
		compactCron = defaultCompactCron
	}
	if pruneCron == "" {
		pruneCron = defaultPruneCron
	}

	if _, err := s.cron.AddFunc(compactCron, func() {
		if err := s.CompactCollection(context.Background(), collection, s.compactRetentionDays); err != nil {
			log.Printf("[COMPACT] %q failed: %v", collection, err)
		}
	}); err != nil {
		return err
	}

	if _, err := s.cron.AddFunc(pruneCron, func() {
		if err := s.PruneCollection(context.Background(), collection, s.pruneRetentionDays); err != nil {
			log.Printf("[PRUNE] %q failed: %v", collection, err)
		}
	}); err != nil {
		return err
	}

	return nil
}

// CronEntryCount reports how many cron entries are currently scheduled
// across every registered collection (two per collection: compact and
// prune). Used by callers that register collections dynamically to
// confirm registration actually took effect.
func CronEntryCount(s *Scheduler) int {
	return len(s.cron.Entries())
}

// Start runs the cron scheduler in the background.
func (s *Scheduler) Start() {
	log.Printf("[MAINTENANCE] starting cron scheduler")
	s.cron.Start()
}

// Stop halts the cron scheduler, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Printf("[MAINTENANCE] cron scheduler stopped")
}

// CompactCollection merges every delta/diff record older than retentionDays
// into a single snapshot record. Preserves documentId only when every
// merged delta references the same document (spec.md §4.11).
func (s *Scheduler) CompactCollection(ctx context.Context, collection string, retentionDays int) error {
	cutoff := nowMillis() - int64(retentionDays)*dayMillis

	candidates, err := s.eventLog.OlderThan(ctx, collection, cutoff)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		log.Printf("[COMPACT] %q: nothing to compact before cutoff", collection)
		return nil
	}

	ids, snapshot := mergeCandidatesIntoSnapshot(collection, candidates)

	if err := s.eventLog.ReplaceWithSnapshot(ctx, collection, ids, snapshot); err != nil {
		return err
	}
	log.Printf("[COMPACT] %q: merged %d deltas into one snapshot", collection, len(candidates))
	return nil
}

// mergeCandidatesIntoSnapshot folds candidates (oldest-eligible deltas and
// diffs, in the order the event log returned them) into a single snapshot
// record via ordinary CRDT merge semantics. Pulled out of CompactCollection
// as a pure function so the merge/documentId-preservation logic is
// testable without a database.
func mergeCandidatesIntoSnapshot(collection string, candidates []*storage.EventLogRecord) (ids []int64, snapshot *storage.EventLogRecord) {
	scratch := crdt.NewDoc("", 0)
	var newestTimestamp int64
	sameDoc := true
	var firstDocID *string

	for i, rec := range candidates {
		ids = append(ids, rec.ID)
		if rec.Timestamp > newestTimestamp {
			newestTimestamp = rec.Timestamp
		}
		if i == 0 {
			firstDocID = rec.DocumentID
		} else if !sameStringPtr(firstDocID, rec.DocumentID) {
			sameDoc = false
		}
		if err := crdt.ApplyUpdate(scratch, rec.CRDTBytes, crdt.OriginSnapshot); err != nil {
			log.Printf("[COMPACT] %q: skipping unreadable delta id=%d: %v", collection, rec.ID, err)
		}
	}

	snapshot = &storage.EventLogRecord{
		Collection: collection,
		CRDTBytes:  crdt.EncodeStateAsUpdate(scratch),
		Version:    candidates[len(candidates)-1].Version,
		Timestamp:  newestTimestamp,
	}
	if sameDoc {
		snapshot.DocumentID = firstDocID
	}
	return ids, snapshot
}

// PruneCollection deletes snapshot records older than retentionDays,
// always keeping at least the two most recent, and never removing a delta
// newer than the newest retained snapshot (enforced by only ever deleting
// snapshots here, never deltas).
func (s *Scheduler) PruneCollection(ctx context.Context, collection string, retentionDays int) error {
	cutoff := nowMillis() - int64(retentionDays)*dayMillis

	snapshots, err := s.eventLog.Snapshots(ctx, collection) // newest first
	if err != nil {
		return err
	}

	toDelete := selectSnapshotsToPrune(snapshots, minRetainedSnapshots, cutoff)
	if len(toDelete) == 0 {
		log.Printf("[PRUNE] %q: nothing eligible for pruning", collection)
		return nil
	}

	if err := s.eventLog.DeleteSnapshots(ctx, toDelete); err != nil {
		return err
	}
	log.Printf("[PRUNE] %q: pruned %d snapshots", collection, len(toDelete))
	return nil
}

// selectSnapshotsToPrune returns the ids of snapshots (newest-first order,
// matching EventLogAdapter.Snapshots) eligible for deletion: always
// retaining the minRetained most recent, and among the rest only those
// older than cutoff. Pulled out of PruneCollection as a pure function so
// the retention invariant is testable without a database.
func selectSnapshotsToPrune(snapshots []*storage.EventLogRecord, minRetained int, cutoff int64) []int64 {
	if len(snapshots) <= minRetained {
		return nil
	}
	var toDelete []int64
	for _, snap := range snapshots[minRetained:] {
		if snap.Timestamp < cutoff {
			toDelete = append(toDelete, snap.ID)
		}
	}
	return toDelete
}

const dayMillis = 24 * 60 * 60 * 1000

func nowMillis() int64 {
	return now().UnixMilli()
}

func sameStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
