// Package mutations implements the server-side dual-storage mutation
// handlers: insert, update, delete (spec.md §4.9). Each is a single
// transaction spanning the append-only event log and the materialized
// table.
package mutations

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	replicateerr "github.com/synckit-labs/replicate-go/internal/replicate/errors"
	"github.com/synckit-labs/replicate-go/internal/storage"
)

// SchemaMigration upgrades a materialized document from one schema
// version to the next, keyed by the version it migrates FROM.
type SchemaMigration func(doc map[string]any) (map[string]any, error)

// Input is the common shape of all three mutation RPCs (spec.md §6).
type Input struct {
	Collection      string
	DocumentID      string // generated if empty
	CRDTBytes       []byte
	MaterializedDoc map[string]any
	Version         int64
	ExpectedVersion *int64
	SchemaVersion   int
}

// Result mirrors the mutation RPC's response shape.
type Result struct {
	Success      bool
	Deduplicated bool
	DocumentID   string
	CRDTBytes    []byte
	Timestamp    int64
	Version      int64
	Collection   string
}

// Handlers implements insert/update/delete over the event log and
// materialized table legs of the dual-storage pattern.
type Handlers struct {
	EventLog     *storage.EventLogAdapter
	Materialized *storage.MaterializedAdapter
	Migrations   map[int]SchemaMigration
}

func New(eventLog *storage.EventLogAdapter, materialized *storage.MaterializedAdapter) *Handlers {
	return &Handlers{EventLog: eventLog, Materialized: materialized}
}

// InsertDocument creates a new materialized row and appends a snapshot
// event log record in one transaction.
func (h *Handlers) InsertDocument(ctx context.Context, in Input) (*Result, error) {
	if in.DocumentID == "" {
		in.DocumentID = uuid.NewString()
	}

	doc, err := h.migrate(in.SchemaVersion, in.MaterializedDoc)
	if err != nil {
		return nil, err
	}

	tx, err := h.Materialized.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	docID := in.DocumentID
	rec := &storage.EventLogRecord{
		Collection:    in.Collection,
		DocumentID:    &docID,
		OperationType: storage.EventSnapshot,
		CRDTBytes:     in.CRDTBytes,
		Version:       in.Version,
	}
	saved, dedup, err := h.EventLog.Append(ctx, tx, rec)
	if err != nil {
		return nil, err
	}
	if dedup {
		return &Result{Success: true, Deduplicated: true, DocumentID: in.DocumentID, Collection: in.Collection}, nil
	}

	row := &storage.MaterializedRow{
		Collection: in.Collection,
		DocumentID: in.DocumentID,
		Fields:     doc,
		Version:    saved.Version,
		Timestamp:  saved.Timestamp,
	}
	if err := h.Materialized.Insert(ctx, tx, row); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("mutations: commit insert: %w", err)
	}

	return &Result{
		Success: true, DocumentID: in.DocumentID, CRDTBytes: saved.CRDTBytes, Timestamp: saved.Timestamp,
		Version: saved.Version, Collection: in.Collection,
	}, nil
}

// UpdateDocument applies optimistic concurrency control against the
// caller's expectedVersion, then writes both legs of the dual-storage
// pattern.
func (h *Handlers) UpdateDocument(ctx context.Context, in Input) (*Result, error) {
	tx, err := h.Materialized.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	existing, err := h.Materialized.Get(ctx, tx, in.Collection, in.DocumentID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, &replicateerr.NotFoundError{DocumentID: in.DocumentID}
	}
	if in.ExpectedVersion != nil && *in.ExpectedVersion != existing.Version {
		return nil, &replicateerr.VersionConflictError{
			DocumentID: in.DocumentID, Expected: *in.ExpectedVersion, Actual: existing.Version,
		}
	}

	doc, err := h.migrate(in.SchemaVersion, in.MaterializedDoc)
	if err != nil {
		return nil, err
	}

	docID := in.DocumentID
	rec := &storage.EventLogRecord{
		Collection:    in.Collection,
		DocumentID:    &docID,
		OperationType: storage.EventDelta,
		CRDTBytes:     in.CRDTBytes,
		Version:       existing.Version + 1,
	}
	saved, dedup, err := h.EventLog.Append(ctx, tx, rec)
	if err != nil {
		return nil, err
	}
	if dedup {
		return &Result{Success: true, Deduplicated: true, DocumentID: in.DocumentID, Collection: in.Collection}, nil
	}

	row := &storage.MaterializedRow{
		Collection: in.Collection,
		DocumentID: in.DocumentID,
		Fields:     doc,
		Version:    saved.Version,
		Timestamp:  saved.Timestamp,
	}
	if err := h.Materialized.Update(ctx, tx, row); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("mutations: commit update: %w", err)
	}

	return &Result{
		Success: true, DocumentID: in.DocumentID, CRDTBytes: saved.CRDTBytes, Timestamp: saved.Timestamp,
		Version: saved.Version, Collection: in.Collection,
	}, nil
}

// DeleteDocument appends a deletion delta and physically removes the
// materialized row; the event log retains the deletion record.
func (h *Handlers) DeleteDocument(ctx context.Context, in Input) (*Result, error) {
	tx, err := h.Materialized.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	existing, err := h.Materialized.Get(ctx, tx, in.Collection, in.DocumentID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, &replicateerr.NotFoundError{DocumentID: in.DocumentID}
	}
	if in.ExpectedVersion != nil && *in.ExpectedVersion != existing.Version {
		return nil, &replicateerr.VersionConflictError{
			DocumentID: in.DocumentID, Expected: *in.ExpectedVersion, Actual: existing.Version,
		}
	}

	docID := in.DocumentID
	rec := &storage.EventLogRecord{
		Collection:    in.Collection,
		DocumentID:    &docID,
		OperationType: storage.EventDelta,
		CRDTBytes:     in.CRDTBytes,
		Version:       existing.Version + 1,
	}
	saved, dedup, err := h.EventLog.Append(ctx, tx, rec)
	if err != nil {
		return nil, err
	}
	if dedup {
		return &Result{Success: true, Deduplicated: true, DocumentID: in.DocumentID, Collection: in.Collection}, nil
	}

	if err := h.Materialized.Delete(ctx, tx, in.Collection, in.DocumentID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("mutations: commit delete: %w", err)
	}

	return &Result{
		Success: true, DocumentID: in.DocumentID, CRDTBytes: saved.CRDTBytes, Timestamp: saved.Timestamp,
		Version: saved.Version, Collection: in.Collection,
	}, nil
}

// migrate runs registered schema step functions from schemaVersion up to
// the latest. Absence of a required step is a hard failure, never a
// silent skip.
func (h *Handlers) migrate(schemaVersion int, doc map[string]any) (map[string]any, error) {
	if h.Migrations == nil || schemaVersion >= len(h.Migrations)+1 {
		return doc, nil
	}
	for v := schemaVersion; v < len(h.Migrations)+1; v++ {
		step, ok := h.Migrations[v]
		if !ok {
			return nil, &replicateerr.ValidationError{
				Message: fmt.Sprintf("mutations: no schema migration registered for v%d -> v%d", v, v+1),
			}
		}
		migrated, err := step(doc)
		if err != nil {
			return nil, &replicateerr.ValidationError{Message: fmt.Sprintf("mutations: schema migration v%d failed: %v", v, err)}
		}
		doc = migrated
	}
	return doc, nil
}
