package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventLogOperation is the closed set of event kinds the append-only event
// log records.
type EventLogOperation string

const (
	EventSnapshot EventLogOperation = "snapshot"
	EventDiff     EventLogOperation = "diff"
	EventDelta    EventLogOperation = "delta"
)

// EventLogRecord is one row of the append-only CRDT event log: the audit
// trail leg of the dual-storage write.
type EventLogRecord struct {
	ID            int64
	Collection    string
	DocumentID    *string
	OperationType EventLogOperation
	CRDTBytes     []byte
	Version       int64
	Timestamp     int64
	Hash          string
	Size          int
}

// HashCRDTBytes computes the content hash used for (collection, hash)
// deduplication.
func HashCRDTBytes(crdtBytes []byte) string {
	sum := sha256.Sum256(crdtBytes)
	return hex.EncodeToString(sum[:])
}

// EventLogAdapter is the append-only leg of the dual-storage pattern
// (spec.md §4.9/§4.10), split out of PostgresAdapter's single `documents`
// table into its own event-sourced table.
type EventLogAdapter struct {
	pool *pgxpool.Pool
}

func NewEventLogAdapter(pool *pgxpool.Pool) *EventLogAdapter {
	return &EventLogAdapter{pool: pool}
}

// Append inserts one event log record inside tx, short-circuiting to
// (nil, true) when (collection, hash) already exists — the idempotent
// re-submission invariant of spec.md §4.9/§8.
func (a *EventLogAdapter) Append(ctx context.Context, tx pgx.Tx, rec *EventLogRecord) (*EventLogRecord, bool, error) {
	rec.Hash = HashCRDTBytes(rec.CRDTBytes)
	rec.Size = len(rec.CRDTBytes)

	query := `
		INSERT INTO replicate_events (collection, document_id, operation_type, crdt_bytes, version, hash, size)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (collection, hash) DO NOTHING
		RETURNING id, timestamp
	`
	row := tx.QueryRow(ctx, query, rec.Collection, rec.DocumentID, string(rec.OperationType), rec.CRDTBytes, rec.Version, rec.Hash, rec.Size)

	err := row.Scan(&rec.ID, &rec.Timestamp)
	if err == pgx.ErrNoRows {
		existing, findErr := a.findByHash(ctx, tx, rec.Collection, rec.Hash)
		if findErr != nil {
			return nil, false, findErr
		}
		return existing, true, nil
	}
	if err != nil {
		return nil, false, NewQueryError("failed to append event log record", err)
	}
	return rec, false, nil
}

func (a *EventLogAdapter) findByHash(ctx context.Context, tx pgx.Tx, collection, hash string) (*EventLogRecord, error) {
	query := `
		SELECT id, collection, document_id, operation_type, crdt_bytes, version, timestamp, hash, size
		FROM replicate_events WHERE collection = $1 AND hash = $2
	`
	row := tx.QueryRow(ctx, query, collection, hash)
	var rec EventLogRecord
	var opType string
	if err := row.Scan(&rec.ID, &rec.Collection, &rec.DocumentID, &opType, &rec.CRDTBytes, &rec.Version, &rec.Timestamp, &rec.Hash, &rec.Size); err != nil {
		return nil, NewQueryError("failed to load deduplicated event log record", err)
	}
	rec.OperationType = EventLogOperation(opType)
	return &rec, nil
}

// Stream returns event log records for collection newer than
// checkpoint.LastModified, minus a small backlog window to tolerate
// out-of-order commits, ordered by timestamp then id, capped at limit+1 so
// the caller can compute HasMore.
func (a *EventLogAdapter) Stream(ctx context.Context, collection string, sinceMillis int64, backlogMillis int64, limit int) ([]*EventLogRecord, error) {
	cutoff := sinceMillis - backlogMillis
	query := `
		SELECT id, collection, document_id, operation_type, crdt_bytes, version, timestamp, hash, size
		FROM replicate_events
		WHERE collection = $1 AND timestamp > $2
		ORDER BY timestamp ASC, id ASC
		LIMIT $3
	`
	rows, err := a.pool.Query(ctx, query, collection, cutoff, limit)
	if err != nil {
		return nil, NewQueryError("failed to stream event log", err)
	}
	defer rows.Close()

	var out []*EventLogRecord
	for rows.Next() {
		var rec EventLogRecord
		var opType string
		if err := rows.Scan(&rec.ID, &rec.Collection, &rec.DocumentID, &opType, &rec.CRDTBytes, &rec.Version, &rec.Timestamp, &rec.Hash, &rec.Size); err != nil {
			return nil, NewQueryError("failed to scan event log row", err)
		}
		rec.OperationType = EventLogOperation(opType)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// OlderThan returns delta/diff records for collection with timestamp older
// than cutoffMillis, used by compaction.
func (a *EventLogAdapter) OlderThan(ctx context.Context, collection string, cutoffMillis int64) ([]*EventLogRecord, error) {
	query := `
		SELECT id, collection, document_id, operation_type, crdt_bytes, version, timestamp, hash, size
		FROM replicate_events
		WHERE collection = $1 AND operation_type IN ('delta', 'diff') AND timestamp < $2
		ORDER BY timestamp ASC, id ASC
	`
	rows, err := a.pool.Query(ctx, query, collection, cutoffMillis)
	if err != nil {
		return nil, NewQueryError("failed to load compaction candidates", err)
	}
	defer rows.Close()

	var out []*EventLogRecord
	for rows.Next() {
		var rec EventLogRecord
		var opType string
		if err := rows.Scan(&rec.ID, &rec.Collection, &rec.DocumentID, &opType, &rec.CRDTBytes, &rec.Version, &rec.Timestamp, &rec.Hash, &rec.Size); err != nil {
			return nil, NewQueryError("failed to scan compaction candidate", err)
		}
		rec.OperationType = EventLogOperation(opType)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// ReplaceWithSnapshot deletes the given delta/diff record ids and inserts
// one snapshot record in their place, inside a single transaction.
func (a *EventLogAdapter) ReplaceWithSnapshot(ctx context.Context, collection string, mergedIDs []int64, snapshot *EventLogRecord) error {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return NewQueryError("failed to begin compaction transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM replicate_events WHERE id = ANY($1)`, mergedIDs); err != nil {
		return NewQueryError("failed to delete merged deltas", err)
	}

	snapshot.Hash = HashCRDTBytes(snapshot.CRDTBytes)
	snapshot.Size = len(snapshot.CRDTBytes)
	query := `
		INSERT INTO replicate_events (collection, document_id, operation_type, crdt_bytes, version, timestamp, hash, size)
		VALUES ($1, $2, 'snapshot', $3, $4, $5, $6, $7)
		RETURNING id
	`
	row := tx.QueryRow(ctx, query, collection, snapshot.DocumentID, snapshot.CRDTBytes, snapshot.Version, snapshot.Timestamp, snapshot.Hash, snapshot.Size)
	if err := row.Scan(&snapshot.ID); err != nil {
		return NewQueryError("failed to insert compaction snapshot", err)
	}

	return tx.Commit(ctx)
}

// Snapshots returns snapshot records for collection ordered newest-first.
func (a *EventLogAdapter) Snapshots(ctx context.Context, collection string) ([]*EventLogRecord, error) {
	query := `
		SELECT id, collection, document_id, operation_type, crdt_bytes, version, timestamp, hash, size
		FROM replicate_events
		WHERE collection = $1 AND operation_type = 'snapshot'
		ORDER BY timestamp DESC, id DESC
	`
	rows, err := a.pool.Query(ctx, query, collection)
	if err != nil {
		return nil, NewQueryError("failed to list snapshots", err)
	}
	defer rows.Close()

	var out []*EventLogRecord
	for rows.Next() {
		var rec EventLogRecord
		var opType string
		if err := rows.Scan(&rec.ID, &rec.Collection, &rec.DocumentID, &opType, &rec.CRDTBytes, &rec.Version, &rec.Timestamp, &rec.Hash, &rec.Size); err != nil {
			return nil, NewQueryError("failed to scan snapshot row", err)
		}
		rec.OperationType = EventLogOperation(opType)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// DeleteSnapshots deletes the given snapshot ids.
func (a *EventLogAdapter) DeleteSnapshots(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := a.pool.Exec(ctx, `DELETE FROM replicate_events WHERE id = ANY($1) AND operation_type = 'snapshot'`, ids)
	if err != nil {
		return NewQueryError("failed to delete pruned snapshots", err)
	}
	return nil
}

// nowMillis matches the teacher's convention of stamping timestamps with
// wall-clock time at the point of write, not at request receipt.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
