// Package queries implements the server's three read paths: stream, ssr,
// and getProtocolVersion (spec.md §4.10).
package queries

import (
	"context"

	"github.com/synckit-labs/replicate-go/internal/storage"
)

// defaultBacklogMillis tolerates out-of-order writes near the checkpoint
// boundary; overridable via REPLICATE_BACKLOG_MS (SPEC_FULL §2.3).
const defaultBacklogMillis = 5 * 60 * 1000

// StreamChange is one entry of a stream response.
type StreamChange struct {
	DocumentID    *string
	CRDTBytes     []byte
	Version       int64
	Timestamp     int64
	OperationType storage.EventLogOperation
}

// Checkpoint mirrors the client-side checkpoint shape.
type Checkpoint struct {
	LastModified int64
}

// StreamResult is the stream RPC's response shape.
type StreamResult struct {
	Changes    []StreamChange
	Checkpoint Checkpoint
	HasMore    bool
}

// SSRResult is the ssr RPC's response shape.
type SSRResult struct {
	Documents  []*storage.MaterializedRow
	Count      int
	Checkpoint *Checkpoint
	CRDTBytes  []byte
}

// Handlers implements the read paths over the event log and materialized
// table adapters.
type Handlers struct {
	EventLog      *storage.EventLogAdapter
	Materialized  *storage.MaterializedAdapter
	BacklogMillis int64
	ProtocolVer   int
}

func New(eventLog *storage.EventLogAdapter, materialized *storage.MaterializedAdapter, protocolVersion int) *Handlers {
	return &Handlers{
		EventLog: eventLog, Materialized: materialized,
		BacklogMillis: defaultBacklogMillis, ProtocolVer: protocolVersion,
	}
}

// Stream returns event log records for collection newer than
// checkpoint.LastModified minus the backlog window, up to limit, in
// ascending order, plus a fresh checkpoint and HasMore flag.
func (h *Handlers) Stream(ctx context.Context, collection string, cp Checkpoint, limit int) (*StreamResult, error) {
	records, err := h.EventLog.Stream(ctx, collection, cp.LastModified, h.BacklogMillis, limit+1)
	if err != nil {
		return nil, err
	}

	hasMore := len(records) > limit
	if hasMore {
		records = records[:limit]
	}

	changes := make([]StreamChange, len(records))
	newCheckpoint := cp
	for i, rec := range records {
		changes[i] = StreamChange{
			DocumentID: rec.DocumentID, CRDTBytes: rec.CRDTBytes,
			Version: rec.Version, Timestamp: rec.Timestamp, OperationType: rec.OperationType,
		}
		if rec.Timestamp > newCheckpoint.LastModified {
			newCheckpoint.LastModified = rec.Timestamp
		}
	}

	return &StreamResult{Changes: changes, Checkpoint: newCheckpoint, HasMore: hasMore}, nil
}

// SSR returns the materialized document set for collection, optionally
// including the latest collection-wide CRDT state.
func (h *Handlers) SSR(ctx context.Context, collection string, includeCRDTState bool) (*SSRResult, error) {
	rows, err := h.Materialized.List(ctx, collection)
	if err != nil {
		return nil, err
	}

	result := &SSRResult{Documents: rows, Count: len(rows)}

	if includeCRDTState {
		snapshots, err := h.EventLog.Snapshots(ctx, collection)
		if err != nil {
			return nil, err
		}
		if len(snapshots) > 0 {
			latest := snapshots[0]
			result.CRDTBytes = latest.CRDTBytes
			result.Checkpoint = &Checkpoint{LastModified: latest.Timestamp}
		}
	}

	return result, nil
}

// GetProtocolVersion returns the server's advertised protocol version.
func (h *Handlers) GetProtocolVersion(ctx context.Context) (int, error) {
	return h.ProtocolVer, nil
}
