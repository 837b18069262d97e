package storage

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MaterializedRow is the current, plain-JSON form of one document: the
// fast-read leg of the dual-storage pattern.
type MaterializedRow struct {
	Collection string
	DocumentID string
	Fields     map[string]interface{}
	Version    int64
	Timestamp  int64
}

// MaterializedAdapter is the materialized-table leg of the dual-storage
// pattern (spec.md §4.9/§4.10), split out of PostgresAdapter's single
// `documents` table (GetDocument/SaveDocument/UpdateDocument/DeleteDocument)
// into its own per-collection table.
type MaterializedAdapter struct {
	pool *pgxpool.Pool
}

func NewMaterializedAdapter(pool *pgxpool.Pool) *MaterializedAdapter {
	return &MaterializedAdapter{pool: pool}
}

// Get returns the current row for (collection, documentID), or nil if it
// does not exist.
func (a *MaterializedAdapter) Get(ctx context.Context, tx pgx.Tx, collection, documentID string) (*MaterializedRow, error) {
	query := `
		SELECT collection, document_id, fields, version, timestamp
		FROM replicate_documents WHERE collection = $1 AND document_id = $2
	`
	row := tx.QueryRow(ctx, query, collection, documentID)

	var out MaterializedRow
	var fieldsJSON []byte
	err := row.Scan(&out.Collection, &out.DocumentID, &fieldsJSON, &out.Version, &out.Timestamp)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, NewQueryError("failed to get materialized row", err)
	}
	if err := json.Unmarshal(fieldsJSON, &out.Fields); err != nil {
		return nil, NewQueryError("failed to unmarshal materialized fields", err)
	}
	return &out, nil
}

// Insert creates a new materialized row inside tx.
func (a *MaterializedAdapter) Insert(ctx context.Context, tx pgx.Tx, row *MaterializedRow) error {
	fieldsJSON, err := json.Marshal(row.Fields)
	if err != nil {
		return NewQueryError("failed to marshal materialized fields", err)
	}

	query := `
		INSERT INTO replicate_documents (collection, document_id, fields, version, timestamp)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := tx.Exec(ctx, query, row.Collection, row.DocumentID, fieldsJSON, row.Version, row.Timestamp); err != nil {
		return NewQueryError("failed to insert materialized row", err)
	}
	return nil
}

// Update overwrites an existing materialized row's fields/version/timestamp
// inside tx.
func (a *MaterializedAdapter) Update(ctx context.Context, tx pgx.Tx, row *MaterializedRow) error {
	fieldsJSON, err := json.Marshal(row.Fields)
	if err != nil {
		return NewQueryError("failed to marshal materialized fields", err)
	}

	query := `
		UPDATE replicate_documents SET fields = $3, version = $4, timestamp = $5
		WHERE collection = $1 AND document_id = $2
	`
	tag, err := tx.Exec(ctx, query, row.Collection, row.DocumentID, fieldsJSON, row.Version, row.Timestamp)
	if err != nil {
		return NewQueryError("failed to update materialized row", err)
	}
	if tag.RowsAffected() == 0 {
		return NewNotFoundError("document", row.DocumentID)
	}
	return nil
}

// Delete removes a materialized row inside tx (hard delete, per spec.md §9
// Open Question decision).
func (a *MaterializedAdapter) Delete(ctx context.Context, tx pgx.Tx, collection, documentID string) error {
	_, err := tx.Exec(ctx, `DELETE FROM replicate_documents WHERE collection = $1 AND document_id = $2`, collection, documentID)
	if err != nil {
		return NewQueryError("failed to delete materialized row", err)
	}
	return nil
}

// List returns the full current document set for collection, used by SSR
// queries and by the sync engine's reconciliation step.
func (a *MaterializedAdapter) List(ctx context.Context, collection string) ([]*MaterializedRow, error) {
	query := `
		SELECT collection, document_id, fields, version, timestamp
		FROM replicate_documents WHERE collection = $1
	`
	rows, err := a.pool.Query(ctx, query, collection)
	if err != nil {
		return nil, NewQueryError("failed to list materialized rows", err)
	}
	defer rows.Close()

	var out []*MaterializedRow
	for rows.Next() {
		var row MaterializedRow
		var fieldsJSON []byte
		if err := rows.Scan(&row.Collection, &row.DocumentID, &fieldsJSON, &row.Version, &row.Timestamp); err != nil {
			return nil, NewQueryError("failed to scan materialized row", err)
		}
		if err := json.Unmarshal(fieldsJSON, &row.Fields); err != nil {
			return nil, NewQueryError("failed to unmarshal materialized fields", err)
		}
		out = append(out, &row)
	}
	return out, rows.Err()
}

// BeginTx starts a transaction spanning both the event log append and the
// materialized write, matching PostgresAdapter.MergeVectorClock's
// begin/defer-rollback/commit shape.
func (a *MaterializedAdapter) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return nil, NewQueryError("failed to begin mutation transaction", err)
	}
	return tx, nil
}
