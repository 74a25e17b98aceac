package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertLineage appends one audit entry inside the batch transaction,
// so lineage commits atomically with the data it describes.
func (b *Batch) InsertLineage(e LineageEntry) error {
	params := e.ParamsJSON
	if params == "" {
		params = "{}"
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var recordID any
	if e.RecordID != nil {
		recordID = *e.RecordID
	}
	_, err := b.Exec(`
		INSERT INTO lineage_entries (id, media_item_id, record_id, operation, tool_name, tool_version, model_version, params_json, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.MediaItemID, recordID, e.Operation,
		e.ToolName, e.ToolVersion, e.ModelVersion, params, e.Actor,
		createdAt.Format(time.RFC3339),
	)
	return err
}

// ListLineage returns the full audit trail for a media item in append
// order.
func (s *Store) ListLineage(ctx context.Context, mediaItemID string) ([]LineageEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, media_item_id, record_id, operation, tool_name, tool_version, model_version, params_json, actor, created_at
		FROM lineage_entries WHERE media_item_id = ? ORDER BY created_at ASC, rowid ASC`,
		mediaItemID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []LineageEntry
	for rows.Next() {
		var e LineageEntry
		var recordID sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.MediaItemID, &recordID, &e.Operation,
			&e.ToolName, &e.ToolVersion, &e.ModelVersion, &e.ParamsJSON, &e.Actor, &createdAt); err != nil {
			return nil, err
		}
		if recordID.Valid {
			v := recordID.String
			e.RecordID = &v
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		e.CreatedAt = t
		results = append(results, e)
	}
	return results, rows.Err()
}

// ToolVersionSummary aggregates the distinct tool/model identifiers
// recorded for a media item and whether any record is missing them.
type ToolVersionSummary struct {
	Tools           []string
	Models          []string
	Params          []string
	MissingVersions int
	TotalRecords    int
}

// SummarizeToolVersions scans the item's records for the identifiers
// needed to judge reproducibility.
func (s *Store) SummarizeToolVersions(ctx context.Context, mediaItemID string) (ToolVersionSummary, error) {
	var sum ToolVersionSummary

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT tool_name || '@' || tool_version, model_version, params_json
		FROM context_records WHERE media_item_id = ?`,
		mediaItemID,
	)
	if err != nil {
		return sum, err
	}
	defer rows.Close()

	seenModels := make(map[string]bool)
	seenParams := make(map[string]bool)
	for rows.Next() {
		var tool, model, params string
		if err := rows.Scan(&tool, &model, &params); err != nil {
			return sum, err
		}
		sum.Tools = append(sum.Tools, tool)
		if model != "" && !seenModels[model] {
			seenModels[model] = true
			sum.Models = append(sum.Models, model)
		}
		if params != "" && params != "{}" && !seenParams[params] {
			seenParams[params] = true
			sum.Params = append(sum.Params, params)
		}
	}
	if err := rows.Err(); err != nil {
		return sum, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN tool_version = '' OR model_version = '' THEN 1 ELSE 0 END), 0)
		FROM context_records WHERE media_item_id = ?`,
		mediaItemID,
	).Scan(&sum.TotalRecords, &sum.MissingVersions)
	if err != nil {
		return sum, err
	}
	return sum, nil
}
