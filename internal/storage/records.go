package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/yanver/vistore/internal/record"
)

// InsertRecord writes one context record inside the batch transaction.
func (b *Batch) InsertRecord(r record.ContextRecord) error {
	params := r.ParamsJSON
	if params == "" {
		params = "{}"
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var ts any
	if r.Timestamp != nil {
		ts = *r.Timestamp
	}
	_, err := b.Exec(`
		INSERT INTO context_records (id, media_item_id, kind, ts, payload_json, tool_name, tool_version, model_version, params_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.MediaItemID, r.Kind, ts, string(r.Payload),
		r.ToolName, r.ToolVersion, r.ModelVersion, params,
		createdAt.Format(time.RFC3339),
	)
	return err
}

const recordColumns = `id, media_item_id, kind, ts, payload_json, tool_name, tool_version, model_version, params_json, created_at`

func scanRecord(rows *sql.Rows) (record.ContextRecord, error) {
	var r record.ContextRecord
	var ts sql.NullFloat64
	var payload, createdAt string
	if err := rows.Scan(&r.ID, &r.MediaItemID, &r.Kind, &ts, &payload,
		&r.ToolName, &r.ToolVersion, &r.ModelVersion, &r.ParamsJSON, &createdAt); err != nil {
		return record.ContextRecord{}, err
	}
	if ts.Valid {
		v := ts.Float64
		r.Timestamp = &v
	}
	r.Payload = json.RawMessage(payload)
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return record.ContextRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	r.CreatedAt = t
	return r, nil
}

func collectRecords(rows *sql.Rows) ([]record.ContextRecord, error) {
	defer rows.Close()
	var results []record.ContextRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// RecordsQuery builds the SQL and arguments selecting a media item's
// records of one kind under the filter, ordered by timestamp. The
// query layer routes this statement through its optimizer so the text
// here is the single source for both paths.
func RecordsQuery(mediaItemID string, kind record.Kind, f RecordFilter) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + recordColumns + ` FROM context_records WHERE media_item_id = ? AND kind = ?`)
	args := []any{mediaItemID, string(kind)}

	if f.From != nil {
		sb.WriteString(` AND ts >= ?`)
		args = append(args, *f.From)
	}
	if f.To != nil {
		sb.WriteString(` AND ts <= ?`)
		args = append(args, *f.To)
	}
	sb.WriteString(` ORDER BY ts ASC, rowid ASC`)
	if f.Limit > 0 {
		sb.WriteString(` LIMIT ? OFFSET ?`)
		args = append(args, f.Limit, f.Offset)
	}
	return sb.String(), args
}

// ListRecords returns records for a media item and kind ordered by
// timestamp, applying the filter's range and page bounds.
func (s *Store) ListRecords(ctx context.Context, mediaItemID string, kind record.Kind, f RecordFilter) ([]record.ContextRecord, error) {
	sqlText, args := RecordsQuery(mediaItemID, kind, f)
	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

// ListRecordsInsertOrder returns records in the order they were stored
// (rowid), which is what the ordering consistency check scans.
func (s *Store) ListRecordsInsertOrder(ctx context.Context, mediaItemID string, kind record.Kind) ([]record.ContextRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM context_records
		WHERE media_item_id = ? AND kind = ? ORDER BY rowid ASC`,
		mediaItemID, kind,
	)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

// CountRecords returns how many records of a kind exist for the item.
func (s *Store) CountRecords(ctx context.Context, mediaItemID string, kind record.Kind) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM context_records WHERE media_item_id = ? AND kind = ?`,
		mediaItemID, kind,
	).Scan(&n)
	return n, err
}

// CountRecordsByKind returns per-kind record counts for the item.
func (s *Store) CountRecordsByKind(ctx context.Context, mediaItemID string) (map[record.Kind]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM context_records WHERE media_item_id = ? GROUP BY kind`,
		mediaItemID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[record.Kind]int)
	for rows.Next() {
		var kind record.Kind
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}
