package query

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yanver/vistore/internal/cache"
	"github.com/yanver/vistore/internal/record"
	"github.com/yanver/vistore/internal/storage"
)

// Reader serves the query API's record and context reads. Record
// selects run through the optimizer under a normalized query key, so
// every read populates the query-result tier and feeds the latency
// stats.
type Reader struct {
	store *storage.Store
	opt   *Optimizer
	cache *cache.Tiered
}

// NewReader builds a Reader executing through the given optimizer and
// sharing its cache instance.
func NewReader(store *storage.Store, opt *Optimizer) *Reader {
	return &Reader{store: store, opt: opt, cache: opt.Cache()}
}

// Page bounds a paginated read.
type Page struct {
	Size   int
	Number int // zero-based
}

func (p Page) filter() storage.RecordFilter {
	if p.Size <= 0 {
		return storage.RecordFilter{}
	}
	return storage.RecordFilter{Limit: p.Size, Offset: p.Size * p.Number}
}

// FetchRecords returns records for a media item and kind. The select
// goes through the optimizer keyed on the normalized statement, and
// tool outputs are immutable once stored, so hits use the long TTL.
func (r *Reader) FetchRecords(ctx context.Context, mediaItemID string, kind record.Kind, f storage.RecordFilter) ([]record.ContextRecord, error) {
	sqlText, args := storage.RecordsQuery(mediaItemID, kind, f)
	key := cache.QueryKey(mediaItemID, sqlText, args)
	rows, err := r.opt.Query(ctx, sqlText, args, key, r.cache.ImmutableTTL())
	if err != nil {
		return nil, fmt.Errorf("listing %s records for %s: %w", kind, mediaItemID, err)
	}

	records := make([]record.ContextRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := recordFromRow(row)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// FetchPage is FetchRecords with page bounds, used by lazy pagination.
func (r *Reader) FetchPage(ctx context.Context, mediaItemID string, kind record.Kind, page Page) ([]record.ContextRecord, error) {
	return r.FetchRecords(ctx, mediaItemID, kind, page.filter())
}

// Context is the aggregated view of everything stored for a media
// item, served to the query layer in one call.
type Context struct {
	MediaItem storage.MediaItem      `json:"media_item"`
	Counts    map[record.Kind]int    `json:"counts"`
	Records   []record.ContextRecord `json:"records"`
}

// FetchContext assembles the aggregated context for a media item,
// cached under the derived-data TTL since it spans multiple kinds.
// Two concurrent cold calls may both assemble it; the value is
// deterministic so the last write wins harmlessly.
func (r *Reader) FetchContext(ctx context.Context, mediaItemID string) (*Context, error) {
	key := cache.Key(cache.NamespaceVideo, mediaItemID, "context")
	if raw, ok := r.cache.Get(ctx, key); ok {
		var agg Context
		if err := json.Unmarshal(raw, &agg); err == nil {
			return &agg, nil
		}
	}

	item, err := r.store.GetMediaItem(ctx, mediaItemID)
	if err != nil {
		return nil, err
	}
	counts, err := r.store.CountRecordsByKind(ctx, mediaItemID)
	if err != nil {
		return nil, fmt.Errorf("counting records: %w", err)
	}

	agg := &Context{MediaItem: item, Counts: counts}
	for _, kind := range record.Kinds {
		if counts[kind] == 0 {
			continue
		}
		records, err := r.FetchRecords(ctx, mediaItemID, kind, storage.RecordFilter{})
		if err != nil {
			return nil, err
		}
		agg.Records = append(agg.Records, records...)
	}

	if encoded, err := json.Marshal(agg); err == nil {
		r.cache.Set(ctx, key, encoded, r.cache.DerivedTTL())
	}
	return agg, nil
}

// recordFromRow rebuilds a typed record from an optimizer row map.
// Values that round-tripped through the cache arrive as JSON types, so
// timestamps are float64 and everything else is a string.
func recordFromRow(row map[string]any) (record.ContextRecord, error) {
	rec := record.ContextRecord{
		ID:           rowString(row["id"]),
		MediaItemID:  rowString(row["media_item_id"]),
		Kind:         record.Kind(rowString(row["kind"])),
		Payload:      json.RawMessage(rowString(row["payload_json"])),
		ToolName:     rowString(row["tool_name"]),
		ToolVersion:  rowString(row["tool_version"]),
		ModelVersion: rowString(row["model_version"]),
		ParamsJSON:   rowString(row["params_json"]),
	}
	if ts, ok := row["ts"].(float64); ok {
		rec.Timestamp = &ts
	}
	created, err := time.Parse(time.RFC3339, rowString(row["created_at"]))
	if err != nil {
		return record.ContextRecord{}, fmt.Errorf("parsing created_at for record %s: %w", rec.ID, err)
	}
	rec.CreatedAt = created
	return rec, nil
}

func rowString(v any) string {
	s, _ := v.(string)
	return s
}
