// Package lineage maintains the append-only audit trail that makes
// every stored record reproducible.
package lineage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/yanver/vistore/internal/storage"
)

// WriteFailure is critical: it means the audit trail and the data it
// describes would diverge. The batch it occurred in must abort.
type WriteFailure struct {
	Entry storage.LineageEntry
	Err   error
}

func (e *WriteFailure) Error() string {
	return fmt.Sprintf("lineage write failed for media item %s (op %s): %v",
		e.Entry.MediaItemID, e.Entry.Operation, e.Err)
}

func (e *WriteFailure) Unwrap() error { return e.Err }

// Tracker records provenance per mutation and answers history and
// reproducibility queries.
type Tracker struct {
	store  *storage.Store
	logger *slog.Logger
}

// NewTracker creates a Tracker backed by the given store.
func NewTracker(store *storage.Store) *Tracker {
	return &Tracker{store: store, logger: slog.Default()}
}

// Record appends one lineage entry inside the batch transaction, so
// the entry commits atomically with the write it describes. A storage
// failure here is escalated as a *WriteFailure and logged at error
// level; it never fails silently.
func (t *Tracker) Record(b *storage.Batch, e storage.LineageEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if err := b.InsertLineage(e); err != nil {
		t.logger.Error("lineage write failed, aborting batch",
			"media_item_id", e.MediaItemID, "operation", e.Operation, "error", err)
		return &WriteFailure{Entry: e, Err: err}
	}
	return nil
}

// History returns the full audit trail for a media item, oldest first.
func (t *Tracker) History(ctx context.Context, mediaItemID string) ([]storage.LineageEntry, error) {
	return t.store.ListLineage(ctx, mediaItemID)
}

// Info summarizes whether a media item's records can be reproduced.
type Info struct {
	MediaItemID  string   `json:"media_item_id"`
	Tools        []string `json:"tools"`
	Models       []string `json:"models"`
	Params       []string `json:"params,omitempty"`
	Reproducible bool     `json:"reproducible"`
}

// ReproducibilityInfo reports the tools, models, and parameters behind
// a media item's records. Reproducible is true only when every record
// carries a non-empty tool version and model version.
func (t *Tracker) ReproducibilityInfo(ctx context.Context, mediaItemID string) (Info, error) {
	sum, err := t.store.SummarizeToolVersions(ctx, mediaItemID)
	if err != nil {
		return Info{}, fmt.Errorf("summarizing tool versions: %w", err)
	}
	return Info{
		MediaItemID:  mediaItemID,
		Tools:        sum.Tools,
		Models:       sum.Models,
		Params:       sum.Params,
		Reproducible: sum.TotalRecords > 0 && sum.MissingVersions == 0,
	}, nil
}
