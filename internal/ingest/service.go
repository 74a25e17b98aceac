// Package ingest is the write path: every record batch flows through
// the validator, the transaction manager, and the lineage tracker in
// one atomic call.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/yanver/vistore/internal/cache"
	"github.com/yanver/vistore/internal/lineage"
	"github.com/yanver/vistore/internal/record"
	"github.com/yanver/vistore/internal/storage"
	"github.com/yanver/vistore/internal/validate"
)

// Service orchestrates the write path.
type Service struct {
	store     *storage.Store
	validator *validate.Validator
	lineage   *lineage.Tracker
	cache     *cache.Tiered
	retry     storage.RetryPolicy
	actor     string
	logger    *slog.Logger
}

// NewService wires the write path. actor names the caller in lineage
// entries (e.g. "ingest-api").
func NewService(store *storage.Store, validator *validate.Validator, tracker *lineage.Tracker, tiers *cache.Tiered, retry storage.RetryPolicy, actor string) *Service {
	if actor == "" {
		actor = "ingest"
	}
	return &Service{
		store:     store,
		validator: validator,
		lineage:   tracker,
		cache:     tiers,
		retry:     retry,
		actor:     actor,
		logger:    slog.Default(),
	}
}

// Result reports a storeRecords call. Errors lists records skipped by
// savepoint rollback; validation failures reject the whole batch and
// surface as an error instead.
type Result struct {
	Stored int      `json:"stored"`
	Errors []string `json:"errors"`
}

// StoreRecords validates and persists a batch of records for one media
// item atomically. When idemKey was already claimed by a committed
// batch the call is a no-op returning stored=0, so retries after a
// transient failure never duplicate records.
//
// Each record insert runs under its own savepoint: a storage-level
// failure on one record rolls back only that record's work (including
// its lineage entry) while prior records in the same transaction stay.
// Lineage failures are different: they abort the whole batch.
func (s *Service) StoreRecords(ctx context.Context, mediaItemID string, kind record.Kind, records []record.ContextRecord, idemKey string) (Result, error) {
	var result Result

	err := s.store.RunBatch(ctx, s.retry, func(b *storage.Batch) error {
		result = Result{}

		if idemKey != "" {
			claimed, err := b.ClaimIdempotencyKey(idemKey, mediaItemID, string(kind))
			if err != nil {
				return err
			}
			if !claimed {
				return nil // replay of a committed batch
			}
		}

		// Validation reads through the open transaction so it sees
		// uncommitted sibling inserts.
		if err := s.validator.ValidateBatch(b, kind, mediaItemID, records); err != nil {
			return err
		}

		for i, r := range records {
			r.MediaItemID = mediaItemID
			r.Kind = kind
			if r.ID == "" {
				r.ID = uuid.New().String()
			}
			if r.CreatedAt.IsZero() {
				r.CreatedAt = time.Now().UTC()
			}

			sp := fmt.Sprintf("rec_%d", i)
			if err := b.Savepoint(sp); err != nil {
				return err
			}

			if err := b.InsertRecord(r); err != nil {
				if rbErr := b.RollbackTo(sp); rbErr != nil {
					return rbErr
				}
				if relErr := b.Release(sp); relErr != nil {
					return relErr
				}
				result.Errors = append(result.Errors,
					fmt.Sprintf("record %s: %v", r.ID, err))
				continue
			}

			recordID := r.ID
			err := s.lineage.Record(b, storage.LineageEntry{
				MediaItemID:  mediaItemID,
				RecordID:     &recordID,
				Operation:    storage.OpCreate,
				ToolName:     r.ToolName,
				ToolVersion:  r.ToolVersion,
				ModelVersion: r.ModelVersion,
				ParamsJSON:   r.ParamsJSON,
				Actor:        s.actor,
			})
			if err != nil {
				return err // LineageWriteFailure aborts the batch
			}

			if err := b.Release(sp); err != nil {
				return err
			}
			result.Stored++
		}

		if idemKey != "" {
			if err := b.MarkIdempotencyStored(idemKey, result.Stored); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if result.Stored > 0 {
		// Synchronous, all tiers, before returning: a caller reading
		// right after a successful write must not see stale data.
		s.cache.InvalidatePattern(ctx, cache.Key(cache.NamespaceVideo, mediaItemID)+":*")
	}
	return result, nil
}

// CreateMediaItem registers a new media item in pending status and
// records the creation in the lineage trail.
func (s *Service) CreateMediaItem(ctx context.Context, m storage.MediaItem) (storage.MediaItem, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.Status = storage.StatusPending
	m.CreatedAt = time.Now().UTC()

	err := s.store.RunBatch(ctx, s.retry, func(b *storage.Batch) error {
		_, err := b.Exec(`
			INSERT INTO media_items (id, status, duration_sec, source_path, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, m.Status, m.DurationSec, m.SourcePath,
			m.CreatedAt.Format(time.RFC3339), m.CreatedAt.Format(time.RFC3339),
		)
		if err != nil {
			return err
		}
		return s.lineage.Record(b, storage.LineageEntry{
			MediaItemID: m.ID,
			Operation:   storage.OpCreate,
			Actor:       s.actor,
		})
	})
	if err != nil {
		return storage.MediaItem{}, err
	}
	return m, nil
}

// SetMediaStatus transitions the item and logs an update (or
// reprocess, when moving back to processing) lineage entry. Transition
// and entry commit in one transaction, so the audit trail never lags a
// status change.
func (s *Service) SetMediaStatus(ctx context.Context, id string, to storage.MediaStatus) error {
	err := s.store.RunBatch(ctx, s.retry, func(b *storage.Batch) error {
		from, err := b.SetMediaStatus(id, to)
		if err != nil {
			return err
		}

		op := storage.OpUpdate
		if to == storage.StatusProcessing && (from == storage.StatusComplete || from == storage.StatusError) {
			op = storage.OpReprocess
		}
		return s.lineage.Record(b, storage.LineageEntry{
			MediaItemID: id,
			Operation:   op,
			Actor:       s.actor,
		})
	})
	if err != nil {
		return err
	}

	s.cache.InvalidatePattern(ctx, cache.Key(cache.NamespaceVideo, id)+":*")
	return nil
}

// DeleteMediaItem removes the item (cascading to its records), records
// the deletion in the surviving lineage trail, and invalidates every
// cached value for it.
func (s *Service) DeleteMediaItem(ctx context.Context, id string) error {
	err := s.store.RunBatch(ctx, s.retry, func(b *storage.Batch) error {
		res, err := b.Exec(`DELETE FROM media_items WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return storage.ErrNotFound
		}
		return s.lineage.Record(b, storage.LineageEntry{
			MediaItemID: id,
			Operation:   storage.OpDelete,
			Actor:       s.actor,
		})
	})
	if err != nil {
		return err
	}

	s.cache.InvalidatePattern(ctx, cache.Key(cache.NamespaceVideo, id)+":*")
	return nil
}
