package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateMediaItem inserts a new media item in pending status.
func (s *Store) CreateMediaItem(ctx context.Context, m MediaItem) error {
	if m.Status == "" {
		m.Status = StatusPending
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media_items (id, status, duration_sec, source_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Status, m.DurationSec, m.SourcePath,
		m.CreatedAt.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	return err
}

// GetMediaItem returns the media item with the given id.
func (s *Store) GetMediaItem(ctx context.Context, id string) (MediaItem, error) {
	var m MediaItem
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, duration_sec, source_path, created_at, updated_at
		FROM media_items WHERE id = ?`, id,
	).Scan(&m.ID, &m.Status, &m.DurationSec, &m.SourcePath, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return MediaItem{}, ErrNotFound
	}
	if err != nil {
		return MediaItem{}, err
	}
	if m.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return MediaItem{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if m.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return MediaItem{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return m, nil
}

// MediaItemExists reports whether the media item is present, reading
// committed state only.
func (s *Store) MediaItemExists(id string) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM media_items WHERE id = ?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetMediaStatus transitions a media item to the given status. Status
// transitions are the only allowed mutation after creation; invalid
// transitions are rejected.
func (s *Store) SetMediaStatus(ctx context.Context, id string, to MediaStatus) error {
	return s.RunBatch(ctx, DefaultRetryPolicy(), func(b *Batch) error {
		_, err := b.SetMediaStatus(id, to)
		return err
	})
}

// SetMediaStatus transitions the item inside the batch and returns the
// status it held before, so callers can co-commit the transition with
// its audit entry. Invalid transitions are rejected before touching the
// row.
func (b *Batch) SetMediaStatus(id string, to MediaStatus) (MediaStatus, error) {
	var from MediaStatus
	err := b.QueryRow(`SELECT status FROM media_items WHERE id = ?`, id).Scan(&from)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	if !transitionAllowed(from, to) {
		return "", fmt.Errorf("invalid status transition %s -> %s", from, to)
	}

	_, err = b.Exec(`UPDATE media_items SET status = ?, updated_at = ? WHERE id = ?`,
		to, time.Now().UTC().Format(time.RFC3339), id)
	return from, err
}

func transitionAllowed(from, to MediaStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DeleteMediaItem removes the item and, through the FK cascade, every
// context record referencing it. Lineage entries survive (the audit
// trail is immutable); the caller records the delete operation there.
func (s *Store) DeleteMediaItem(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM media_items WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMediaItems returns media items ordered by creation time, newest
// first.
func (s *Store) ListMediaItems(ctx context.Context, limit int) ([]MediaItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, duration_sec, source_path, created_at, updated_at
		FROM media_items ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []MediaItem
	for rows.Next() {
		var m MediaItem
		var createdAt, updatedAt string
		if err := rows.Scan(&m.ID, &m.Status, &m.DurationSec, &m.SourcePath, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if m.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// MediaItemIDs returns every media item id, used by the periodic
// consistency sweep.
func (s *Store) MediaItemIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM media_items ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
