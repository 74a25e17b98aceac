package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// MediaStatus is the processing state of a media item.
type MediaStatus string

const (
	StatusPending    MediaStatus = "pending"
	StatusProcessing MediaStatus = "processing"
	StatusComplete   MediaStatus = "complete"
	StatusError      MediaStatus = "error"
)

// allowedTransitions holds the status mutations permitted after a media
// item is created. Reprocessing moves complete/error items back to
// processing.
var allowedTransitions = map[MediaStatus][]MediaStatus{
	StatusPending:    {StatusProcessing, StatusError},
	StatusProcessing: {StatusComplete, StatusError},
	StatusComplete:   {StatusProcessing},
	StatusError:      {StatusProcessing},
}

// MediaItem is the parent row every context record references.
type MediaItem struct {
	ID          string      `json:"id"`
	Status      MediaStatus `json:"status"`
	DurationSec float64     `json:"duration_sec"`
	SourcePath  string      `json:"source_path,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// LineageOp is the kind of mutation a lineage entry describes.
type LineageOp string

const (
	OpCreate    LineageOp = "create"
	OpUpdate    LineageOp = "update"
	OpDelete    LineageOp = "delete"
	OpReprocess LineageOp = "reprocess"
)

// LineageEntry is one append-only audit row. RecordID is nil once the
// referenced record has been deleted. Entries are never updated or
// deleted.
type LineageEntry struct {
	ID           string    `json:"id"`
	MediaItemID  string    `json:"media_item_id"`
	RecordID     *string   `json:"record_id,omitempty"`
	Operation    LineageOp `json:"operation"`
	ToolName     string    `json:"tool_name,omitempty"`
	ToolVersion  string    `json:"tool_version,omitempty"`
	ModelVersion string    `json:"model_version,omitempty"`
	ParamsJSON   string    `json:"params,omitempty"`
	Actor        string    `json:"actor,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// RecordFilter narrows record reads by timestamp range and page.
type RecordFilter struct {
	From   *float64
	To     *float64
	Limit  int
	Offset int
}
