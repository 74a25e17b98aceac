// Package prefetch tracks access patterns per media item and warms the
// cache for record kinds likely to be requested next. Everything here
// is best-effort: prefetch failures are logged and swallowed, never
// surfaced to the request path.
package prefetch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/yanver/vistore/internal/query"
	"github.com/yanver/vistore/internal/record"
)

// Config tunes the tracker. Zero values fall back to the defaults.
type Config struct {
	// WindowSize is the rolling per-item access history length.
	WindowSize int
	// LaneWidth bounds how many warm tasks run concurrently.
	LaneWidth int64
	// AcquireTimeout is how long a warm task waits for a lane slot
	// before being dropped silently. Foreground requests keep priority
	// for pool connections, so this stays short.
	AcquireTimeout time.Duration
	// PageSize is how many records a warm task pulls.
	PageSize int
	// WarmTimeout bounds a single warm task's read once it holds a
	// lane, so a slow storage read cannot pin a lane indefinitely.
	WarmTimeout time.Duration
}

// DefaultConfig: 20-entry window, 2 lanes, 100ms acquire, 50-row pages,
// 5s warm bound.
func DefaultConfig() Config {
	return Config{
		WindowSize:     20,
		LaneWidth:      2,
		AcquireTimeout: 100 * time.Millisecond,
		PageSize:       50,
		WarmTimeout:    5 * time.Second,
	}
}

// Tracker records which kinds are read per media item and predicts the
// kinds read soon after via a simple co-occurrence count, not a learned
// model.
type Tracker struct {
	reader *query.Reader
	cfg    Config
	lane   *semaphore.Weighted
	logger *slog.Logger

	mu      sync.Mutex
	windows map[string][]record.Kind
	follows map[record.Kind]map[record.Kind]int
	wg      sync.WaitGroup
}

// NewTracker builds a Tracker warming through the given reader.
func NewTracker(reader *query.Reader, cfg Config) *Tracker {
	if cfg.WindowSize <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.WarmTimeout <= 0 {
		cfg.WarmTimeout = DefaultConfig().WarmTimeout
	}
	return &Tracker{
		reader:  reader,
		cfg:     cfg,
		lane:    semaphore.NewWeighted(cfg.LaneWidth),
		logger:  slog.Default(),
		windows: make(map[string][]record.Kind),
		follows: make(map[record.Kind]map[record.Kind]int),
	}
}

// RecordAccess appends the kind to the item's rolling window and
// updates the co-occurrence counts with the previously accessed kind.
func (t *Tracker) RecordAccess(mediaItemID string, kind record.Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()

	window := t.windows[mediaItemID]
	if len(window) > 0 {
		prev := window[len(window)-1]
		if prev != kind {
			if t.follows[prev] == nil {
				t.follows[prev] = make(map[record.Kind]int)
			}
			t.follows[prev][kind]++
		}
	}

	window = append(window, kind)
	if len(window) > t.cfg.WindowSize {
		window = window[len(window)-t.cfg.WindowSize:]
	}
	t.windows[mediaItemID] = window
}

// Predict returns the kinds historically accessed soon after primary,
// most frequent first.
func (t *Tracker) Predict(primary record.Kind) []record.Kind {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := t.follows[primary]
	if len(counts) == 0 {
		return nil
	}
	predicted := make([]record.Kind, 0, len(counts))
	for kind := range counts {
		predicted = append(predicted, kind)
	}
	for i := 1; i < len(predicted); i++ {
		for j := i; j > 0 && counts[predicted[j]] > counts[predicted[j-1]]; j-- {
			predicted[j], predicted[j-1] = predicted[j-1], predicted[j]
		}
	}
	return predicted
}

// PrefetchRelated schedules background cache population for the kinds
// predicted to follow primary. It returns immediately; tasks that
// cannot get a lane slot within the acquire timeout are dropped
// silently, so background warming never starves foreground requests.
func (t *Tracker) PrefetchRelated(mediaItemID string, primary record.Kind) {
	for _, kind := range t.Predict(primary) {
		kind := kind
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), t.cfg.AcquireTimeout)
			err := t.lane.Acquire(ctx, 1)
			cancel()
			if err != nil {
				return // lane full, drop
			}
			defer t.lane.Release(1)

			warmCtx, cancelWarm := context.WithTimeout(context.Background(), t.cfg.WarmTimeout)
			defer cancelWarm()
			if _, err := t.reader.FetchPage(warmCtx, mediaItemID, kind, query.Page{Size: t.cfg.PageSize}); err != nil {
				t.logger.Debug("prefetch failed",
					"media_item_id", mediaItemID, "kind", kind, "error", err)
			}
		}()
	}
}

// LoadPage serves a paginated read cache-first and records the access
// for future predictions.
func (t *Tracker) LoadPage(ctx context.Context, mediaItemID string, kind record.Kind, pageSize, page int) ([]record.ContextRecord, error) {
	t.RecordAccess(mediaItemID, kind)
	records, err := t.reader.FetchPage(ctx, mediaItemID, kind, query.Page{Size: pageSize, Number: page})
	if err != nil {
		return nil, err
	}
	t.PrefetchRelated(mediaItemID, kind)
	return records, nil
}

// Wait blocks until in-flight warm tasks finish. Tests use it to make
// prefetch effects observable.
func (t *Tracker) Wait() {
	t.wg.Wait()
}
