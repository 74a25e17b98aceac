package query

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/yanver/vistore/internal/cache"
	"github.com/yanver/vistore/internal/record"
	"github.com/yanver/vistore/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:", 5)
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testTiers() *cache.Tiered {
	return cache.NewTiered(cache.NewLRU(100), nil, cache.DefaultOptions())
}

func createItem(t *testing.T, s *storage.Store, id string) {
	t.Helper()
	if err := s.CreateMediaItem(context.Background(), storage.MediaItem{ID: id, DurationSec: 10}); err != nil {
		t.Fatalf("CreateMediaItem: %v", err)
	}
}

func insertFrames(t *testing.T, s *storage.Store, mediaID string, n int) {
	t.Helper()
	err := s.RunBatch(context.Background(), storage.DefaultRetryPolicy(), func(b *storage.Batch) error {
		for i := 0; i < n; i++ {
			ts := float64(i)
			err := b.InsertRecord(record.ContextRecord{
				ID: fmt.Sprintf("%s-f%03d", mediaID, i), MediaItemID: mediaID,
				Kind: record.KindFrame, Timestamp: &ts,
				Payload: []byte(fmt.Sprintf(`{"path":"/frames/%03d.jpg"}`, i)),
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("inserting frames: %v", err)
	}
}

const selectFrames = `SELECT id, ts FROM context_records WHERE media_item_id = ? AND kind = 'frame' ORDER BY ts`

// TestQueryCacheFirst verifies the second identical read is served from
// the cache rather than storage.
func TestQueryCacheFirst(t *testing.T) {
	s := openTestStore(t)
	o := New(s, testTiers(), DefaultConfig())
	ctx := context.Background()
	createItem(t, s, "m1")
	insertFrames(t, s, "m1", 5)

	key := cache.QueryKey("m1", selectFrames, []any{"m1"})

	first, err := o.Query(ctx, selectFrames, []any{"m1"}, key, 0)
	if err != nil {
		t.Fatalf("first Query: %v", err)
	}
	if len(first) != 5 {
		t.Fatalf("rows = %d, want 5", len(first))
	}

	second, err := o.Query(ctx, selectFrames, []any{"m1"}, key, 0)
	if err != nil {
		t.Fatalf("second Query: %v", err)
	}
	if len(second) != 5 {
		t.Fatalf("cached rows = %d, want 5", len(second))
	}

	stats := o.Stats()
	st := stats["select context_records"]
	if st.Count != 2 || st.CacheHits != 1 {
		t.Errorf("stats = %+v, want count=2 cache_hits=1", st)
	}
}

// TestExecInvalidatesBeforeReturn verifies a cached query result for
// the written item is gone by the time Exec returns.
func TestExecInvalidatesBeforeReturn(t *testing.T) {
	s := openTestStore(t)
	o := New(s, testTiers(), DefaultConfig())
	ctx := context.Background()
	createItem(t, s, "m1")
	insertFrames(t, s, "m1", 3)

	key := cache.QueryKey("m1", selectFrames, []any{"m1"})
	if _, err := o.Query(ctx, selectFrames, []any{"m1"}, key, 0); err != nil {
		t.Fatalf("Query: %v", err)
	}

	affected, err := o.Exec(ctx,
		`DELETE FROM context_records WHERE media_item_id = ?`, []any{"m1"}, "video:m1:*")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if affected != 3 {
		t.Errorf("affected = %d, want 3", affected)
	}

	// A fresh read must see the delete, not the cached rows.
	rows, err := o.Query(ctx, selectFrames, []any{"m1"}, key, 0)
	if err != nil {
		t.Fatalf("Query after Exec: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("rows after delete = %d, want 0 (stale cache served)", len(rows))
	}
}

// TestBatchExecChunks verifies a parameter list larger than the batch
// size lands fully across multiple transactions.
func TestBatchExecChunks(t *testing.T) {
	s := openTestStore(t)
	o := New(s, testTiers(), DefaultConfig())
	ctx := context.Background()
	createItem(t, s, "m1")

	var params [][]any
	for i := 0; i < 25; i++ {
		params = append(params, []any{
			fmt.Sprintf("f%03d", i), "m1", "frame", float64(i),
			fmt.Sprintf(`{"path":"/frames/%03d.jpg"}`, i), "2026-01-01T00:00:00Z",
		})
	}

	total, err := o.BatchExec(ctx, `
		INSERT INTO context_records (id, media_item_id, kind, ts, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, params, 10)
	if err != nil {
		t.Fatalf("BatchExec: %v", err)
	}
	if total != 25 {
		t.Errorf("total = %d, want 25", total)
	}

	n, err := s.CountRecords(ctx, "m1", record.KindFrame)
	if err != nil {
		t.Fatalf("CountRecords: %v", err)
	}
	if n != 25 {
		t.Errorf("stored = %d, want 25", n)
	}
}

func TestQueryTypeBuckets(t *testing.T) {
	cases := []struct {
		sql  string
		want string
	}{
		{"SELECT * FROM context_records WHERE id = ?", "select context_records"},
		{"INSERT INTO media_items (id) VALUES (?)", "insert media_items"},
		{"DELETE FROM lineage_entries", "delete lineage_entries"},
		{"UPDATE media_items SET status = ?", "update media_items"},
	}
	for _, tc := range cases {
		if got := queryType(tc.sql); got != tc.want {
			t.Errorf("queryType(%q) = %q, want %q", tc.sql, got, tc.want)
		}
	}
}

// TestQueryConcurrent runs parallel reads through the bounded pool to
// shake out races between cache population and storage reads.
func TestQueryConcurrent(t *testing.T) {
	s := openTestStore(t)
	o := New(s, testTiers(), DefaultConfig())
	ctx := context.Background()
	createItem(t, s, "m1")
	insertFrames(t, s, "m1", 10)

	key := cache.QueryKey("m1", selectFrames, []any{"m1"})

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rows, err := o.Query(ctx, selectFrames, []any{"m1"}, key, 0)
			if err != nil {
				errs <- err
				return
			}
			if len(rows) != 10 {
				errs <- fmt.Errorf("rows = %d, want 10", len(rows))
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
