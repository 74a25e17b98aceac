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

func newTestReader(s *storage.Store, tiers *cache.Tiered) *Reader {
	return NewReader(s, New(s, tiers, DefaultConfig()))
}

func TestFetchRecordsCacheFirst(t *testing.T) {
	s := openTestStore(t)
	tiers := testTiers()
	r := newTestReader(s, tiers)
	ctx := context.Background()
	createItem(t, s, "m1")
	insertFrames(t, s, "m1", 5)

	first, err := r.FetchRecords(ctx, "m1", record.KindFrame, storage.RecordFilter{})
	if err != nil {
		t.Fatalf("FetchRecords: %v", err)
	}
	if len(first) != 5 {
		t.Fatalf("records = %d, want 5", len(first))
	}

	// Delete under the cache; the cached view still serves until
	// invalidated.
	if err := s.DeleteMediaItem(ctx, "m1"); err != nil {
		t.Fatalf("DeleteMediaItem: %v", err)
	}
	second, err := r.FetchRecords(ctx, "m1", record.KindFrame, storage.RecordFilter{})
	if err != nil {
		t.Fatalf("second FetchRecords: %v", err)
	}
	if len(second) != 5 {
		t.Errorf("cached records = %d, want 5 (should hit cache)", len(second))
	}

	// After invalidation the read reflects storage.
	tiers.InvalidatePattern(ctx, "video:m1:*")
	third, err := r.FetchRecords(ctx, "m1", record.KindFrame, storage.RecordFilter{})
	if err != nil {
		t.Fatalf("third FetchRecords: %v", err)
	}
	if len(third) != 0 {
		t.Errorf("records after invalidation = %d, want 0", len(third))
	}
}

func TestFetchPage(t *testing.T) {
	s := openTestStore(t)
	r := newTestReader(s, testTiers())
	ctx := context.Background()
	createItem(t, s, "m1")
	insertFrames(t, s, "m1", 10)

	page, err := r.FetchPage(ctx, "m1", record.KindFrame, Page{Size: 4, Number: 1})
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if len(page) != 4 {
		t.Fatalf("page len = %d, want 4", len(page))
	}
	if *page[0].Timestamp != 4 {
		t.Errorf("page start ts = %v, want 4", *page[0].Timestamp)
	}

	// Pages cache independently.
	other, err := r.FetchPage(ctx, "m1", record.KindFrame, Page{Size: 4, Number: 2})
	if err != nil {
		t.Fatalf("FetchPage 2: %v", err)
	}
	if *other[0].Timestamp != 8 {
		t.Errorf("second page start ts = %v, want 8", *other[0].Timestamp)
	}
}

func TestFetchContextAggregates(t *testing.T) {
	s := openTestStore(t)
	r := newTestReader(s, testTiers())
	ctx := context.Background()
	createItem(t, s, "m1")
	insertFrames(t, s, "m1", 3)

	err := s.RunBatch(ctx, storage.DefaultRetryPolicy(), func(b *storage.Batch) error {
		ts := 1.0
		return b.InsertRecord(record.ContextRecord{
			ID: "c1", MediaItemID: "m1", Kind: record.KindCaption, Timestamp: &ts,
			Payload: []byte(`{"text":"a scene"}`),
		})
	})
	if err != nil {
		t.Fatalf("inserting caption: %v", err)
	}

	agg, err := r.FetchContext(ctx, "m1")
	if err != nil {
		t.Fatalf("FetchContext: %v", err)
	}
	if agg.MediaItem.ID != "m1" {
		t.Errorf("MediaItem.ID = %q, want m1", agg.MediaItem.ID)
	}
	if agg.Counts[record.KindFrame] != 3 || agg.Counts[record.KindCaption] != 1 {
		t.Errorf("Counts = %v, want frame:3 caption:1", agg.Counts)
	}
	if len(agg.Records) != 4 {
		t.Errorf("Records = %d, want 4", len(agg.Records))
	}
}

func TestFetchContextNotFound(t *testing.T) {
	s := openTestStore(t)
	r := newTestReader(s, testTiers())

	if _, err := r.FetchContext(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for missing media item")
	}
}

// TestFetchContextConcurrentCold fires parallel cold fetches at one
// item; every caller must get the same complete view.
func TestFetchContextConcurrentCold(t *testing.T) {
	s := openTestStore(t)
	r := newTestReader(s, testTiers())
	ctx := context.Background()
	createItem(t, s, "m1")
	insertFrames(t, s, "m1", 8)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agg, err := r.FetchContext(ctx, "m1")
			if err != nil {
				errs <- err
				return
			}
			if len(agg.Records) != 8 {
				errs <- fmt.Errorf("records = %d, want 8", len(agg.Records))
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

// TestReadsFeedQueryStats covers the serving path end to end: record
// reads flow through the optimizer, so the stats table and the
// query-result tier observe ordinary API traffic.
func TestReadsFeedQueryStats(t *testing.T) {
	s := openTestStore(t)
	tiers := testTiers()
	o := New(s, tiers, DefaultConfig())
	r := NewReader(s, o)
	ctx := context.Background()
	createItem(t, s, "m1")
	insertFrames(t, s, "m1", 4)

	if _, err := r.FetchRecords(ctx, "m1", record.KindFrame, storage.RecordFilter{}); err != nil {
		t.Fatalf("FetchRecords: %v", err)
	}
	if _, err := r.FetchRecords(ctx, "m1", record.KindFrame, storage.RecordFilter{}); err != nil {
		t.Fatalf("second FetchRecords: %v", err)
	}

	st, ok := o.Stats()["select context_records"]
	if !ok {
		t.Fatalf("stats missing the select context_records bucket: %v", o.Stats())
	}
	if st.Count != 2 || st.CacheHits != 1 {
		t.Errorf("count = %d, hits = %d, want 2 and 1", st.Count, st.CacheHits)
	}

	// The cached rows live under the query namespace, so a media-item
	// sweep removes them.
	sqlText, args := storage.RecordsQuery("m1", record.KindFrame, storage.RecordFilter{})
	key := cache.QueryKey("m1", sqlText, args)
	if _, ok := tiers.Get(ctx, key); !ok {
		t.Error("query-result tier not populated by the read")
	}
	tiers.InvalidatePattern(ctx, "video:m1:*")
	if _, ok := tiers.Get(ctx, key); ok {
		t.Error("query-result entry survived invalidation")
	}
}
