package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func openTestRedis(t *testing.T) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := OpenRedis(context.Background(), mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestTieredPromotesFromL2(t *testing.T) {
	ctx := context.Background()
	l1 := NewLRU(10)
	l2 := openTestRedis(t)
	tc := NewTiered(l1, l2, DefaultOptions())

	// Value only in L2, as if another process wrote it.
	if err := l2.Set(ctx, "video:m1:frame:f1", []byte("shared"), time.Minute); err != nil {
		t.Fatalf("l2 Set: %v", err)
	}

	got, ok := tc.Get(ctx, "video:m1:frame:f1")
	if !ok || string(got) != "shared" {
		t.Fatalf("Get = %q, %v; want shared hit", got, ok)
	}

	// The hit was promoted into L1.
	if _, ok := l1.Get("video:m1:frame:f1"); !ok {
		t.Error("L2 hit was not promoted into L1")
	}
}

func TestTieredSetPopulatesBothTiers(t *testing.T) {
	ctx := context.Background()
	l1 := NewLRU(10)
	l2 := openTestRedis(t)
	tc := NewTiered(l1, l2, DefaultOptions())

	tc.Set(ctx, "video:m1:context", []byte("ctx"), 0)

	if _, ok := l1.Get("video:m1:context"); !ok {
		t.Error("value missing from L1")
	}
	if _, ok, err := l2.Get(ctx, "video:m1:context"); err != nil || !ok {
		t.Errorf("value missing from L2 (ok=%v err=%v)", ok, err)
	}
}

// TestTieredDegradesWithoutL2 verifies the facade works L1-only when
// the shared tier is not configured.
func TestTieredDegradesWithoutL2(t *testing.T) {
	ctx := context.Background()
	tc := NewTiered(NewLRU(10), nil, DefaultOptions())

	tc.Set(ctx, "k", []byte("v"), 0)
	got, ok := tc.Get(ctx, "k")
	if !ok || string(got) != "v" {
		t.Fatalf("Get = %q, %v; want v hit", got, ok)
	}
	tc.InvalidatePattern(ctx, "k")
	if _, ok := tc.Get(ctx, "k"); ok {
		t.Error("invalidated key still present")
	}

	s := tc.Stats(ctx)
	if s.L2Available {
		t.Error("L2 reported available without a client")
	}
}

// TestTieredDegradesWhenL2Dies verifies reads fall back to misses
// instead of failing when the shared tier goes away mid-flight.
func TestTieredDegradesWhenL2Dies(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	r, err := OpenRedis(ctx, mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	defer r.Close()

	l1 := NewLRU(10)
	tc := NewTiered(l1, r, DefaultOptions())

	tc.Set(ctx, "k", []byte("v"), 0)
	mr.Close()

	// L1 still serves the value.
	got, ok := tc.Get(ctx, "k")
	if !ok || string(got) != "v" {
		t.Fatalf("Get after L2 death = %q, %v; want L1 hit", got, ok)
	}

	// A key that was never in L1 is a miss, not an error.
	if _, ok := tc.Get(ctx, "other"); ok {
		t.Error("unexpected hit with L2 down")
	}

	// Writes and invalidations must not panic or fail callers.
	tc.Set(ctx, "k2", []byte("v2"), 0)
	tc.InvalidatePattern(ctx, "video:m1:*")
}

// TestInvalidatePatternSweepsAllTiers verifies a write invalidation
// clears matching keys, including cached query results for the same
// media item, in both tiers.
func TestInvalidatePatternSweepsAllTiers(t *testing.T) {
	ctx := context.Background()
	l1 := NewLRU(10)
	l2 := openTestRedis(t)
	tc := NewTiered(l1, l2, DefaultOptions())

	queryKey := QueryKey("m1", "SELECT * FROM context_records WHERE media_item_id = ?", []any{"m1"})
	tc.Set(ctx, "video:m1:frame:f1", []byte("a"), 0)
	tc.Set(ctx, queryKey, []byte("rows"), 0)
	tc.Set(ctx, "video:m2:frame:f1", []byte("c"), 0)

	tc.InvalidatePattern(ctx, "video:m1:*")

	for _, key := range []string{"video:m1:frame:f1", queryKey} {
		if _, ok := tc.Get(ctx, key); ok {
			t.Errorf("key %q survived invalidation", key)
		}
	}
	if _, ok := tc.Get(ctx, "video:m2:frame:f1"); !ok {
		t.Error("other item's key swept by mistake")
	}
}

func TestQueryKeyNormalization(t *testing.T) {
	a := QueryKey("m1", "SELECT  *\n FROM context_records", []any{1})
	b := QueryKey("m1", "select * from context_records", []any{1})
	if a != b {
		t.Errorf("equivalent queries hashed differently:\n%s\n%s", a, b)
	}

	c := QueryKey("m1", "select * from context_records", []any{2})
	if a == c {
		t.Error("different args should produce different keys")
	}

	d := QueryKey("m2", "select * from context_records", []any{1})
	if a == d {
		t.Error("different media items should produce different keys")
	}
}
