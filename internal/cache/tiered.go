package cache

import (
	"context"
	"log/slog"
	"time"
)

// Namespaces used by the engine. Keys are "namespace:rest"; write
// invalidation matches patterns like "video:{id}:*" within a
// namespace.
const (
	NamespaceVideo = "video"
	NamespaceQuery = "query"
)

// Options configures the facade's TTL policy.
type Options struct {
	// DerivedTTL applies to values recomputable from the store.
	DerivedTTL time.Duration
	// ImmutableTTL applies to tool outputs that never change.
	ImmutableTTL time.Duration
}

// DefaultOptions: 10 minutes for derived data, 24 hours for immutable
// tool outputs.
func DefaultOptions() Options {
	return Options{
		DerivedTTL:   10 * time.Minute,
		ImmutableTTL: 24 * time.Hour,
	}
}

// Tiered is the single facade over L1 and L2. L2 is optional: when it
// is unreachable the facade degrades to L1-only without failing
// callers. Construct one instance at startup and pass it down; there is
// no process-wide cache state.
type Tiered struct {
	l1     *LRU
	l2     *Redis // nil when the shared tier is not configured
	opts   Options
	logger *slog.Logger
}

// NewTiered builds the facade. l2 may be nil.
func NewTiered(l1 *LRU, l2 *Redis, opts Options) *Tiered {
	if opts.DerivedTTL <= 0 {
		opts = DefaultOptions()
	}
	return &Tiered{l1: l1, l2: l2, opts: opts, logger: slog.Default()}
}

// DerivedTTL exposes the configured TTL for recomputable values.
func (t *Tiered) DerivedTTL() time.Duration { return t.opts.DerivedTTL }

// ImmutableTTL exposes the configured TTL for immutable tool outputs.
func (t *Tiered) ImmutableTTL() time.Duration { return t.opts.ImmutableTTL }

// Key builds a namespaced cache key.
func Key(namespace string, parts ...string) string {
	key := namespace
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// Get tries L1 first, then L2, promoting L2 hits back into L1. L2
// failures are logged and treated as misses.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	if val, ok := t.l1.Get(key); ok {
		return val, true
	}
	if t.l2 == nil {
		return nil, false
	}

	val, ok, err := t.l2.Get(ctx, key)
	if err != nil {
		t.logger.Debug("shared cache read failed, degrading to L1", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	t.l1.Set(key, val, t.opts.DerivedTTL)
	return val, true
}

// Set populates both tiers. Two concurrent misses may both compute and
// set the same key; values are idempotent so the race is accepted.
func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = t.opts.DerivedTTL
	}
	t.l1.Set(key, value, ttl)
	if t.l2 == nil {
		return
	}
	if err := t.l2.Set(ctx, key, value, ttl); err != nil {
		t.logger.Debug("shared cache write failed, degrading to L1", "key", key, "error", err)
	}
}

// InvalidatePattern synchronously removes matching keys from every
// tier before returning, so a completed write can never be followed by
// a stale read. It sweeps both the value namespace and the query
// namespace, since cached query results embed the same id patterns.
func (t *Tiered) InvalidatePattern(ctx context.Context, pattern string) {
	t.l1.DeletePattern(pattern)
	t.l1.DeletePattern(NamespaceQuery + ":" + pattern)
	if t.l2 == nil {
		return
	}
	if _, err := t.l2.DeletePattern(ctx, pattern); err != nil {
		t.logger.Warn("shared cache invalidation failed", "pattern", pattern, "error", err)
		return
	}
	if _, err := t.l2.DeletePattern(ctx, NamespaceQuery+":"+pattern); err != nil {
		t.logger.Warn("shared cache invalidation failed", "pattern", pattern, "error", err)
	}
}

// Stats snapshots every tier.
func (t *Tiered) Stats(ctx context.Context) Stats {
	s := Stats{L1: t.l1.Stats()}
	if t.l2 != nil {
		s.L2 = t.l2.Stats(ctx)
		s.L2Available = true
	}
	return s
}
