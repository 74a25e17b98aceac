// Package query executes reads and writes against the store through
// the bounded connection pool, checking the cache tiers before touching
// storage and invalidating them after mutations.
package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/yanver/vistore/internal/cache"
	"github.com/yanver/vistore/internal/storage"
)

// TimeoutError surfaces pool exhaustion or a slow operation with
// enough context for the caller to retry or back off.
type TimeoutError struct {
	Op   string
	Wait time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s (pool exhausted or slow storage)", e.Op, e.Wait)
}

// Config tunes the optimizer. Zero values fall back to the defaults.
type Config struct {
	// AcquireTimeout bounds how long a caller blocks waiting for a
	// pooled connection.
	AcquireTimeout time.Duration
	// BatchSize chunks large parameter lists into bounded
	// transactions.
	BatchSize int
	// Retry is the policy applied to each write transaction.
	Retry storage.RetryPolicy
}

// DefaultConfig: 2s acquire timeout, 100-row batches.
func DefaultConfig() Config {
	return Config{
		AcquireTimeout: 2 * time.Second,
		BatchSize:      100,
		Retry:          storage.DefaultRetryPolicy(),
	}
}

// Optimizer wraps the store with pooled, cache-aware execution and
// per-query-type latency tracking.
type Optimizer struct {
	store  *storage.Store
	cache  *cache.Tiered
	cfg    Config
	stats  *statsTable
	logger *slog.Logger
}

// New builds an Optimizer. The cache instance is constructed by the
// caller and passed in; the optimizer owns no global state.
func New(store *storage.Store, tiers *cache.Tiered, cfg Config) *Optimizer {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultConfig().AcquireTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &Optimizer{
		store:  store,
		cache:  tiers,
		cfg:    cfg,
		stats:  newStatsTable(),
		logger: slog.Default(),
	}
}

// Cache exposes the tiers for callers that invalidate directly.
func (o *Optimizer) Cache() *cache.Tiered { return o.cache }

// Query runs a read. When cacheKey is non-empty the cache tiers are
// consulted first; on miss the rows are fetched and the result is
// populated with the given TTL. Rows come back as column-name maps so
// results serialize straight into the cache.
func (o *Optimizer) Query(ctx context.Context, sqlText string, args []any, cacheKey string, ttl time.Duration) ([]map[string]any, error) {
	if cacheKey != "" {
		if raw, ok := o.cache.Get(ctx, cacheKey); ok {
			var rows []map[string]any
			if err := json.Unmarshal(raw, &rows); err == nil {
				o.stats.observe(queryType(sqlText), 0, true)
				return rows, nil
			}
			// Unreadable cached value: fall through to storage.
		}
	}

	start := time.Now()
	qctx, cancel := context.WithTimeout(ctx, o.cfg.AcquireTimeout)
	defer cancel()

	rows, err := o.store.DB().QueryContext(qctx, sqlText, args...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Op: "query", Wait: o.cfg.AcquireTimeout}
		}
		return nil, fmt.Errorf("executing query: %w", err)
	}
	results, err := scanMaps(rows)
	if err != nil {
		return nil, err
	}
	o.stats.observe(queryType(sqlText), time.Since(start), false)

	if cacheKey != "" {
		if encoded, err := json.Marshal(results); err == nil {
			o.cache.Set(ctx, cacheKey, encoded, ttl)
		}
	}
	return results, nil
}

// Exec runs a single write inside a retried batch transaction. When
// invalidatePattern is non-empty the matching cache entries in every
// tier are removed synchronously before Exec returns, so no caller can
// observe stale reads after a successful write.
func (o *Optimizer) Exec(ctx context.Context, sqlText string, args []any, invalidatePattern string) (int64, error) {
	start := time.Now()
	var affected int64
	err := o.store.RunBatch(ctx, o.cfg.Retry, func(b *storage.Batch) error {
		res, err := b.Exec(sqlText, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	o.stats.observe(queryType(sqlText), time.Since(start), false)

	if invalidatePattern != "" {
		o.cache.InvalidatePattern(ctx, invalidatePattern)
	}
	return affected, nil
}

// BatchExec chunks paramsList into bounded groups and runs each chunk
// in its own transaction, trading whole-list atomicity for bounded
// lock duration. Callers that need all-or-nothing semantics across the
// whole list wrap the statements in one Batch themselves.
func (o *Optimizer) BatchExec(ctx context.Context, sqlText string, paramsList [][]any, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = o.cfg.BatchSize
	}

	var total int64
	for offset := 0; offset < len(paramsList); offset += batchSize {
		end := min(offset+batchSize, len(paramsList))
		chunk := paramsList[offset:end]

		start := time.Now()
		err := o.store.RunBatch(ctx, o.cfg.Retry, func(b *storage.Batch) error {
			for _, args := range chunk {
				res, err := b.Exec(sqlText, args...)
				if err != nil {
					return err
				}
				n, err := res.RowsAffected()
				if err != nil {
					return err
				}
				total += n
			}
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("batch chunk at offset %d: %w", offset, err)
		}
		o.stats.observe(queryType(sqlText), time.Since(start), false)
	}
	return total, nil
}

// Stats snapshots the per-query-type latency table.
func (o *Optimizer) Stats() map[string]Stat {
	return o.stats.snapshot()
}

// queryType buckets statements by their leading keyword and target
// table, e.g. "select context_records".
func queryType(sqlText string) string {
	fields := strings.Fields(strings.ToLower(sqlText))
	if len(fields) == 0 {
		return "unknown"
	}
	verb := fields[0]
	marker := map[string]string{"select": "from", "insert": "into", "update": "", "delete": "from"}[verb]
	for i, f := range fields {
		if marker != "" && f == marker && i+1 < len(fields) {
			return verb + " " + strings.Trim(fields[i+1], "(")
		}
	}
	if verb == "update" && len(fields) > 1 {
		return verb + " " + fields[1]
	}
	return verb
}

func scanMaps(rows *sql.Rows) ([]map[string]any, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}
	return results, rows.Err()
}
