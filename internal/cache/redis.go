package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable means the shared tier could not be reached. The facade
// swallows it and degrades to L1-only; it never propagates to callers.
var ErrUnavailable = errors.New("shared cache unavailable")

// Redis is the L2 tier: a shared, network-addressable key-value store
// with per-key TTL that survives process restarts.
type Redis struct {
	client *redis.Client
	hits   atomic.Uint64
	misses atomic.Uint64
}

// OpenRedis connects and verifies the connection with a ping.
func OpenRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", addr, err)
	}
	return &Redis{client: client}, nil
}

// Close releases the client's connections.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Get returns the value for key, or found=false on a miss. Transport
// failures map to ErrUnavailable.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		r.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	r.hits.Add(1)
	return val, true, nil
}

// Set stores the value with the given TTL.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Delete removes a single key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// DeletePattern removes every key matching the glob pattern using an
// incremental SCAN, so it does not block the server on large keyspaces.
func (r *Redis) DeletePattern(ctx context.Context, pattern string) (int, error) {
	var removed int
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return removed, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return removed, nil
}

// Stats returns a snapshot of the tier's counters. Size reports the
// server-side keyspace size when reachable.
func (r *Redis) Stats(ctx context.Context) TierStats {
	size := 0
	if n, err := r.client.DBSize(ctx).Result(); err == nil {
		size = int(n)
	}
	return newTierStats("l2", r.hits.Load(), r.misses.Load(), 0, size)
}
