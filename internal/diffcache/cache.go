// Package diffcache memoizes diff results in Redis, keyed by the
// revision pair being compared plus a schema version. Entries are
// immutable once written; only a schema version bump invalidates them.
package diffcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"govwatch/internal/diff"
	"govwatch/internal/docstore"
)

// SchemaVersion is part of every cache key. Bump it when the diff
// engine's output format changes.
const SchemaVersion = "1"

type Cache struct {
	client *redis.Client
	group  singleflight.Group
}

// New connects to Redis at redisURL and verifies the connection.
func New(redisURL string) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Cache{client: client}, nil
}

// NewWithClient creates a cache from an existing Redis client.
func NewWithClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func key(prev, curr docstore.RevisionID) string {
	return fmt.Sprintf("diff:%s:%s:%s", SchemaVersion, prev, curr)
}

// GetOrCompute returns the cached diff for (prev, curr), computing and
// persisting it on a miss. Concurrent callers for the same key share a
// single computation. The computation and the write run detached from
// the caller's context: a request abandoned at the HTTP boundary still
// populates the cache for subsequent requests.
func (c *Cache) GetOrCompute(ctx context.Context, prev, curr docstore.RevisionID, compute func() (diff.Result, error)) (diff.Result, error) {
	cacheKey := key(prev, curr)

	if result, ok, err := c.lookup(ctx, cacheKey); err != nil {
		return diff.Result{}, err
	} else if ok {
		return result, nil
	}

	value, err, _ := c.group.Do(cacheKey, func() (any, error) {
		detached := context.WithoutCancel(ctx)

		// A concurrent caller may have persisted the entry between the
		// miss above and acquiring the flight.
		if result, ok, err := c.lookup(detached, cacheKey); err != nil {
			return diff.Result{}, err
		} else if ok {
			return result, nil
		}

		result, err := compute()
		if err != nil {
			return diff.Result{}, err
		}
		payload, err := json.Marshal(result)
		if err != nil {
			return diff.Result{}, fmt.Errorf("marshal diff payload: %w", err)
		}
		if err := c.client.Set(detached, cacheKey, payload, 0).Err(); err != nil {
			return diff.Result{}, fmt.Errorf("persist diff payload: %w", err)
		}
		return result, nil
	})
	if err != nil {
		return diff.Result{}, err
	}
	return value.(diff.Result), nil
}

func (c *Cache) lookup(ctx context.Context, cacheKey string) (diff.Result, bool, error) {
	payload, err := c.client.Get(ctx, cacheKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return diff.Result{}, false, nil
	}
	if err != nil {
		return diff.Result{}, false, fmt.Errorf("read diff payload: %w", err)
	}
	var result diff.Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return diff.Result{}, false, fmt.Errorf("decode diff payload: %w", err)
	}
	return result, true, nil
}

// Ping checks Redis reachability.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
