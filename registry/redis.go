package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// DefaultRedisPrefix is the key prefix used when none is given.
const DefaultRedisPrefix = "clustersync:node:"

// Redis is a Registry shared between daemons and coordinators on different
// hosts. Notices are stored as JSON with a TTL.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	group  singleflight.Group
}

// NewRedis creates a Redis-backed registry.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	reg := registry.NewRedis(client, "", 5*time.Minute)
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}

	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

// Announce implements Registry.
func (r *Redis) Announce(ctx context.Context, n Notice) error {
	if err := n.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}

	if err := r.client.Set(ctx, r.prefix+n.Node, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store notice: %w", err)
	}

	return nil
}

// Lookup implements Registry.
func (r *Redis) Lookup(ctx context.Context, node string) (Notice, error) {
	val, err := r.client.Get(ctx, r.prefix+node).Result()
	if errors.Is(err, redis.Nil) {
		return Notice{}, ErrNotFound
	}
	if err != nil {
		return Notice{}, fmt.Errorf("redis get error: %w", err)
	}

	var n Notice
	if err := json.Unmarshal([]byte(val), &n); err != nil {
		return Notice{}, fmt.Errorf("failed to unmarshal notice: %w", err)
	}

	return n, nil
}

// List implements Registry. Concurrent calls share one SCAN.
func (r *Redis) List(ctx context.Context) ([]Notice, error) {
	val, err, _ := r.group.Do("list", func() (any, error) {
		return r.list(ctx)
	})
	if err != nil {
		return nil, err
	}

	notices := val.([]Notice)
	return append([]Notice(nil), notices...), nil
}

func (r *Redis) list(ctx context.Context) ([]Notice, error) {
	var keys []string

	iter := r.client.Scan(ctx, 0, r.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if key := iter.Val(); strings.HasPrefix(key, r.prefix) {
			keys = append(keys, key)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}

	if len(keys) == 0 {
		return []Notice{}, nil
	}

	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget error: %w", err)
	}

	notices := make([]Notice, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Expired between SCAN and MGET.
			continue
		}

		var n Notice
		if err := json.Unmarshal([]byte(s), &n); err != nil {
			return nil, fmt.Errorf("failed to unmarshal notice: %w", err)
		}
		notices = append(notices, n)
	}

	sortNotices(notices)
	return notices, nil
}

// Remove implements Registry.
func (r *Redis) Remove(ctx context.Context, node string) error {
	if err := r.client.Del(ctx, r.prefix+node).Err(); err != nil {
		return fmt.Errorf("failed to delete notice: %w", err)
	}
	return nil
}
