package registry

import (
	"context"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

const memoryKeyPrefix = "node:"

// Memory is an in-process Registry. Notices expire after the TTL given to
// NewMemory, so a node that stops re-announcing drops out.
type Memory struct {
	cache *cache.Cache
}

// NewMemory creates an in-memory registry.
//
// Parameters:
//   - ttl: Lifetime of a notice (cache.NoExpiration keeps notices forever)
//   - cleanupInterval: Interval at which expired notices are purged
//
// Returns:
//   - A new Memory registry
func NewMemory(ttl, cleanupInterval time.Duration) *Memory {
	return &Memory{
		cache: cache.New(ttl, cleanupInterval),
	}
}

// Announce implements Registry.
func (m *Memory) Announce(ctx context.Context, n Notice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := n.Validate(); err != nil {
		return err
	}

	m.cache.Set(memoryKeyPrefix+n.Node, n, cache.DefaultExpiration)
	return nil
}

// Lookup implements Registry.
func (m *Memory) Lookup(ctx context.Context, node string) (Notice, error) {
	if err := ctx.Err(); err != nil {
		return Notice{}, err
	}

	val, found := m.cache.Get(memoryKeyPrefix + node)
	if !found {
		return Notice{}, ErrNotFound
	}

	return val.(Notice), nil
}

// List implements Registry.
func (m *Memory) List(ctx context.Context) ([]Notice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items := m.cache.Items()
	notices := make([]Notice, 0, len(items))
	for key, item := range items {
		if !strings.HasPrefix(key, memoryKeyPrefix) {
			continue
		}
		notices = append(notices, item.Object.(Notice))
	}

	sortNotices(notices)
	return notices, nil
}

// Remove implements Registry.
func (m *Memory) Remove(ctx context.Context, node string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.cache.Delete(memoryKeyPrefix + node)
	return nil
}
