package tokenstore

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/prefsync/internal/model"
)

type cacheEntry struct {
	subject   model.Subject
	expiresAt time.Time
}

// MemoryCache はプロセス内のCache実装。
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewMemoryCache はMemoryCacheを生成する。
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, token string) (*model.Subject, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[token]
	c.mu.RUnlock()

	if !ok || !c.now().Before(e.expiresAt) {
		return nil, false, nil
	}
	subject := e.subject
	return &subject, true, nil
}

func (c *MemoryCache) Set(_ context.Context, token string, subject *model.Subject, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.entries[token] = cacheEntry{subject: *subject, expiresAt: now.Add(ttl)}
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, tokens ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tokens {
		delete(c.entries, t)
	}
	return nil
}

// compile-time interface check
var _ Cache = (*MemoryCache)(nil)
