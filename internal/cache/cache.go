package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/segment-cli/internal/model"
)

// Backend persists cache entries. GetCachedResponse returns (nil, nil) on a miss.
type Backend interface {
	GetCachedResponse(ctx context.Context, fingerprint string) (*model.CachedResponse, error)
	SetCachedResponse(ctx context.Context, entry *model.CachedResponse) error
}

// Cache is a two-tier response cache: an in-process map in front of an
// optional persistent Backend. Safe for concurrent use. Concurrent misses on
// the same fingerprint are not coalesced; both callers may populate it.
type Cache struct {
	backend Backend

	mu  sync.RWMutex
	mem map[string]*model.CachedResponse

	hits   atomic.Int64
	misses atomic.Int64
}

// New returns a Cache over backend. A nil backend keeps entries in memory only.
func New(backend Backend) *Cache {
	return &Cache{
		backend: backend,
		mem:     make(map[string]*model.CachedResponse),
	}
}

// Lookup returns the entry for fingerprint, reading through to the backend
// on a memory miss.
func (c *Cache) Lookup(ctx context.Context, fingerprint string) (*model.CachedResponse, bool, error) {
	c.mu.RLock()
	entry, ok := c.mem[fingerprint]
	c.mu.RUnlock()
	if ok {
		c.hits.Add(1)
		return entry, true, nil
	}

	if c.backend == nil {
		c.misses.Add(1)
		return nil, false, nil
	}

	entry, err := c.backend.GetCachedResponse(ctx, fingerprint)
	if err != nil {
		return nil, false, eris.Wrapf(err, "cache: lookup %s", fingerprint)
	}
	if entry == nil {
		c.misses.Add(1)
		return nil, false, nil
	}

	c.mu.Lock()
	c.mem[fingerprint] = entry
	c.mu.Unlock()
	c.hits.Add(1)
	return entry, true, nil
}

// Store writes entry through to the backend and then to memory.
func (c *Cache) Store(ctx context.Context, entry model.CachedResponse) error {
	if entry.Fingerprint == "" {
		return eris.New("cache: store: empty fingerprint")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	if c.backend != nil {
		if err := c.backend.SetCachedResponse(ctx, &entry); err != nil {
			return eris.Wrapf(err, "cache: store %s", entry.Fingerprint)
		}
	}

	c.mu.Lock()
	c.mem[entry.Fingerprint] = &entry
	c.mu.Unlock()
	return nil
}

// Stats returns lookup hit and miss counts since construction.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
