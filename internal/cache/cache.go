package cache

import (
	"context"
	"sync"
	"time"

	"posledger/backend/internal/domain"
)

// TransactionCache holds read views of transactions keyed by transaction id. Views are versioned by
// Transaction.UpdatedAt: Set never replaces a newer view with an older one, and Delete leaves a
// tombstone that outranks every view read before it. The view is never the source of truth.
type TransactionCache interface {
	Get(ctx context.Context, transactionID string) (*domain.TransactionReturnsResponse, bool, error)
	Set(ctx context.Context, transactionID string, value *domain.TransactionReturnsResponse, ttl time.Duration) error
	Delete(ctx context.Context, transactionID string) error
}

// tombstoneTTL only has to outlive reads that were in flight when the transaction was deleted.
const tombstoneTTL = time.Minute

func viewVersion(value *domain.TransactionReturnsResponse) int64 {
	return value.Transaction.UpdatedAt.UnixNano()
}

type NoopTransactionCache struct{}

func (NoopTransactionCache) Get(_ context.Context, _ string) (*domain.TransactionReturnsResponse, bool, error) {
	return nil, false, nil
}

func (NoopTransactionCache) Set(_ context.Context, _ string, _ *domain.TransactionReturnsResponse, _ time.Duration) error {
	return nil
}

func (NoopTransactionCache) Delete(_ context.Context, _ string) error {
	return nil
}

type memoryEntry struct {
	view      *domain.TransactionReturnsResponse
	version   int64
	expiresAt time.Time
}

// MemoryTransactionCache is the in-process TransactionCache. It follows the same version rules as
// the redis cache.
type MemoryTransactionCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryTransactionCache() *MemoryTransactionCache {
	return &MemoryTransactionCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryTransactionCache) Get(_ context.Context, transactionID string) (*domain.TransactionReturnsResponse, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.live(transactionID)
	if !ok || entry.view == nil {
		return nil, false, nil
	}
	return entry.view, true, nil
}

func (c *MemoryTransactionCache) Set(_ context.Context, transactionID string, value *domain.TransactionReturnsResponse, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	version := viewVersion(value)
	if entry, ok := c.live(transactionID); ok && entry.version > version {
		return nil
	}
	c.entries[transactionID] = memoryEntry{view: value, version: version, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *MemoryTransactionCache) Delete(_ context.Context, transactionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	version := now.UnixNano()
	if entry, ok := c.live(transactionID); ok && entry.version > version {
		version = entry.version
	}
	c.entries[transactionID] = memoryEntry{version: version, expiresAt: now.Add(tombstoneTTL)}
	return nil
}

// live returns the unexpired entry for id. Callers hold c.mu.
func (c *MemoryTransactionCache) live(transactionID string) (memoryEntry, bool) {
	entry, ok := c.entries[transactionID]
	if !ok {
		return memoryEntry{}, false
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.entries, transactionID)
		return memoryEntry{}, false
	}
	return entry, true
}
