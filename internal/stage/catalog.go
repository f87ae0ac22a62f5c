package stage

import (
	"context"
	"strings"
	"sync"

	"github.com/catalogops/enrich-cli/internal/model"
	"github.com/catalogops/enrich-cli/internal/store"
)

// CatalogIndex answers duplicate queries for the validate stage: whether
// a SKU is already published, and whether another published SKU carries
// a near-identical name.
type CatalogIndex interface {
	Published(ctx context.Context, skuID string) (bool, error)
	SimilarName(ctx context.Context, skuID, name string) (string, bool, error)
}

// MemoryCatalog is an in-memory catalog index, seeded explicitly. Used
// by tests and by single-shot CLI runs where no prior catalog exists.
type MemoryCatalog struct {
	mu    sync.RWMutex
	skus  map[string]struct{}
	names map[string]string // normalized name -> sku id
}

// NewMemoryCatalog creates an empty index.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		skus:  make(map[string]struct{}),
		names: make(map[string]string),
	}
}

// Add records a published SKU under its display name.
func (c *MemoryCatalog) Add(skuID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skus[skuID] = struct{}{}
	if n := normalizeName(name); n != "" {
		c.names[n] = skuID
	}
}

func (c *MemoryCatalog) Published(_ context.Context, skuID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.skus[skuID]
	return ok, nil
}

func (c *MemoryCatalog) SimilarName(_ context.Context, skuID, name string) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	owner, ok := c.names[normalizeName(name)]
	if !ok || owner == skuID {
		return "", false, nil
	}
	return owner, true, nil
}

func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// StoreCatalog answers Published from completed threads in the thread
// store. Name similarity is not indexed there, so SimilarName always
// reports no match; deployments that need it seed a MemoryCatalog.
type StoreCatalog struct {
	st store.Store
}

// NewStoreCatalog wraps a thread store as a catalog index.
func NewStoreCatalog(st store.Store) *StoreCatalog {
	return &StoreCatalog{st: st}
}

func (c *StoreCatalog) Published(ctx context.Context, skuID string) (bool, error) {
	threads, err := c.st.ListThreads(ctx, store.ThreadFilter{SKUID: skuID, Status: model.StatusDone, Limit: 1})
	if err != nil {
		return false, err
	}
	return len(threads) > 0, nil
}

func (c *StoreCatalog) SimilarName(context.Context, string, string) (string, bool, error) {
	return "", false, nil
}
