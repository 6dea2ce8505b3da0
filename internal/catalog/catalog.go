// Package catalog answers the item questions the sale engine needs (does
// the item exist, does it require a prescription, what is its display
// price) with a read-through cache in front of the item source.
package catalog

import (
	"context"
	"log"
	"time"

	"apotek/backend/internal/cache"
	"apotek/backend/internal/domain"
)

type Source interface {
	GetItems(ctx context.Context, ids []string) (map[string]domain.Item, error)
}

type Catalog struct {
	source   Source
	cache    cache.ItemCache
	cacheTTL time.Duration
}

func New(source Source, itemCache cache.ItemCache, cacheTTL time.Duration) *Catalog {
	if itemCache == nil {
		itemCache = cache.NoopItemCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}

	return &Catalog{
		source:   source,
		cache:    itemCache,
		cacheTTL: cacheTTL,
	}
}

// GetItems returns the known items among ids. Unknown ids are absent from
// the result. Cache failures fall through to the source.
func (c *Catalog) GetItems(ctx context.Context, ids []string) (map[string]domain.Item, error) {
	result := make(map[string]domain.Item, len(ids))
	missing := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))

	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		item, ok, err := c.cache.Get(ctx, id)
		if err != nil {
			log.Printf("[catalog] WARN: cache get item=%s: %v", id, err)
		}
		if ok && item != nil {
			result[id] = *item
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return result, nil
	}

	loaded, err := c.source.GetItems(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, item := range loaded {
		result[id] = item
		if err := c.cache.Set(ctx, item, c.cacheTTL); err != nil {
			log.Printf("[catalog] WARN: cache set item=%s: %v", id, err)
		}
	}
	return result, nil
}

func (c *Catalog) Invalidate(ctx context.Context, itemID string) {
	if err := c.cache.Delete(ctx, itemID); err != nil {
		log.Printf("[catalog] WARN: cache delete item=%s: %v", itemID, err)
	}
}
