package cache

import (
	"context"
	"time"

	"apotek/backend/internal/domain"
)

type ItemCache interface {
	Get(ctx context.Context, itemID string) (*domain.Item, bool, error)
	Set(ctx context.Context, item domain.Item, ttl time.Duration) error
	Delete(ctx context.Context, itemID string) error
}

type NoopItemCache struct{}

func (NoopItemCache) Get(_ context.Context, _ string) (*domain.Item, bool, error) {
	return nil, false, nil
}

func (NoopItemCache) Set(_ context.Context, _ domain.Item, _ time.Duration) error {
	return nil
}

func (NoopItemCache) Delete(_ context.Context, _ string) error {
	return nil
}
