// File: internal/cache/cache.go
package cache

import (
	"context"
	"strings"

	"github.com/smartdevs17/sage-points-indexer/internal/config"
	"github.com/smartdevs17/sage-points-indexer/internal/models"
	"github.com/smartdevs17/sage-points-indexer/pkg/utils"
)

// PositionCache holds per-user position lists in front of storage.
// Entries are invalidated by the writer after every committed batch.
//
// Every Invalidate bumps the user's generation. A reader takes the
// generation before loading from storage and passes it to Set, which drops
// the write if an invalidation happened in between.
type PositionCache interface {
	// Get returns ok=false on a miss
	Get(ctx context.Context, user string) ([]*models.Position, bool, error)
	Generation(ctx context.Context, user string) (uint64, error)
	Set(ctx context.Context, user string, gen uint64, positions []*models.Position) error
	Invalidate(ctx context.Context, users ...string) error
	Close() error
}

// New builds the cache selected by configuration
func New(cfg *config.CacheConfig) (PositionCache, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "none":
		return NopCache{}, nil
	case "memory":
		return NewMemoryCache(cfg.TTL), nil
	case "redis":
		return NewRedisCache(RedisOptions{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.KeyPrefix,
			TTL:       cfg.TTL,
		})
	default:
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Unsupported cache type", cfg.Type)
	}
}

// NopCache never stores anything
type NopCache struct{}

func (NopCache) Get(context.Context, string) ([]*models.Position, bool, error) { return nil, false, nil }
func (NopCache) Generation(context.Context, string) (uint64, error)            { return 0, nil }
func (NopCache) Set(context.Context, string, uint64, []*models.Position) error { return nil }
func (NopCache) Invalidate(context.Context, ...string) error                   { return nil }
func (NopCache) Close() error                                                  { return nil }

func clonePositions(positions []*models.Position) []*models.Position {
	out := make([]*models.Position, len(positions))
	for i, p := range positions {
		out[i] = p.Clone()
	}
	return out
}
