package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smartdevs17/sage-points-indexer/internal/models"
	"github.com/smartdevs17/sage-points-indexer/pkg/utils"
)

// RedisOptions configures RedisCache
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// RedisCache stores position lists as JSON values, one key per user.
// A second key per user holds its invalidation generation.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects and pings the server
func NewRedisCache(opts RedisOptions) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, utils.WrapAppError(utils.ErrCodeConnection, "Failed to reach redis", err)
	}

	return &RedisCache{
		client: client,
		prefix: opts.KeyPrefix,
		ttl:    opts.TTL,
	}, nil
}

func (c *RedisCache) key(user string) string {
	return c.prefix + user
}

func (c *RedisCache) genKey(user string) string {
	return c.prefix + "gen:" + user
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (c *RedisCache) generation(ctx context.Context, getter stringGetter, user string) (uint64, error) {
	gen, err := getter.Get(ctx, c.genKey(user)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, utils.WrapAppError(utils.ErrCodeConnection, "Redis generation read failed", err)
	}
	return gen, nil
}

func (c *RedisCache) Get(ctx context.Context, user string) ([]*models.Position, bool, error) {
	raw, err := c.client.Get(ctx, c.key(user)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, utils.WrapAppError(utils.ErrCodeConnection, "Redis get failed", err)
	}

	var positions []*models.Position
	if err := json.Unmarshal(raw, &positions); err != nil {
		// a corrupt entry is treated as a miss and dropped
		c.client.Del(ctx, c.key(user))
		return nil, false, nil
	}
	return positions, true, nil
}

func (c *RedisCache) Generation(ctx context.Context, user string) (uint64, error) {
	return c.generation(ctx, c.client, user)
}

// Set writes under WATCH on the generation key, so an Invalidate that lands
// between the check and the write aborts it
func (c *RedisCache) Set(ctx context.Context, user string, gen uint64, positions []*models.Position) error {
	raw, err := json.Marshal(positions)
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeInternal, "Failed to encode positions", err)
	}

	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := c.generation(ctx, tx, user)
		if err != nil {
			return err
		}
		if current != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, c.key(user), raw, c.ttl)
			return nil
		})
		return err
	}, c.genKey(user))

	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeConnection, "Redis set failed", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, users ...string) error {
	if len(users) == 0 {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, user := range users {
			pipe.Incr(ctx, c.genKey(user))
			pipe.Del(ctx, c.key(user))
		}
		return nil
	})
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeConnection, "Redis invalidate failed", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
