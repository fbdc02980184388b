package stats

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// Cache stores per-user projections. Each user has a generation that
// Invalidate bumps; SetIfGeneration only writes while the generation a reader
// saw before reading the store is still current, so a projection computed
// before a commit never lands after that commit's invalidation.
type Cache interface {
	Get(ctx context.Context, key string, dst interface{}) (bool, error)
	// Generation is 0 for a user that was never invalidated.
	Generation(ctx context.Context, userID string) (uint64, error)
	SetIfGeneration(ctx context.Context, userID string, gen uint64, key string, v interface{}) error
	Invalidate(ctx context.Context, userID string, keys ...string) error
}

func collectionKey(userID string) string { return "collection:" + userID }
func pityKey(userID string) string       { return "pity:" + userID }
func generationKey(userID string) string { return "gen:" + userID }

type nopCache struct{}

func (nopCache) Get(context.Context, string, interface{}) (bool, error) { return false, nil }
func (nopCache) Generation(context.Context, string) (uint64, error)     { return 0, nil }
func (nopCache) Invalidate(context.Context, string, ...string) error    { return nil }
func (nopCache) SetIfGeneration(context.Context, string, uint64, string, interface{}) error {
	return nil
}

// RedisConfig is the redis section of the service config.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db" validate:"min=0"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// RedisCache keeps JSON-encoded projections with a TTL.
type RedisCache struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisCache(rdb redis.Cmdable, prefix string, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

// DialRedis opens a client and checks it with PING.
func DialRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", cfg.Addr)
	}
	return rdb, nil
}

func (c *RedisCache) key(k string) string { return c.prefix + k }

func (c *RedisCache) Get(ctx context.Context, key string, dst interface{}) (bool, error) {
	val, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "redis get %s", key)
	}
	if err := json.Unmarshal(val, dst); err != nil {
		return false, errors.Wrapf(err, "decode %s", key)
	}
	return true, nil
}

// generationTTL keeps generation counters far longer than any read.
const generationTTL = 24 * time.Hour

func (c *RedisCache) Generation(ctx context.Context, userID string) (uint64, error) {
	gen, err := c.rdb.Get(ctx, c.key(generationKey(userID))).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "redis get generation of %s", userID)
	}
	return gen, nil
}

// setIfGeneration writes KEYS[2] only while KEYS[1] still holds ARGV[1].
var setIfGeneration = redis.NewScript(`
local cur = redis.call('GET', KEYS[1]) or '0'
if cur ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)

func (c *RedisCache) SetIfGeneration(ctx context.Context, userID string, gen uint64, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	keys := []string{c.key(generationKey(userID)), c.key(key)}
	err = setIfGeneration.Run(ctx, c.rdb, keys, strconv.FormatUint(gen, 10), data, c.ttl.Milliseconds()).Err()
	return errors.Wrapf(err, "redis set %s", key)
}

// Invalidate bumps the user's generation and drops keys in one MULTI.
func (c *RedisCache) Invalidate(ctx context.Context, userID string, keys ...string) error {
	gen := c.key(generationKey(userID))
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, gen)
		p.Expire(ctx, gen, generationTTL)
		if len(keys) > 0 {
			full := make([]string, len(keys))
			for i, k := range keys {
				full[i] = c.key(k)
			}
			p.Del(ctx, full...)
		}
		return nil
	})
	return errors.Wrapf(err, "redis invalidate %s", userID)
}
