package identity

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cynsky/AisVirtualNet/errors"
)

// DefaultRedisPrefix namespaces reservation keys.
const DefaultRedisPrefix = "aisvnet:reservation:"

// refreshScript extends the TTL only when the caller already holds the key.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the key only when the caller holds it.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v == false then
	return 1
end
if v == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return -1
`)

// RedisStore keeps reservations as Redis keys set with SETNX and a TTL.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisStore wraps a client. An empty prefix uses DefaultRedisPrefix.
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

// NewRedisClient builds a client from address, password and database.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (s *RedisStore) key(mmsi uint32) string { return s.prefix + mmsiKey(mmsi) }

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return errors.WrapTransient(err, "RedisStore", "Ping", "ping redis")
	}
	return nil
}

func (s *RedisStore) Reserve(ctx context.Context, mmsi uint32, holder string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	ok, err := s.rdb.SetNX(ctx, s.key(mmsi), holder, ttl).Result()
	if err != nil {
		return false, errors.WrapTransient(err, "RedisStore", "Reserve", "set key")
	}
	if ok {
		return true, nil
	}
	n, err := refreshScript.Run(ctx, s.rdb, []string{s.key(mmsi)}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, errors.WrapTransient(err, "RedisStore", "Reserve", "refresh key")
	}
	return n == 1, nil
}

func (s *RedisStore) Release(ctx context.Context, mmsi uint32, holder string) error {
	n, err := releaseScript.Run(ctx, s.rdb, []string{s.key(mmsi)}, holder).Int()
	if err != nil {
		return errors.WrapTransient(err, "RedisStore", "Release", "delete key")
	}
	if n < 0 {
		return errors.WrapInvalid(errors.ErrNotHolder, "RedisStore", "Release", "check holder")
	}
	return nil
}

func (s *RedisStore) Holder(ctx context.Context, mmsi uint32) (string, bool, error) {
	v, err := s.rdb.Get(ctx, s.key(mmsi)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.WrapTransient(err, "RedisStore", "Holder", "get key")
	}
	return v, true, nil
}
