package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// envelope is the stored value shape. StoredAt travels with the data so a
// read can recompute entry age independently of the backend's own expiry.
type envelope struct {
	Data       json.RawMessage `json:"data"`
	StoredAt   time.Time       `json:"storedAt"`
	TTLSeconds int64           `json:"ttlSeconds"`
}

// Redis is the persistent Store used in production. All failures degrade
// to misses and no-ops; the cache never becomes a hard failure point.
type Redis struct {
	rclient *redis.Client
	log     zerolog.Logger
}

func NewRedis(rclient *redis.Client, log zerolog.Logger) *Redis {
	return &Redis{rclient: rclient, log: log}
}

func (r *Redis) Get(ctx context.Context, key string, now time.Time) ([]byte, bool) {
	raw, err := r.rclient.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		r.log.Error().Err(err).Msg("cache get failed")
		return nil, false
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.log.Error().Err(err).Msg("cache entry decode failed")
		return nil, false
	}
	if now.Sub(env.StoredAt) > time.Duration(env.TTLSeconds)*time.Second {
		if err := r.rclient.Del(ctx, key).Err(); err != nil {
			r.log.Error().Err(err).Msg("expired cache entry delete failed")
		}
		return nil, false
	}
	return env.Data, true
}

func (r *Redis) Set(ctx context.Context, key string, data []byte, ttl time.Duration, now time.Time) {
	if ttl <= 0 {
		return
	}
	ttl = clampTTL(ttl, r.log)
	payload, err := json.Marshal(envelope{
		Data:       data,
		StoredAt:   now,
		TTLSeconds: int64(ttl / time.Second),
	})
	if err != nil {
		r.log.Error().Err(err).Msg("cache entry encode failed")
		return
	}
	if err := r.rclient.Set(ctx, key, payload, ttl).Err(); err != nil {
		r.log.Error().Err(err).Msg("cache set failed")
	}
}

func (r *Redis) Delete(ctx context.Context, key string) {
	if err := r.rclient.Del(ctx, key).Err(); err != nil {
		r.log.Error().Err(err).Msg("cache delete failed")
	}
}

func (r *Redis) ClearPrefix(ctx context.Context, prefix string) int {
	var cursor uint64
	removed := 0
	for {
		keys, next, err := r.rclient.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			r.log.Error().Err(err).Msg("cache scan failed")
			return removed
		}
		if len(keys) > 0 {
			deleted, err := r.rclient.Del(ctx, keys...).Result()
			if err != nil {
				r.log.Error().Err(err).Msg("cache prefix delete failed")
			}
			removed += int(deleted)
		}
		cursor = next
		if cursor == 0 {
			return removed
		}
	}
}

func (r *Redis) IsStale(ctx context.Context, key string, threshold time.Duration, _ time.Time) bool {
	remaining, err := r.rclient.TTL(ctx, key).Result()
	if err != nil {
		r.log.Error().Err(err).Msg("cache ttl lookup failed")
		return false
	}
	return remaining > 0 && remaining < threshold
}

func (r *Redis) Size(ctx context.Context) int {
	var cursor uint64
	count := 0
	for {
		keys, next, err := r.rclient.Scan(ctx, cursor, "*", 100).Result()
		if err != nil {
			r.log.Error().Err(err).Msg("cache scan failed")
			return count
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count
		}
	}
}
