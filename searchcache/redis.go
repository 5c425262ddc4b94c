package searchcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/hazyhaar/leadscout/contact"
)

// KeyPrefix namespaces cache keys in a shared Redis.
const KeyPrefix = "leadscout:search:"

// Redis stores entries as JSON strings with a key TTL, so expiry needs no
// sweep and MaxEntries is left to the server's eviction policy.
type Redis struct {
	rdb  *redis.Client
	opts Options
}

// NewRedisClient parses a redis:// URL and checks the server answers.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis.ParseURL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// NewRedis wraps an existing client.
func NewRedis(rdb *redis.Client, opts Options) *Redis {
	opts.defaults()
	return &Redis{rdb: rdb, opts: opts}
}

func redisKey(company, keyword string) string {
	sum := sha256.Sum256([]byte(contact.Key(company, keyword)))
	return KeyPrefix + hex.EncodeToString(sum[:16])
}

func (r *Redis) Get(ctx context.Context, company, keyword string) ([]contact.Contact, bool, error) {
	raw, err := r.rdb.Get(ctx, redisKey(company, keyword)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("searchcache: redis get: %w", err)
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("searchcache: redis decode: %w", err)
	}
	return clone(e.Contacts), true, nil
}

func (r *Redis) Put(ctx context.Context, company, keyword string, contacts []contact.Contact) error {
	raw, err := json.Marshal(entry{
		Company:   company,
		Keyword:   keyword,
		Contacts:  clone(contacts),
		FetchedAt: r.opts.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("searchcache: redis encode: %w", err)
	}
	if err := r.rdb.Set(ctx, redisKey(company, keyword), raw, r.opts.TTL).Err(); err != nil {
		return fmt.Errorf("searchcache: redis set: %w", err)
	}
	return nil
}

// Purge is a no-op: Redis expires keys itself.
func (r *Redis) Purge(context.Context) (int, error) { return 0, nil }
