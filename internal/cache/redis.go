package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultRedisTimeout = 500 * time.Millisecond
	minTagSetTTL        = 24 * time.Hour
)

// NewRedisClient builds a client for the Redis at rawURL without dialing it.
// The short timeouts keep a dead L2 from stalling the serving path.
func NewRedisClient(rawURL, password string) (goredis.UniversalClient, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := goredis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultRedisTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = defaultRedisTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = defaultRedisTimeout
	}
	return goredis.NewClient(opts), nil
}

// invalidateTagScript deletes every member of a tag set and the set itself
// in one step, so a key tagged concurrently is either removed or kept with
// its membership intact.
var invalidateTagScript = goredis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
for _, k in ipairs(members) do
  redis.call('DEL', k)
end
redis.call('DEL', KEYS[1])
return members
`)

// RedisL2 stores entries as JSON envelopes under {prefix}:k:{key} and tag
// membership in sets under {prefix}:tag:{tag}.
type RedisL2 struct {
	client goredis.UniversalClient
	prefix string
}

func NewRedisL2(client goredis.UniversalClient, prefix string) *RedisL2 {
	if prefix == "" {
		prefix = "smt"
	}
	return &RedisL2{client: client, prefix: prefix}
}

type envelope struct {
	Value []byte   `json:"v"`
	Tags  []string `json:"t,omitempty"`
}

func (r *RedisL2) dataKey(key string) string { return r.prefix + ":k:" + key }
func (r *RedisL2) tagKey(tag string) string  { return r.prefix + ":tag:" + tag }

func (r *RedisL2) Get(ctx context.Context, key string) (Entry, error) {
	data, err := r.client.Get(ctx, r.dataKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return Entry{}, ErrMiss
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get %s: %w", key, err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		// A corrupt entry is as good as absent.
		return Entry{}, ErrMiss
	}
	return Entry{Value: env.Value, Tags: env.Tags}, nil
}

func (r *RedisL2) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	data, err := json.Marshal(envelope{Value: value, Tags: tags})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	tagTTL := max(minTagSetTTL, 2*ttl)

	dk := r.dataKey(key)
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, dk, data, ttl)
	for _, tag := range tags {
		tk := r.tagKey(tag)
		pipe.SAdd(ctx, tk, dk)
		pipe.Expire(ctx, tk, tagTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (r *RedisL2) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.dataKey(k)
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

func (r *RedisL2) InvalidateTag(ctx context.Context, tag string) ([]string, error) {
	members, err := invalidateTagScript.Run(ctx, r.client, []string{r.tagKey(tag)}).StringSlice()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("invalidate tag %s: %w", tag, err)
	}
	pfx := r.prefix + ":k:"
	keys := make([]string, 0, len(members))
	for _, m := range members {
		keys = append(keys, strings.TrimPrefix(m, pfx))
	}
	return keys, nil
}

func (r *RedisL2) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
