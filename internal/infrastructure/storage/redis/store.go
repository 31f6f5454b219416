// Package redis stores proxy records as JSON envelopes under prefixed string keys.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/manorfm/gitlab-mcp-proxy/internal/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// expiryGrace keeps expired records around long enough for the sweeper to be the
// one that removes them; Redis TTL is only a backstop.
const expiryGrace = 10 * time.Minute

// deleteIfExpired removes KEYS[1] only if its envelope is expired at ARGV[1]
// (unix milliseconds), so a concurrent consume and a sweep never both win.
var deleteIfExpired = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  return 0
end
local e = cjson.decode(v)['expires_at']
if e ~= nil and e ~= cjson.null and e > 0 and e <= tonumber(ARGV[1]) then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

type envelope struct {
	Value     []byte `json:"value"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

type Store struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

// NewClient connects to the Redis server described by rawURL
func NewClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("error connecting to redis: %w", err)
	}
	return client, nil
}

func NewStore(client redis.UniversalClient, prefix string, logger *zap.Logger) *Store {
	return &Store{client: client, prefix: prefix, logger: logger}
}

func (s *Store) key(ns domain.Namespace, key string) string {
	return s.prefix + ":" + string(ns) + ":" + key
}

func (s *Store) encode(rec *domain.Record) ([]byte, time.Duration, error) {
	env := envelope{Value: rec.Value}
	var ttl time.Duration
	if !rec.ExpiresAt.IsZero() {
		env.ExpiresAt = rec.ExpiresAt.UnixMilli()
		ttl = time.Until(rec.ExpiresAt) + expiryGrace
		if ttl <= 0 {
			ttl = time.Second
		}
	}
	data, err := json.Marshal(env)
	return data, ttl, err
}

func decode(key string, data []byte) (*domain.Record, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	rec := &domain.Record{Key: key, Value: env.Value}
	if env.ExpiresAt > 0 {
		rec.ExpiresAt = time.UnixMilli(env.ExpiresAt)
	}
	return rec, nil
}

func (s *Store) Get(ctx context.Context, ns domain.Namespace, key string) (*domain.Record, error) {
	data, err := s.client.Get(ctx, s.key(ns, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, domain.Wrap(domain.ErrStorage, err)
	}
	rec, err := decode(key, data)
	if err != nil {
		return nil, domain.Wrap(domain.ErrStorage, err)
	}
	return rec, nil
}

func (s *Store) Put(ctx context.Context, ns domain.Namespace, rec *domain.Record) error {
	data, ttl, err := s.encode(rec)
	if err != nil {
		return domain.Wrap(domain.ErrStorage, err)
	}
	// a zero ttl keeps the key forever
	if err := s.client.Set(ctx, s.key(ns, rec.Key), data, ttl).Err(); err != nil {
		return domain.Wrap(domain.ErrStorage, err)
	}
	return nil
}

func (s *Store) PutIfAbsent(ctx context.Context, ns domain.Namespace, rec *domain.Record) (bool, error) {
	data, ttl, err := s.encode(rec)
	if err != nil {
		return false, domain.Wrap(domain.ErrStorage, err)
	}
	ok, err := s.client.SetNX(ctx, s.key(ns, rec.Key), data, ttl).Result()
	if err != nil {
		return false, domain.Wrap(domain.ErrStorage, err)
	}
	return ok, nil
}

func (s *Store) Delete(ctx context.Context, ns domain.Namespace, key string) (bool, error) {
	n, err := s.client.Del(ctx, s.key(ns, key)).Result()
	if err != nil {
		return false, domain.Wrap(domain.ErrStorage, err)
	}
	return n == 1, nil
}

func (s *Store) keys(ctx context.Context, ns domain.Namespace) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.key(ns, "*"), 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, domain.Wrap(domain.ErrStorage, err)
	}
	return keys, nil
}

func (s *Store) Scan(ctx context.Context, ns domain.Namespace, fn func(*domain.Record) bool) error {
	keys, err := s.keys(ctx, ns)
	if err != nil {
		return err
	}

	nsPrefix := s.key(ns, "")
	for _, full := range keys {
		data, err := s.client.Get(ctx, full).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return domain.Wrap(domain.ErrStorage, err)
		}
		rec, err := decode(strings.TrimPrefix(full, nsPrefix), data)
		if err != nil {
			s.logger.Warn("Skipping undecodable record", zap.String("key", full), zap.Error(err))
			continue
		}
		if !fn(rec) {
			return nil
		}
	}
	return nil
}

func (s *Store) DeleteExpired(ctx context.Context, ns domain.Namespace, now time.Time) (int, error) {
	keys, err := s.keys(ctx, ns)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, full := range keys {
		n, err := deleteIfExpired.Run(ctx, s.client, []string{full}, now.UnixMilli()).Int()
		if err != nil {
			return removed, domain.Wrap(domain.ErrStorage, err)
		}
		removed += n
	}
	return removed, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

var _ domain.Store = (*Store)(nil)
