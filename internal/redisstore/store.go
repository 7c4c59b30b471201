package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

var ErrConnectionFailed = errors.New("redisstore: connection failed")

// slidingWindowScript prunes entries older than the window, then records the
// hit only if the remaining count is below the limit. Returns 1 when allowed.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = ARGV[1]
local cutoff = ARGV[2]
local limit = tonumber(ARGV[3])
local member = ARGV[4]
local window = ARGV[5]

redis.call("ZREMRANGEBYSCORE", key, "-inf", cutoff)
if redis.call("ZCARD", key) >= limit then
    return 0
end
redis.call("ZADD", key, now, member)
redis.call("PEXPIRE", key, window)
return 1
`)

type Store struct {
	client redis.UniversalClient
	now    func() time.Time
}

// New connects to redisURL and verifies the connection with a PING.
func New(ctx context.Context, redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Join(ErrConnectionFailed, err)
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Join(ErrConnectionFailed, err)
	}

	return NewFromClient(client), nil
}

func NewFromClient(client redis.UniversalClient) *Store {
	return &Store{client: client, now: time.Now}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

// RateLimit admits one request for ip under action if fewer than limit
// requests were admitted during the trailing window.
func (s *Store) RateLimit(ctx context.Context, ip string, action string, limit int, window time.Duration) (bool, error) {
	key := fmt.Sprintf("ratelimit:%s:%s", action, ip)
	now := s.now()

	allowed, err := slidingWindowScript.Run(ctx, s.client,
		[]string{key},
		now.UnixMilli(),
		now.Add(-window).UnixMilli(),
		limit,
		ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		window.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit script: %w", err)
	}
	return allowed == 1, nil
}

// Limiter binds the store to one action and limit.
type Limiter struct {
	store  *Store
	action string
	limit  int
	window time.Duration
}

func (s *Store) Limiter(action string, limit int, window time.Duration) *Limiter {
	return &Limiter{store: s, action: action, limit: limit, window: window}
}

func (l *Limiter) Allow(ctx context.Context, ip string) (bool, error) {
	return l.store.RateLimit(ctx, ip, l.action, l.limit, l.window)
}
