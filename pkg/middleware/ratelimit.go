package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func NewRateLimiter(rps rate.Limit) echo.MiddlewareFunc {
	return middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rps))
}

// NewRateLimiterWithStore limits per client ip against store.
func NewRateLimiterWithStore(store middleware.RateLimiterStore) echo.MiddlewareFunc {
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusForbidden, "rate limiter: cannot identify client")
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}

// tokenBucket refills `refill` tokens every interval up to capacity; state lives in one hash per key.
var tokenBucket = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill = tonumber(ARGV[3])
local interval_ms = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
	tokens = capacity
	last = now_ms
end

local elapsed = math.max(0, now_ms - last)
local intervals = math.floor(elapsed / interval_ms)
if intervals > 0 then
	tokens = math.min(capacity, tokens + intervals * refill)
	last = last + intervals * interval_ms
end

local allowed = 0
if tokens > 0 then
	allowed = 1
	tokens = tokens - 1
end
redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last)
redis.call('EXPIRE', key, ttl)
return allowed
`)

type RedisStoreConfig struct {
	Prefix   string
	Capacity int
	Refill   int
	Interval time.Duration
	TTL      time.Duration
}

// RedisRateLimiterStore shares one token bucket per identifier across all service replicas.
// Requests are let through while redis is unreachable.
type RedisRateLimiterStore struct {
	rdb *redis.Client
	cfg RedisStoreConfig
	log *zap.Logger
	now func() time.Time
}

var _ middleware.RateLimiterStore = (*RedisRateLimiterStore)(nil)

func NewRedisRateLimiterStore(rdb *redis.Client, cfg RedisStoreConfig, log *zap.Logger) *RedisRateLimiterStore {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "rl"
	}
	return &RedisRateLimiterStore{rdb: rdb, cfg: cfg, log: log.Named("ratelimit"), now: time.Now}
}

func (s *RedisRateLimiterStore) Allow(identifier string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	allowed, err := tokenBucket.Run(ctx, s.rdb, []string{s.cfg.Prefix + ":" + identifier},
		s.now().UnixMilli(),
		s.cfg.Capacity,
		s.cfg.Refill,
		s.cfg.Interval.Milliseconds(),
		strconv.FormatInt(int64(s.cfg.TTL/time.Second), 10),
	).Int()
	if err != nil {
		s.log.Warn("token bucket", zap.String("key", identifier), zap.Error(err))
		return true, nil
	}
	return allowed == 1, nil
}
