package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	srverr "github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/error"
	servermiddleware "github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/middleware"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/models"
	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

const window = time.Minute

type RedisLimiterStore struct {
	db         redis.UniversalClient
	limiterKey string
	perMinute  int64
	failOpen   bool
}

type RedisLimiterConfig struct {
	RedisClient redis.UniversalClient
	LimiterKey  string
	PerMinute   int64
	FailOpen    bool
}

// Fixed window counter per identifier
func (store *RedisLimiterStore) Allow(identifier string) (bool, error) {
	ctx := context.Background()

	key := "broadway-ratelimit-" + store.limiterKey + "-" + identifier

	count, err := store.db.Incr(ctx, key).Result()
	if err != nil {
		return store.failOpen, err
	}

	// the first request of a window starts its expiry
	if count == 1 {
		if err = store.db.Expire(ctx, key, window).Err(); err != nil {
			return store.failOpen, err
		}
	}

	return count <= store.perMinute, nil
}

func NewRedisLimitStore(config RedisLimiterConfig) *RedisLimiterStore {
	return &RedisLimiterStore{
		db:         config.RedisClient,
		limiterKey: config.LimiterKey,
		perMinute:  config.PerMinute,
		failOpen:   config.FailOpen,
	}
}

// Limits requests per authenticated course. Must run after course auth.
func PerCourse(config RedisLimiterConfig) echo.MiddlewareFunc {
	store := NewRedisLimitStore(config)

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			course, ok := c.Get(servermiddleware.CourseKey).(*models.Course)
			if !ok {
				return "", srverr.ErrTypeAssertMismatch
			}
			return course.ID, nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			if errors.Is(err, srverr.ErrTypeAssertMismatch) {
				return echo.NewHTTPError(http.StatusInternalServerError, types.StringError("something went wrong"))
			}
			return echo.NewHTTPError(http.StatusForbidden, types.StringError("rate limit unavailable"))
		},
		DenyHandler: func(c echo.Context, _ string, err error) error {
			if err != nil {
				return echo.NewHTTPError(http.StatusForbidden, types.StringError("rate limit unavailable"))
			}
			return echo.NewHTTPError(http.StatusTooManyRequests, types.StringError("rate limit exceeded"))
		},
	})
}
