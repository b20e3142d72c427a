package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	servermiddleware "github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/middleware"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/models"
)

func TestAllow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisLimitStore(RedisLimiterConfig{RedisClient: client, LimiterKey: "test", PerMinute: 2})

	for range 2 {
		allowed, err := store.Allow("cs241")
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, err := store.Allow("cs241")
	require.NoError(t, err)
	assert.False(t, allowed, "third request in the window")

	allowed, err = store.Allow("cs225")
	require.NoError(t, err)
	assert.True(t, allowed, "courses are limited separately")

	mr.FastForward(window)
	allowed, err = store.Allow("cs241")
	require.NoError(t, err)
	assert.True(t, allowed, "window expired")
}

func TestAllowRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	mr.Close()

	open := NewRedisLimitStore(RedisLimiterConfig{RedisClient: client, PerMinute: 1, FailOpen: true})
	allowed, err := open.Allow("cs241")
	assert.Error(t, err)
	assert.True(t, allowed)

	closed := NewRedisLimitStore(RedisLimiterConfig{RedisClient: client, PerMinute: 1})
	allowed, err = closed.Allow("cs241")
	assert.Error(t, err)
	assert.False(t, allowed)
}

func TestPerCourse(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	e := echo.New()
	setCourse := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(servermiddleware.CourseKey, &models.Course{ID: c.Param("course_id")})
			return next(c)
		}
	}
	e.GET("/:course_id", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, setCourse, PerCourse(RedisLimiterConfig{RedisClient: client, LimiterKey: "client", PerMinute: 1}))

	get := func(path string) int {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, get("/cs241"))
	assert.Equal(t, http.StatusTooManyRequests, get("/cs241"))
	assert.Equal(t, http.StatusOK, get("/cs225"))
}
