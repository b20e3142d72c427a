package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"os"
	"strings"

	"github.com/alexedwards/argon2id"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/response"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/store"
	"github.com/illinois-cs241/broadway/broadway-api/internal/logger"
)

// Used when doing a fake compare for an unknown course
var defaultHashForError string

const name string = "github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/middleware"

var tracer = otel.Tracer(name)

// Context keys set by the auth middleware
const (
	CourseKey = "course"
	WorkerKey = "worker"
)

const (
	msgInvalidTokenFormat = "invalid token format"
	msgInvalidToken       = "invalid token"
	msgCourseNotFound     = "course not found"
	msgWorkerNotFound     = "worker not found"
)

type Handler struct {
	Store        store.Store
	ClusterToken string
}

// Generate a hash
func init() {
	var err error

	defaultHashForError, err = argon2id.CreateHash(
		"bnZSraUCS+nZh3MI8F3iiXbKFBcAyJhvAB6u/GBJzhC00ZPAQlyYVpQ+aryw7QvE2ZI=",
		argon2id.DefaultParams,
	)
	if err != nil {
		logger.Logger.Error("error creating default hash", "error", err)
		os.Exit(1)
	}
}

// Does a fake hash and compare so unknown courses take as long as known ones
func fakePasswordHash(ctx context.Context) {
	_, span := tracer.Start(ctx, "fakePasswordHash")
	defer span.End()

	_, err := argon2id.ComparePasswordAndHash("i am a very real password", defaultHashForError)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to compare fake password with default hash for error")
		return
	}

	span.AddEvent("compared fake password and default hash for error")
}

// Extracts the token of an `Authorization: Bearer <token>` header
func BearerToken(c echo.Context) (string, bool) {
	scheme, token, ok := strings.Cut(c.Request().Header.Get(echo.HeaderAuthorization), " ")
	if !ok || scheme != "Bearer" || token == "" || strings.Contains(token, " ") {
		return "", false
	}
	return token, true
}

// Checks the request carries the cluster token. Returns the error to send, if any.
func (h *Handler) CheckClusterToken(c echo.Context) *echo.HTTPError {
	token, ok := BearerToken(c)
	if !ok {
		return response.Unauthorized(msgInvalidTokenFormat)
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.ClusterToken)) != 1 {
		return response.Unauthorized(msgInvalidToken)
	}
	return nil
}

func (h *Handler) ClusterAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			_, span := tracer.Start(c.Request().Context(), "ClusterAuth")
			defer span.End()

			if err := h.CheckClusterToken(c); err != nil {
				span.RecordError(nil)
				span.SetStatus(codes.Ok, "rejected cluster token")
				return err
			}

			span.RecordError(nil)
			span.SetStatus(codes.Ok, "accepted cluster token")
			return next(c)
		}
	}
}

// Requires a token of the course named by courseParam. Admin routes accept
// only the course's tokens, other routes its query tokens as well.
func (h *Handler) CourseAuth(courseParam string, adminOnly bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, span := tracer.Start(c.Request().Context(), "CourseAuth")
			defer span.End()

			courseID := c.Param(courseParam)
			span.SetAttributes(
				attribute.String("course.id", courseID),
				attribute.Bool("adminOnly", adminOnly),
			)

			token, ok := BearerToken(c)
			if !ok {
				span.RecordError(nil)
				span.SetStatus(codes.Ok, "invalid token format")
				return response.Unauthorized(msgInvalidTokenFormat)
			}

			span.AddEvent("getting course")
			course, err := h.Store.GetCourse(ctx, courseID)
			if err != nil {
				fakePasswordHash(ctx)
				if errors.Is(err, store.ErrNotFound) {
					// ok because Ok > Error
					span.SetStatus(codes.Ok, "course not found")
					return response.Unauthorized(msgCourseNotFound)
				}

				span.RecordError(err)
				span.SetStatus(codes.Error, "failed to get course")
				return response.InternalServerError
			}

			span.AddEvent("checking token")
			valid, err := course.CheckToken(ctx, token, !adminOnly)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "failed to check token")
				return response.InternalServerError
			}
			if !valid {
				span.AddEvent("failed login attempt")
				span.RecordError(nil)
				span.SetStatus(codes.Ok, "invalid token")
				return response.Unauthorized(msgInvalidToken)
			}

			c.Set(CourseKey, course)

			span.RecordError(nil)
			span.SetStatus(codes.Ok, "authenticated course")
			return next(c)
		}
	}
}

// Requires the worker named by workerParam to be registered
func (h *Handler) WorkerExists(workerParam string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, span := tracer.Start(c.Request().Context(), "WorkerExists")
			defer span.End()

			workerID := c.Param(workerParam)
			span.SetAttributes(attribute.String("worker.id", workerID))

			worker, err := h.Store.GetWorker(ctx, workerID)
			if errors.Is(err, store.ErrNotFound) {
				span.RecordError(nil)
				span.SetStatus(codes.Ok, "worker not found")
				return response.Unauthorized(msgWorkerNotFound)
			}
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "failed to get worker")
				return response.InternalServerError
			}

			c.Set(WorkerKey, worker)

			span.RecordError(nil)
			span.SetStatus(codes.Ok, "found worker")
			return next(c)
		}
	}
}
