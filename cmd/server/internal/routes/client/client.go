package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	srverr "github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/error"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/eventloop"
	servermiddleware "github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/middleware"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/models"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/response"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/scheduler"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/store"
	"github.com/illinois-cs241/broadway/broadway-api/internal/multiqueue"
	"github.com/illinois-cs241/broadway/broadway-api/internal/schema"
	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

const name = "github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/routes/client"

var tracer = otel.Tracer(name)

// Route parameter names
const (
	paramCourse     = "course_id"
	paramAssignment = "assignment_name"
	paramRun        = "run_id"
	paramJob        = "job_id"
	paramScope      = "scope"
)

// Course facing routes: assignment configs, grading runs and their status
type Handler struct {
	store     store.Store
	queue     multiqueue.MultiQueue
	loop      *eventloop.Loop
	scheduler *scheduler.Scheduler
	schedule  *eventloop.Signal
}

func NewHandler(
	st store.Store,
	mq multiqueue.MultiQueue,
	loop *eventloop.Loop,
	sched *scheduler.Scheduler,
	schedule *eventloop.Signal,
) *Handler {
	return &Handler{
		store:     st,
		queue:     mq,
		loop:      loop,
		scheduler: sched,
		schedule:  schedule,
	}
}

// Registers the client routes on g. Extra middleware, such as a rate limiter,
// runs after course authentication.
func (h *Handler) AddRoutes(g *echo.Group, mw *servermiddleware.Handler, extra ...echo.MiddlewareFunc) {
	admin := append([]echo.MiddlewareFunc{mw.CourseAuth(paramCourse, true)}, extra...)
	member := append([]echo.MiddlewareFunc{mw.CourseAuth(paramCourse, false)}, extra...)

	configGroup := g.Group(
		"/grading_config/:course_id/:assignment_name",
		servermiddleware.IdentifierParams(paramCourse, paramAssignment),
	)
	configGroup.POST("/", h.PostAssignmentConfig, admin...)
	configGroup.GET("/", h.GetAssignmentConfig, member...)

	g.POST(
		"/grading_run/:course_id/:assignment_name/",
		h.PostGradingRun,
		append([]echo.MiddlewareFunc{servermiddleware.IdentifierParams(paramCourse, paramAssignment)}, admin...)...,
	)

	g.GET("/grading_run_status/:course_id/:run_id/", h.GetGradingRunStatus, member...)
	g.GET("/grading_job_log/:course_id/:job_id/", h.GetGradingJobLog, member...)
	g.GET("/worker/:course_id/:scope/", h.GetWorkers, member...)
	g.GET("/queue/:course_id/length/", h.GetQueueLength, member...)
	g.GET("/queue/:course_id/:job_id/position/", h.GetQueuePosition, member...)
}

func readBody(c echo.Context, s *jsonschema.Schema, message string) ([]byte, error) {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, response.BadRequest("failed to read request body")
	}

	if err = schema.Validate(s, raw); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, types.SchemaError(message, err))
	}
	return raw, nil
}

func decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return response.BadRequest(fmt.Sprintf("failed to decode request body: %s", err))
	}
	return nil
}

func requestTime(c echo.Context, span trace.Span) (time.Time, error) {
	t, ok := c.Get(servermiddleware.TimeKey).(time.Time)
	if !ok {
		span.RecordError(srverr.ErrTypeAssertMismatch)
		span.SetStatus(codes.Error, fmt.Sprintf("time: %s", srverr.ErrTypeAssertMismatch))
		return time.Time{}, response.InternalServerError
	}
	return t, nil
}

func authedCourse(c echo.Context, span trace.Span) (*models.Course, error) {
	course, ok := c.Get(servermiddleware.CourseKey).(*models.Course)
	if !ok {
		span.RecordError(srverr.ErrTypeAssertMismatch)
		span.SetStatus(codes.Error, fmt.Sprintf("course: %s", srverr.ErrTypeAssertMismatch))
		return nil, response.InternalServerError
	}
	return course, nil
}
