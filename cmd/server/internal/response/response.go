package response

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

// Returned to polling workers when no course has a queued job
const StatusQueueEmpty = 498

var (
	InternalServerError = echo.NewHTTPError(
		http.StatusInternalServerError,
		types.StringError("something went wrong"),
	)
	NotFoundError   = echo.NewHTTPError(http.StatusNotFound, types.StringError("not found"))
	QueueEmptyError = echo.NewHTTPError(StatusQueueEmpty, types.StringError("no grading job available"))
)

func BadRequest(msg string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusBadRequest, types.StringError(msg))
}

func NotFound(msg string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusNotFound, types.StringError(msg))
}

func Unauthorized(msg string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusUnauthorized, types.StringError(msg))
}
