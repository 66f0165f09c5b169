package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/frameflow/frameflow/pkg/chat"
	"github.com/frameflow/frameflow/pkg/jobs"
	"github.com/frameflow/frameflow/pkg/operations"
	"github.com/frameflow/frameflow/pkg/persistence"
	"github.com/frameflow/frameflow/pkg/state"
	"github.com/frameflow/frameflow/pkg/storage"
)

// mapServiceError maps an orchestration-layer error to an HTTP error,
// following the error taxonomy: not-found conditions surface as 404, input
// errors as 400/409/422, and anything unrecognized as a logged 500.
func mapServiceError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, chat.ErrConversationNotFound),
		errors.Is(err, persistence.ErrNotFound),
		errors.Is(err, jobs.ErrJobNotFound),
		errors.Is(err, chat.ErrJobChatMismatch):
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")

	case errors.Is(err, storage.ErrFileNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "file not found")

	case errors.Is(err, storage.ErrPathEscape):
		return echo.NewHTTPError(http.StatusBadRequest, "requested path escapes the conversation directory")

	case errors.Is(err, storage.ErrMalformedArchive):
		return echo.NewHTTPError(http.StatusBadRequest, "archive is malformed or missing required metadata")

	case errors.Is(err, operations.ErrUnknownOperation):
		return echo.NewHTTPError(http.StatusBadRequest, "unknown operation")

	case errors.Is(err, chat.ErrInvalidWorkflowStep):
		return echo.NewHTTPError(http.StatusBadRequest, "workflow step arguments do not match the operation's schema")

	case errors.Is(err, chat.ErrNoPendingWorkflow):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "no pending workflow to confirm")

	case errors.Is(err, state.ErrIllegalTransition):
		return echo.NewHTTPError(http.StatusConflict, "conversation is not in a state that allows this action")

	default:
		slog.Error("unexpected service error", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
}

// envelopeErrorHandler replaces Echo's default error handler so that error
// bodies share the same {data, message, meta, status_code} envelope as
// success responses.
func envelopeErrorHandler(err error, c *echo.Context) {
	if c.Response().Committed {
		return
	}

	he, ok := err.(*echo.HTTPError)
	if !ok {
		he = mapServiceError(err)
	}

	message, _ := he.Message.(string)
	if message == "" {
		message = http.StatusText(he.Code)
	}

	if writeErr := c.JSON(he.Code, newEnvelope(he.Code, nil, message)); writeErr != nil {
		slog.Error("failed to write error response", "error", writeErr)
	}
}
