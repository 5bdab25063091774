package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/heimdex/heimdex-autoclip/internal/delivery"
	"github.com/heimdex/heimdex-autoclip/internal/pipeline"
	"github.com/heimdex/heimdex-autoclip/internal/session"
	"github.com/heimdex/heimdex-autoclip/internal/worker"
)

// HTTPStatus maps a pipeline error onto a status code and a stable code
// string for the error body.
func HTTPStatus(err error) (int, string) {
	var (
		inputErr   *pipeline.InputError
		conflict   *pipeline.ConflictError
		empty      *pipeline.EmptyResultError
		stage      *pipeline.StageFailedError
		transition *session.TransitionError
		status     *worker.StatusError
	)
	switch {
	case errors.As(err, &inputErr):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, pipeline.ErrSessionNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.As(err, &conflict), errors.As(err, &transition):
		return http.StatusConflict, "CONFLICT"
	case errors.As(err, &empty):
		return http.StatusUnprocessableEntity, "EMPTY_RESULT"
	case errors.Is(err, delivery.ErrNothingResolvable):
		return http.StatusNotFound, "NO_DOWNLOADABLE_OUTPUT"
	case errors.Is(err, delivery.ErrNothingReadable):
		return http.StatusBadGateway, "UPSTREAM_ERROR"
	case errors.Is(err, pipeline.ErrWorkerUnavailable):
		return http.StatusServiceUnavailable, "WORKER_UNAVAILABLE"
	case worker.IsUnreachable(err):
		return http.StatusBadGateway, "WORKER_UNREACHABLE"
	case errors.As(err, &stage), errors.As(err, &status):
		return http.StatusBadGateway, "UPSTREAM_ERROR"
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

// writeServiceError renders err with its mapped status. Unreachable
// workers get the stable friendly message.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, code := HTTPStatus(err)
	msg := err.Error()
	switch {
	case code == "WORKER_UNREACHABLE":
		msg = worker.UnreachableMessage
	case status == http.StatusInternalServerError:
		logger.Error("request failed", "error", err)
		msg = "internal server error"
	}
	resp := ErrorResponse{Error: msg, Code: code}
	var empty *pipeline.EmptyResultError
	if errors.As(err, &empty) {
		resp.Raw = empty.Raw
	}
	WriteJSON(w, status, resp)
}
