package httpapi

import (
	"context"
	"errors"
	"net/http"

	json "github.com/goccy/go-json"

	"segd/internal/maskstore"
	"segd/internal/protocol"
	"segd/internal/supervisor"
	"segd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

type statusError struct {
	code int
	msg  string
}

func (e statusError) Error() string   { return e.msg }
func (e statusError) StatusCode() int { return e.code }

func badRequest(msg string) error { return statusError{code: http.StatusBadRequest, msg: msg} }
func notFound(msg string) error   { return statusError{code: http.StatusNotFound, msg: msg} }

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode()
	case supervisor.IsNotReady(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, supervisor.ErrWorkerLocked):
		return http.StatusConflict
	case supervisor.IsInvalidArgument(err), supervisor.IsPromptOrder(err), rejectedOrdering(err):
		return http.StatusBadRequest
	case supervisor.IsNoSession(err), errors.Is(err, maskstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// rejectedOrdering reports a worker refusing a point prompt or propagation,
// which it does when no object was prompted first.
func rejectedOrdering(err error) bool {
	var we *supervisor.WorkerError
	if !errors.As(err, &we) {
		return false
	}
	return we.Type == protocol.CmdAddPointPrompt || we.Type == protocol.CmdPropagate
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && zlog != nil {
		zlog.Warn().Err(err).Msg("encode response")
	}
}
