package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/book-expert/tutor-tts-service/internal/core"
	"github.com/book-expert/tutor-tts-service/internal/router"
)

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var routeErr *router.RouteError

	switch {
	case errors.Is(err, core.ErrEmptyText):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrStudentNotFound), errors.Is(err, core.ErrUpgradeNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrPendingUpgradeExists),
		errors.Is(err, core.ErrAlreadyPro),
		errors.Is(err, core.ErrUpgradeNotPending):
		return http.StatusConflict
	case errors.Is(err, core.ErrStudentBlocked):
		return http.StatusForbidden
	case router.IsCancelled(err):
		return http.StatusRequestTimeout
	case errors.As(err, &routeErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	response := errorResponse{Error: err.Error()}

	var routeErr *router.RouteError
	if errors.As(err, &routeErr) {
		response.Reason = routeErr.Reason.String()
	}

	writeJSON(w, status, response)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
