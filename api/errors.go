package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/warp/points-engine/points"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Detail    string `json:"detail"`
	Shortfall *int64 `json:"shortfall,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, detail string, shortfall *int64) {
	writeJSON(w, status, ErrorResponse{Error: code, Detail: detail, Shortfall: shortfall})
}

// writeDomainError maps an engine error to its HTTP status and error code.
// Unclassified errors are logged and reported without internals.
func writeDomainError(w http.ResponseWriter, r *http.Request, log logrus.FieldLogger, err error) {
	var (
		insufficientPoints  *points.InsufficientPointsError
		insufficientBalance *points.InsufficientBalanceError
	)
	switch {
	case errors.As(err, &insufficientPoints):
		writeError(w, http.StatusBadRequest, "insufficient_points", err.Error(), &insufficientPoints.Shortfall)
	case errors.As(err, &insufficientBalance):
		shortfall := insufficientBalance.Shortfall()
		writeError(w, http.StatusBadRequest, "insufficient_balance", err.Error(), &shortfall)
	case errors.Is(err, points.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, points.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, points.ErrInvalidRequest), errors.Is(err, points.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
	case errors.Is(err, points.ErrInvalidPolicy):
		writeError(w, http.StatusBadRequest, "invalid_policy", err.Error(), nil)
	case errors.Is(err, points.ErrCapExceeded):
		writeError(w, http.StatusBadRequest, "cap_exceeded", err.Error(), nil)
	case errors.Is(err, points.ErrOutOfStock):
		writeError(w, http.StatusConflict, "out_of_stock", err.Error(), nil)
	case errors.Is(err, points.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), nil)
	case errors.Is(err, points.ErrStoreUnavailable), errors.Is(err, points.ErrConcurrentModification):
		log.WithError(err).WithField("path", r.URL.Path).Warn("store unavailable")
		writeError(w, http.StatusServiceUnavailable, "unavailable", "Service temporarily unavailable, please retry", nil)
	default:
		log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal", "Internal server error", nil)
	}
}
