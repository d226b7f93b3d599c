package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	apperrors "github.com/KaisukaTran/findmy-fm/pkg/errors"
)

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy onto HTTP codes. Anything unclassified
// is a store or internal fault and reads as 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrStaleState),
		errors.Is(err, apperrors.ErrIllegalTransition),
		errors.Is(err, apperrors.ErrSessionNotStartable),
		errors.Is(err, apperrors.ErrSessionNotAdjustable),
		errors.Is(err, apperrors.ErrOrderNotCancellable):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrInsufficientPosition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperrors.ErrPriceSourceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, apperrors.ErrExecutionPaused):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// decodeBody tolerates an empty body so endpoints with all-optional fields
// accept a bare POST.
func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: invalid json body: %v", apperrors.ErrValidation, err)
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: id must be a positive integer", apperrors.ErrValidation)
	}
	return id, nil
}
