package server

import (
	"encoding/json"
	"net/http"

	"github.com/kilnworks/kiln/errors"
	"github.com/kilnworks/kiln/logger"
	"github.com/kilnworks/kiln/quota"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error body.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps error kinds onto HTTP statuses. Quota rejections
// carry the usage that caused them so clients can render the window.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var exceeded *quota.ExceededError
	if errors.As(err, &exceeded) {
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"error":   exceeded.Error(),
			"current": exceeded.Current,
			"limit":   exceeded.Limit,
		})
		return
	}

	switch {
	case errors.Is(err, errors.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, errors.ErrForbidden):
		writeError(w, http.StatusForbidden, errMessage(err))
	case errors.IsNotFoundError(err):
		writeError(w, http.StatusNotFound, errMessage(err))
	case errors.IsInvalidRequestError(err):
		writeError(w, http.StatusBadRequest, errMessage(err))
	case errors.IsServiceUnavailableError(err):
		writeError(w, http.StatusServiceUnavailable, errMessage(err))
	default:
		s.log.Errorw("Unclassified ingress error", logger.FieldError, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// readJSON decodes a request body, answering 400 on malformed input.
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
