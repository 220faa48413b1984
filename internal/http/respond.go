package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/splax/buildflow/internal/domain"
)

type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Message: msg})
}

// writeDeployError answers a failed CreateDeployment and returns the outcome label it used.
// Only a rejected source reference is the caller's fault; every other failure is a 500.
func writeDeployError(w http.ResponseWriter, err error) string {
	outcome := deployOutcome(err)
	status := http.StatusInternalServerError
	if outcome == "invalid" {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, errorBody{Message: err.Error(), Code: outcome})
	return outcome
}

func deployOutcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidSourceRef):
		return "invalid"
	case errors.Is(err, domain.ErrFetch):
		return "fetch_error"
	case errors.Is(err, domain.ErrStorage):
		return "storage_error"
	case errors.Is(err, domain.ErrQueue):
		return "queue_error"
	default:
		return "error"
	}
}
