package pipeline

import (
	"encoding/json"
	"net/http"

	"github.com/tjfontaine/surveyor-gateway/internal/core/domain"
)

// WriteError writes err as a JSON {"detail": ...} body with its status.
func WriteError(w http.ResponseWriter, err *domain.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatusCode())
	json.NewEncoder(w).Encode(err)
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
