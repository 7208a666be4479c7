package middleware

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/better-wallet/session-wallet/pkg/errors"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error *apperrors.AppError `json:"error"`
}

// WriteError writes err as a JSON error response.
func WriteError(w http.ResponseWriter, err *apperrors.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: err})
}
