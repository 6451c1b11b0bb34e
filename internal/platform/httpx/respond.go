// Package httpx provides HTTP response utilities following RFC7807 problem details.
package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/posledger/posledger/internal/shared"
)

// ProblemDetail represents RFC7807 problem details.
type ProblemDetail struct {
	Type   string `json:"type,omitempty"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// JSON sends a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Problem sends an RFC7807 problem details response.
func Problem(w http.ResponseWriter, status int, title, detail string) {
	JSON(w, status, ProblemDetail{
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// DecodeJSON decodes JSON request body into the target struct.
func DecodeJSON(r *http.Request, target any) error {
	return json.NewDecoder(r.Body).Decode(target)
}

// Error maps the domain error taxonomy to problem-detail responses.
func Error(w http.ResponseWriter, err error) {
	var (
		vErr  *shared.ValidationError
		nfErr *shared.NotFoundError
		cErr  *shared.ConflictError
		cfErr *shared.ConfigurationError
	)
	switch {
	case errors.As(err, &vErr):
		Problem(w, http.StatusBadRequest, "Validation failed", vErr.Error())
	case errors.As(err, &nfErr):
		Problem(w, http.StatusNotFound, "Not found", nfErr.Error())
	case errors.As(err, &cErr):
		Problem(w, http.StatusConflict, "Conflict", cErr.Error())
	case errors.As(err, &cfErr):
		Problem(w, http.StatusUnprocessableEntity, "Configuration error", cfErr.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal server error", "an unexpected error occurred")
	}
}
