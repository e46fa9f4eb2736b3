// Package response writes the JSON envelopes shared by every reviewlens endpoint.
package response

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Error codes returned in the error envelope.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeValidationFailed   = "VALIDATION_FAILED"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeForbidden          = "FORBIDDEN"
	CodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	CodeJobNotFound        = "JOB_NOT_FOUND"
	CodeJobNotCollecting   = "JOB_NOT_COLLECTING"
	CodeNoSources          = "NO_SOURCES"
	CodeSourcesUnavailable = "SOURCES_UNAVAILABLE"
	CodeShuttingDown       = "SHUTTING_DOWN"
	CodeDegraded           = "DEGRADED"
	CodeNotImplemented     = "NOT_IMPLEMENTED"
	CodeInternal           = "INTERNAL_ERROR"
)

type envelope struct {
	Data any `json:"data"`
}

type collectionEnvelope struct {
	Data any            `json:"data"`
	Meta PaginationMeta `json:"meta"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// PaginationMeta describes one page of a collection.
type PaginationMeta struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasNext bool `json:"has_next"`
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func Created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, envelope{Data: data})
}

// Accepted is used for operations whose effect completes asynchronously, like driving a job.
func Accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, envelope{Data: data})
}

// Collection writes a page of results. A page filled to its limit reports HasNext.
func Collection(w http.ResponseWriter, data any, n, limit int) {
	writeJSON(w, http.StatusOK, collectionEnvelope{Data: data, Meta: PaginationMeta{
		Page:    1,
		Limit:   limit,
		Total:   n,
		HasNext: limit > 0 && n >= limit,
	}})
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// headers are gone; the client sees a truncated body
		slog.Error("encode response", "status", status, "error", err)
	}
}
