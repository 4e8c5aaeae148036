// Package http provides the JSON API server and its handlers.
//
// This file implements the Builder Pattern for constructing JSON responses
// and the single mapping from service errors to status codes.

package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"expensewatch/internal/core"
	"expensewatch/internal/log"
)

// JSONResponseBuilder provides a fluent API for building JSON responses.
type JSONResponseBuilder struct {
	statusCode int
	body       any
	headers    map[string]string
}

// NewJSONResponse creates a new response builder with default 200 status.
func NewJSONResponse() *JSONResponseBuilder {
	return &JSONResponseBuilder{
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
	}
}

// Status sets the HTTP status code for the response.
func (b *JSONResponseBuilder) Status(code int) *JSONResponseBuilder {
	b.statusCode = code
	return b
}

// Header adds a custom header to the response.
func (b *JSONResponseBuilder) Header(name, value string) *JSONResponseBuilder {
	b.headers[name] = value
	return b
}

// Body sets the value encoded as the response body.
func (b *JSONResponseBuilder) Body(v any) *JSONResponseBuilder {
	b.body = v
	return b
}

// Write sends the built response to the http.ResponseWriter.
func (b *JSONResponseBuilder) Write(w http.ResponseWriter) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}
	if b.body == nil {
		w.WriteHeader(b.statusCode)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(b.statusCode)
	if err := json.NewEncoder(w).Encode(b.body); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// errorBody is the payload of every non-2xx response.
type errorBody struct {
	Error string `json:"error"`
}

// ErrorResponse creates a standard error response.
func ErrorResponse(statusCode int, message string) *JSONResponseBuilder {
	return NewJSONResponse().
		Status(statusCode).
		Body(errorBody{Error: message})
}

// statusForError maps a service error to its status code. Only caller
// errors expose their message; anything else is reported generically.
func statusForError(err error) (int, string) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, "upload too large"
	case errors.Is(err, core.ErrInvalidCredentials):
		return http.StatusUnauthorized, core.ErrInvalidCredentials.Error()
	case errors.Is(err, core.ErrUnauthenticated):
		return http.StatusUnauthorized, "authentication required"
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, core.ErrNotFound.Error()
	case errors.Is(err, core.ErrEmailTaken):
		return http.StatusConflict, core.ErrEmailTaken.Error()
	case core.IsCallerError(err):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// writeServiceError logs err and writes the mapped response.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, msg := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.logger.LogError(r.Context(), "Request failed", err, op, nil)
	} else {
		log.FromContext(r.Context()).DebugContext(r.Context(), "Request rejected",
			log.FieldOperation, op, log.FieldStatusCode, status, log.FieldError, err)
	}
	ErrorResponse(status, msg).Write(w)
}
