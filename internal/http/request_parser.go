// Package http provides the JSON API server and its handlers.
//
// This file implements utilities for parsing and validating HTTP request data.

package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"expensewatch/internal/core"
)

// maxJSONBodyBytes caps JSON request bodies. Uploads have their own limit.
const maxJSONBodyBytes = 1 << 20

// decodeJSON reads a single JSON object from the request body into v.
// Syntax and type errors are reported as core.ErrInvalidInput.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		var maxBytes *http.MaxBytesError
		switch {
		case errors.As(err, &maxBytes):
			return err
		case errors.Is(err, io.EOF):
			return fmt.Errorf("%w: empty request body", core.ErrInvalidInput)
		case errors.Is(err, core.ErrInvalidDate):
			return err
		default:
			return fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
		}
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after JSON object", core.ErrInvalidInput)
	}
	return nil
}

// parseID reads a positive int64 path parameter.
func parseID(r *http.Request, name string) (int64, error) {
	raw := strings.TrimSpace(r.PathValue(name))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", core.ErrInvalidInput, name)
	}
	return id, nil
}

// sanitizeInput removes control characters other than tab and newlines and
// trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}
