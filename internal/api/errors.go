// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ManuGH/eventrelay/internal/bus"
	"github.com/ManuGH/eventrelay/internal/model"
)

// Error codes returned per publish entry and in error bodies.
const (
	CodeValidation  = "ValidationError"
	CodeThrottled   = "ThrottlingException"
	CodeUnavailable = "ServiceUnavailable"
	CodeInternal    = "InternalFailure"
	CodeNotFound    = "NotFound"
	CodeBadRequest  = "BadRequest"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, ErrorResponse{Error: code, Detail: detail, RequestID: w.Header().Get("X-Request-ID")})
}

func writeNotFound(w http.ResponseWriter, detail string) {
	writeError(w, http.StatusNotFound, CodeNotFound, detail)
}

// classify maps a publish error to an entry error code.
func classify(err error) string {
	switch {
	case errors.Is(err, model.ErrValidation):
		return CodeValidation
	case errors.Is(err, bus.ErrThrottled):
		return CodeThrottled
	case errors.Is(err, bus.ErrClosed):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}
