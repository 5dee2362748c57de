// Package api implements the manager's HTTP surface: the admin REST API
// (Exercises, Tests, Agents, Tasks) and the agent protocol (register,
// heartbeat, claim, started, result). It uses chi as the router. Every
// non-2xx response uses the flat error envelope from shared/types:
// {"error": <kind>, "message": <human>, "details": {...}}.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/ifperf/ifperf/shared/types"
)

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with payload as the raw body (no wrapper —
// the admin surface and agent protocol both return bare resource JSON on
// success; only errors use an envelope).
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, payload)
}

// Created writes a 201 Created response.
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, payload)
}

// NoContent writes a 204 No Content response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// errEnvelope writes the flat error envelope with the given HTTP status.
func errEnvelope(w http.ResponseWriter, status int, kind, message string, details map[string]any) {
	JSON(w, status, types.ErrorEnvelope{Error: kind, Message: message, Details: details})
}

// ErrBadRequest writes a 400 response with the given error kind.
func ErrBadRequest(w http.ResponseWriter, kind, message string) {
	errEnvelope(w, http.StatusBadRequest, kind, message, nil)
}

// ErrUnauthorized writes a 401 response with the given error kind.
func ErrUnauthorized(w http.ResponseWriter, kind, message string) {
	errEnvelope(w, http.StatusUnauthorized, kind, message, nil)
}

// ErrNotFound writes a 404 response with the given error kind.
func ErrNotFound(w http.ResponseWriter, kind, message string) {
	errEnvelope(w, http.StatusNotFound, kind, message, nil)
}

// ErrConflict writes a 409 response with the given error kind.
func ErrConflict(w http.ResponseWriter, kind, message string) {
	errEnvelope(w, http.StatusConflict, kind, message, nil)
}

// ErrUpgradeRequired writes a 426 response for an API-version mismatch, with
// {min,max} both equal to the server's supported version per spec §8.
func ErrUpgradeRequired(w http.ResponseWriter, kind, message string) {
	errEnvelope(w, http.StatusUpgradeRequired, kind, message, map[string]any{
		"min": types.SupportedAPIVersion,
		"max": types.SupportedAPIVersion,
	})
}

// ErrInternal writes a 500 response. The underlying error detail is
// intentionally not exposed to the client; callers should log it themselves.
func ErrInternal(w http.ResponseWriter) {
	errEnvelope(w, http.StatusInternalServerError, types.ErrInternal, "an internal error occurred", nil)
}

// ErrClaimFailed writes a 500 response for a task claim that failed on the
// repository side, distinct from ErrInternal so agents can recognize and
// retry a claim failure specifically rather than any generic server error.
func ErrClaimFailed(w http.ResponseWriter) {
	errEnvelope(w, http.StatusInternalServerError, types.ErrClaimFailed, "failed to claim a task", nil)
}

// decodeJSON decodes the request body into dst. Returns false and writes a
// bad_request response if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, types.ErrBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
