// Package httpapi implements the versioned HTTP ingress surface: agent
// registration and heartbeat, job creation/read/cancel, log streaming, the
// GitHub webhook endpoint, and read-only listing endpoints. It uses Chi as
// the router and wraps every response in a small JSON envelope.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/deploybot/controller/internal/apperrors"
)

// envelope is the standard JSON response wrapper. Success responses carry
// a "data" key; error responses carry an "error" object.
type envelope map[string]any

// JSON writes status with payload JSON-encoded into the body.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 with payload wrapped in {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

// Created writes a 201 with payload wrapped in {"data": payload}.
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, envelope{"data": payload})
}

// NoContent writes a 204 with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{"error": errorResponse{Message: message, Code: code}})
}

// ErrBadRequest writes a 400.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "bad_request")
}

// ErrNotFound writes a 404.
func ErrNotFound(w http.ResponseWriter) {
	errJSON(w, http.StatusNotFound, "resource not found", "not_found")
}

// ErrConflict writes a 409.
func ErrConflict(w http.ResponseWriter, message, code string) {
	errJSON(w, http.StatusConflict, message, code)
}

// ErrUnauthorized writes a 401.
func ErrUnauthorized(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusUnauthorized, message, "unauthorized")
}

// ErrInternal writes a 500. The internal detail is intentionally not
// exposed to the caller.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "an internal error occurred", "internal_error")
}

// writeDomainError maps an apperrors sentinel to the HTTP response the
// spec's ingress table prescribes. AlreadyTerminal is handled by callers
// directly since it returns 200 with the job's current state, not an
// error body. Unrecognized errors fall through to 500.
func writeDomainError(w http.ResponseWriter, err error) {
	switch apperrors.Kind(err) {
	case "agent_unknown":
		errJSON(w, http.StatusNotFound, "agent not found", "agent_unknown")
	case "not_found":
		ErrNotFound(w)
	case "duplicate_idempotency":
		ErrConflict(w, "an equivalent job is already in flight", "duplicate_idempotency")
	case "not_claimable":
		ErrConflict(w, "job is no longer claimable", "not_claimable")
	case "not_assigned_to_you":
		ErrConflict(w, "job is not assigned to this agent", "not_assigned_to_you")
	case "signature_invalid":
		ErrUnauthorized(w, "invalid webhook signature")
	default:
		ErrInternal(w)
	}
}

// decodeJSON decodes the request body into dst, writing a 400 and
// returning false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
