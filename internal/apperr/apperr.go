// Package apperr defines the error kinds shared by the local API and the
// federation endpoints, and how they map onto HTTP responses.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadRequest   = errors.New("bad request")
	ErrUpstream     = errors.New("upstream failure")
	ErrInternal     = errors.New("internal error")
)

// BadRequest returns an error of kind ErrBadRequest carrying a client-visible message.
func BadRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

// Unauthorized returns an error of kind ErrUnauthorized.
func Unauthorized(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, fmt.Sprintf(format, args...))
}

// Upstream reports a non-2xx answer from a peer server.
func Upstream(server string, status int) error {
	return fmt.Errorf("%w: %s responded with status %d", ErrUpstream, server, status)
}

// UpstreamErr reports a transport failure while talking to a peer server.
func UpstreamErr(server string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUpstream, server, err)
}

// Internal wraps an unexpected failure. The wrapped detail is never shown to clients.
func Internal(err error) error {
	return fmt.Errorf("%w: %w", ErrInternal, err)
}

// Status maps an error to the HTTP status code that represents its kind.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// Write sends err to the client as {"error": "..."} with the matching status code.
func Write(w http.ResponseWriter, err error) {
	status := Status(err)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = ErrInternal.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg})
}
