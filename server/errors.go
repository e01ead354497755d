/******************************************************************************
 *
 *  Description :
 *
 *  Error taxonomy surfaced to API clients and its mapping to HTTP statuses.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/netsblox/cloud/server/logs"
	t "github.com/netsblox/cloud/server/store/types"
)

// APIError is an error with a client-facing classification.
type APIError struct {
	Code    int    `json:"-"`
	Kind    string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Message
}

func errBadRequest(msg string) *APIError {
	return &APIError{Code: http.StatusBadRequest, Kind: "BadRequest", Message: msg}
}

func errUnauthorized() *APIError {
	return &APIError{Code: http.StatusUnauthorized, Kind: "Unauthorized"}
}

func errForbidden() *APIError {
	return &APIError{Code: http.StatusForbidden, Kind: "Forbidden"}
}

func errNotFound() *APIError {
	return &APIError{Code: http.StatusNotFound, Kind: "NotFound"}
}

func errConflict(msg string) *APIError {
	return &APIError{Code: http.StatusConflict, Kind: "Conflict", Message: msg}
}

func errPreconditionFailed() *APIError {
	return &APIError{Code: http.StatusPreconditionFailed, Kind: "PreconditionFailed"}
}

func errRateLimited() *APIError {
	return &APIError{Code: http.StatusTooManyRequests, Kind: "RateLimited"}
}

func errRoleFetchTimeout() *APIError {
	return &APIError{Code: http.StatusGatewayTimeout, Kind: "RoleFetchTimeout"}
}

func errClientGone() *APIError {
	return &APIError{Code: http.StatusGatewayTimeout, Kind: "ClientGone"}
}

// errInternal logs the cause and returns an opaque error carrying only a
// correlation ID.
func errInternal(cause error) *APIError {
	id := uuid.NewString()
	logs.Err.Printf("internal error [%s]: %v", id, cause)
	return &APIError{Code: http.StatusInternalServerError, Kind: "Internal", Message: id}
}

// toAPIError classifies an arbitrary error.
func toAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	switch {
	case errors.Is(err, t.ErrNotFound):
		return errNotFound()
	case errors.Is(err, t.ErrDuplicate):
		return errConflict("already exists")
	case errors.Is(err, t.ErrRevisionMismatch):
		return errPreconditionFailed()
	case errors.Is(err, t.ErrMalformed):
		return errBadRequest("malformed input")
	}
	return errInternal(err)
}

// writeError serializes an error to a response.
func writeError(wrt http.ResponseWriter, err error) {
	apiErr := toAPIError(err)
	wrt.Header().Set("Content-Type", "application/json")
	wrt.WriteHeader(apiErr.Code)
	json.NewEncoder(wrt).Encode(apiErr)
}

// writeJSON serializes a successful response body.
func writeJSON(wrt http.ResponseWriter, code int, body any) {
	wrt.Header().Set("Content-Type", "application/json")
	wrt.WriteHeader(code)
	if body != nil {
		json.NewEncoder(wrt).Encode(body)
	}
}
