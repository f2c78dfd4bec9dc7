package server

import (
	"errors"
	"net/http"
)

// ErrorKind enumerates the RFC 6749 §5.2 / §4.1.2.1 error codes.
type ErrorKind string

const (
	ErrInvalidRequest          ErrorKind = "invalid_request"
	ErrUnauthorizedClient      ErrorKind = "unauthorized_client"
	ErrAccessDenied            ErrorKind = "access_denied"
	ErrUnsupportedResponseType ErrorKind = "unsupported_response_type"
	ErrInvalidScope            ErrorKind = "invalid_scope"
	ErrServerError             ErrorKind = "server_error"
	ErrTemporarilyUnavailable  ErrorKind = "temporarily_unavailable"
	ErrInvalidGrant            ErrorKind = "invalid_grant"
	ErrUnsupportedGrantType    ErrorKind = "unsupported_grant_type"
)

// Error is the single tagged error type for everything OAuth-visible.
// The Kind is the wire-level error code; Description goes into
// error_description.
type Error struct {
	Kind        ErrorKind
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Description
}

func oauthErr(kind ErrorKind, desc string) *Error {
	return &Error{Kind: kind, Description: desc}
}

// HTTPStatus maps the error kind onto the token endpoint status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case ErrUnauthorizedClient:
		return http.StatusUnauthorized
	case ErrAccessDenied:
		return http.StatusForbidden
	case ErrServerError:
		return http.StatusInternalServerError
	case ErrTemporarilyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// AsOAuthError coerces any error into an *Error. Untyped failures are
// reported as server_error without leaking internal detail.
func AsOAuthError(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return &Error{Kind: ErrServerError, Description: "internal error"}
}
