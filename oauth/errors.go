// Package oauth defines the OAuth 2.0 error vocabulary shared by the core
// packages and the HTTP layer.
package oauth

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes from RFC 6749, RFC 6750, RFC 7009 and RFC 9449.
const (
	InvalidRequest          = "invalid_request"
	InvalidClient           = "invalid_client"
	InvalidGrant            = "invalid_grant"
	UnauthorizedClient      = "unauthorized_client"
	UnsupportedGrantType    = "unsupported_grant_type"
	UnsupportedResponseType = "unsupported_response_type"
	InvalidScope            = "invalid_scope"
	AccessDenied            = "access_denied"
	InvalidToken            = "invalid_token"
	InvalidDPoPProof        = "invalid_dpop_proof"
	ServerError             = "server_error"
	TemporarilyUnavailable  = "temporarily_unavailable"
)

// Error is an OAuth protocol error. Description is safe to show to clients;
// Cause is for logs only and never leaves the process.
type Error struct {
	Code        string
	Description string
	Status      int
	Cause       error
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error by code so callers can write errors.Is(err, oauth.ErrInvalidGrant).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidRequest       = &Error{Code: InvalidRequest}
	ErrInvalidClient        = &Error{Code: InvalidClient}
	ErrInvalidGrant         = &Error{Code: InvalidGrant}
	ErrUnauthorizedClient   = &Error{Code: UnauthorizedClient}
	ErrUnsupportedGrantType = &Error{Code: UnsupportedGrantType}
	ErrInvalidScope         = &Error{Code: InvalidScope}
	ErrAccessDenied         = &Error{Code: AccessDenied}
	ErrInvalidToken         = &Error{Code: InvalidToken}
	ErrInvalidDPoPProof     = &Error{Code: InvalidDPoPProof}
	ErrServerError          = &Error{Code: ServerError}
)

// New builds an Error with the status implied by code.
func New(code, description string) *Error {
	return &Error{Code: code, Description: description, Status: StatusFor(code)}
}

// Wrap builds an Error that keeps cause for logging.
func Wrap(code string, cause error, description string) *Error {
	e := New(code, description)
	e.Cause = cause
	return e
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code string) int {
	switch code {
	case InvalidClient, InvalidToken:
		return http.StatusUnauthorized
	case ServerError:
		return http.StatusInternalServerError
	case TemporarilyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// From converts any error into an *Error. Unknown errors become server_error,
// deadline and cancellation become temporarily_unavailable.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var oe *Error
	if errors.As(err, &oe) {
		if oe.Status == 0 {
			cp := *oe
			cp.Status = StatusFor(cp.Code)
			return &cp
		}
		return oe
	}
	if IsUnavailable(err) {
		return Wrap(TemporarilyUnavailable, err, "the server is temporarily unable to handle the request")
	}
	return Wrap(ServerError, err, "")
}
