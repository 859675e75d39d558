package orchestrator

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/flowproxy/flow-proxy/internal/captcha"
	"github.com/flowproxy/flow-proxy/internal/credential"
	"github.com/flowproxy/flow-proxy/internal/flowapi"
)

// ErrKind is the failure taxonomy surfaced to callers and mapped onto
// credential health.
type ErrKind string

const (
	// ErrAuth means the session token is invalid or expired. The credential
	// is hard-banned.
	ErrAuth ErrKind = "auth_error"

	// ErrProofToken means the anti-bot token was unobtainable or rejected
	// twice.
	ErrProofToken ErrKind = "proof_token_error"

	// ErrRateLimit means the upstream throttled the credential.
	ErrRateLimit ErrKind = "rate_limit_error"

	// ErrUpstream is any other upstream failure.
	ErrUpstream ErrKind = "upstream_error"

	// ErrPollTimeout means a video never reached a terminal status within
	// the attempt ceiling.
	ErrPollTimeout ErrKind = "poll_timeout"

	// ErrPoolExhausted means no credential was available after bounded
	// selection retries.
	ErrPoolExhausted ErrKind = "pool_exhausted"

	// ErrInvalidRequest is a malformed job (empty prompt, unknown model).
	ErrInvalidRequest ErrKind = "invalid_request_error"
)

// Error is a classified job failure.
type Error struct {
	Kind       ErrKind
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// FailureKind maps the error onto the credential store's health taxonomy.
func (e *Error) FailureKind() credential.FailureKind {
	switch e.Kind {
	case ErrAuth:
		return credential.FailureAuth
	case ErrRateLimit:
		return credential.FailureRateLimit
	default:
		return credential.FailureGeneric
	}
}

func newError(kind ErrKind, status int, format string, args ...any) *Error {
	return &Error{Kind: kind, StatusCode: status, Message: fmt.Sprintf(format, args...)}
}

func invalidRequest(format string, args ...any) *Error {
	return newError(ErrInvalidRequest, http.StatusUnprocessableEntity, format, args...)
}

// classify translates protocol and collaborator failures into the taxonomy.
// Upstream status codes are preserved where they exist; everything without
// one is a 500.
func classify(err error) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	if captcha.IsTokenError(err) {
		return newError(ErrProofToken, http.StatusForbidden, "%v", err)
	}
	if errors.Is(err, flowapi.ErrNoAccessToken) {
		return newError(ErrAuth, http.StatusUnauthorized, "session token no longer yields an access token")
	}
	if ae, ok := flowapi.AsAPIError(err); ok {
		switch {
		case ae.StatusCode == http.StatusUnauthorized:
			return newError(ErrAuth, http.StatusUnauthorized, "upstream rejected the access token")
		case ae.StatusCode == http.StatusForbidden && flowapi.DefaultRetryClassifier(ae.StatusCode, ae.Body):
			return newError(ErrProofToken, http.StatusForbidden, "proof token rejected twice")
		case ae.StatusCode == http.StatusTooManyRequests:
			return newError(ErrRateLimit, http.StatusTooManyRequests, "upstream rate limit")
		default:
			return newError(ErrUpstream, ae.StatusCode, "upstream error (status %d)", ae.StatusCode)
		}
	}
	return newError(ErrUpstream, http.StatusInternalServerError, "%v", err)
}
