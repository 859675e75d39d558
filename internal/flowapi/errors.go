package flowapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError is a non-2xx answer from the upstream. Body is truncated for
// logging; classification helpers below decide how callers react.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}

// AsAPIError unwraps err into an *APIError if one is in the chain.
func AsAPIError(err error) (*APIError, bool) {
	var ae *APIError
	ok := errors.As(err, &ae)
	return ae, ok
}

// IsAuthError reports whether err indicates the access token is no longer
// accepted upstream. A 403 is not an auth failure here: submission endpoints
// answer 403 for challenge rejections and policy blocks against a still
// valid token.
func IsAuthError(err error) bool {
	ae, ok := AsAPIError(err)
	return ok && ae.StatusCode == http.StatusUnauthorized
}

// IsRateLimited reports whether the upstream throttled the credential.
func IsRateLimited(err error) bool {
	ae, ok := AsAPIError(err)
	return ok && ae.StatusCode == http.StatusTooManyRequests
}

// RetryClassifier decides whether a rejected submission should be retried
// once with a fresh proof token.
type RetryClassifier func(statusCode int, body string) bool

// DefaultRetryClassifier retries only a 403 whose body mentions the
// verification challenge. Other 403s are real authorization failures and
// retrying them burns tokens for nothing.
func DefaultRetryClassifier(statusCode int, body string) bool {
	if statusCode != http.StatusForbidden {
		return false
	}
	lower := strings.ToLower(body)
	return strings.Contains(lower, "recaptcha") || strings.Contains(lower, "captcha")
}
