package cwapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ClientError covers 4xx responses that retrying cannot fix (bad request,
// validation failures, ...). Rate limiting (429) is not one of these
type ClientError struct {
	StatusCode int
	Message    string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("connectwise client error (HTTP %d): %s", e.StatusCode, e.Message)
}

// ServerError covers the 5xx class. These are retried before surfacing
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("connectwise server error (HTTP %d): %s", e.StatusCode, e.Message)
}

// RateLimitError is a 429. Transient: the same request is retried
type RateLimitError struct {
	Message string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("connectwise rate limit hit: %s", e.Message)
}

// SecurityError is a 403: the credentials lack permissions. Nothing else
// in a run can succeed, so callers abort the whole run on this one
type SecurityError struct {
	Message string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("connectwise security permissions error: %s", e.Message)
}

// NotFoundError is a typed 404 so single-record syncs can distinguish
// "deleted upstream" from real failures
type NotFoundError struct {
	URL string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("connectwise resource not found: %s", e.URL)
}

// IsNotFound reports whether err is (or wraps) a 404
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsSecurity reports whether err is (or wraps) a 403
func IsSecurity(err error) bool {
	var se *SecurityError
	return errors.As(err, &se)
}

// isTransient decides whether a request is worth repeating. Connection
// failures and timeouts arrive as plain wrapped errors from net/http, so
// anything that is not a typed non-retryable error counts as transient
func isTransient(err error) bool {
	var ce *ClientError
	var nf *NotFoundError
	var se *SecurityError
	if errors.As(err, &ce) || errors.As(err, &nf) || errors.As(err, &se) {
		return false
	}
	return true
}

// decodeErrorBody flattens the ConnectWise error envelope
// {"message": ..., "errors": [{"message": ...}, ...]} into one line
func decodeErrorBody(status int, body []byte) string {
	raw := strings.ReplaceAll(string(body), "\r\n", "")

	var envelope struct {
		Message string `json:"message"`
		Errors  []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil || envelope.Message == "" {
		return fmt.Sprintf("HTTP %d: %s", status, raw)
	}

	parts := []string{strings.TrimRight(envelope.Message, ".")}
	for _, e := range envelope.Errors {
		parts = append(parts, strings.TrimRight(e.Message, "."))
	}
	return strings.Join(parts, ". ")
}
