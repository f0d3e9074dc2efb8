// Package apierr defines the error kinds the proxy core classifies failures
// into and their mapping to client-visible HTTP responses.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for retry and surfacing decisions.
type Kind string

const (
	KindNoAccountAvailable  Kind = "no_account_available"
	KindQuotaExceeded       Kind = "quota_exceeded"
	KindContentTooLong      Kind = "content_too_long"
	KindAuthExpired         Kind = "auth_expired"
	KindInvalidRefreshToken Kind = "invalid_refresh_token"
	KindUpstreamServerError Kind = "upstream_server_error"
	KindNetwork             Kind = "network"
	KindProtocolTranslation Kind = "protocol_translation_error"
	KindClientCancelled     Kind = "client_cancelled"
	KindInternal            Kind = "internal"
)

// Retryable reports whether the orchestrator may recover from this kind by
// retry or failover. ContentTooLong is permanent for the request: retrying
// the same body cannot help.
func (k Kind) Retryable() bool {
	switch k {
	case KindQuotaExceeded, KindAuthExpired, KindUpstreamServerError, KindNetwork:
		return true
	}
	return false
}

// HTTPStatus maps the kind to the status returned once the failure surfaces.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindNoAccountAvailable:
		return http.StatusServiceUnavailable
	case KindContentTooLong:
		return http.StatusBadRequest
	case KindUpstreamServerError, KindNetwork:
		return http.StatusBadGateway
	case KindAuthExpired, KindInvalidRefreshToken:
		return http.StatusUnauthorized
	case KindProtocolTranslation, KindInternal:
		return http.StatusInternalServerError
	case KindClientCancelled:
		// No response is written for a cancelled request; 499 is for logs.
		return 499
	}
	return http.StatusInternalServerError
}

// Error is a classified proxy failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err, walking the wrap chain. Unclassified
// errors report KindInternal; a nil error reports the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
