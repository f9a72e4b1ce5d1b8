package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/slack-go/slack"
	"github.com/sony/gobreaker"

	"github.com/taskops/sentinel/pkg/models"
)

// ProviderError is the typed failure adapters surface to the engine.
// Kind drives the engine's status/retry policy; Op names the provider
// call that failed.
type ProviderError struct {
	Kind models.ErrorKind
	Op   string
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient wraps a retryable failure (5xx, timeout, 429, reset).
func Transient(op string, err error) *ProviderError {
	return &ProviderError{Kind: models.ErrorKindTransient, Op: op, Err: err}
}

// Permanent wraps a failure that needs an admin to fix the config.
func Permanent(op string, err error) *ProviderError {
	return &ProviderError{Kind: models.ErrorKindPermanent, Op: op, Err: err}
}

// Unauthorized wraps missing, expired, or rejected credentials.
func Unauthorized(op string, err error) *ProviderError {
	return &ProviderError{Kind: models.ErrorKindConnection, Op: op, Err: err}
}

// KindFromStatus maps an HTTP status code to an error kind: 401/403 are
// connection problems, 429 and 5xx retry, other 4xx need admin action.
func KindFromStatus(code int) models.ErrorKind {
	switch {
	case code == 401 || code == 403:
		return models.ErrorKindConnection
	case code == 429 || code >= 500:
		return models.ErrorKindTransient
	default:
		return models.ErrorKindPermanent
	}
}

// StatusError builds a ProviderError for a non-2xx provider response.
func StatusError(op string, code int, body string) *ProviderError {
	return &ProviderError{
		Kind: KindFromStatus(code),
		Op:   op,
		Err:  fmt.Errorf("HTTP %d: %s", code, body),
	}
}

// Classify converts an arbitrary adapter-call failure into a
// ProviderError, passing typed errors through unchanged.
func Classify(op string, err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	var rle *slack.RateLimitedError
	if errors.As(err, &rle) {
		return Transient(op, err)
	}
	var sce slack.StatusCodeError
	if errors.As(err, &sce) {
		return &ProviderError{Kind: KindFromStatus(sce.Code), Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient(op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Transient(op, err)
	}
	// Slack Web API errors arrive as bare strings ("invalid_auth",
	// "missing_scope", "channel_not_found", ...).
	switch err.Error() {
	case "invalid_auth", "token_revoked", "token_expired", "account_inactive", "not_authed":
		return Unauthorized(op, err)
	case "missing_scope", "channel_not_found", "not_in_channel", "invalid_arguments":
		return Permanent(op, err)
	}
	return Transient(op, err)
}

// KindOf extracts the error kind, defaulting to transient for untyped
// failures.
func KindOf(err error) models.ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return models.ErrorKindTransient
}
