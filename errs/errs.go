// Package errs defines the provider-neutral error taxonomy shared by every
// exported engine function. Adapters classify native SDK/transport errors
// into one of seven Kinds (see model.ProviderError for the adapter-facing
// counterpart); everything above the adapter boundary returns *errs.Error.
package errs

import (
	"context"
	"errors"
	"fmt"

	"thinkserver/model"
)

// Kind is a provider-neutral error category with a fixed HTTP mapping and
// retry policy.
type Kind string

const (
	// Auth indicates invalid or missing provider credentials. Not retried.
	Auth Kind = "auth"

	// InvalidRequest indicates a parse failure or contract violation — bad
	// params, malformed strict-JSON output, an unresolvable model id. Not
	// retried.
	InvalidRequest Kind = "invalid_request"

	// NotFound indicates an unknown model or resource. Not retried.
	NotFound Kind = "not_found"

	// RateLimit indicates the provider (or the local rate limiter) is
	// throttling requests. Retried with backoff up to MaxRetries.
	RateLimit Kind = "rate_limit"

	// Timeout covers transport timeouts and context deadline exceeded.
	// Retried the same as RateLimit.
	Timeout Kind = "timeout"

	// Server indicates a provider-side 5xx or overload condition. Retried
	// the same as RateLimit.
	Server Kind = "server"

	// Generic is the fallback category for anything that does not fit the
	// above. Not retried.
	Generic Kind = "generic"
)

// httpStatus maps each Kind to the HTTP status code the out-of-scope HTTP
// layer is expected to report.
var httpStatus = map[Kind]int{
	Auth:           401,
	InvalidRequest: 400,
	NotFound:       404,
	RateLimit:      429,
	Timeout:        504,
	Server:         502,
	Generic:        502,
}

// Retryable reports whether errors of this kind may succeed on retry,
// per the taxonomy table.
func Retryable(kind Kind) bool {
	switch kind {
	case RateLimit, Timeout, Server:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the conventional HTTP status for kind.
func HTTPStatus(kind Kind) int {
	if status, ok := httpStatus[kind]; ok {
		return status
	}
	return 502
}

// Error is the structured error type every exported engine function returns
// for domain failures. It carries the payload shape {message, type, code,
// provider, details?}.
type Error struct {
	Kind     Kind
	Message  string
	Code     string
	Provider string
	Details  map[string]any
	cause    error
}

// New constructs an Error. message is required; the remaining fields are
// optional context.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error that preserves cause in its chain.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithProvider sets the Provider field and returns e for chaining.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithCode sets the Code field and returns e for chaining.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail sets a single entry in Details, allocating the map if needed,
// and returns e for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, 1)
	}
	e.Details[key] = value
	return e
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Provider)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap preserves the original error chain.
func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the conventional HTTP status for e.Kind.
func (e *Error) HTTPStatus() int { return HTTPStatus(e.Kind) }

// Retryable reports whether e.Kind may succeed on retry.
func (e *Error) Retryable() bool { return Retryable(e.Kind) }

// As reports whether err's chain contains an *Error, returning it when found.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// kindByProviderErrorKind maps model.ProviderErrorKind (the adapter-facing
// classification) to the engine-facing Kind. The two enumerations are
// intentionally kept separate: adapters classify native SDK errors without
// importing the engine's error package, and Classify is the single seam
// where the two meet.
var kindByProviderErrorKind = map[model.ProviderErrorKind]Kind{
	model.ProviderErrorKindAuth:           Auth,
	model.ProviderErrorKindInvalidRequest: InvalidRequest,
	model.ProviderErrorKindNotFound:       NotFound,
	model.ProviderErrorKindRateLimited:    RateLimit,
	model.ProviderErrorKindTimeout:        Timeout,
	model.ProviderErrorKindServer:         Server,
	model.ProviderErrorKindGeneric:        Generic,
}

// Classify converts a provider adapter error (or any error) into an *Error.
// *model.ProviderError values are mapped by their Kind; context deadline and
// cancellation errors map to Timeout; everything else falls back to Generic
// and is never silently dropped.
func Classify(provider string, err error) *Error {
	if err == nil {
		return nil
	}
	if already, ok := As(err); ok {
		return already
	}
	if pe, ok := model.AsProviderError(err); ok {
		kind, ok := kindByProviderErrorKind[pe.Kind()]
		if !ok {
			kind = Generic
		}
		e := Wrap(kind, pe.Message(), err).WithProvider(pe.Provider()).WithCode(pe.Code())
		if pe.RequestID() != "" {
			e = e.WithDetail("request_id", pe.RequestID())
		}
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Wrap(Timeout, err.Error(), err).WithProvider(provider)
	}
	return Wrap(Generic, err.Error(), err).WithProvider(provider)
}
