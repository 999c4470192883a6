package model

import (
	"errors"
	"fmt"
)

// ProviderErrorKind classifies provider failures into a small set of categories
// suitable for retry and HTTP-status mapping decisions.
type ProviderErrorKind string

const (
	// ProviderErrorKindAuth indicates authentication/authorization failures.
	ProviderErrorKindAuth ProviderErrorKind = "auth"

	// ProviderErrorKindInvalidRequest indicates the request is invalid and
	// retrying without changing the request will not succeed.
	ProviderErrorKindInvalidRequest ProviderErrorKind = "invalid_request"

	// ProviderErrorKindNotFound indicates the requested model or resource does
	// not exist for this provider/account.
	ProviderErrorKindNotFound ProviderErrorKind = "not_found"

	// ProviderErrorKindRateLimited indicates the provider is throttling requests.
	ProviderErrorKindRateLimited ProviderErrorKind = "rate_limited"

	// ProviderErrorKindTimeout indicates the call exceeded its deadline, either
	// client-side (context) or provider-side.
	ProviderErrorKindTimeout ProviderErrorKind = "timeout"

	// ProviderErrorKindServer indicates a transient provider-side failure (5xx,
	// overload) where a retry may succeed.
	ProviderErrorKindServer ProviderErrorKind = "server"

	// ProviderErrorKindGeneric indicates an unclassified provider failure.
	ProviderErrorKindGeneric ProviderErrorKind = "generic"
)

// httpStatusByKind maps a ProviderErrorKind to the HTTP status an adapter
// should report when it has no more specific status from the provider.
var httpStatusByKind = map[ProviderErrorKind]int{
	ProviderErrorKindAuth:           401,
	ProviderErrorKindInvalidRequest: 400,
	ProviderErrorKindNotFound:       404,
	ProviderErrorKindRateLimited:    429,
	ProviderErrorKindTimeout:        504,
	ProviderErrorKindServer:         502,
	ProviderErrorKindGeneric:        500,
}

// DefaultHTTPStatus returns the conventional HTTP status code for kind.
func DefaultHTTPStatus(kind ProviderErrorKind) int {
	if status, ok := httpStatusByKind[kind]; ok {
		return status
	}
	return 500
}

// ProviderError describes a failure returned by a model provider. It is
// intended to cross package boundaries so the engine and errs.Classify can
// surface stable, structured information to callers.
type ProviderError struct {
	provider  string
	operation string
	http      int
	kind      ProviderErrorKind
	code      string
	message   string
	requestID string
	retryable bool
	cause     error
}

// NewProviderError constructs a ProviderError. provider and kind are required.
// cause may be nil but is recommended to preserve the original error chain.
// When httpStatus is 0, DefaultHTTPStatus(kind) is used.
func NewProviderError(provider, operation string, httpStatus int, kind ProviderErrorKind, code, message, requestID string, retryable bool, cause error) *ProviderError {
	if provider == "" {
		panic("model: provider is required")
	}
	if kind == "" {
		panic("model: provider error kind is required")
	}
	if httpStatus == 0 {
		httpStatus = DefaultHTTPStatus(kind)
	}
	return &ProviderError{
		provider:  provider,
		operation: operation,
		http:      httpStatus,
		kind:      kind,
		code:      code,
		message:   message,
		requestID: requestID,
		retryable: retryable,
		cause:     cause,
	}
}

// Provider returns the provider identifier (for example, "anthropic").
func (e *ProviderError) Provider() string { return e.provider }

// Operation returns the provider operation name when known (for example, "messages.create").
func (e *ProviderError) Operation() string { return e.operation }

// HTTPStatus returns the provider HTTP status code, or DefaultHTTPStatus(kind)
// when the constructor was given 0.
func (e *ProviderError) HTTPStatus() int { return e.http }

// Kind returns the coarse-grained provider error classification.
func (e *ProviderError) Kind() ProviderErrorKind { return e.kind }

// Code returns the provider-specific error code when available.
func (e *ProviderError) Code() string { return e.code }

// Message returns the provider error message when available.
func (e *ProviderError) Message() string { return e.message }

// RequestID returns the provider request identifier when available.
func (e *ProviderError) RequestID() string { return e.requestID }

// Retryable reports whether retrying the call may succeed without changing the request.
func (e *ProviderError) Retryable() bool { return e.retryable }

func (e *ProviderError) Error() string {
	op := e.operation
	if op == "" {
		op = "request"
	}
	status := ""
	if e.http > 0 {
		status = fmt.Sprintf("%d ", e.http)
	}
	code := ""
	if e.code != "" {
		code = e.code + ": "
	}
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	return fmt.Sprintf("%s %s %s(%s): %s", e.provider, e.kind, status, op, code+msg)
}

// Unwrap returns the underlying provider error to preserve the original error chain.
func (e *ProviderError) Unwrap() error { return e.cause }

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
