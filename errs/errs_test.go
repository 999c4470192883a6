package errs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thinkserver/model"
)

func TestClassifyMapsProviderErrorKind(t *testing.T) {
	cases := []struct {
		kind model.ProviderErrorKind
		want Kind
	}{
		{model.ProviderErrorKindAuth, Auth},
		{model.ProviderErrorKindInvalidRequest, InvalidRequest},
		{model.ProviderErrorKindNotFound, NotFound},
		{model.ProviderErrorKindRateLimited, RateLimit},
		{model.ProviderErrorKindTimeout, Timeout},
		{model.ProviderErrorKindServer, Server},
		{model.ProviderErrorKindGeneric, Generic},
	}
	for _, tt := range cases {
		pe := model.NewProviderError("anthropic", "messages.create", 0, tt.kind, "code", "boom", "req-1", Retryable(tt.want), nil)
		got := Classify("anthropic", pe)
		require.NotNil(t, got)
		assert.Equal(t, tt.want, got.Kind)
		assert.Equal(t, "anthropic", got.Provider)
		assert.Equal(t, "req-1", got.Details["request_id"])
	}
}

func TestClassifyContextDeadlineIsTimeout(t *testing.T) {
	got := Classify("openai", context.DeadlineExceeded)
	require.NotNil(t, got)
	assert.Equal(t, Timeout, got.Kind)
}

func TestClassifyIdempotentOnAlreadyClassified(t *testing.T) {
	original := New(RateLimit, "too many requests")
	got := Classify("bedrock", original)
	assert.Same(t, original, got)
}

func TestClassifyFallsBackToGeneric(t *testing.T) {
	got := Classify("openai", errors.New("mystery failure"))
	assert.Equal(t, Generic, got.Kind)
	assert.Equal(t, 502, got.HTTPStatus())
}

func TestRetryableTable(t *testing.T) {
	assert.True(t, Retryable(RateLimit))
	assert.True(t, Retryable(Timeout))
	assert.True(t, Retryable(Server))
	assert.False(t, Retryable(Auth))
	assert.False(t, Retryable(InvalidRequest))
	assert.False(t, Retryable(NotFound))
	assert.False(t, Retryable(Generic))
}

func TestHTTPStatusTable(t *testing.T) {
	assert.Equal(t, 401, HTTPStatus(Auth))
	assert.Equal(t, 400, HTTPStatus(InvalidRequest))
	assert.Equal(t, 404, HTTPStatus(NotFound))
	assert.Equal(t, 429, HTTPStatus(RateLimit))
	assert.Equal(t, 504, HTTPStatus(Timeout))
	assert.Equal(t, 502, HTTPStatus(Server))
}

func TestValidationErrorBatchesViolations(t *testing.T) {
	ve := &ValidationError{}
	ve.Add("providers[0].name", "must not be empty").
		Add("providers[0].models", "must have at least one model")

	require.True(t, ve.HasErrors())
	err := ve.OrNil()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "providers[0].name")
	assert.Contains(t, err.Error(), "providers[0].models")
}

func TestValidationErrorOrNilEmpty(t *testing.T) {
	ve := &ValidationError{}
	assert.Nil(t, ve.OrNil())
}

func TestSafeDumpHandlesCycles(t *testing.T) {
	type node struct {
		Name string
		Next *node
	}
	a := &node{Name: "a"}
	b := &node{Name: "b", Next: a}
	a.Next = b

	out := SafeDump(a)
	assert.Contains(t, out, "a")
	assert.Contains(t, out, "cycle")
}

func TestSafeDumpNeverPanics(t *testing.T) {
	assert.NotPanics(t, func() {
		SafeDump(nil)
		SafeDump(make(chan int))
		SafeDump(func() {})
	})
}
