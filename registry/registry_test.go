package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thinkserver/config"
	"thinkserver/model"
)

type fakeClient struct{ id string }

func (f *fakeClient) Complete(context.Context, *model.Request) (*model.Response, error) {
	return nil, nil
}
func (f *fakeClient) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, nil
}

func sampleProviders() []config.ProviderConfig {
	return []config.ProviderConfig{
		{
			Name:    "anthropic",
			Variant: config.VariantMessagesWithCacheControl,
			Models: []config.ModelConfig{
				{ID: "deepthink-default", Provider: "anthropic", Underlying: "claude-opus-4-6",
					StageModels: map[string]string{"summary": "claude-haiku-4-5"}},
			},
		},
		{
			Name:    "openai",
			Variant: config.VariantResponses,
			Models: []config.ModelConfig{
				{ID: "ultrathink-default", Provider: "openai", Underlying: "gpt-5.2"},
			},
		},
	}
}

func TestResolveReturnsModelAndProvider(t *testing.T) {
	calls := 0
	r := New(sampleProviders(), func(p config.ProviderConfig) (model.Client, error) {
		calls++
		return &fakeClient{id: p.Name}, nil
	})

	res, err := r.Resolve("deepthink-default")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", res.Provider.Name)
	assert.Equal(t, "claude-opus-4-6", res.Underlying)
	assert.Equal(t, 1, calls)
}

func TestResolveMemoizesClientPerProvider(t *testing.T) {
	calls := 0
	r := New(sampleProviders(), func(p config.ProviderConfig) (model.Client, error) {
		calls++
		return &fakeClient{id: p.Name}, nil
	})

	res1, err := r.Resolve("deepthink-default")
	require.NoError(t, err)
	res2, err := r.Resolve("deepthink-default")
	require.NoError(t, err)

	assert.Same(t, res1.Client, res2.Client)
	assert.Equal(t, 1, calls)
}

func TestResolveUnknownModelIsNotFound(t *testing.T) {
	r := New(sampleProviders(), func(p config.ProviderConfig) (model.Client, error) {
		return &fakeClient{id: p.Name}, nil
	})

	_, err := r.Resolve("does-not-exist")
	require.Error(t, err)
}

func TestStageModelFallsBackToUnderlying(t *testing.T) {
	m := config.ModelConfig{Underlying: "claude-opus-4-6", StageModels: map[string]string{"summary": "claude-haiku-4-5"}}

	assert.Equal(t, "claude-haiku-4-5", StageModel(m, "summary"))
	assert.Equal(t, "claude-opus-4-6", StageModel(m, "verification"))
}
