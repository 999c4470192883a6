package engine

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thinkserver/config"
	"thinkserver/deepthink"
	"thinkserver/meter"
	"thinkserver/model"
	"thinkserver/ratelimit"
	"thinkserver/registry"
	"thinkserver/telemetry"
	"thinkserver/ultrathink"
)

// fakeClient answers a judge prompt with a canned passing verdict, an
// agent_config prompt with a single-entry agent spec array, and any other
// prompt with a fixed solution, so one instance can drive the whole facade
// without a real provider.
type fakeClient struct {
	mu         sync.Mutex
	calls      int
	solution   string
	responseID string
}

func (f *fakeClient) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	text := lastMessageText(req)
	switch {
	case strings.Contains(text, "is_correct"):
		return &model.Response{Content: []model.Message{textResponse(`{"is_correct": true, "reasoning": "ok", "errors": []}`)}}, nil
	case strings.Contains(text, "diverse agent configurations"):
		spec := `[{"system_prompt": "solve directly", "temperature": 0.2}]`
		return &model.Response{Content: []model.Message{textResponse(spec)}}, nil
	default:
		return &model.Response{
			Content:    []model.Message{textResponse(f.solution)},
			Usage:      model.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
			ResponseID: f.responseID,
		}, nil
	}
}

func (f *fakeClient) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func lastMessageText(req *model.Request) string {
	if len(req.Messages) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range req.Messages[len(req.Messages)-1].Parts {
		if t, ok := p.(model.TextPart); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

func textResponse(text string) model.Message {
	return model.Message{Role: model.ConversationRoleAssistant, Parts: []model.Part{model.TextPart{Text: text}}}
}

// failThenSucceedClient fails the first failUntil calls with a retryable
// provider error, then answers like fakeClient. calls counts every attempt,
// failed or not, exactly once.
type failThenSucceedClient struct {
	mu        sync.Mutex
	calls     int
	solution  string
	failUntil int
}

func (f *failThenSucceedClient) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	if call <= f.failUntil {
		return nil, model.NewProviderError("anthropic", "Complete", 503, model.ProviderErrorKindServer, "overloaded", "provider overloaded", "", true, nil)
	}
	return &model.Response{
		Content: []model.Message{textResponse(f.solution)},
		Usage:   model.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}, nil
}

func (f *failThenSucceedClient) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func chatModel() config.ModelConfig {
	return config.ModelConfig{
		ID: "chat-1", Provider: "anthropic", Underlying: "claude-opus-4-6",
		Level: config.LevelDeepThink, MaxIterations: 3, RequiredVerifications: 1, MaxErrors: 3,
	}
}

func responsesModel(supports bool) (config.ModelConfig, config.ProviderConfig) {
	m := config.ModelConfig{
		ID: "resp-1", Provider: "openai", Underlying: "gpt-5.2",
		Level: config.LevelDeepThink, MaxIterations: 3, RequiredVerifications: 1, MaxErrors: 3,
	}
	p := config.ProviderConfig{
		Name: "openai", Variant: config.VariantResponses, SupportsResponses: supports,
		TimeoutSeconds: 30, MaxRetries: 2,
	}
	return m, p
}

func anthropicProvider() config.ProviderConfig {
	return config.ProviderConfig{
		Name: "anthropic", Variant: config.VariantMessagesWithCacheControl,
		TimeoutSeconds: 30, MaxRetries: 2,
	}
}

func deepThinkModel() config.ModelConfig {
	return config.ModelConfig{
		ID: "deep-1", Provider: "anthropic", Underlying: "claude-opus-4-6",
		Level: config.LevelDeepThink, MaxIterations: 2, RequiredVerifications: 1, MaxErrors: 2,
	}
}

func ultraThinkModel() config.ModelConfig {
	return config.ModelConfig{
		ID: "ultra-1", Provider: "anthropic", Underlying: "claude-opus-4-6",
		Level: config.LevelUltraThink, MaxIterations: 1, RequiredVerifications: 1, MaxErrors: 1,
		NumAgents: 1, ParallelRunAgents: 1,
	}
}

// newTestEngine assembles an Engine directly from its collaborators, the
// same way the out-of-scope bootstrap layer would after calling New, except
// the resolver's client factory is a test double rather than buildClient.
func newTestEngine(client model.Client, provider config.ProviderConfig, models ...config.ModelConfig) *Engine {
	provider.Models = models
	resolver := registry.New([]config.ProviderConfig{provider}, func(config.ProviderConfig) (model.Client, error) {
		return client, nil
	})
	limiter := ratelimit.NewRegistry()
	logger := telemetry.NewNoopLogger()
	m := meter.New(logger, nil, nil)
	dt := deepthink.New(resolver, limiter, nil, nil, m, logger)
	ut := ultrathink.New(resolver, limiter, dt, logger)

	return &Engine{
		resolver: resolver,
		limiter:  limiter,
		meter:    m,
		pricing:  nil,
		logger:   logger,
		dt:       dt,
		ut:       ut,
	}
}

func TestResolveReturnsProviderAndUnderlying(t *testing.T) {
	e := newTestEngine(&fakeClient{solution: "4"}, anthropicProvider(), chatModel())

	provider, underlying, err := e.Resolve("chat-1")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", provider)
	assert.Equal(t, "claude-opus-4-6", underlying)
}

func TestResolvePropagatesUnknownModelAsNotFound(t *testing.T) {
	e := newTestEngine(&fakeClient{solution: "4"}, anthropicProvider(), chatModel())

	_, _, err := e.Resolve("does-not-exist")
	require.Error(t, err)
}

func TestChatCompletionReturnsTextAndMeters(t *testing.T) {
	client := &fakeClient{solution: "The answer is 4."}
	e := newTestEngine(client, anthropicProvider(), chatModel())

	text, usage, err := e.ChatCompletion(context.Background(), "chat-1", []*model.Message{
		{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: "2 + 2 = ?"}}},
	}, CallParams{})
	require.NoError(t, err)
	assert.Equal(t, "The answer is 4.", text)
	assert.Equal(t, 15, usage.TotalTokens)
	assert.Equal(t, 1, client.calls)
}

func TestChatCompletionRetriesRetryableProviderErrorUnderMaxRetries(t *testing.T) {
	client := &failThenSucceedClient{solution: "4", failUntil: 1}
	provider := anthropicProvider()
	provider.MaxRetries = 2
	e := newTestEngine(client, provider, chatModel())

	text, _, err := e.ChatCompletion(context.Background(), "chat-1", []*model.Message{
		{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: "2 + 2 = ?"}}},
	}, CallParams{})
	require.NoError(t, err)
	assert.Equal(t, "4", text)
	assert.Equal(t, 2, client.calls)
}

func TestChatCompletionFailsWhenRetriesExhausted(t *testing.T) {
	client := &failThenSucceedClient{solution: "4", failUntil: 100}
	provider := anthropicProvider()
	provider.MaxRetries = 1
	e := newTestEngine(client, provider, chatModel())

	_, _, err := e.ChatCompletion(context.Background(), "chat-1", []*model.Message{
		{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: "2 + 2 = ?"}}},
	}, CallParams{})
	require.Error(t, err)
	assert.Equal(t, 2, client.calls, "one initial attempt plus one retry, both failing")
}

func TestResponsesCallEmulatesThroughChatCompletionWhenUnsupported(t *testing.T) {
	m, p := responsesModel(false)
	client := &fakeClient{solution: "4", responseID: "resp_should_not_surface"}
	e := newTestEngine(client, p, m)

	text, responseID, _, err := e.ResponsesCall(context.Background(), "resp-1", []*model.Message{
		{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: "2 + 2 = ?"}}},
	}, CallParams{}, true, "")
	require.NoError(t, err)
	assert.Equal(t, "4", text)
	assert.Empty(t, responseID, "emulated path never surfaces a response id")
}

func TestResponsesCallUsesNativePathWhenSupported(t *testing.T) {
	m, p := responsesModel(true)
	client := &fakeClient{solution: "4", responseID: "resp_abc123"}
	e := newTestEngine(client, p, m)

	text, responseID, _, err := e.ResponsesCall(context.Background(), "resp-1", []*model.Message{
		{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: "2 + 2 = ?"}}},
	}, CallParams{}, true, "")
	require.NoError(t, err)
	assert.Equal(t, "4", text)
	assert.Equal(t, "resp_abc123", responseID)
}

func TestRunDeepThinkComputesEstimatedCost(t *testing.T) {
	client := &fakeClient{solution: "The answer is 4."}
	e := newTestEngine(client, anthropicProvider(), deepThinkModel())
	e.pricing = config.PricingTable{
		"anthropic": {
			"claude-opus-4-6": config.PricingEntry{Prompt: 0.001, Completion: 0.002},
		},
	}

	outcome, err := e.RunDeepThink(context.Background(), "deep-1", "2 + 2 = ?", DeepThinkOverrides{})
	require.NoError(t, err)
	assert.Contains(t, outcome.Solution, "4")
	assert.True(t, outcome.VerificationsMet)
	assert.Greater(t, outcome.EstimatedCost, 0.0)
}

func TestRunDeepThinkPropagatesUnknownModel(t *testing.T) {
	client := &fakeClient{solution: "4"}
	e := newTestEngine(client, anthropicProvider(), deepThinkModel())

	_, err := e.RunDeepThink(context.Background(), "does-not-exist", "2 + 2 = ?", DeepThinkOverrides{})
	require.Error(t, err)
}

func TestRunUltraThinkFansOutAndSynthesizes(t *testing.T) {
	client := &fakeClient{solution: "The answer is 4."}
	e := newTestEngine(client, anthropicProvider(), ultraThinkModel())
	e.pricing = config.PricingTable{
		"anthropic": {
			"claude-opus-4-6": config.PricingEntry{Prompt: 0.001, Completion: 0.002},
		},
	}

	outcome, err := e.RunUltraThink(context.Background(), "ultra-1", "2 + 2 = ?", UltraThinkOverrides{})
	require.NoError(t, err)
	require.Len(t, outcome.AgentResults, 1)
	assert.Empty(t, outcome.AgentResults[0].Err)
	assert.NotEmpty(t, outcome.Synthesis)
	assert.Greater(t, outcome.EstimatedCost, 0.0)
}

func TestRunUltraThinkRejectsNonPositiveNumAgents(t *testing.T) {
	client := &fakeClient{solution: "4"}
	cfg := ultraThinkModel()
	cfg.NumAgents = 0
	e := newTestEngine(client, anthropicProvider(), cfg)

	_, err := e.RunUltraThink(context.Background(), "ultra-1", "2 + 2 = ?", UltraThinkOverrides{})
	require.Error(t, err)
}
