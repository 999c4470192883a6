package deepthink

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thinkserver/cache"
	"thinkserver/config"
	"thinkserver/meter"
	"thinkserver/model"
	"thinkserver/ratelimit"
	"thinkserver/registry"
	"thinkserver/telemetry"
)

// fakeClient answers a judge prompt with a canned verdict and any other
// prompt with a fixed solution text, so a single instance can serve every
// DeepThink stage without a real provider.
type fakeClient struct {
	mu        sync.Mutex
	calls     int
	solution  string
	judgePass bool
	failUntil int // Complete fails on the first failUntil calls
}

func (f *fakeClient) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	if call <= f.failUntil {
		return nil, model.NewProviderError("anthropic", "Complete", 503, model.ProviderErrorKindServer, "overloaded", "provider overloaded", "", true, nil)
	}

	text := lastMessageText(req)
	if strings.Contains(text, "is_correct") {
		verdict := `{"is_correct": false, "reasoning": "arithmetic error", "errors": ["off by one"]}`
		if f.judgePass {
			verdict = `{"is_correct": true, "reasoning": "correct", "errors": []}`
		}
		return &model.Response{Content: []model.Message{textResponse(verdict)}}, nil
	}

	return &model.Response{
		Content: []model.Message{textResponse(f.solution)},
		Usage:   model.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}, nil
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

// memStore is a trivial in-memory cache.Store for tests that exercise the
// content/response-id cache paths without touching disk.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (s *memStore) Get(_ context.Context, namespace, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[namespace+":"+key]
	return v, ok, nil
}

func (s *memStore) Set(_ context.Context, namespace, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[namespace+":"+key] = value
	return nil
}

func (s *memStore) Delete(_ context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, namespace+":"+key)
	return nil
}

var _ cache.Store = (*memStore)(nil)

func newResolver(client *fakeClient, cfg config.ModelConfig, provider config.ProviderConfig) *registry.Resolver {
	provider.Models = []config.ModelConfig{cfg}
	return registry.New([]config.ProviderConfig{provider}, func(config.ProviderConfig) (model.Client, error) {
		return client, nil
	})
}

func baseModel() config.ModelConfig {
	return config.ModelConfig{
		ID: "deep-1", Provider: "anthropic", Underlying: "claude-opus-4-6",
		Level: config.LevelDeepThink, MaxIterations: 3, RequiredVerifications: 1, MaxErrors: 3,
	}
}

func baseProvider() config.ProviderConfig {
	return config.ProviderConfig{
		Name: "anthropic", Variant: config.VariantMessagesWithCacheControl,
		TimeoutSeconds: 30, MaxRetries: 2,
	}
}

func newEngine(resolver *registry.Resolver) *Engine {
	return New(resolver, ratelimit.NewRegistry(), nil, nil, meter.New(telemetry.NewNoopLogger(), nil, nil), telemetry.NewNoopLogger())
}

func TestRunBaseCaseReturnsVerifiedSolution(t *testing.T) {
	client := &fakeClient{solution: "The answer is 4.", judgePass: true}
	resolver := newResolver(client, baseModel(), baseProvider())
	engine := newEngine(resolver)

	result, err := engine.Run(context.Background(), Request{ModelID: "deep-1", Problem: "2 + 2 = ?"})
	require.NoError(t, err)
	assert.Contains(t, result.Solution, "4")
	assert.GreaterOrEqual(t, result.Verifications, 1)
	assert.LessOrEqual(t, result.Iterations, 3)
	assert.True(t, result.VerificationsMet)
}

func TestRunCorrectsOnFailingVerification(t *testing.T) {
	client := &fakeClient{solution: "The answer is 5.", judgePass: false}
	cfg := baseModel()
	cfg.MaxIterations = 2
	cfg.RequiredVerifications = 1
	resolver := newResolver(client, cfg, baseProvider())
	engine := newEngine(resolver)

	result, err := engine.Run(context.Background(), Request{ModelID: "deep-1", Problem: "2 + 2 = ?"})
	require.NoError(t, err)
	assert.False(t, result.VerificationsMet)
	assert.Equal(t, 2, result.Iterations)
}

func TestRunRejectsRequiredVerificationsAboveMaxIterations(t *testing.T) {
	client := &fakeClient{solution: "4", judgePass: true}
	cfg := baseModel()
	cfg.MaxIterations = 1
	cfg.RequiredVerifications = 2
	resolver := newResolver(client, cfg, baseProvider())
	engine := newEngine(resolver)

	_, err := engine.Run(context.Background(), Request{ModelID: "deep-1", Problem: "2 + 2 = ?"})
	require.Error(t, err)
}

func TestRunPropagatesUnknownModelAsNotFound(t *testing.T) {
	client := &fakeClient{solution: "4", judgePass: true}
	resolver := newResolver(client, baseModel(), baseProvider())
	engine := newEngine(resolver)

	_, err := engine.Run(context.Background(), Request{ModelID: "does-not-exist", Problem: "2 + 2 = ?"})
	require.Error(t, err)
}

func TestRunContentCacheHitSkipsProviderCall(t *testing.T) {
	// Every stage, including the parallel judge calls in runVerify, goes
	// through the same fold→fingerprint→cache pipeline. Each judge call is
	// fingerprinted with its own judge_index so the three votes stay
	// independent within one run, but an identical rerun of the whole
	// request — same problem, same candidate, same judge indices — hits the
	// content cache for every stage and re-issues no provider calls at all.
	client := &fakeClient{solution: "The answer is 4.", judgePass: true}
	resolver := newResolver(client, baseModel(), baseProvider())
	store := newMemStore()
	engine := New(resolver, ratelimit.NewRegistry(), nil, store, meter.New(telemetry.NewNoopLogger(), nil, nil), telemetry.NewNoopLogger())

	req := Request{ModelID: "deep-1", Problem: "2 + 2 = ?"}
	_, err := engine.Run(context.Background(), req)
	require.NoError(t, err)
	firstCalls := client.calls

	_, err = engine.Run(context.Background(), req)
	require.NoError(t, err)
	secondRunCalls := client.calls - firstCalls
	assert.Equal(t, 0, secondRunCalls, "second identical run should be served entirely from the content cache, including the judge votes")
}

func TestRunRetriesProviderErrorsUnderErrorBudget(t *testing.T) {
	client := &fakeClient{solution: "The answer is 4.", judgePass: true, failUntil: 1}
	cfg := baseModel()
	cfg.MaxErrors = 3
	resolver := newResolver(client, cfg, baseProvider())
	engine := newEngine(resolver)

	result, err := engine.Run(context.Background(), Request{ModelID: "deep-1", Problem: "2 + 2 = ?"})
	require.NoError(t, err)
	assert.Contains(t, result.Solution, "4")
}

func TestRunFailsWhenErrorBudgetExhausted(t *testing.T) {
	client := &fakeClient{solution: "The answer is 4.", judgePass: true, failUntil: 100}
	cfg := baseModel()
	cfg.MaxErrors = 2
	resolver := newResolver(client, cfg, baseProvider())
	engine := newEngine(resolver)

	_, err := engine.Run(context.Background(), Request{ModelID: "deep-1", Problem: "2 + 2 = ?"})
	require.Error(t, err)
}
