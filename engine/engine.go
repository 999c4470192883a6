// Package engine exposes the single facade the out-of-scope HTTP layer
// depends on: exactly five functions, Resolve, ChatCompletion,
// ResponsesCall, RunDeepThink, and RunUltraThink. It is the seam between
// the reasoning core and everything external to this module (HTTP
// routing, YAML loading, CORS/API-key middleware).
package engine

import (
	"context"
	"fmt"

	"thinkserver/cache"
	"thinkserver/config"
	"thinkserver/deepthink"
	"thinkserver/errs"
	"thinkserver/memory"
	"thinkserver/meter"
	"thinkserver/model"
	"thinkserver/ratelimit"
	"thinkserver/registry"
	"thinkserver/telemetry"
	"thinkserver/ultrathink"
)

// Engine is the process-wide facade over every reasoning component. One
// Engine instance is built from one validated config.EngineConfig and then
// shared across all concurrent requests; its resolver memoises one provider
// client per provider name.
type Engine struct {
	resolver *registry.Resolver
	limiter  *ratelimit.Registry
	meter    *meter.Meter
	store    cache.Store
	pricing  config.PricingTable
	logger   telemetry.Logger

	dt *deepthink.Engine
	ut *ultrathink.Engine
}

// New validates cfg, builds a resolver that constructs each provider client
// lazily on its first Resolve (only the distill model's client, when memory
// folding is configured, is built here), and wires the shared collaborators (cache store, rate limiter, meter, memory
// folder) into a DeepThink engine and the UltraThink engine built on top of
// it. logger, metrics, and tracer may be nil, in which case no-op
// implementations are used; the out-of-scope bootstrap layer wires the real
// ones (e.g. telemetry.NewRuntimeTelemetry) in production.
func New(cfg config.EngineConfig, logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	var store cache.Store
	if cfg.CacheRoot != "" {
		diskStore, err := cache.NewDiskStore(cfg.CacheRoot)
		if err != nil {
			return nil, fmt.Errorf("engine: build disk cache store: %w", err)
		}
		store = diskStore
	}

	resolver := registry.New(cfg.Providers, buildClient)
	limiter := ratelimit.NewRegistry()
	m := meter.New(logger, metrics, tracer)

	folder, err := buildFolder(resolver, cfg.MemoryFolding, store, logger)
	if err != nil {
		return nil, err
	}

	dt := deepthink.New(resolver, limiter, folder, store, m, logger)
	ut := ultrathink.New(resolver, limiter, dt, logger)

	return &Engine{
		resolver: resolver,
		limiter:  limiter,
		meter:    m,
		store:    store,
		pricing:  cfg.Pricing,
		logger:   logger,
		dt:       dt,
		ut:       ut,
	}, nil
}

// buildFolder resolves the configured distill model into a client and wraps
// it in a memory.Folder. An empty DistillModel disables folding entirely
// (DeepThink/UltraThink both treat a nil folder as "pass history through
// unfolded").
func buildFolder(resolver *registry.Resolver, cfg config.MemoryFoldingConfig, store cache.Store, logger telemetry.Logger) (*memory.Folder, error) {
	if cfg.DistillModel == "" {
		return nil, nil
	}
	resolution, err := resolver.Resolve(cfg.DistillModel)
	if err != nil {
		return nil, fmt.Errorf("engine: resolve memory_folding.distill_model: %w", err)
	}
	cfg.DistillModel = resolution.Underlying
	return memory.NewFolder(cfg, store, resolution.Client, logger), nil
}

// CallParams carries the request-shaping overrides common to
// ChatCompletion and ResponsesCall.
type CallParams struct {
	Temperature       float32
	MaxTokens         int
	Thinking          *model.ThinkingOptions
	RateLimitStrategy config.RateLimitStrategy
}

// Resolve maps a logical model id to its provider instance and underlying
// model name.
func (e *Engine) Resolve(modelID string) (provider string, underlying string, err error) {
	resolution, err := e.resolver.Resolve(modelID)
	if err != nil {
		return "", "", err
	}
	return resolution.Provider.Name, resolution.Underlying, nil
}

// ChatCompletion is a thin, gated pass-through: it resolves modelID, admits
// the call through that model's rate-limit bucket, retries retryable
// provider errors up to the provider's configured max_retries, and meters
// the result. It does not fold history or consult the prefix cache — those
// are DeepThink/UltraThink-specific optimizations over a multi-stage loop,
// not part of a single explicit call the caller already fully specifies.
func (e *Engine) ChatCompletion(ctx context.Context, modelID string, messages []*model.Message, params CallParams) (string, model.TokenUsage, error) {
	resolution, err := e.resolver.Resolve(modelID)
	if err != nil {
		return "", model.TokenUsage{}, err
	}

	req := &model.Request{
		Model:       resolution.Underlying,
		Messages:    messages,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
		Thinking:    params.Thinking,
	}

	text, usage, err := e.dispatchOnce(ctx, resolution, req, params.RateLimitStrategy)
	if err != nil {
		return "", model.TokenUsage{}, err
	}
	return text, usage, nil
}

// ResponsesCall is the Responses-API pass-through. When the resolved
// provider does not support server-side chaining, it emulates the call
// through ChatCompletion instead and returns an empty response id.
func (e *Engine) ResponsesCall(ctx context.Context, modelID string, input []*model.Message, params CallParams, store bool, previousResponseID string) (text string, responseID string, usage model.TokenUsage, err error) {
	resolution, err := e.resolver.Resolve(modelID)
	if err != nil {
		return "", "", model.TokenUsage{}, err
	}

	if !resolution.Provider.SupportsResponses {
		text, usage, err = e.ChatCompletion(ctx, modelID, input, params)
		return text, "", usage, err
	}

	req := &model.Request{
		Model:              resolution.Underlying,
		Messages:           input,
		Temperature:        params.Temperature,
		MaxTokens:          params.MaxTokens,
		Thinking:           params.Thinking,
		PreviousResponseID: previousResponseID,
		Store:              &store,
	}

	resp, err := e.dispatchOnceFull(ctx, resolution, req, params.RateLimitStrategy)
	if err != nil {
		return "", "", model.TokenUsage{}, err
	}
	return responseText(resp), resp.ResponseID, resp.Usage, nil
}

// dispatchOnce runs the rate-limit/retry/classify/meter dance for one call
// and returns only its text and usage.
func (e *Engine) dispatchOnce(ctx context.Context, resolution *registry.Resolution, req *model.Request, strategy config.RateLimitStrategy) (string, model.TokenUsage, error) {
	resp, err := e.dispatchOnceFull(ctx, resolution, req, strategy)
	if err != nil {
		return "", model.TokenUsage{}, err
	}
	return responseText(resp), resp.Usage, nil
}

// dispatchOnceFull is shared by ChatCompletion and ResponsesCall: it admits
// the call through the model's bucket, retries retryable provider errors up
// to the provider's max_retries, and meters the usage of whichever attempt
// finally succeeds.
func (e *Engine) dispatchOnceFull(ctx context.Context, resolution *registry.Resolution, req *model.Request, strategy config.RateLimitStrategy) (*model.Response, error) {
	key := ratelimit.Key(resolution.Provider.Name, resolution.Underlying)
	bucket := e.limiter.GetOrCreate(key, func() *ratelimit.Bucket {
		return ratelimit.NewBucket(resolution.Model.RateLimit, resolution.Model.RPM)
	})

	var lastErr error
	maxRetries := resolution.Provider.MaxRetries
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := bucket.Acquire(ctx, strategy); err != nil {
			return nil, err
		}

		resp, err := resolution.Client.Complete(ctx, req)
		if err != nil {
			classified := errs.Classify(resolution.Provider.Name, err)
			lastErr = classified
			if classified.Retryable() && attempt < maxRetries {
				e.logger.Warn(ctx, "engine: retryable provider error", "provider", resolution.Provider.Name, "attempt", attempt, "error", classified)
				continue
			}
			return nil, classified
		}

		e.meter.Record(resolution.Provider.Name, resolution.Underlying, resp.Usage)
		return resp, nil
	}
	return nil, lastErr
}

func responseText(resp *model.Response) string {
	var out string
	for _, msg := range resp.Content {
		for _, p := range msg.Parts {
			if t, ok := p.(model.TextPart); ok {
				out += t.Text
			}
		}
	}
	return out
}

// DeepThinkOverrides mirrors deepthink.Request's optional fields; zero
// values mean "use the resolved model's configured default".
type DeepThinkOverrides struct {
	MaxIterations         int
	RequiredVerifications int
	MaxErrors             int
	Temperature           float32
	SystemPrompt          string
	Knowledge             string
	RateLimitStrategy     config.RateLimitStrategy
}

// DeepThinkOutcome is the run_deepthink return shape: {solution,
// iterations, verifications, token_usage, estimated_cost}.
type DeepThinkOutcome struct {
	Solution         string
	Reasoning        string
	Iterations       int
	Verifications    int
	VerificationsMet bool
	Errors           []string
	Folding          memory.Stats
	TokenUsage       model.TokenUsage
	EstimatedCost    float64
}

// RunDeepThink runs the single-agent explore/verify/correct loop for
// modelID against problem.
func (e *Engine) RunDeepThink(ctx context.Context, modelID, problem string, overrides DeepThinkOverrides) (*DeepThinkOutcome, error) {
	result, err := e.dt.Run(ctx, deepthink.Request{
		ModelID:               modelID,
		Problem:               problem,
		Knowledge:             overrides.Knowledge,
		SystemPrompt:          overrides.SystemPrompt,
		Temperature:           overrides.Temperature,
		MaxIterations:         overrides.MaxIterations,
		RequiredVerifications: overrides.RequiredVerifications,
		MaxErrors:             overrides.MaxErrors,
		RateLimitStrategy:     overrides.RateLimitStrategy,
	})
	if err != nil {
		return nil, err
	}

	cost := meter.EstimateStageCost(result.StageUsage, e.pricing)

	return &DeepThinkOutcome{
		Solution:         result.Solution,
		Reasoning:        result.Reasoning,
		Iterations:       result.Iterations,
		Verifications:    result.Verifications,
		VerificationsMet: result.VerificationsMet,
		Errors:           result.Errors,
		Folding:          result.Folding,
		TokenUsage:       result.TokenUsage,
		EstimatedCost:    cost,
	}, nil
}

// UltraThinkOverrides mirrors ultrathink.Request's optional fields; zero
// values mean "use the resolved model's configured default".
type UltraThinkOverrides struct {
	NumAgents             int
	ParallelRunAgents     int
	MaxIterations         int
	RequiredVerifications int
	MaxErrors             int
	RateLimitStrategy     config.RateLimitStrategy
}

// UltraThinkOutcome is the run_ultrathink return shape: {summary, plan,
// agent_results[], synthesis, token_usage, estimated_cost}.
type UltraThinkOutcome struct {
	Summary       string
	Plan          string
	AgentResults  []ultrathink.AgentResult
	Synthesis     string
	TokenUsage    model.TokenUsage
	EstimatedCost float64
}

// RunUltraThink runs the plan/fan-out/synthesize pipeline for modelID
// against problem.
func (e *Engine) RunUltraThink(ctx context.Context, modelID, problem string, overrides UltraThinkOverrides) (*UltraThinkOutcome, error) {
	result, err := e.ut.Run(ctx, ultrathink.Request{
		ModelID:               modelID,
		Problem:               problem,
		NumAgents:             overrides.NumAgents,
		ParallelRunAgents:     overrides.ParallelRunAgents,
		MaxIterations:         overrides.MaxIterations,
		RequiredVerifications: overrides.RequiredVerifications,
		MaxErrors:             overrides.MaxErrors,
		RateLimitStrategy:     overrides.RateLimitStrategy,
	})
	if err != nil {
		return nil, err
	}

	cost := meter.EstimateStageCost(result.StageUsage, e.pricing)

	return &UltraThinkOutcome{
		Summary:       result.Summary,
		Plan:          result.Plan,
		AgentResults:  result.AgentResults,
		Synthesis:     result.Synthesis,
		TokenUsage:    result.TokenUsage,
		EstimatedCost: cost,
	}, nil
}
