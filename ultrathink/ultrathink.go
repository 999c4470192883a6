// Package ultrathink implements a multi-agent planner: produce a high-level
// plan, configure N diverse DeepThink agents from a strict-JSON agent spec,
// fan them out bounded by parallel_run_agents, and synthesise their
// solutions into one answer.
package ultrathink

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/semaphore"

	"thinkserver/config"
	"thinkserver/deepthink"
	"thinkserver/errs"
	"thinkserver/meter"
	"thinkserver/model"
	"thinkserver/ratelimit"
	"thinkserver/registry"
	"thinkserver/telemetry"
)

const (
	StagePlanning    = "planning"
	StageAgentConfig = "agent_config"
	StageSynthesis   = "synthesis"
)

// Request is one UltraThink invocation.
type Request struct {
	// ModelID is the logical UltraThink model; its config supplies
	// num_agents and parallel_run_agents unless overridden below.
	ModelID string

	Problem string

	// Overrides; zero means "use the resolved model's configured value".
	NumAgents             int
	ParallelRunAgents     int
	MaxIterations         int
	RequiredVerifications int
	MaxErrors             int
	RateLimitStrategy     config.RateLimitStrategy
}

// AgentSpec is one entry of the AGENT_CONFIG stage's strict-JSON output.
type AgentSpec struct {
	SystemPrompt  string  `json:"system_prompt"`
	Temperature   float32 `json:"temperature"`
	ModelOverride string  `json:"model_override,omitempty"`
	Seed          int     `json:"seed,omitempty"`
}

// AgentResult is one DeepThink worker's outcome, always present even when
// the worker failed (in which case Err is set and the solution fields are
// empty) — siblings are never cancelled by one agent's failure.
type AgentResult struct {
	AgentID string

	FinalSolution    string
	Reasoning        string
	Iterations       int
	Verifications    int
	VerificationsMet bool
	TokenUsage       model.TokenUsage
	StageUsage       map[meter.ProviderModel]model.TokenUsage

	Err string

	index int
}

// Result is the outcome of one UltraThink run. StageUsage breaks TokenUsage
// down by the (provider, model) pair each stage and agent actually
// dispatched to: StageModels can route planning/synthesis/summary to a model
// other than the run's primary underlying one, and an individual agent spec
// can override its model entirely via ModelOverride.
type Result struct {
	Plan         string
	AgentResults []AgentResult
	Synthesis    string
	Summary      string
	TokenUsage   model.TokenUsage
	StageUsage   map[meter.ProviderModel]model.TokenUsage
}

// Engine runs the PLAN → AGENT_CONFIG → FAN_OUT → SYNTHESISE → SUMMARISE
// pipeline against a shared set of process-wide collaborators.
type Engine struct {
	resolver *registry.Resolver
	limiter  *ratelimit.Registry
	dt       *deepthink.Engine
	logger   telemetry.Logger

	// schemaMu guards agentSchemas, the per-numAgents compiled-schema cache
	// parseAgentConfig reuses across calls instead of recompiling the same
	// shape on every AGENT_CONFIG stage.
	schemaMu     sync.Mutex
	agentSchemas map[int]*jsonschema.Schema
}

// New constructs an Engine. dt is the DeepThink engine used both for the
// framing single-call stages (via its exported Dispatch) and for spawning
// the fan-out workers; it should share its resolver/limiter/folder/store/
// meter with this Engine's resolver and limiter.
func New(resolver *registry.Resolver, limiter *ratelimit.Registry, dt *deepthink.Engine, logger telemetry.Logger) *Engine {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Engine{resolver: resolver, limiter: limiter, dt: dt, logger: logger, agentSchemas: make(map[int]*jsonschema.Schema)}
}

// Run executes the UltraThink pipeline for req.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	resolution, err := e.resolver.Resolve(req.ModelID)
	if err != nil {
		return nil, err
	}
	cfg := resolution.Model

	numAgents := orDefault(req.NumAgents, cfg.NumAgents)
	parallelRunAgents := orDefault(req.ParallelRunAgents, cfg.ParallelRunAgents)
	if numAgents <= 0 {
		return nil, errs.New(errs.InvalidRequest, "num_agents must be positive")
	}
	if parallelRunAgents <= 0 {
		parallelRunAgents = numAgents
	}

	var usage model.TokenUsage
	stageUsage := make(map[meter.ProviderModel]model.TokenUsage)
	record := func(stage string, u model.TokenUsage) {
		usage = addUsage(usage, u)
		pm := meter.ProviderModel{Provider: resolution.Provider.Name, Model: registry.StageModel(cfg, stage)}
		stageUsage[pm] = addUsage(stageUsage[pm], u)
	}

	plan, planUsage, err := e.runFraming(ctx, resolution, StagePlanning, planHistory(req.Problem), req.RateLimitStrategy)
	if err != nil {
		return nil, fmt.Errorf("ultrathink: plan stage: %w", err)
	}
	record(StagePlanning, planUsage)

	specs, specUsage, err := e.configureAgents(ctx, resolution, req, plan, numAgents)
	if err != nil {
		return nil, err
	}
	record(StageAgentConfig, specUsage)

	agentResults := e.fanOut(ctx, req, plan, specs, parallelRunAgents)
	sort.Slice(agentResults, func(i, j int) bool { return agentResults[i].index < agentResults[j].index })
	for _, r := range agentResults {
		usage = addUsage(usage, r.TokenUsage)
		for pm, u := range r.StageUsage {
			stageUsage[pm] = addUsage(stageUsage[pm], u)
		}
	}

	synthesis, synthUsage, err := e.runFraming(ctx, resolution, StageSynthesis, synthesisHistory(plan, req.Problem, agentResults), req.RateLimitStrategy)
	if err != nil {
		return nil, fmt.Errorf("ultrathink: synthesis stage: %w", err)
	}
	record(StageSynthesis, synthUsage)

	summary, summaryUsage, err := e.runFraming(ctx, resolution, deepthink.StageSummary, summaryHistory(synthesis), req.RateLimitStrategy)
	if err != nil {
		e.logger.Warn(ctx, "ultrathink: summary stage failed, returning synthesis verbatim", "error", err)
		summary = synthesis
	} else {
		record(deepthink.StageSummary, summaryUsage)
	}

	return &Result{
		Plan:         plan,
		AgentResults: agentResults,
		Synthesis:    synthesis,
		Summary:      summary,
		TokenUsage:   usage,
		StageUsage:   stageUsage,
	}, nil
}

// runFraming issues one single-shot framing call (plan, synthesis, summary)
// through the DeepThink engine's shared dispatch pipeline — no DeepThink
// loop, no error budget beyond the provider's own max_retries.
func (e *Engine) runFraming(ctx context.Context, resolution *registry.Resolution, stage string, history []*model.Message, strategy config.RateLimitStrategy) (string, model.TokenUsage, error) {
	text, usage, _, err := e.dt.Dispatch(ctx, resolution, stage, history, 0, strategy)
	return text, usage, err
}

// configureAgents runs the AGENT_CONFIG stage and strictly validates its
// output against a JSON schema requiring exactly numAgents entries; any
// parse or schema failure fails the whole run (the agent_config contract).
func (e *Engine) configureAgents(ctx context.Context, resolution *registry.Resolution, req Request, plan string, numAgents int) ([]AgentSpec, model.TokenUsage, error) {
	text, usage, err := e.runFraming(ctx, resolution, StageAgentConfig, agentConfigHistory(plan, req.Problem, numAgents), req.RateLimitStrategy)
	if err != nil {
		return nil, model.TokenUsage{}, fmt.Errorf("ultrathink: agent_config stage: %w", err)
	}

	specs, err := e.parseAgentConfig(text, numAgents)
	if err != nil {
		return nil, model.TokenUsage{}, errs.Wrap(errs.InvalidRequest, "agent_config output failed strict validation", err)
	}
	return specs, usage, nil
}

// fanOut spawns one DeepThink worker per spec, bounded to parallelRunAgents
// concurrent outbound calls. A worker's failure is recorded on its own
// AgentResult and does not cancel its siblings.
func (e *Engine) fanOut(ctx context.Context, req Request, plan string, specs []AgentSpec, parallelRunAgents int) []AgentResult {
	sem := semaphore.NewWeighted(int64(parallelRunAgents))
	results := make([]AgentResult, len(specs))
	var wg sync.WaitGroup

	for i, spec := range specs {
		wg.Add(1)
		go func(i int, spec AgentSpec) {
			defer wg.Done()
			agentID := fmt.Sprintf("agent-%02d", i+1)
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = AgentResult{AgentID: agentID, Err: err.Error(), index: i}
				return
			}
			defer sem.Release(1)

			modelID := req.ModelID
			if spec.ModelOverride != "" {
				modelID = spec.ModelOverride
			}
			dtReq := deepthink.Request{
				ModelID:               modelID,
				Problem:               req.Problem,
				Knowledge:             plan,
				SystemPrompt:          spec.SystemPrompt,
				Temperature:           spec.Temperature,
				AgentID:               agentID,
				MaxIterations:         req.MaxIterations,
				RequiredVerifications: req.RequiredVerifications,
				MaxErrors:             req.MaxErrors,
				RateLimitStrategy:     req.RateLimitStrategy,
			}
			res, err := e.dt.Run(ctx, dtReq)
			if err != nil {
				results[i] = AgentResult{AgentID: agentID, Err: err.Error(), index: i}
				return
			}
			results[i] = AgentResult{
				AgentID:          agentID,
				FinalSolution:    res.Solution,
				Reasoning:        res.Reasoning,
				Iterations:       res.Iterations,
				Verifications:    res.Verifications,
				VerificationsMet: res.VerificationsMet,
				TokenUsage:       res.TokenUsage,
				StageUsage:       res.StageUsage,
				index:            i,
			}
		}(i, spec)
	}

	wg.Wait()
	return results
}

func orDefault(override, fallback int) int {
	if override > 0 {
		return override
	}
	return fallback
}

func addUsage(acc, next model.TokenUsage) model.TokenUsage {
	return model.TokenUsage{
		InputTokens:      acc.InputTokens + next.InputTokens,
		OutputTokens:     acc.OutputTokens + next.OutputTokens,
		TotalTokens:      acc.TotalTokens + next.TotalTokens,
		CacheReadTokens:  acc.CacheReadTokens + next.CacheReadTokens,
		CacheWriteTokens: acc.CacheWriteTokens + next.CacheWriteTokens,
		ReasoningTokens:  acc.ReasoningTokens + next.ReasoningTokens,
	}
}

func planHistory(problem string) []*model.Message {
	return []*model.Message{
		userMessage("Produce a concise high-level plan for solving the following problem. " +
			"Do not solve it yet, only outline the approach.\n\nProblem:\n" + problem),
	}
}

func agentConfigHistory(plan, problem string, numAgents int) []*model.Message {
	prompt := fmt.Sprintf(
		"Given the plan and problem below, produce exactly %d diverse agent configurations "+
			"as a single JSON array of the form "+
			`[{"system_prompt": string, "temperature": number, "model_override": string, "seed": integer},...]`+
			" and nothing else. Each agent should take a distinct angle on the problem.\n\n"+
			"Plan:\n%s\n\nProblem:\n%s", numAgents, plan, problem)
	return []*model.Message{userMessage(prompt)}
}

func synthesisHistory(plan, problem string, results []AgentResult) []*model.Message {
	text := "Synthesise a single unified answer from the plan, problem, and the agent solutions below.\n\n" +
		"Plan:\n" + plan + "\n\nProblem:\n" + problem + "\n\nAgent solutions:\n"
	for _, r := range results {
		if r.Err != "" {
			text += fmt.Sprintf("- %s: failed (%s)\n", r.AgentID, r.Err)
			continue
		}
		text += fmt.Sprintf("- %s: %s\n", r.AgentID, r.FinalSolution)
	}
	return []*model.Message{userMessage(text)}
}

func summaryHistory(synthesis string) []*model.Message {
	return []*model.Message{userMessage("Provide a concise final answer based on the synthesis below.\n\n" + synthesis)}
}

func userMessage(text string) *model.Message {
	return &model.Message{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: text}}}
}

// agentConfigSchemaFor returns the compiled schema requiring exactly n
// well-shaped agent config objects, compiling and caching it on first use
// per n so repeated AGENT_CONFIG stages at the same num_agents don't pay
// compilation cost on every call.
func (e *Engine) agentConfigSchemaFor(n int) (*jsonschema.Schema, error) {
	e.schemaMu.Lock()
	defer e.schemaMu.Unlock()

	if schema, ok := e.agentSchemas[n]; ok {
		return schema, nil
	}

	schemaJSON := fmt.Sprintf(`{
		"type": "array",
		"minItems": %d,
		"maxItems": %d,
		"items": {
			"type": "object",
			"required": ["system_prompt", "temperature"],
			"properties": {
				"system_prompt": {"type": "string", "minLength": 1},
				"temperature": {"type": "number"},
				"model_override": {"type": "string"},
				"seed": {"type": "integer"}
			},
			"additionalProperties": false
		}
	}`, n, n)

	var schemaDoc any
	if err := json.Unmarshal([]byte(schemaJSON), &schemaDoc); err != nil {
		return nil, fmt.Errorf("ultrathink: internal agent_config schema: %w", err)
	}

	resourceName := fmt.Sprintf("agent_config_%d.json", n)
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceName, schemaDoc); err != nil {
		return nil, fmt.Errorf("ultrathink: compile agent_config schema: %w", err)
	}
	schema, err := c.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("ultrathink: compile agent_config schema: %w", err)
	}
	e.agentSchemas[n] = schema
	return schema, nil
}

// parseAgentConfig strictly validates text against the cached schema for n
// well-shaped agent config objects, then unmarshals it. Any schema or parse
// failure is returned verbatim — there is no fallback shape.
func (e *Engine) parseAgentConfig(text string, n int) ([]AgentSpec, error) {
	schema, err := e.agentConfigSchemaFor(n)
	if err != nil {
		return nil, err
	}

	var payloadDoc any
	if err := json.Unmarshal([]byte(text), &payloadDoc); err != nil {
		return nil, fmt.Errorf("ultrathink: agent_config output is not valid JSON: %w", err)
	}
	if err := schema.Validate(payloadDoc); err != nil {
		return nil, fmt.Errorf("ultrathink: agent_config output failed schema validation: %w", err)
	}

	var specs []AgentSpec
	if err := json.Unmarshal([]byte(text), &specs); err != nil {
		return nil, fmt.Errorf("ultrathink: agent_config output did not decode: %w", err)
	}
	return specs, nil
}
