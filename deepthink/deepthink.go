// Package deepthink implements a single-agent explore/verify/correct loop:
// generate an initial candidate, verify it with an LLM judge (optionally
// fanned out to several parallel judges), correct on failure, and repeat
// until enough consecutive verifications pass or the iteration/error
// budget runs out.
package deepthink

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"thinkserver/cache"
	"thinkserver/config"
	"thinkserver/errs"
	"thinkserver/memory"
	"thinkserver/meter"
	"thinkserver/model"
	"thinkserver/ratelimit"
	"thinkserver/registry"
	"thinkserver/telemetry"
	"thinkserver/verify"
)

// Stage names match config.ModelConfig.StageModels keys, so a model's
// stage_models map routes each call to the right underlying model.
const (
	StageInitial      = "initial"
	StageVerification = "verification"
	StageCorrection   = "correction"
	StageSummary      = "summary"
)

// parallelJudges is how many independent judge votes the verification stage
// fans out to; passing requires a majority.
const parallelJudges = 3

// Request is one DeepThink invocation.
type Request struct {
	// ModelID is the logical model id the registry resolves.
	ModelID string

	// Problem is the natural-language problem to solve.
	Problem string

	// Knowledge is shared context an UltraThink run seeds its workers
	// with (the plan). Empty for a standalone DeepThink call.
	Knowledge string

	// SystemPrompt overrides the default system instruction when set.
	SystemPrompt string

	Temperature float32

	// AgentID tags the result for UltraThink fan-out traceability; empty
	// for a standalone run.
	AgentID string

	// Overrides; zero means "use the resolved model's configured value".
	MaxIterations         int
	RequiredVerifications int
	MaxErrors             int
	RateLimitStrategy     config.RateLimitStrategy
}

// Result is the outcome of one DeepThink run.
type Result struct {
	AgentID string

	Solution  string
	Reasoning string

	Iterations       int
	Verifications    int
	VerificationsMet bool

	// Errors lists every non-retried provider error encountered alongside
	// the current best candidate.
	Errors []string

	Folding memory.Stats

	// TokenUsage sums every call this run made, independent of the shared
	// process-wide meter, so callers can report usage for this run alone.
	TokenUsage model.TokenUsage

	// StageUsage breaks TokenUsage down by the (provider, model) pair each
	// stage actually dispatched to, since StageModels can route verification,
	// correction, or summary to a model other than the run's primary
	// underlying one. Callers that price TokenUsage must price each entry at
	// its own rate rather than assuming one model served the whole run.
	StageUsage map[meter.ProviderModel]model.TokenUsage
}

// Engine runs the DeepThink state machine against a shared set of
// process-wide collaborators.
type Engine struct {
	resolver *registry.Resolver
	limiter  *ratelimit.Registry
	folder   *memory.Folder
	store    cache.Store
	meter    *meter.Meter
	logger   telemetry.Logger
}

// New constructs an Engine. folder and store may be nil to disable memory
// folding and content caching respectively (mainly for tests); logger may
// be nil, in which case a no-op logger is used.
func New(resolver *registry.Resolver, limiter *ratelimit.Registry, folder *memory.Folder, store cache.Store, m *meter.Meter, logger telemetry.Logger) *Engine {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Engine{resolver: resolver, limiter: limiter, folder: folder, store: store, meter: m, logger: logger}
}

// loopState is the mutable state threaded through Run's state machine.
type loopState struct {
	history       []*model.Message
	best          string
	reasoning     string
	iterations    int
	passesAccum   int
	verifications int
	errorsSeen    []string
	folding       memory.Stats
	usage         model.TokenUsage
	stageUsage    map[meter.ProviderModel]model.TokenUsage
}

// recordUsage folds usage into both the run-wide total and the
// per-(provider,model) breakdown used for stage-aware cost estimation.
func (st *loopState) recordUsage(provider, modelID string, usage model.TokenUsage) {
	st.usage = addUsage(st.usage, usage)
	pm := meter.ProviderModel{Provider: provider, Model: modelID}
	st.stageUsage[pm] = addUsage(st.stageUsage[pm], usage)
}

// Run executes the GENERATE_INITIAL → VERIFY → {CORRECT → VERIFY}* →
// SUMMARISE state machine for req.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	resolution, err := e.resolver.Resolve(req.ModelID)
	if err != nil {
		return nil, err
	}
	cfg := resolution.Model

	maxIterations := orDefault(req.MaxIterations, cfg.MaxIterations)
	requiredVerifications := orDefault(req.RequiredVerifications, cfg.RequiredVerifications)
	maxErrors := orDefault(req.MaxErrors, cfg.MaxErrors)

	if requiredVerifications > maxIterations {
		return nil, errs.New(errs.InvalidRequest, "required_verifications must not exceed max_iterations")
	}

	st := &loopState{history: initialHistory(req), stageUsage: make(map[meter.ProviderModel]model.TokenUsage)}

	text, usage, err := e.runStage(ctx, resolution, StageInitial, st, req, maxErrors)
	if err != nil {
		return nil, err
	}
	st.best = text
	st.recordUsage(resolution.Provider.Name, registry.StageModel(cfg, StageInitial), usage)
	st.history = append(st.history, assistantMessage(text))

	failed := false
	for {
		pass, reasoning, err := e.runVerify(ctx, resolution, req, st, maxErrors)
		if err != nil {
			return nil, err
		}
		st.verifications++

		if pass {
			st.passesAccum++
			if st.passesAccum >= requiredVerifications {
				break
			}
			st.iterations++
			if exhausted(st.iterations, maxIterations, len(st.errorsSeen), maxErrors) {
				failed = true
				break
			}
			continue
		}

		st.reasoning = reasoning
		st.history = append(st.history, userMessage(correctionPrompt(reasoning)))
		text, usage, err := e.runStage(ctx, resolution, StageCorrection, st, req, maxErrors)
		if err != nil {
			return nil, err
		}
		st.best = text
		st.recordUsage(resolution.Provider.Name, registry.StageModel(cfg, StageCorrection), usage)
		st.history = append(st.history, assistantMessage(text))
		st.passesAccum = 0
		st.iterations++
		if exhausted(st.iterations, maxIterations, len(st.errorsSeen), maxErrors) {
			failed = true
			break
		}
	}

	solution := e.summarise(ctx, resolution, req, st, maxErrors)

	return &Result{
		AgentID:          req.AgentID,
		Solution:         solution,
		Reasoning:        st.reasoning,
		Iterations:       st.iterations,
		Verifications:    st.verifications,
		VerificationsMet: !failed,
		Errors:           st.errorsSeen,
		Folding:          st.folding,
		TokenUsage:       st.usage,
		StageUsage:       st.stageUsage,
	}, nil
}

// summarise runs the summary stage to produce user-facing text. A failure
// here does not discard an already-validated candidate: it falls back to
// st.best with a warning, since the caller already has a usable solution.
func (e *Engine) summarise(ctx context.Context, resolution *registry.Resolution, req Request, st *loopState, maxErrors int) string {
	st.history = append(st.history, userMessage("Provide a concise final answer based on the verified solution above."))
	text, usage, err := e.runStage(ctx, resolution, StageSummary, st, req, maxErrors)
	if err != nil {
		e.logger.Warn(ctx, "deepthink: summary stage failed, returning best candidate verbatim", "error", err)
		return st.best
	}
	st.recordUsage(resolution.Provider.Name, registry.StageModel(resolution.Model, StageSummary), usage)
	return text
}

// runVerify fans out to parallelJudges independent judge calls, each
// dispatched through the same fold→fingerprint→cache pipeline every other
// stage uses, and returns pass iff a majority vote yes. Each judge's call is
// fingerprinted with its own judge index so the parallelJudges votes stay
// independent within one run while an identical rerun is served entirely
// from cache, matching the cache-hit guarantee every other stage gives. If
// every judge call fails, the error is treated like any other stage failure
// and counted against maxErrors.
func (e *Engine) runVerify(ctx context.Context, resolution *registry.Resolution, req Request, st *loopState, maxErrors int) (bool, string, error) {
	underlying := registry.StageModel(resolution.Model, StageVerification)
	history := []*model.Message{userMessage(verify.JudgePrompt(req.Problem, st.best))}

	type vote struct {
		verdict *verify.Verdict
		usage   model.TokenUsage
		err     error
	}
	votes := make([]vote, parallelJudges)
	var wg sync.WaitGroup
	for i := 0; i < parallelJudges; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text, usage, _, err := e.dispatch(ctx, resolution, StageVerification, history, 0, map[string]any{"judge_index": i}, req.RateLimitStrategy)
			if err != nil {
				votes[i] = vote{err: err}
				return
			}
			votes[i] = vote{verdict: verify.ParseVerdict(text), usage: usage}
		}(i)
	}
	wg.Wait()

	passes, total := 0, 0
	var reasoning []string
	var lastErr error
	for _, v := range votes {
		if v.err != nil {
			lastErr = errs.Classify(resolution.Provider.Name, v.err)
			continue
		}
		total++
		st.recordUsage(resolution.Provider.Name, underlying, v.usage)
		if v.verdict.Pass {
			passes++
		} else if v.verdict.Reasoning != "" {
			reasoning = append(reasoning, v.verdict.Reasoning)
		}
	}

	if total == 0 {
		st.errorsSeen = append(st.errorsSeen, lastErr.Error())
		if len(st.errorsSeen) >= maxErrors {
			return false, "", lastErr
		}
		return false, "", nil
	}

	return passes*2 > total, strings.Join(reasoning, "\n"), nil
}

// runStage calls Dispatch under an error budget: a classified, non-retryable
// failure counts against maxErrors and the call is retried; exceeding the
// budget returns the error to the caller.
func (e *Engine) runStage(ctx context.Context, resolution *registry.Resolution, stage string, st *loopState, req Request, maxErrors int) (string, model.TokenUsage, error) {
	for {
		text, usage, stats, err := e.Dispatch(ctx, resolution, stage, st.history, req.Temperature, req.RateLimitStrategy)
		if err == nil {
			st.folding = mergeFolding(st.folding, stats)
			return text, usage, nil
		}
		st.errorsSeen = append(st.errorsSeen, err.Error())
		if len(st.errorsSeen) >= maxErrors {
			return "", model.TokenUsage{}, err
		}
		e.logger.Warn(ctx, "deepthink: stage call failed, retrying under error budget", "stage", stage, "error", err)
	}
}

// Dispatch folds history, fingerprints the resulting request, serves a
// content cache hit when present, and otherwise calls the provider,
// retrying rate-limit/timeout errors up to the provider's configured
// max_retries. It is exported so other single-shot-call engines (UltraThink's
// planning/agent_config/synthesis framing stages) can reuse the same
// fold→fingerprint→cache→dispatch pipeline instead of duplicating it.
func (e *Engine) Dispatch(ctx context.Context, resolution *registry.Resolution, stage string, history []*model.Message, temperature float32, strategyOverride config.RateLimitStrategy) (string, model.TokenUsage, memory.Stats, error) {
	return e.dispatch(ctx, resolution, stage, history, temperature, nil, strategyOverride)
}

// dispatch is Dispatch's implementation, parameterized with extraParams
// folded into the cache fingerprint alongside temperature. Callers that need
// several independently-cacheable calls against the identical stage/history
// (the parallel judge votes in runVerify) pass a distinguishing value, such
// as a judge index, so each vote gets its own fingerprint instead of
// collapsing into one shared cache entry.
func (e *Engine) dispatch(ctx context.Context, resolution *registry.Resolution, stage string, history []*model.Message, temperature float32, extraParams map[string]any, strategyOverride config.RateLimitStrategy) (string, model.TokenUsage, memory.Stats, error) {
	underlying := registry.StageModel(resolution.Model, stage)

	folded, stats, err := e.fold(ctx, history, resolution.Provider.Variant)
	if err != nil {
		return "", model.TokenUsage{}, memory.Stats{}, err
	}

	fp, err := e.fingerprint(resolution, underlying, folded, temperature, extraParams)
	if err != nil {
		return "", model.TokenUsage{}, memory.Stats{}, err
	}

	if text, ok := e.lookupContentCache(ctx, fp); ok {
		return text, model.TokenUsage{}, stats, nil
	}

	bucket := e.bucketFor(resolution, underlying)

	var lastErr error
	maxRetries := resolution.Provider.MaxRetries
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := bucket.Acquire(ctx, strategyOverride); err != nil {
			return "", model.TokenUsage{}, stats, err
		}

		req := &model.Request{Model: underlying, Messages: folded, Temperature: temperature}
		if resolution.Provider.Variant == config.VariantResponses {
			if prevID, ok := e.lookupResponseIDCache(ctx, fp); ok {
				req.PreviousResponseID = prevID
			}
		}

		started := time.Now()
		resp, cerr := resolution.Client.Complete(ctx, req)
		if cerr != nil {
			classified := errs.Classify(resolution.Provider.Name, cerr)
			lastErr = classified
			if classified.Retryable() && attempt < maxRetries {
				e.logger.Warn(ctx, "deepthink: retryable provider error", "stage", stage, "attempt", attempt, "error", classified)
				continue
			}
			return "", model.TokenUsage{}, stats, classified
		}

		text := responseText(resp)
		e.meter.Record(resolution.Provider.Name, underlying, resp.Usage)
		e.meter.RecordStage(ctx, telemetry.StageTelemetry{
			Stage:      stage,
			DurationMs: time.Since(started).Milliseconds(),
			Provider:   resolution.Provider.Name,
			Model:      underlying,
			Extra:      map[string]any{"fingerprint": fp, "attempt": attempt},
		})
		e.storeContentCache(ctx, fp, text)
		if resolution.Provider.Variant == config.VariantResponses && resp.ResponseID != "" {
			e.storeResponseIDCache(ctx, fp, resp.ResponseID)
		}
		return text, resp.Usage, stats, nil
	}
	return "", model.TokenUsage{}, stats, lastErr
}

func (e *Engine) bucketFor(resolution *registry.Resolution, underlying string) *ratelimit.Bucket {
	key := ratelimit.Key(resolution.Provider.Name, underlying)
	return e.limiter.GetOrCreate(key, func() *ratelimit.Bucket {
		return ratelimit.NewBucket(resolution.Model.RateLimit, resolution.Model.RPM)
	})
}

func (e *Engine) fold(ctx context.Context, history []*model.Message, variant config.ProviderVariant) ([]*model.Message, memory.Stats, error) {
	if e.folder == nil {
		return history, memory.Stats{}, nil
	}
	result, err := e.folder.Fold(ctx, history)
	if err != nil {
		return nil, memory.Stats{}, fmt.Errorf("deepthink: fold history: %w", err)
	}
	memory.ApplyCacheCheckpoint(result.Warm, variant)
	e.meter.RecordFolding(result.Stats.OriginalContextTokens, result.Stats.CompressedContextTokens, result.Stats.DistillationTokens)
	folded := make([]*model.Message, 0, len(result.Cold)+len(result.Warm)+len(result.Hot))
	folded = append(folded, result.Cold...)
	folded = append(folded, result.Warm...)
	folded = append(folded, result.Hot...)
	return folded, result.Stats, nil
}

func (e *Engine) fingerprint(resolution *registry.Resolution, underlying string, folded []*model.Message, temperature float32, extraParams map[string]any) (string, error) {
	params := map[string]any{"temperature": temperature}
	for k, v := range extraParams {
		params[k] = v
	}
	return cache.Fingerprint(cache.FingerprintInput{
		Provider: resolution.Provider.Name,
		Model:    underlying,
		History:  flattenForFingerprint(folded),
		Params:   params,
	})
}

func (e *Engine) lookupContentCache(ctx context.Context, fp string) (string, bool) {
	if e.store == nil {
		return "", false
	}
	value, found, err := e.store.Get(ctx, cache.NamespaceContent, fp)
	if err != nil || !found {
		return "", false
	}
	return string(value), true
}

func (e *Engine) storeContentCache(ctx context.Context, fp, text string) {
	if e.store == nil {
		return
	}
	if err := e.store.Set(ctx, cache.NamespaceContent, fp, []byte(text), 0); err != nil {
		e.logger.Warn(ctx, "deepthink: content cache store failed", "error", err)
	}
}

func (e *Engine) lookupResponseIDCache(ctx context.Context, fp string) (string, bool) {
	if e.store == nil {
		return "", false
	}
	value, found, err := e.store.Get(ctx, cache.NamespaceResponseID, fp)
	if err != nil || !found {
		return "", false
	}
	return string(value), true
}

func (e *Engine) storeResponseIDCache(ctx context.Context, fp, responseID string) {
	if e.store == nil {
		return
	}
	if err := e.store.Set(ctx, cache.NamespaceResponseID, fp, []byte(responseID), 0); err != nil {
		e.logger.Warn(ctx, "deepthink: response id cache store failed", "error", err)
	}
}

func orDefault(override, fallback int) int {
	if override > 0 {
		return override
	}
	return fallback
}

func exhausted(iterations, maxIterations, errorCount, maxErrors int) bool {
	return iterations >= maxIterations || errorCount >= maxErrors
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

func mergeFolding(acc, next memory.Stats) memory.Stats {
	return memory.Stats{
		OriginalContextTokens:   acc.OriginalContextTokens + next.OriginalContextTokens,
		CompressedContextTokens: acc.CompressedContextTokens + next.CompressedContextTokens,
		DistillationTokens:      acc.DistillationTokens + next.DistillationTokens,
	}
}

func initialHistory(req Request) []*model.Message {
	var history []*model.Message
	if req.SystemPrompt != "" {
		history = append(history, &model.Message{Role: model.ConversationRoleSystem, Parts: []model.Part{model.TextPart{Text: req.SystemPrompt}}})
	}
	if req.Knowledge != "" {
		history = append(history, &model.Message{Role: model.ConversationRoleSystem, Parts: []model.Part{model.TextPart{Text: "Shared plan:\n" + req.Knowledge}}})
	}
	return append(history, userMessage(req.Problem))
}

func correctionPrompt(reasoning string) string {
	if reasoning == "" {
		return "The previous solution was judged incorrect. Please find and fix the error, then restate the full corrected solution."
	}
	return "The previous solution was judged incorrect for the following reason(s):\n" + reasoning +
		"\n\nPlease find and fix the error, then restate the full corrected solution."
}

func userMessage(text string) *model.Message {
	return &model.Message{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: text}}}
}

func assistantMessage(text string) *model.Message {
	return &model.Message{Role: model.ConversationRoleAssistant, Parts: []model.Part{model.TextPart{Text: text}}}
}

func responseText(resp *model.Response) string {
	var b strings.Builder
	for _, m := range resp.Content {
		for _, p := range m.Parts {
			if t, ok := p.(model.TextPart); ok {
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				b.WriteString(t.Text)
			}
		}
	}
	return b.String()
}

// flattenForFingerprint renders every part of a message to a string so the
// cache key reflects the whole request, not just its text. ImagePart is
// rendered as a data: URI so cache.Fingerprint's normalizeLeaf hashes it down
// to a stable digest instead of hashing raw image bytes verbatim on every
// call; DocumentPart and CitationsPart are flattened to their identifying
// fields, with large document bytes hashed directly since normalizeLeaf has
// no document-specific convention to lean on.
func flattenForFingerprint(messages []*model.Message) []cache.HistoryEntry {
	entries := make([]cache.HistoryEntry, 0, len(messages))
	for _, m := range messages {
		var b strings.Builder
		for _, p := range m.Parts {
			switch part := p.(type) {
			case model.TextPart:
				b.WriteString(part.Text)
			case model.ImagePart:
				b.WriteString("data:image/")
				b.WriteString(string(part.Format))
				b.WriteString(";base64,")
				b.WriteString(base64.StdEncoding.EncodeToString(part.Bytes))
			case model.DocumentPart:
				b.WriteString("document:")
				b.WriteString(part.Name)
				b.WriteByte(':')
				b.WriteString(string(part.Format))
				b.WriteByte(':')
				b.WriteString(part.URI)
				b.WriteByte(':')
				b.WriteString(part.Text)
				for _, chunk := range part.Chunks {
					b.WriteString(chunk)
				}
				if len(part.Bytes) > 0 {
					sum := sha256.Sum256(part.Bytes)
					b.WriteString("bytes_hash:")
					b.WriteString(hex.EncodeToString(sum[:]))
				}
			case model.CitationsPart:
				b.WriteString("citations:")
				b.WriteString(part.Text)
				for _, c := range part.Citations {
					b.WriteString(c.Title)
					b.WriteByte(':')
					b.WriteString(c.Source)
				}
			}
		}
		entries = append(entries, cache.HistoryEntry{Role: string(m.Role), Text: b.String()})
	}
	return entries
}
