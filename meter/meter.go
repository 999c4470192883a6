// Package meter accumulates token usage per (provider, model) and costs it
// against a pricing table. A Meter is a small mutex-protected record — the
// systems-language answer to the "shared mutable meter" pattern — so
// concurrent DeepThink/UltraThink workers can all record through the same
// instance without losing updates.
package meter

import (
	"context"
	"sync"
	"time"

	"thinkserver/config"
	"thinkserver/model"
	"thinkserver/telemetry"
)

// key identifies one (provider, model) accumulation bucket.
type key struct {
	provider string
	model    string
}

// UsageStats accumulates raw token counts for one (provider, model) pair.
type UsageStats struct {
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
	ReasoningTokens  int
	Calls            int

	// Anomalies counts calls where CacheReadTokens > InputTokens or
	// ReasoningTokens > OutputTokens. The meter warns and continues rather
	// than clamping or erroring, but exposes the count here for callers
	// that want to surface it.
	Anomalies int
}

// FoldingStats accumulates memory-folding token counts across a run,
// recorded on a separate channel from per-(provider,model) usage.
type FoldingStats struct {
	OriginalTokens     int
	CompressedTokens   int
	DistillationTokens int
}

// Saved returns max(0, original-compressed).
func (f FoldingStats) Saved() int {
	if f.OriginalTokens <= f.CompressedTokens {
		return 0
	}
	return f.OriginalTokens - f.CompressedTokens
}

// NetSaved returns Saved() - DistillationTokens (which may be negative when
// distillation itself cost more than it saved).
func (f FoldingStats) NetSaved() int {
	return f.Saved() - f.DistillationTokens
}

// CostBreakdown is the per-category cost computed from UsageStats against a
// config.PricingEntry: uncached input, cached input, output, and reasoning
// tokens each priced separately.
type CostBreakdown struct {
	UncachedInputCost float64
	CachedInputCost   float64
	OutputCost        float64
	ReasoningCost     float64
}

// Total sums the four categorical costs.
func (c CostBreakdown) Total() float64 {
	return c.UncachedInputCost + c.CachedInputCost + c.OutputCost + c.ReasoningCost
}

// Meter maintains Map<(provider, model), UsageStats> plus a folding-stats
// channel. The zero value is not usable (its usage map and logger are nil);
// always construct via New.
type Meter struct {
	mu      sync.Mutex
	usage   map[key]*UsageStats
	folding FoldingStats
	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// New constructs an empty Meter. A nil logger, metrics, or tracer is
// replaced with its no-op counterpart.
func New(logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) *Meter {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Meter{
		usage:   make(map[key]*UsageStats),
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
	}
}

// RecordStage wraps one dispatched provider call in a trace span and emits
// provider/model/stage-tagged counter and latency metrics. It is independent
// of the per-(provider,model) usage bucket Record accumulates: Record feeds
// cost estimation, RecordStage feeds operational observability.
func (m *Meter) RecordStage(ctx context.Context, st telemetry.StageTelemetry) {
	_, span := m.tracer.Start(ctx, "thinkserver.dispatch."+st.Stage)
	defer span.End()

	tags := []string{"provider", st.Provider, "model", st.Model, "stage", st.Stage}
	m.metrics.IncCounter("thinkserver.llm.calls", 1, tags...)
	m.metrics.RecordTimer("thinkserver.llm.latency", time.Duration(st.DurationMs)*time.Millisecond, tags...)

	for k, v := range st.Extra {
		span.AddEvent(k, "value", v)
	}
}

// Record accumulates usage under (provider, model). It is safe for
// concurrent use; two concurrent Record calls never lose an update.
func (m *Meter) Record(provider, modelID string, usage model.TokenUsage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{provider: provider, model: modelID}
	stats, ok := m.usage[k]
	if !ok {
		stats = &UsageStats{}
		m.usage[k] = stats
	}
	stats.InputTokens += usage.InputTokens
	stats.OutputTokens += usage.OutputTokens
	stats.CacheReadTokens += usage.CacheReadTokens
	stats.CacheWriteTokens += usage.CacheWriteTokens
	stats.ReasoningTokens += usage.ReasoningTokens
	stats.Calls++

	if usage.CacheReadTokens > usage.InputTokens || usage.ReasoningTokens > usage.OutputTokens {
		stats.Anomalies++
		m.logger.Warn(context.Background(), "meter: usage anomaly, continuing",
			"provider", provider, "model", modelID,
			"cache_read_tokens", usage.CacheReadTokens, "input_tokens", usage.InputTokens,
			"reasoning_tokens", usage.ReasoningTokens, "output_tokens", usage.OutputTokens)
	}
}

// RecordFolding accumulates memory-folding stats on the separate folding
// channel, kept apart from per-(provider,model) usage.
func (m *Meter) RecordFolding(original, compressed, distillation int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.folding.OriginalTokens += original
	m.folding.CompressedTokens += compressed
	m.folding.DistillationTokens += distillation
}

// Snapshot returns a copy of every accumulated UsageStats, keyed by
// "provider/model", safe to read after the Meter is no longer being
// recorded to.
func (m *Meter) Snapshot() map[string]UsageStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]UsageStats, len(m.usage))
	for k, v := range m.usage {
		out[k.provider+"/"+k.model] = *v
	}
	return out
}

// Folding returns a copy of the accumulated FoldingStats.
func (m *Meter) Folding() FoldingStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.folding
}

// EstimateCost walks the accumulated usage map and applies pricing,
// returning the grand total plus a per-(provider,model) breakdown. Missing
// pricing entries contribute zero; the meter never fabricates a rate.
func (m *Meter) EstimateCost(pricing config.PricingTable) (float64, map[string]CostBreakdown) {
	m.mu.Lock()
	snapshot := make(map[key]UsageStats, len(m.usage))
	for k, v := range m.usage {
		snapshot[k] = *v
	}
	m.mu.Unlock()

	breakdowns := make(map[string]CostBreakdown, len(snapshot))
	var total float64
	for k, stats := range snapshot {
		entry, _ := pricing.Lookup(k.provider, k.model)
		b := costFor(stats, entry)
		breakdowns[k.provider+"/"+k.model] = b
		total += b.Total()
	}
	return total, breakdowns
}

// EstimateUsageCost prices a single model.TokenUsage value against pricing
// directly, independent of any Meter's accumulated state. EstimateStageCost
// uses this to price each (provider, model) entry of one run's own usage
// rather than the process-wide snapshot, which would mix in every other
// concurrent request sharing the same Meter.
func EstimateUsageCost(provider, modelID string, usage model.TokenUsage, pricing config.PricingTable) CostBreakdown {
	entry, _ := pricing.Lookup(provider, modelID)
	return costFor(UsageStats{
		InputTokens:      usage.InputTokens,
		OutputTokens:     usage.OutputTokens,
		CacheReadTokens:  usage.CacheReadTokens,
		CacheWriteTokens: usage.CacheWriteTokens,
		ReasoningTokens:  usage.ReasoningTokens,
		Calls:            1,
	}, entry)
}

// ProviderModel identifies one (provider, model) pair in a per-stage usage
// breakdown, since a single ModelConfig can route individual stages to a
// different underlying model via StageModels while staying on the same
// provider, and an UltraThink fan-out agent can override its model entirely.
type ProviderModel struct {
	Provider string
	Model    string
}

// EstimateStageCost sums EstimateUsageCost across a per-(provider,model)
// usage breakdown. RunDeepThink and RunUltraThink price every run with this,
// so stage-routed or per-agent overridden calls are
// priced at their own rate rather than the run's primary model's rate.
func EstimateStageCost(usageByModel map[ProviderModel]model.TokenUsage, pricing config.PricingTable) float64 {
	var total float64
	for pm, usage := range usageByModel {
		total += EstimateUsageCost(pm.Provider, pm.Model, usage, pricing).Total()
	}
	return total
}

func costFor(stats UsageStats, entry config.PricingEntry) CostBreakdown {
	uncachedInput := stats.InputTokens - stats.CacheReadTokens
	if uncachedInput < 0 {
		uncachedInput = 0
	}
	regularOutput := stats.OutputTokens - stats.ReasoningTokens
	if regularOutput < 0 {
		regularOutput = 0
	}
	return CostBreakdown{
		UncachedInputCost: float64(uncachedInput) * entry.Prompt,
		CachedInputCost:   float64(stats.CacheReadTokens) * entry.CachedPrompt,
		OutputCost:        float64(regularOutput) * entry.Completion,
		ReasoningCost:     float64(stats.ReasoningTokens) * entry.Reasoning,
	}
}
