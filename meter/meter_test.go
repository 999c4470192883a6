package meter

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thinkserver/config"
	"thinkserver/model"
)

func TestRecordAccumulatesPerProviderModel(t *testing.T) {
	m := New(nil, nil, nil)
	m.Record("anthropic", "claude-opus-4-6", model.TokenUsage{InputTokens: 100, OutputTokens: 50})
	m.Record("anthropic", "claude-opus-4-6", model.TokenUsage{InputTokens: 10, OutputTokens: 5})
	m.Record("openai", "gpt-5.2", model.TokenUsage{InputTokens: 7, OutputTokens: 3})

	snap := m.Snapshot()
	require.Contains(t, snap, "anthropic/claude-opus-4-6")
	assert.Equal(t, 110, snap["anthropic/claude-opus-4-6"].InputTokens)
	assert.Equal(t, 55, snap["anthropic/claude-opus-4-6"].OutputTokens)
	assert.Equal(t, 2, snap["anthropic/claude-opus-4-6"].Calls)
	assert.Equal(t, 7, snap["openai/gpt-5.2"].InputTokens)
}

func TestRecordFlagsAnomalyButContinues(t *testing.T) {
	m := New(nil, nil, nil)
	m.Record("anthropic", "claude-opus-4-6", model.TokenUsage{InputTokens: 10, CacheReadTokens: 20})

	snap := m.Snapshot()
	stats := snap["anthropic/claude-opus-4-6"]
	assert.Equal(t, 1, stats.Anomalies)
	assert.Equal(t, 20, stats.CacheReadTokens)
}

func TestEstimateCostAppliesFourCategories(t *testing.T) {
	m := New(nil, nil, nil)
	m.Record("anthropic", "claude-opus-4-6", model.TokenUsage{
		InputTokens:     100,
		CacheReadTokens: 40,
		OutputTokens:    50,
		ReasoningTokens: 20,
	})

	pricing := config.PricingTable{
		"anthropic": {
			"claude-opus-4-6": config.PricingEntry{
				Prompt:       0.01,
				CachedPrompt: 0.002,
				Completion:   0.03,
				Reasoning:    0.05,
			},
		},
	}

	total, breakdown := m.EstimateCost(pricing)
	b := breakdown["anthropic/claude-opus-4-6"]
	assert.InDelta(t, 60*0.01, b.UncachedInputCost, 1e-9)
	assert.InDelta(t, 40*0.002, b.CachedInputCost, 1e-9)
	assert.InDelta(t, 30*0.03, b.OutputCost, 1e-9)
	assert.InDelta(t, 20*0.05, b.ReasoningCost, 1e-9)
	assert.InDelta(t, b.Total(), total, 1e-9)
}

func TestEstimateCostMissingPricingIsZero(t *testing.T) {
	m := New(nil, nil, nil)
	m.Record("anthropic", "unknown-model", model.TokenUsage{InputTokens: 100, OutputTokens: 50})

	total, breakdown := m.EstimateCost(config.PricingTable{})
	assert.Zero(t, total)
	assert.Zero(t, breakdown["anthropic/unknown-model"].Total())
}

func TestFoldingStatsNetSaved(t *testing.T) {
	m := New(nil, nil, nil)
	m.RecordFolding(1000, 400, 50)
	m.RecordFolding(500, 500, 0)

	f := m.Folding()
	assert.Equal(t, 1500, f.OriginalTokens)
	assert.Equal(t, 900, f.CompressedTokens)
	assert.Equal(t, 50, f.DistillationTokens)
	assert.Equal(t, 600, f.Saved())
	assert.Equal(t, 550, f.NetSaved())
}

// TestRecordIsAdditive verifies that record(a); record(b) and
// record(a+b) yield identical meter state.
func TestRecordIsAdditive(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	usageGen := gen.Int64Range(0, 1000).Map(func(n int64) model.TokenUsage {
		return model.TokenUsage{InputTokens: int(n), OutputTokens: int(n / 2)}
	})

	properties.Property("sequential records equal one combined record", prop.ForAll(
		func(a, b model.TokenUsage) bool {
			sequential := New(nil, nil, nil)
			sequential.Record("p", "m", a)
			sequential.Record("p", "m", b)

			combined := New(nil, nil, nil)
			combined.Record("p", "m", model.TokenUsage{
				InputTokens:  a.InputTokens + b.InputTokens,
				OutputTokens: a.OutputTokens + b.OutputTokens,
			})

			seqSnap := sequential.Snapshot()["p/m"]
			combSnap := combined.Snapshot()["p/m"]
			return seqSnap.InputTokens == combSnap.InputTokens &&
				seqSnap.OutputTokens == combSnap.OutputTokens
		},
		usageGen, usageGen,
	))

	properties.TestingRun(t)
}
