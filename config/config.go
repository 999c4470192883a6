// Package config defines the typed configuration shapes the out-of-scope
// YAML loader unmarshals into, plus a Validate() pass that gathers every
// violation into a single errs.ValidationError rather than failing on the
// first bad field (see errs.ValidationError).
package config

import (
	"fmt"
	"net/url"

	"thinkserver/errs"
)

// ProviderVariant identifies the wire protocol a provider adapter speaks.
// Dispatch happens over this closed set rather than duck-typing provider
// capabilities at call time.
type ProviderVariant string

const (
	// VariantChatCompletion is the single-turn chat-completions protocol.
	VariantChatCompletion ProviderVariant = "chat_completion"

	// VariantResponses is the Responses API variant with server-side prefix
	// chaining via previous_response_id.
	VariantResponses ProviderVariant = "responses"

	// VariantMessagesWithCacheControl is the Anthropic/Bedrock-style
	// protocol where system is a separate field and caching is opt-in per
	// message via a cache_control marker.
	VariantMessagesWithCacheControl ProviderVariant = "messages_with_cache_control"
)

// RateLimitStrategy selects what a bucket does on exhaustion.
type RateLimitStrategy string

const (
	// StrategyWait blocks the caller until the bucket admits the call or the
	// request deadline elapses.
	StrategyWait RateLimitStrategy = "wait"

	// StrategyError fails immediately with a RateLimit error.
	StrategyError RateLimitStrategy = "error"
)

// ModelLevel selects which reasoning pipeline a logical model runs through.
type ModelLevel string

const (
	// LevelDeepThink runs the single-agent explore/verify/correct loop.
	LevelDeepThink ModelLevel = "deepthink"

	// LevelUltraThink runs the plan/fan-out/synthesize pipeline, itself
	// built on a pool of DeepThink workers.
	LevelUltraThink ModelLevel = "ultrathink"
)

type (
	// ProviderConfig describes one configured provider instance.
	ProviderConfig struct {
		// Name is the provider identifier used in bucket keys and error
		// payloads (e.g. "anthropic", "openai", "bedrock").
		Name string `yaml:"name"`

		// Variant selects which of the three wire protocols this provider
		// speaks.
		Variant ProviderVariant `yaml:"variant"`

		// SupportsResponses reports whether the Responses-API prefix
		// chaining path is available for this provider.
		SupportsResponses bool `yaml:"supports_responses"`

		// APIKeyEnv names the environment variable holding the credential.
		// The value itself is read from the environment when the provider
		// client is built.
		APIKeyEnv string `yaml:"api_key_env"`

		// BaseURL overrides the provider's default endpoint when set.
		BaseURL string `yaml:"base_url,omitempty"`

		// Region is consulted by the bedrock variant only.
		Region string `yaml:"region,omitempty"`

		// TimeoutSeconds bounds a single outbound call to this provider.
		TimeoutSeconds int `yaml:"timeout_seconds"`

		// MaxRetries bounds how many times a rate-limit or timeout error
		// from this provider is retried before it is surfaced.
		MaxRetries int `yaml:"max_retries"`

		// Models lists every underlying model exposed through this
		// provider, keyed by logical model id elsewhere in ModelConfig.
		Models []ModelConfig `yaml:"models"`
	}

	// ModelConfig binds a logical model id to an underlying provider model
	// plus its default request and rate-limit parameters.
	ModelConfig struct {
		// ID is the logical model id the engine's Resolve function accepts.
		ID string `yaml:"id"`

		// Provider names the ProviderConfig.Name this model resolves
		// through.
		Provider string `yaml:"provider"`

		// Underlying is the provider-specific model identifier sent on the
		// wire (e.g. "claude-opus-4-6", "gpt-5.2").
		Underlying string `yaml:"underlying"`

		// RPM is requests-per-minute; when set and RateLimit is nil, it is
		// expanded to {qps: rpm/60, burst: max(1, rpm/60)}.
		RPM int `yaml:"rpm,omitempty"`

		// RateLimit overrides the RPM-derived bucket when set.
		RateLimit *RateLimitConfig `yaml:"rate_limit,omitempty"`

		// DisplayName is a human-facing label, distinct from the logical
		// ID used in requests.
		DisplayName string `yaml:"display_name,omitempty"`

		// Level selects the reasoning pipeline (DeepThink or UltraThink)
		// this logical model runs through.
		Level ModelLevel `yaml:"level"`

		// MaxIterations bounds the DeepThink explore/verify/correct loop.
		MaxIterations int `yaml:"max_iterations"`

		// RequiredVerifications is how many passing judge votes in a row
		// end the DeepThink loop successfully.
		RequiredVerifications int `yaml:"required_verifications"`

		// MaxErrors ceilings non-retried provider errors within a single
		// DeepThink run before it ends with the current best candidate.
		MaxErrors int `yaml:"max_errors"`

		// NumAgents is the UltraThink fan-out width; unused at the
		// DeepThink level.
		NumAgents int `yaml:"num_agents,omitempty"`

		// ParallelRunAgents bounds how many of those agents' DeepThink
		// workers may have an outbound call in flight at once.
		ParallelRunAgents int `yaml:"parallel_run_agents,omitempty"`

		// StageModels maps a DeepThink/UltraThink stage name (initial,
		// verification, correction, improvement, summary, planning,
		// agent_config, synthesis) to an underlying model id to use for
		// that stage. A stage absent from this map uses Underlying.
		StageModels map[string]string `yaml:"stage_models,omitempty"`

		// MaxTokens is the default output token ceiling for this model.
		MaxTokens int `yaml:"max_tokens,omitempty"`
	}

	// RateLimitConfig configures one bucket's cells explicitly, overriding
	// the RPM-derived default.
	RateLimitConfig struct {
		// QPS is the token-bucket refill rate in tokens/sec.
		QPS float64 `yaml:"qps,omitempty"`

		// Burst is the token-bucket capacity.
		Burst int `yaml:"burst,omitempty"`

		// WindowSeconds is the sliding-window cell's width; zero disables
		// the sliding-window cell.
		WindowSeconds int `yaml:"window_seconds,omitempty"`

		// Limit is the sliding-window cell's admission ceiling.
		Limit int `yaml:"limit,omitempty"`

		// Strategy selects wait-vs-error behavior on exhaustion.
		Strategy RateLimitStrategy `yaml:"strategy,omitempty"`

		// TimeoutSeconds bounds how long a wait strategy may block.
		TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
	}

	// PricingEntry is one {prompt, completion, cached_prompt, reasoning}
	// row from the pricing file, expressed in USD per token.
	PricingEntry struct {
		Prompt       float64 `yaml:"prompt"`
		Completion   float64 `yaml:"completion"`
		CachedPrompt float64 `yaml:"cached_prompt"`
		Reasoning    float64 `yaml:"reasoning"`
	}

	// PricingTable is {provider_name: {underlying_model: PricingEntry}} —
	// the read-only pricing file shape. Missing entries
	// contribute zero cost rather than fabricating a rate.
	PricingTable map[string]map[string]PricingEntry

	// EngineConfig is the top-level configuration object the bootstrap
	// layer builds from YAML and hands to the engine.
	EngineConfig struct {
		Providers []ProviderConfig `yaml:"providers"`
		Pricing   PricingTable     `yaml:"pricing"`

		// CacheRoot is the filesystem root for the two-tier prefix cache
		// and the memory-folding artefact cache.
		CacheRoot string `yaml:"cache_root"`

		// MemoryFolding configures the default hot/warm/cold window sizes
		// and strategies; per-run overrides may replace any field.
		MemoryFolding MemoryFoldingConfig `yaml:"memory_folding"`
	}

	// MemoryFoldingConfig configures the default three-tier history
	// compressor (see memory.Folder).
	MemoryFoldingConfig struct {
		HotTurns           int     `yaml:"hot_turns"`
		WarmTurns          int     `yaml:"warm_turns"`
		WarmStrategy       string  `yaml:"warm_strategy"`
		ColdStrategy       string  `yaml:"cold_strategy"`
		DistillModel       string  `yaml:"distill_model"`
		DistillTemperature float32 `yaml:"distill_temperature"`
		MaxDistillRetries  int     `yaml:"max_distill_retries"`
		CacheTTLSeconds    int     `yaml:"cache_ttl_seconds"`
	}
)

// Lookup returns the PricingEntry for (provider, model), or the zero value
// and false when absent. Callers that want the meter's "missing entries
// contribute zero" behavior can ignore the bool.
func (t PricingTable) Lookup(provider, model string) (PricingEntry, bool) {
	byModel, ok := t[provider]
	if !ok {
		return PricingEntry{}, false
	}
	entry, ok := byModel[model]
	return entry, ok
}

// Validate checks every ProviderConfig and ModelConfig for internal
// consistency, batching every violation found rather than stopping at the
// first.
func (c EngineConfig) Validate() error {
	ve := &errs.ValidationError{}

	if len(c.Providers) == 0 {
		ve.Add("providers", "at least one provider must be configured")
	}

	seenProvider := make(map[string]bool, len(c.Providers))
	seenModel := make(map[string]bool)
	for i, p := range c.Providers {
		field := fmt.Sprintf("providers[%d]", i)
		if p.Name == "" {
			ve.Add(field+".name", "must not be empty")
		} else if seenProvider[p.Name] {
			ve.Add(field+".name", "duplicate provider name "+p.Name)
		} else {
			seenProvider[p.Name] = true
		}
		switch p.Variant {
		case VariantChatCompletion, VariantResponses, VariantMessagesWithCacheControl:
		default:
			ve.Add(field+".variant", fmt.Sprintf("unknown variant %q", p.Variant))
		}
		if p.Variant == VariantResponses && !p.SupportsResponses {
			ve.Add(field+".supports_responses", "must be true for the responses variant")
		}
		if p.BaseURL != "" {
			if parsed, err := url.Parse(p.BaseURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
				ve.Add(field+".base_url", fmt.Sprintf("must be a valid absolute URL when set, got %q", p.BaseURL))
			}
		}
		if p.TimeoutSeconds <= 0 {
			ve.Add(field+".timeout_seconds", "must be positive")
		}
		if p.MaxRetries < 0 {
			ve.Add(field+".max_retries", "must not be negative")
		}
		if len(p.Models) == 0 {
			ve.Add(field+".models", "must declare at least one model")
		}
		for j, m := range p.Models {
			mField := fmt.Sprintf("%s.models[%d]", field, j)
			if m.ID == "" {
				ve.Add(mField+".id", "must not be empty")
			} else if seenModel[m.ID] {
				ve.Add(mField+".id", "duplicate logical model id "+m.ID)
			} else {
				seenModel[m.ID] = true
			}
			if m.Underlying == "" {
				ve.Add(mField+".underlying", "must not be empty")
			}
			if m.Provider != "" && m.Provider != p.Name {
				ve.Add(mField+".provider", "must match the enclosing provider name or be empty")
			}
			if m.RPM < 0 {
				ve.Add(mField+".rpm", "must not be negative")
			}
			switch m.Level {
			case LevelDeepThink, LevelUltraThink:
			default:
				ve.Add(mField+".level", fmt.Sprintf("unknown level %q", m.Level))
			}
			if m.MaxIterations <= 0 {
				ve.Add(mField+".max_iterations", "must be positive")
			}
			if m.RequiredVerifications <= 0 {
				ve.Add(mField+".required_verifications", "must be positive")
			}
			if m.MaxErrors <= 0 {
				ve.Add(mField+".max_errors", "must be positive")
			}
			if m.RequiredVerifications > 0 && m.MaxIterations > 0 && m.RequiredVerifications > m.MaxIterations {
				ve.Add(mField+".required_verifications", "must not exceed max_iterations")
			}
			if m.Level == LevelUltraThink {
				if m.NumAgents <= 0 {
					ve.Add(mField+".num_agents", "must be positive for ultrathink models")
				}
				if m.ParallelRunAgents <= 0 {
					ve.Add(mField+".parallel_run_agents", "must be positive for ultrathink models")
				}
			}
			if rl := m.RateLimit; rl != nil {
				if rl.QPS < 0 {
					ve.Add(mField+".rate_limit.qps", "must not be negative")
				}
				if rl.Strategy != "" && rl.Strategy != StrategyWait && rl.Strategy != StrategyError {
					ve.Add(mField+".rate_limit.strategy", fmt.Sprintf("unknown strategy %q", rl.Strategy))
				}
				if rl.WindowSeconds > 0 && rl.Limit <= 0 {
					ve.Add(mField+".rate_limit.limit", "must be positive when window_seconds is set")
				}
			}
		}
	}

	if c.CacheRoot == "" {
		ve.Add("cache_root", "must not be empty")
	}
	if c.MemoryFolding.HotTurns < 0 {
		ve.Add("memory_folding.hot_turns", "must not be negative")
	}
	if c.MemoryFolding.WarmTurns < 0 {
		ve.Add("memory_folding.warm_turns", "must not be negative")
	}

	return ve.OrNil()
}
