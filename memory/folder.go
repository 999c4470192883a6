// Package memory implements three-tier conversation history folding: a
// volatile hot layer kept verbatim, a warm layer and a cold layer each
// compressed by a configurable strategy, with distilled/summarized
// outputs cached by content hash.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"thinkserver/cache"
	"thinkserver/config"
	"thinkserver/model"
	"thinkserver/telemetry"
)

const (
	strategyConsolidate = "consolidate"
	strategyDistill     = "distill"
	strategySummarize   = "summarize"

	defaultHotTurns  = 5
	defaultWarmTurns = 10
)

// Stats carries per-run token accounting: token counts before and after
// folding, and the tokens spent producing the compression itself.
type Stats struct {
	OriginalContextTokens   int
	CompressedContextTokens int
	DistillationTokens      int
}

// Saved is max(0, original-compressed).
func (s Stats) Saved() int {
	if s.OriginalContextTokens <= s.CompressedContextTokens {
		return 0
	}
	return s.OriginalContextTokens - s.CompressedContextTokens
}

// NetSaved is Saved minus the tokens spent distilling/summarizing.
func (s Stats) NetSaved() int {
	return s.Saved() - s.DistillationTokens
}

// Result is the folded transcript plus its stats.
type Result struct {
	// Cold, Warm and Hot are the three compressed/verbatim layers in
	// chronological order; callers assemble the final
	// [system, cold, warm, hot, current] prefix themselves so they retain
	// control over where the system prompt and the newest turn are
	// inserted.
	Cold []*model.Message
	Warm []*model.Message
	Hot  []*model.Message

	Stats Stats
}

// Folder applies the hot/warm/cold compression policy to a conversation
// history.
type Folder struct {
	cfg     config.MemoryFoldingConfig
	store   cache.Store
	client  model.Client
	counter *tokenCounter
	logger  telemetry.Logger
}

// NewFolder constructs a Folder. client performs the distill/summarize
// model calls; store persists their cached outputs. logger may be nil, in
// which case a no-op logger is used.
func NewFolder(cfg config.MemoryFoldingConfig, store cache.Store, client model.Client, logger telemetry.Logger) *Folder {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Folder{cfg: cfg, store: store, client: client, counter: newTokenCounter(), logger: logger}
}

// Fold splits history into hot/warm/cold layers and compresses warm and
// cold per the configured strategies. history is ordered oldest-first.
func (f *Folder) Fold(ctx context.Context, history []*model.Message) (*Result, error) {
	hotTurns := f.cfg.HotTurns
	if hotTurns <= 0 {
		hotTurns = defaultHotTurns
	}
	warmTurns := f.cfg.WarmTurns
	if warmTurns <= 0 {
		warmTurns = defaultWarmTurns
	}

	hot, rest := splitTail(history, hotTurns)
	warm, cold := splitTail(rest, warmTurns)

	originalTokens := f.counter.countMessages(history)

	compressedCold, coldDistillTokens, err := f.compress(ctx, cold, f.cfg.ColdStrategy)
	if err != nil {
		return nil, fmt.Errorf("memory: fold cold layer: %w", err)
	}
	compressedWarm, warmDistillTokens, err := f.compress(ctx, warm, f.cfg.WarmStrategy)
	if err != nil {
		return nil, fmt.Errorf("memory: fold warm layer: %w", err)
	}

	compressedTokens := f.counter.countMessages(compressedCold) +
		f.counter.countMessages(compressedWarm) +
		f.counter.countMessages(hot)

	return &Result{
		Cold:  compressedCold,
		Warm:  compressedWarm,
		Hot:   hot,
		Stats: Stats{
			OriginalContextTokens:   originalTokens,
			CompressedContextTokens: compressedTokens,
			DistillationTokens:      coldDistillTokens + warmDistillTokens,
		},
	}, nil
}

// ApplyCacheCheckpoint marks the last message of the warm layer with a
// CacheCheckpointPart when variant is the messages-with-cache-control
// wire protocol. It is a no-op for other variants or an empty warm layer.
func ApplyCacheCheckpoint(warm []*model.Message, variant config.ProviderVariant) {
	if variant != config.VariantMessagesWithCacheControl || len(warm) == 0 {
		return
	}
	last := warm[len(warm)-1]
	last.Parts = append(last.Parts, model.CacheCheckpointPart{})
}

// splitTail returns the last n messages as tail and the remainder as head,
// both preserving order.
func splitTail(messages []*model.Message, n int) (tail, head []*model.Message) {
	if n >= len(messages) {
		return messages, nil
	}
	if n <= 0 {
		return nil, messages
	}
	cut := len(messages) - n
	return messages[cut:], messages[:cut]
}

// compress applies strategy to layer, returning the compressed messages
// (zero or one message, since consolidate/distill/summarize each collapse
// a layer to a single message) and the tokens spent calling a model, if
// any.
func (f *Folder) compress(ctx context.Context, layer []*model.Message, strategy string) ([]*model.Message, int, error) {
	if len(layer) == 0 {
		return nil, 0, nil
	}

	switch strategy {
	case strategyDistill:
		return f.distill(ctx, layer)
	case strategySummarize:
		return f.summarize(ctx, layer)
	case strategyConsolidate, "":
		msg := consolidate(layer)
		if msg == nil {
			return nil, 0, nil
		}
		return []*model.Message{msg}, 0, nil
	default:
		return nil, 0, fmt.Errorf("memory: unknown fold strategy %q", strategy)
	}
}

func (f *Folder) distill(ctx context.Context, layer []*model.Message) ([]*model.Message, int, error) {
	temperature := f.cfg.DistillTemperature
	if temperature == 0 {
		temperature = 0.3
	}

	key := contentKey(layer, strategyDistill, f.cfg.DistillModel)
	if text, ok := f.lookupCache(ctx, key); ok {
		return []*model.Message{textMessage(text)}, 0, nil
	}

	req := distillPrompt(layer, f.cfg.DistillModel, temperature)

	maxRetries := f.cfg.MaxDistillRetries
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		text, usage, err := callAndExtract(ctx, f.client, req)
		if err == nil {
			f.storeCache(ctx, key, text)
			return []*model.Message{textMessage(text)}, usage.TotalTokens, nil
		}
		lastErr = err
		f.logger.Warn(ctx, "memory: distill attempt failed", "attempt", attempt, "error", err)
	}

	f.logger.Warn(ctx, "memory: distill exhausted retries, falling back to consolidate", "error", lastErr)
	msg := consolidate(layer)
	if msg == nil {
		return nil, 0, nil
	}
	return []*model.Message{msg}, 0, nil
}

func (f *Folder) summarize(ctx context.Context, layer []*model.Message) ([]*model.Message, int, error) {
	key := contentKey(layer, strategySummarize, f.cfg.DistillModel)
	if text, ok := f.lookupCache(ctx, key); ok {
		return []*model.Message{textMessage(text)}, 0, nil
	}

	req := summarizePrompt(layer, f.cfg.DistillModel)
	text, usage, err := callAndExtract(ctx, f.client, req)
	if err != nil {
		return nil, 0, fmt.Errorf("memory: summarize: %w", err)
	}
	f.storeCache(ctx, key, text)
	return []*model.Message{textMessage(text)}, usage.TotalTokens, nil
}

func (f *Folder) lookupCache(ctx context.Context, key string) (string, bool) {
	if f.store == nil {
		return "", false
	}
	value, found, err := f.store.Get(ctx, cache.NamespaceFold, key)
	if err != nil || !found {
		return "", false
	}
	return string(value), true
}

func (f *Folder) storeCache(ctx context.Context, key, text string) {
	if f.store == nil {
		return
	}
	ttl := time.Duration(f.cfg.CacheTTLSeconds) * time.Second
	if err := f.store.Set(ctx, cache.NamespaceFold, key, []byte(text), ttl); err != nil {
		f.logger.Warn(ctx, "memory: cache store failed", "error", err)
	}
}

// contentKey hashes the input messages plus strategy and distill model
// into a deterministic cache key.
func contentKey(layer []*model.Message, strategy, distillModel string) string {
	h := sha256.New()
	for _, m := range layer {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(joinText(m)))
		h.Write([]byte{0})
	}
	h.Write([]byte(strategy))
	h.Write([]byte{0})
	h.Write([]byte(distillModel))
	return hex.EncodeToString(h.Sum(nil))
}

func textMessage(text string) *model.Message {
	return &model.Message{
		Role:  model.ConversationRoleAssistant,
		Parts: []model.Part{model.TextPart{Text: text}},
	}
}
