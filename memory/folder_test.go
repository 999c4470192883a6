package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thinkserver/cache"
	"thinkserver/config"
	"thinkserver/model"
)

type fakeClient struct {
	calls int
	fail  int
	text  string
	usage model.TokenUsage
}

func (f *fakeClient) Complete(_ context.Context, _ *model.Request) (*model.Response, error) {
	f.calls++
	if f.calls <= f.fail {
		return nil, errFake
	}
	return &model.Response{
		Content: []model.Message{{
			Role:  model.ConversationRoleAssistant,
			Parts: []model.Part{model.TextPart{Text: f.text}},
		}},
		Usage: f.usage,
	}, nil
}

func (f *fakeClient) Stream(_ context.Context, _ *model.Request) (model.Streamer, error) {
	return nil, nil
}

var errFake error = &model.ProviderError{}

func turn(role model.ConversationRole, text string) *model.Message {
	return &model.Message{Role: role, Parts: []model.Part{model.TextPart{Text: text}}}
}

func history(n int) []*model.Message {
	var out []*model.Message
	for i := 0; i < n; i++ {
		role := model.ConversationRoleUser
		if i%2 == 1 {
			role = model.ConversationRoleAssistant
		}
		out = append(out, turn(role, "turn content"))
	}
	return out
}

func TestFoldSplitsHotWarmCold(t *testing.T) {
	cfg := config.MemoryFoldingConfig{HotTurns: 2, WarmTurns: 3, ColdStrategy: "consolidate", WarmStrategy: "consolidate"}
	store, err := cache.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	f := NewFolder(cfg, store, &fakeClient{}, nil)

	result, err := f.Fold(context.Background(), history(10))
	require.NoError(t, err)

	assert.Len(t, result.Hot, 2)
	assert.Len(t, result.Warm, 1)
	assert.Len(t, result.Cold, 1)
}

func TestFoldConsolidateMergesSameRole(t *testing.T) {
	cfg := config.MemoryFoldingConfig{HotTurns: 0, WarmTurns: 0, ColdStrategy: "consolidate"}
	f := NewFolder(cfg, nil, &fakeClient{}, nil)

	msgs, tokens, err := f.compress(context.Background(), history(4), "consolidate")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 0, tokens)
	assert.Contains(t, joinText(msgs[0]), "turn content")
}

func TestFoldDistillCachesOutput(t *testing.T) {
	cfg := config.MemoryFoldingConfig{DistillModel: "gpt-5-mini"}
	store, err := cache.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	client := &fakeClient{text: "distilled summary", usage: model.TokenUsage{TotalTokens: 42}}
	f := NewFolder(cfg, store, client, nil)

	layer := history(3)
	msgs1, tokens1, err := f.compress(context.Background(), layer, "distill")
	require.NoError(t, err)
	require.Len(t, msgs1, 1)
	assert.Equal(t, 42, tokens1)
	assert.Equal(t, 1, client.calls)

	msgs2, tokens2, err := f.compress(context.Background(), layer, "distill")
	require.NoError(t, err)
	assert.Equal(t, 0, tokens2)
	assert.Equal(t, joinText(msgs1[0]), joinText(msgs2[0]))
	assert.Equal(t, 1, client.calls, "second call should hit the cache, not the model")
}

func TestFoldDistillFallsBackToConsolidateOnExhaustion(t *testing.T) {
	cfg := config.MemoryFoldingConfig{DistillModel: "gpt-5-mini", MaxDistillRetries: 2}
	store, err := cache.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	client := &fakeClient{fail: 10}
	f := NewFolder(cfg, store, client, nil)

	msgs, tokens, err := f.compress(context.Background(), history(3), "distill")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 0, tokens)
	assert.Equal(t, 3, client.calls)
	assert.Contains(t, joinText(msgs[0]), "turn content")
}

func TestStatsSavedAndNetSaved(t *testing.T) {
	s := Stats{OriginalContextTokens: 1000, CompressedContextTokens: 400, DistillationTokens: 50}
	assert.Equal(t, 600, s.Saved())
	assert.Equal(t, 550, s.NetSaved())
}

func TestStatsSavedNeverNegative(t *testing.T) {
	s := Stats{OriginalContextTokens: 100, CompressedContextTokens: 500}
	assert.Equal(t, 0, s.Saved())
}

func TestApplyCacheCheckpointOnlyForCacheControlVariant(t *testing.T) {
	warm := history(2)
	ApplyCacheCheckpoint(warm, config.VariantChatCompletion)
	assert.Len(t, warm[len(warm)-1].Parts, 1)

	ApplyCacheCheckpoint(warm, config.VariantMessagesWithCacheControl)
	assert.Len(t, warm[len(warm)-1].Parts, 2)
}
