package openaichat

import (
	"context"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thinkserver/model"
)

type fakeCompletionsAPI struct {
	resp *openai.ChatCompletion
	err  error

	lastParams openai.ChatCompletionNewParams
}

func (f *fakeCompletionsAPI) New(_ context.Context, body openai.ChatCompletionNewParams, _ ...option.RequestOption) (*openai.ChatCompletion, error) {
	f.lastParams = body
	return f.resp, f.err
}

func TestCompleteTranslatesResponse(t *testing.T) {
	api := &fakeCompletionsAPI{
		resp: &openai.ChatCompletion{
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Content: "the answer is 4"}, FinishReason: "stop"},
			},
			Usage: openai.CompletionUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		},
	}
	client, err := New(api, "gpt-5.2")
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: "what is 2+2?"}}}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Equal(t, "stop", resp.StopReason)
}

func TestCompleteRequiresMessages(t *testing.T) {
	client, err := New(&fakeCompletionsAPI{}, "gpt-5.2")
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), &model.Request{})
	require.Error(t, err)
}

func TestStreamIsUnsupported(t *testing.T) {
	client, err := New(&fakeCompletionsAPI{}, "gpt-5.2")
	require.NoError(t, err)

	_, err = client.Stream(context.Background(), &model.Request{})
	assert.ErrorIs(t, err, model.ErrStreamingUnsupported)
}

func TestNewRequiresDefaultModel(t *testing.T) {
	_, err := New(&fakeCompletionsAPI{}, "")
	require.Error(t, err)
}
