package openairesponses

import (
	"context"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thinkserver/model"
)

type fakeResponsesAPI struct {
	resp *responses.Response
	err  error

	lastParams responses.ResponseNewParams
}

func (f *fakeResponsesAPI) New(_ context.Context, body responses.ResponseNewParams, _ ...option.RequestOption) (*responses.Response, error) {
	f.lastParams = body
	return f.resp, f.err
}

func TestCompletePropagatesResponseID(t *testing.T) {
	api := &fakeResponsesAPI{resp: &responses.Response{ID: "resp_123"}}
	client, err := New(api, "gpt-5.2")
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: "hello"}}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "resp_123", resp.ResponseID)
}

func TestCompleteChainsPreviousResponseID(t *testing.T) {
	api := &fakeResponsesAPI{resp: &responses.Response{ID: "resp_456"}}
	client, err := New(api, "gpt-5.2")
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), &model.Request{
		PreviousResponseID: "resp_123",
		Messages: []*model.Message{
			{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: "first"}}},
			{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: "follow-up"}}},
		},
	})
	require.NoError(t, err)
	assert.True(t, api.lastParams.PreviousResponseID.Valid())
}

func TestCompleteRequiresMessages(t *testing.T) {
	client, err := New(&fakeResponsesAPI{}, "gpt-5.2")
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), &model.Request{})
	require.Error(t, err)
}

func TestStreamIsUnsupported(t *testing.T) {
	client, err := New(&fakeResponsesAPI{}, "gpt-5.2")
	require.NoError(t, err)

	_, err = client.Stream(context.Background(), &model.Request{})
	assert.ErrorIs(t, err, model.ErrStreamingUnsupported)
}
