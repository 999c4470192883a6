// Package openairesponses implements model.Client over OpenAI's Responses
// API using github.com/openai/openai-go, for providers configured with
// config.VariantResponses. Unlike openaichat, this variant supports
// server-side prefix chaining via PreviousResponseID/ResponseID.
package openairesponses

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"thinkserver/model"
)

// ResponsesAPI captures the subset of openai.ResponseService used by this
// adapter.
type ResponsesAPI interface {
	New(ctx context.Context, body responses.ResponseNewParams, opts ...option.RequestOption) (*responses.Response, error)
}

// Client implements model.Client on top of the OpenAI Responses API.
type Client struct {
	api          ResponsesAPI
	defaultModel string
}

// New builds a Client from an explicit ResponsesAPI, primarily for tests.
func New(api ResponsesAPI, defaultModel string) (*Client, error) {
	if api == nil {
		return nil, errors.New("openairesponses: responses API is required")
	}
	if strings.TrimSpace(defaultModel) == "" {
		return nil, errors.New("openairesponses: default model is required")
	}
	return &Client{api: api, defaultModel: defaultModel}, nil
}

// NewFromAPIKey constructs a Client using the default openai-go HTTP
// client.
func NewFromAPIKey(apiKey, baseURL, defaultModel string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openairesponses: api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	sdk := openai.NewClient(opts...)
	return New(&sdk.Responses, defaultModel)
}

// Complete issues a Responses.New request, chaining to PreviousResponseID
// when the request carries one, and translates the response back into
// generic model types including the new ResponseID for the caller to
// chain on the next turn.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openairesponses: messages are required")
	}

	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	params := responses.ResponseNewParams{
		Model: responses.ResponsesModel(modelID),
		Input: responses.ResponseNewParamsInputUnion{OfString: openai.String(flattenTranscript(req.Messages))},
	}
	if req.PreviousResponseID != "" {
		params.PreviousResponseID = openai.String(req.PreviousResponseID)
		// When chaining server-side, only the newest turn needs to be sent;
		// the provider retains the prior prefix under the response id.
		if last := req.Messages[len(req.Messages)-1]; last.Role != model.ConversationRoleSystem {
			params.Input = responses.ResponseNewParamsInputUnion{OfString: openai.String(flattenText(last))}
		}
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(float64(req.Temperature))
	}
	if req.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Store != nil {
		params.Store = openai.Bool(*req.Store)
	}

	resp, err := c.api.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	return translateResponse(resp), nil
}

// Stream is unsupported for the same reason as openaichat: the engine
// never consumes streaming responses directly.
func (c *Client) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func flattenTranscript(messages []*model.Message) string {
	var b strings.Builder
	for _, m := range messages {
		text := flattenText(m)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(text)
	}
	return b.String()
}

func flattenText(m *model.Message) string {
	var b strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(model.TextPart); ok {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

func translateResponse(resp *responses.Response) *model.Response {
	out := &model.Response{ResponseID: resp.ID}
	if text := resp.OutputText(); text != "" {
		out.Content = []model.Message{{
			Role:  model.ConversationRoleAssistant,
			Parts: []model.Part{model.TextPart{Text: text}},
		}}
	}
	out.Usage = model.TokenUsage{
		InputTokens:     int(resp.Usage.InputTokens),
		OutputTokens:    int(resp.Usage.OutputTokens),
		TotalTokens:     int(resp.Usage.TotalTokens),
		CacheReadTokens: int(resp.Usage.InputTokensDetails.CachedTokens),
		ReasoningTokens: int(resp.Usage.OutputTokensDetails.ReasoningTokens),
	}
	return out
}

func classify(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}

	kind := model.ProviderErrorKindGeneric
	switch apiErr.StatusCode {
	case 401, 403:
		kind = model.ProviderErrorKindAuth
	case 400, 422:
		kind = model.ProviderErrorKindInvalidRequest
	case 404:
		kind = model.ProviderErrorKindNotFound
	case 429:
		kind = model.ProviderErrorKindRateLimited
	case 408, 504:
		kind = model.ProviderErrorKindTimeout
	default:
		if apiErr.StatusCode >= 500 {
			kind = model.ProviderErrorKindServer
		}
	}

	retryable := kind == model.ProviderErrorKindRateLimited || kind == model.ProviderErrorKindServer || kind == model.ProviderErrorKindTimeout
	return model.NewProviderError(
		"openai", "responses.new", apiErr.StatusCode, kind,
		apiErr.Code, apiErr.Message, "", retryable, err,
	)
}
