// Package openaichat implements model.Client over OpenAI's Chat Completions
// API using github.com/openai/openai-go, for providers configured with
// config.VariantChatCompletion.
package openaichat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"thinkserver/model"
)

// CompletionsAPI captures the subset of openai.ChatCompletionService used by
// this adapter, so tests can substitute a fake without a live API key.
type CompletionsAPI interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts...option.RequestOption) (*openai.ChatCompletion, error)
}

// Client implements model.Client on top of OpenAI Chat Completions.
type Client struct {
	api          CompletionsAPI
	defaultModel string
}

// New builds a Client from an explicit CompletionsAPI, primarily for tests.
func New(api CompletionsAPI, defaultModel string) (*Client, error) {
	if api == nil {
		return nil, errors.New("openaichat: completions API is required")
	}
	if strings.TrimSpace(defaultModel) == "" {
		return nil, errors.New("openaichat: default model is required")
	}
	return &Client{api: api, defaultModel: defaultModel}, nil
}

// NewFromAPIKey constructs a Client using the default openai-go HTTP
// client.
func NewFromAPIKey(apiKey, baseURL, defaultModel string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openaichat: api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	sdk := openai.NewClient(opts...)
	return New(&sdk.Chat.Completions, defaultModel)
}

// Complete issues a non-streaming chat completion request and translates
// the response back into generic model types.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openaichat: messages are required")
	}
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.api.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	return translateResponse(resp), nil
}

// Stream is unsupported: the engine never consumes streaming responses
// directly, so this adapter only needs the aggregated Complete path.
func (c *Client) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func (c *Client) buildParams(req *model.Request) (openai.ChatCompletionNewParams, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		text := flattenText(m)
		if text == "" {
			continue
		}
		switch m.Role {
		case model.ConversationRoleSystem:
			messages = append(messages, openai.SystemMessage(text))
		case model.ConversationRoleAssistant:
			messages = append(messages, openai.AssistantMessage(text))
		default:
			messages = append(messages, openai.UserMessage(text))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(modelID),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(float64(req.Temperature))
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	return params, nil
}

// flattenText concatenates every TextPart in a message, which is all this
// variant needs: the chat-completion wire protocol has no first-class
// notion of thinking, citations or cache checkpoints.
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

func translateResponse(resp *openai.ChatCompletion) *model.Response {
	out := &model.Response{}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if choice.Message.Content != "" {
			out.Content = []model.Message{{
				Role:  model.ConversationRoleAssistant,
				Parts: []model.Part{model.TextPart{Text: choice.Message.Content}},
			}}
		}
		out.StopReason = string(choice.FinishReason)
	}
	out.Usage = model.TokenUsage{
		InputTokens:     int(resp.Usage.PromptTokens),
		OutputTokens:    int(resp.Usage.CompletionTokens),
		TotalTokens:     int(resp.Usage.TotalTokens),
		CacheReadTokens: int(resp.Usage.PromptTokensDetails.CachedTokens),
		ReasoningTokens: int(resp.Usage.CompletionTokensDetails.ReasoningTokens),
	}
	return out
}

// classify maps an openai-go API error to a model.ProviderError so
// errs.Classify can translate it into the engine's error taxonomy.
func classify(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("openaichat: chat completion: %w", err)
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
		"openai", "chat.completions.new", apiErr.StatusCode, kind,
		apiErr.Code, apiErr.Message, "", retryable, err,
	)
}
