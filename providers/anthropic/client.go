// Package anthropic implements model.Client over Anthropic's Messages API
// using github.com/anthropics/anthropic-sdk-go, for providers configured
// with config.VariantMessagesWithCacheControl. It is the only adapter that
// honors model.CacheCheckpointPart, translating it into an explicit
// cache_control marker on the preceding content block.
package anthropic

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"thinkserver/model"
)

// MessagesAPI captures the subset of sdk.MessageService used by this
// adapter.
type MessagesAPI interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Client implements model.Client on top of Anthropic Messages.
type Client struct {
	api          MessagesAPI
	defaultModel string
	maxTokens    int64
}

// New builds a Client from an explicit MessagesAPI, primarily for tests.
// maxTokens is the default output cap used when a request does not set
// one; the Messages API requires max_tokens on every call.
func New(api MessagesAPI, defaultModel string, maxTokens int64) (*Client, error) {
	if api == nil {
		return nil, errors.New("anthropic: messages API is required")
	}
	if strings.TrimSpace(defaultModel) == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{api: api, defaultModel: defaultModel, maxTokens: maxTokens}, nil
}

// NewFromAPIKey constructs a Client using the default anthropic-sdk-go
// HTTP client.
func NewFromAPIKey(apiKey, defaultModel string, maxTokens int64) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Messages, defaultModel, maxTokens)
}

// Complete issues a non-streaming Messages.New request, marking the cache
// checkpoint content block when the request carries a
// model.CacheCheckpointPart, and translates the response back into
// generic model types.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}

	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := c.api.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	return translateResponse(msg), nil
}

// Stream is unsupported for the same reason as the OpenAI adapters: the
// engine never consumes streaming responses directly.
func (c *Client) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func (c *Client) buildParams(req *model.Request) (sdk.MessageNewParams, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	var system []sdk.TextBlockParam
	var messages []sdk.MessageParam

	for _, m := range req.Messages {
		text, hasCheckpoint := partitionMessage(m)
		if text == "" {
			continue
		}
		if m.Role == model.ConversationRoleSystem {
			block := sdk.TextBlockParam{Text: text}
			if hasCheckpoint {
				block.CacheControl = sdk.NewCacheControlEphemeralParam()
			}
			system = append(system, block)
			continue
		}

		block := sdk.NewTextBlock(text)
		if hasCheckpoint {
			block.OfText.CacheControl = sdk.NewCacheControlEphemeralParam()
		}

		role := sdk.MessageParamRoleUser
		if m.Role == model.ConversationRoleAssistant {
			role = sdk.MessageParamRoleAssistant
		}
		messages = append(messages, sdk.MessageParam{
			Role:    role,
			Content: []sdk.ContentBlockParamUnion{block},
		})
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: maxTokens,
		Messages:  messages,
		System:    system,
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}
	if req.Thinking != nil && req.Thinking.Enable {
		budget := int64(req.Thinking.BudgetTokens)
		if budget <= 0 {
			budget = 1024
		}
		params.Thinking = sdk.ThinkingConfigParamUnion{
			OfEnabled: &sdk.ThinkingConfigEnabledParam{BudgetTokens: budget},
		}
	}
	return params, nil
}

// partitionMessage flattens a message's text parts and reports whether it
// carries a trailing CacheCheckpointPart.
func partitionMessage(m *model.Message) (text string, hasCheckpoint bool) {
	var b strings.Builder
	for _, p := range m.Parts {
		switch v := p.(type) {
		case model.TextPart:
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(v.Text)
		case model.CacheCheckpointPart:
			hasCheckpoint = true
		}
	}
	return b.String(), hasCheckpoint
}

func translateResponse(msg *sdk.Message) *model.Response {
	out := &model.Response{StopReason: string(msg.StopReason)}

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			out.Content = append(out.Content, model.Message{
				Role:  model.ConversationRoleAssistant,
				Parts: []model.Part{model.TextPart{Text: block.Text}},
			})
		case "thinking":
			if block.Thinking == "" {
				continue
			}
			out.Content = append(out.Content, model.Message{
				Role: model.ConversationRoleAssistant,
				Parts: []model.Part{model.ThinkingPart{
					Text:      block.Thinking,
					Signature: block.Signature,
				}},
			})
		}
	}

	out.Usage = model.TokenUsage{
		InputTokens:      int(msg.Usage.InputTokens),
		OutputTokens:     int(msg.Usage.OutputTokens),
		TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		CacheReadTokens:  int(msg.Usage.CacheReadInputTokens),
		CacheWriteTokens: int(msg.Usage.CacheCreationInputTokens),
	}
	return out
}

func classify(err error) error {
	var apiErr *sdk.Error
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
		"anthropic", "messages.new", apiErr.StatusCode, kind,
		apiErr.Type, apiErr.Message, "", retryable, err,
	)
}
