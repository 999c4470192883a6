// Package bedrock implements model.Client over AWS Bedrock's Converse API
// using github.com/aws/aws-sdk-go-v2/service/bedrockruntime, for providers
// named "bedrock" under either the chat-completion or the
// messages-with-cache-control variant (Bedrock has no server-side
// response-id chaining). Only text parts are sent; CacheCheckpointPart is
// ignored.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"thinkserver/model"
)

// ConverseAPI captures the subset of bedrockruntime.Client used by this
// adapter.
type ConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Client implements model.Client on top of AWS Bedrock Converse.
type Client struct {
	runtime      ConverseAPI
	defaultModel string
}

// New builds a Client from an explicit ConverseAPI, primarily for tests.
func New(runtime ConverseAPI, defaultModel string) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: converse API is required")
	}
	if strings.TrimSpace(defaultModel) == "" {
		return nil, errors.New("bedrock: default model is required")
	}
	return &Client{runtime: runtime, defaultModel: defaultModel}, nil
}

// Complete issues a Converse request and translates the response into
// generic model types.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}

	input, err := c.buildInput(req)
	if err != nil {
		return nil, err
	}

	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return nil, classify(err)
	}
	return translateResponse(output), nil
}

// Stream is unsupported for the same reason as the other adapters: the
// engine never consumes streaming responses directly.
func (c *Client) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func (c *Client) buildInput(req *model.Request) (*bedrockruntime.ConverseInput, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	var system []brtypes.SystemContentBlock
	var messages []brtypes.Message

	for _, m := range req.Messages {
		text := flattenText(m)
		if text == "" {
			continue
		}
		if m.Role == model.ConversationRoleSystem {
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: text})
			continue
		}

		role := brtypes.ConversationRoleUser
		if m.Role == model.ConversationRoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		messages = append(messages, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: text}},
		})
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  &modelID,
		Messages: messages,
		System:   system,
	}

	if req.MaxTokens > 0 || req.Temperature > 0 {
		cfg := &brtypes.InferenceConfiguration{}
		if req.MaxTokens > 0 {
			maxTokens := int32(req.MaxTokens)
			cfg.MaxTokens = &maxTokens
		}
		if req.Temperature > 0 {
			temp := req.Temperature
			cfg.Temperature = &temp
		}
		input.InferenceConfig = cfg
	}

	return input, nil
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

func translateResponse(output *bedrockruntime.ConverseOutput) *model.Response {
	resp := &model.Response{StopReason: string(output.StopReason)}

	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if text, ok := block.(*brtypes.ContentBlockMemberText); ok && text.Value != "" {
				resp.Content = append(resp.Content, model.Message{
					Role:  model.ConversationRoleAssistant,
					Parts: []model.Part{model.TextPart{Text: text.Value}},
				})
			}
		}
	}

	if usage := output.Usage; usage != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:      int(ptrValue(usage.InputTokens)),
			OutputTokens:     int(ptrValue(usage.OutputTokens)),
			TotalTokens:      int(ptrValue(usage.TotalTokens)),
			CacheReadTokens:  int(ptrValue(usage.CacheReadInputTokens)),
			CacheWriteTokens: int(ptrValue(usage.CacheWriteInputTokens)),
		}
	}
	return resp
}

func ptrValue(p *int32) int32 {
	if p == nil {
		return 0
	}
	return *p
}

// classify treats Bedrock's ThrottlingException (and the HTTP 429 it maps
// to) as RateLimited, and otherwise buckets by the smithy API error code,
// matching the classification this adapter's Converse caller relies on.
func classify(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("bedrock: converse: %w", err)
	}

	kind := model.ProviderErrorKindGeneric
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "TooManyRequestsException":
		kind = model.ProviderErrorKindRateLimited
	case "ValidationException":
		kind = model.ProviderErrorKindInvalidRequest
	case "AccessDeniedException", "UnauthorizedException":
		kind = model.ProviderErrorKindAuth
	case "ResourceNotFoundException":
		kind = model.ProviderErrorKindNotFound
	case "ModelTimeoutException":
		kind = model.ProviderErrorKindTimeout
	case "InternalServerException", "ServiceUnavailableException":
		kind = model.ProviderErrorKindServer
	}

	httpStatus := 0
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		httpStatus = respErr.HTTPStatusCode()
		if httpStatus == 429 {
			kind = model.ProviderErrorKindRateLimited
		}
	}

	retryable := kind == model.ProviderErrorKindRateLimited || kind == model.ProviderErrorKindServer || kind == model.ProviderErrorKindTimeout
	return model.NewProviderError(
		"bedrock", "converse", httpStatus, kind,
		apiErr.ErrorCode(), apiErr.ErrorMessage(), "", retryable, err,
	)
}
