package memory

import (
	"context"
	"fmt"
	"strings"

	"thinkserver/model"
)

// consolidate implements the O(n) rule-based strategy: it merges
// consecutive same-role messages, preserving all text, without calling a
// model.
func consolidate(messages []*model.Message) *model.Message {
	if len(messages) == 0 {
		return nil
	}

	var b strings.Builder
	role := messages[0].Role
	lastRole := model.ConversationRole("")
	for _, m := range messages {
		text := joinText(m)
		if text == "" {
			continue
		}
		if m.Role != lastRole {
			if lastRole != "" {
				b.WriteString("\n\n")
			}
			b.WriteString(string(m.Role))
			b.WriteString(": ")
			lastRole = m.Role
		} else {
			b.WriteString(" ")
		}
		b.WriteString(text)
	}

	return &model.Message{
		Role:  role,
		Parts: []model.Part{model.TextPart{Text: b.String()}},
	}
}

// joinText concatenates every TextPart in a message with single spaces,
// ignoring non-text parts (images, thinking, citations); folding only
// compresses the textual transcript.
func joinText(m *model.Message) string {
	var parts []string
	for _, p := range m.Parts {
		if t, ok := p.(model.TextPart); ok && t.Text != "" {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, " ")
}

// distillPrompt builds the request that asks the distillation model to
// produce a concept/decision/reasoning-step summary of messages.
func distillPrompt(messages []*model.Message, distillModel string, temperature float32) *model.Request {
	var transcript strings.Builder
	for _, m := range messages {
		transcript.WriteString(string(m.Role))
		transcript.WriteString(": ")
		transcript.WriteString(joinText(m))
		transcript.WriteString("\n")
	}

	instruction := "Distill the following conversation excerpt into a compact summary " +
		"covering: key concepts introduced, decisions made, and reasoning steps " +
		"taken. Be terse; omit anything not load-bearing for continuing the " +
		"conversation.\n\n" + transcript.String()

	return &model.Request{
		Model:       distillModel,
		Temperature: temperature,
		Messages: []*model.Message{
			{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: instruction}}},
		},
	}
}

// summarizePrompt builds the request that asks for a narrative summary of
// messages, the "summarize" strategy.
func summarizePrompt(messages []*model.Message, summaryModel string) *model.Request {
	var transcript strings.Builder
	for _, m := range messages {
		transcript.WriteString(string(m.Role))
		transcript.WriteString(": ")
		transcript.WriteString(joinText(m))
		transcript.WriteString("\n")
	}

	instruction := "Summarize the following conversation excerpt as a short narrative " +
		"paragraph a new participant could read to get up to speed.\n\n" + transcript.String()

	return &model.Request{
		Model: summaryModel,
		Messages: []*model.Message{
			{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: instruction}}},
		},
	}
}

// responseText extracts the concatenated text of a model response, used to
// turn a distill/summarize Response back into a single compressed message.
func responseText(resp *model.Response) string {
	var b strings.Builder
	for _, m := range resp.Content {
		b.WriteString(joinText(&m))
	}
	return b.String()
}

func callAndExtract(ctx context.Context, client model.Client, req *model.Request) (string, model.TokenUsage, error) {
	resp, err := client.Complete(ctx, req)
	if err != nil {
		return "", model.TokenUsage{}, fmt.Errorf("memory: model call failed: %w", err)
	}
	return responseText(resp), resp.Usage, nil
}
