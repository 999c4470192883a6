package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPartMarshalJSONIncludesKind(t *testing.T) {
	cases := []struct {
		name string
		part Part
		kind string
	}{
		{
			name: "thinking",
			part: ThinkingPart{
				Text:      "think",
				Signature: "sig",
				Index:     1,
				Final:     true,
			},
			kind: "thinking",
		},
		{name: "text", part: TextPart{Text: "hello"}, kind: "text"},
		{name: "citations", part: CitationsPart{Text: "answer", Citations: []Citation{{Title: "doc"}}}, kind: "citations"},
		{name: "cache_checkpoint", part: CacheCheckpointPart{}, kind: "cache_checkpoint"},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.part)
			require.NoError(t, err)
			var obj map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(raw, &obj))

			var kind string
			require.NoError(t, json.Unmarshal(obj["Kind"], &kind))
			require.Equal(t, tt.kind, kind)
		})
	}
}

func TestDecodeMessagePartHonorsKind(t *testing.T) {
	const payload = `{"Kind":"text","Text":"legacy payload"}`
	part, err := decodeMessagePart([]byte(payload))
	require.NoError(t, err)

	tp, ok := part.(TextPart)
	require.True(t, ok)
	require.Equal(t, "legacy payload", tp.Text)
}

func TestThinkingPartRoundTripPreservesSignature(t *testing.T) {
	orig := ThinkingPart{
		Text:      "let me think",
		Signature: "signed-by-provider",
		Redacted:  []byte{0x01, 0x02},
		Index:     3,
		Final:     true,
	}

	raw, err := json.Marshal(orig)
	require.NoError(t, err)

	part, err := decodeMessagePart(raw)
	require.NoError(t, err)

	got, ok := part.(ThinkingPart)
	require.True(t, ok)
	require.Equal(t, orig.Text, got.Text)
	require.Equal(t, orig.Signature, got.Signature)
	require.Equal(t, orig.Index, got.Index)
	require.Equal(t, orig.Final, got.Final)
	require.Equal(t, orig.Redacted, got.Redacted)
}

func TestMessageJSONRoundTrip(t *testing.T) {
	msg := Message{
		Role: ConversationRoleAssistant,
		Parts: []Part{
			TextPart{Text: "hello"},
			CacheCheckpointPart{},
		},
		Meta: map[string]any{"turn": float64(1)},
	}

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var got Message
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, msg.Role, got.Role)
	require.Len(t, got.Parts, 2)
	require.Equal(t, msg.Meta, got.Meta)
}
