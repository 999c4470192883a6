package model

// TranscriptEntry represents a single ordered entry in a flattened transcript.
// Callers that persist a run's history can rebuild Messages by mapping each
// entry to a Message with the same role and parts.
//
// Typical usage:
//
//	msgs := BuildMessagesFromTranscript([]TranscriptEntry{
//	    {Role: ConversationRoleSystem, Parts: []Part{TextPart{Text: sys}}},
//	    {Role: ConversationRoleUser, Parts: []Part{TextPart{Text: user}}},
//	    {Role: ConversationRoleAssistant, Parts: []Part{
//	        ThinkingPart{Text: "...", Signature: "sig"},
//	        TextPart{Text: "answer"},
//	    }},
//	})
type TranscriptEntry struct {
	Role  ConversationRole
	Parts []Part
}

// BuildMessagesFromTranscript constructs Messages from a flat transcript.
// It preserves the provided order and parts without synthesis or
// normalization. Callers are responsible for provider-specific invariants
// (e.g., placing ThinkingPart before TextPart in an assistant message).
func BuildMessagesFromTranscript(entries []TranscriptEntry) []*Message {
	if len(entries) == 0 {
		return nil
	}
	out := make([]*Message, 0, len(entries))
	for _, e := range entries {
		if e.Role == "" {
			continue
		}
		msg := &Message{
			Role:  e.Role,
			Parts: make([]Part, 0, len(e.Parts)),
		}
		for _, p := range e.Parts {
			switch v := p.(type) {
			case TextPart:
				msg.Parts = append(msg.Parts, v)
			case ThinkingPart:
				msg.Parts = append(msg.Parts, v)
			case ImagePart:
				msg.Parts = append(msg.Parts, v)
			case DocumentPart:
				msg.Parts = append(msg.Parts, v)
			case CitationsPart:
				msg.Parts = append(msg.Parts, v)
			case CacheCheckpointPart:
				msg.Parts = append(msg.Parts, v)
			default:
				continue
			}
		}
		if len(msg.Parts) == 0 {
			continue
		}
		out = append(out, msg)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
