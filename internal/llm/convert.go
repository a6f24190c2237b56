package llm

import (
	"github.com/s33g/promptkit/pkg/prompt"
)

// FromPrompt converts rendered messages to the OpenAI wire format. Opaque
// parts are inlined only when they declare the OpenAI mode; cache
// breakpoints have no OpenAI representation and are dropped.
func FromPrompt(msgs []prompt.ChatMessage) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		msg := Message{
			Role:       m.Role.String(),
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		msg.Content = content(m.Content)
		if msg.Content == nil && len(msg.ToolCalls) == 0 {
			msg.Content = ""
		}
		out = append(out, msg)
	}
	return out
}

// NewChatRequest builds a request for model from rendered messages
func NewChatRequest(model string, msgs []prompt.ChatMessage, maxTokens int) ChatRequest {
	return ChatRequest{
		Model:     model,
		Messages:  FromPrompt(msgs),
		MaxTokens: maxTokens,
	}
}

// content returns a plain string when the message is a single text part.
func content(parts []prompt.ContentPart) any {
	var out []ContentPart
	for _, p := range parts {
		switch p := p.(type) {
		case prompt.TextPart:
			out = append(out, ContentPart{Type: "text", Text: p.Text})
		case prompt.ImagePart:
			out = append(out, ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: p.URL, Detail: p.Detail}})
		case prompt.OpaquePart:
			if p.Mode&prompt.ModeOpenAI != 0 {
				out = append(out, ContentPart{raw: p.Value})
			}
		}
	}
	switch {
	case len(out) == 0:
		return nil
	case len(out) == 1 && out[0].Type == "text":
		return out[0].Text
	}
	return out
}
