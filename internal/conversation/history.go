package conversation

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/s33g/promptkit/pkg/prompt"
)

// History renders stored conversation turns as prompt messages. Older turns
// get lower priorities so they are pruned first, and every turn competes
// with the history's siblings on its own. A tool result is bound to the
// assistant tool call it answers: pruning either drops both.
//
// Turns come from Messages, or from Store when it is set.
type History struct {
	Messages []Message

	Store          *Manager
	Namespace      string
	ConversationID string

	// KeepRecent newest turns outlive every older turn.
	KeepRecent int
	// BasePriority is the priority of the oldest turn.
	BasePriority uint

	Logger zerolog.Logger
}

// recentPriority sits just below the default so recent turns still go
// before unprioritized content such as the system prompt.
const recentPriority = prompt.MaxPriority - 1

// Prepare loads the turns from the store.
func (h *History) Prepare(ctx context.Context, _ *prompt.Sizing) (any, error) {
	if h.Store == nil {
		return h.Messages, nil
	}
	msgs, err := h.Store.GetMessages(ctx, h.Namespace, h.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return msgs, nil
}

func (h *History) Render(ctx context.Context, state any, sizing *prompt.Sizing) (prompt.Piece, error) {
	msgs, ok := state.([]Message)
	if !ok {
		msgs = h.Messages
	}

	// Tool call ids answered by a later tool message.
	answered := make(map[string]bool)
	for _, m := range msgs {
		if m.Role == "tool" && m.ToolCallID != "" {
			answered[m.ToolCallID] = true
		}
	}

	bindings := make(map[string]prompt.KeepWith)
	turns := make([]prompt.Piece, 0, len(msgs))
	for i, m := range msgs {
		role, err := prompt.ParseRole(m.Role)
		if err != nil {
			return prompt.Piece{}, fmt.Errorf("history message %d: %w", i, err)
		}
		prio := h.priority(i, len(msgs))
		props := prompt.Props{Priority: prompt.Prio(prio), Name: m.Name}

		var content []prompt.Piece
		if m.Content != "" {
			content = append(content, prompt.TextChunk(prompt.Props{}, prompt.Text(m.Content)))
		}

		switch {
		case role == prompt.RoleAssistant && len(m.ToolCalls) > 0:
			calls := make([]prompt.ToolCall, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				call := prompt.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
				if answered[tc.ID] {
					kw := sizing.NewKeepWith()
					bindings[tc.ID] = kw
					call.KeepWith = kw.ID()
				}
				calls = append(calls, call)
			}
			turns = append(turns, prompt.AssistantToolCalls(props, calls, content...))

		case role == prompt.RoleTool:
			result := prompt.ToolResult(prompt.Props{Name: m.Name}, m.ToolCallID, content...)
			if kw, ok := bindings[m.ToolCallID]; ok {
				turns = append(turns, kw.Wrap(prompt.Props{Priority: prompt.Prio(prio)}, result))
				continue
			}
			h.Logger.Warn().
				Str("tool_call_id", m.ToolCallID).
				Msg("Tool result without a matching call in history")
			turns = append(turns, prompt.ToolResult(props, m.ToolCallID, content...))

		default:
			turns = append(turns, prompt.Message(role, props, content...))
		}
	}

	return prompt.Group(prompt.Props{Name: "history", PassPriority: true}, turns...), nil
}

func (h *History) priority(i, n int) uint {
	if i >= n-h.KeepRecent {
		return recentPriority
	}
	return h.BasePriority + uint(i)
}
