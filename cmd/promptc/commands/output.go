package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/s33g/promptkit/internal/config"
	"github.com/s33g/promptkit/internal/llm"
	"github.com/s33g/promptkit/pkg/prompt"
)

// hostMessage is the JSON shape of a host chat message.
type hostMessage struct {
	Role  string     `json:"role"`
	Name  string     `json:"name,omitempty"`
	Parts []hostPart `json:"parts"`
}

type hostPart struct {
	Type    string         `json:"type"`
	Text    string         `json:"text,omitempty"`
	URL     string         `json:"url,omitempty"`
	Detail  string         `json:"detail,omitempty"`
	Value   any            `json:"value,omitempty"`
	CallID  string         `json:"call_id,omitempty"`
	Name    string         `json:"name,omitempty"`
	Input   map[string]any `json:"input,omitempty"`
	Content []hostPart     `json:"content,omitempty"`
}

func toHostJSON(msgs []prompt.HostMessage) []hostMessage {
	out := make([]hostMessage, len(msgs))
	for i, m := range msgs {
		out[i] = hostMessage{Role: m.Role.String(), Name: m.Name, Parts: toHostParts(m.Parts)}
	}
	return out
}

func toHostParts(parts []prompt.HostPart) []hostPart {
	out := make([]hostPart, 0, len(parts))
	for _, p := range parts {
		switch p := p.(type) {
		case prompt.HostTextPart:
			out = append(out, hostPart{Type: "text", Text: p.Value})
		case prompt.HostImagePart:
			out = append(out, hostPart{Type: "image", URL: p.URL, Detail: p.Detail})
		case prompt.HostDataPart:
			out = append(out, hostPart{Type: "data", Value: p.Value})
		case prompt.HostToolCallPart:
			out = append(out, hostPart{Type: "tool_call", CallID: p.CallID, Name: p.Name, Input: p.Input})
		case prompt.HostToolResultPart:
			out = append(out, hostPart{Type: "tool_result", CallID: p.CallID, Content: toHostParts(p.Content)})
		}
	}
	return out
}

// writeResult prints the rendered messages in the given output mode.
func writeResult(w io.Writer, res *prompt.RenderResult, mode prompt.OutputMode, model *config.Model) error {
	switch mode {
	case prompt.ModeOpenAI:
		id := ""
		if model != nil {
			id = model.ID
		}
		return writeJSON(w, llm.NewChatRequest(id, res.Messages, 0))
	case prompt.ModeHostChat:
		msgs, err := prompt.ToHostChat(res.Messages)
		if err != nil {
			return err
		}
		return writeJSON(w, toHostJSON(msgs))
	default:
		return writeRaw(w, res.Messages)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeRaw prints each message under a role header.
func writeRaw(w io.Writer, msgs []prompt.ChatMessage) error {
	for i, m := range msgs {
		if i > 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		header := m.Role.String()
		if m.Name != "" {
			header += " (" + m.Name + ")"
		}
		if m.ToolCallID != "" {
			header += " [" + m.ToolCallID + "]"
		}
		if _, err := fmt.Fprintf(w, "### %s\n", header); err != nil {
			return err
		}
		if text := m.Text(); text != "" {
			if _, err := fmt.Fprintln(w, text); err != nil {
				return err
			}
		}
		for _, tc := range m.ToolCalls {
			if _, err := fmt.Fprintf(w, "-> %s(%s) [%s]\n", tc.Name, tc.Arguments, tc.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// summary describes a render for stderr.
func summary(res *prompt.RenderResult, budget int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d messages, %d/%d tokens", len(res.Messages), res.TokenCount, budget)
	if res.Removed > 0 {
		fmt.Fprintf(&b, ", %d pruned", res.Removed)
	}
	if len(res.References) > 0 {
		fmt.Fprintf(&b, "\nreferences:")
		for _, r := range res.References {
			fmt.Fprintf(&b, " %s", r.URI)
		}
	}
	if len(res.OmittedReferences) > 0 {
		fmt.Fprintf(&b, "\nomitted:")
		for _, r := range res.OmittedReferences {
			fmt.Fprintf(&b, " %s", r.URI)
		}
	}
	for _, ig := range prompt.MetadataOf[prompt.IgnoredFilesMetadata](res.Metadata) {
		fmt.Fprintf(&b, "\nignored: %s", strings.Join(ig.Paths, " "))
	}
	return b.String()
}
