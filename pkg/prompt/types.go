// Package prompt turns a declarative tree of prompt elements into an ordered
// list of chat messages that fits a token budget.
//
// Rendering runs in three steps. The renderer walks the authored Piece tree,
// handing every element a share of the budget (flex groups, reservations and
// token limits decide the shares). The rendered tree is then materialized into
// a canonical Node tree that can be token counted. Finally the pruner removes
// the lowest-priority content until every declared limit holds, and
// Expandable elements get one more render with whatever budget is left.
package prompt

import (
	"context"
	"fmt"
	"strings"
)

// Role is the author of a chat message.
type Role int

const (
	RoleSystem Role = iota
	RoleUser
	RoleAssistant
	RoleTool
)

func (r Role) String() string {
	switch r {
	case RoleSystem:
		return "system"
	case RoleUser:
		return "user"
	case RoleAssistant:
		return "assistant"
	case RoleTool:
		return "tool"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole parses the lower-case role names used by chat APIs.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "system":
		return RoleSystem, nil
	case "user":
		return RoleUser, nil
	case "assistant":
		return RoleAssistant, nil
	case "tool":
		return RoleTool, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// OutputMode selects an output representation. Values are bit flags so an
// opaque part can declare every mode it may be inlined into.
type OutputMode uint8

const (
	ModeRaw OutputMode = 1 << iota
	ModeOpenAI
	ModeHostChat
)

func (m OutputMode) String() string {
	var names []string
	if m&ModeRaw != 0 {
		names = append(names, "raw")
	}
	if m&ModeOpenAI != 0 {
		names = append(names, "openai")
	}
	if m&ModeHostChat != 0 {
		names = append(names, "host")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ParseOutputMode parses a single mode name.
func ParseOutputMode(s string) (OutputMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "raw", "":
		return ModeRaw, nil
	case "openai":
		return ModeOpenAI, nil
	case "host", "hostchat", "host-chat":
		return ModeHostChat, nil
	}
	return 0, fmt.Errorf("unknown output mode %q", s)
}

// ContentPart is one piece of message content.
type ContentPart interface {
	isContentPart()
}

// TextPart is literal message text.
type TextPart struct {
	Text string
}

// ImagePart references an image by URL or data URI.
type ImagePart struct {
	URL    string
	Detail string
}

// OpaquePart carries a value the tokenizer cannot inspect. TokenUsage is the
// declared upper bound of its cost and Mode lists the output modes it may be
// inlined into.
type OpaquePart struct {
	Value      any
	TokenUsage int
	Mode       OutputMode
}

// CacheBreakpointPart marks a prompt-caching boundary. It costs no tokens.
type CacheBreakpointPart struct {
	Type string
}

func (TextPart) isContentPart()            {}
func (ImagePart) isContentPart()           {}
func (OpaquePart) isContentPart()          {}
func (CacheBreakpointPart) isContentPart() {}

// ToolCall is a function call requested by an assistant message. Arguments
// holds JSON text. A non-zero KeepWith binds the call to the group of the
// tool result answering it.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
	KeepWith  KeepWithID
}

// ChatMessage is the raw output message.
type ChatMessage struct {
	Role       Role
	Name       string
	Content    []ContentPart
	ToolCalls  []ToolCall
	ToolCallID string
}

// Text returns the concatenated text parts of the message.
func (m ChatMessage) Text() string {
	var sb strings.Builder
	for _, p := range m.Content {
		if t, ok := p.(TextPart); ok {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

// Tokenizer counts tokens for content and whole messages. Implementations
// must be safe for concurrent use: Prepare steps run in parallel.
type Tokenizer interface {
	// Mode is the output representation the counts are calibrated for.
	Mode() OutputMode
	TokenLength(ctx context.Context, part ContentPart) (int, error)
	CountMessageTokens(ctx context.Context, msg ChatMessage) (int, error)
}
