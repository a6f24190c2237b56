package prompt

import (
	"encoding/json"
	"fmt"
)

// HostRole is the role of a message in the host chat format.
type HostRole int

const (
	HostRoleUser HostRole = iota + 1
	HostRoleAssistant
	HostRoleSystem
)

func (r HostRole) String() string {
	switch r {
	case HostRoleUser:
		return "user"
	case HostRoleAssistant:
		return "assistant"
	case HostRoleSystem:
		return "system"
	}
	return fmt.Sprintf("HostRole(%d)", int(r))
}

// HostPart is one part of a host chat message.
type HostPart interface {
	isHostPart()
}

type HostTextPart struct {
	Value string
}

type HostImagePart struct {
	URL    string
	Detail string
}

// HostDataPart carries an opaque value addressed to the host.
type HostDataPart struct {
	Value any
}

type HostToolCallPart struct {
	CallID string
	Name   string
	Input  map[string]any
}

type HostToolResultPart struct {
	CallID  string
	Content []HostPart
}

func (HostTextPart) isHostPart()       {}
func (HostImagePart) isHostPart()      {}
func (HostDataPart) isHostPart()       {}
func (HostToolCallPart) isHostPart()   {}
func (HostToolResultPart) isHostPart() {}

// HostMessage is a message in the host chat format.
type HostMessage struct {
	Role  HostRole
	Name  string
	Parts []HostPart
}

// NewHostUserMessage creates a user message.
func NewHostUserMessage(name string, parts ...HostPart) HostMessage {
	return HostMessage{Role: HostRoleUser, Name: name, Parts: parts}
}

// NewHostAssistantMessage creates an assistant message.
func NewHostAssistantMessage(name string, parts ...HostPart) HostMessage {
	return HostMessage{Role: HostRoleAssistant, Name: name, Parts: parts}
}

// ToHostChat converts rendered messages to the host chat format. Tool
// results become user messages carrying a result part. Opaque values are
// kept only when their mode includes ModeHostChat.
func ToHostChat(msgs []ChatMessage) ([]HostMessage, error) {
	out := make([]HostMessage, 0, len(msgs))
	for _, m := range msgs {
		parts := hostParts(m.Content)
		switch m.Role {
		case RoleSystem:
			out = append(out, HostMessage{Role: HostRoleSystem, Name: m.Name, Parts: parts})
		case RoleUser:
			out = append(out, NewHostUserMessage(m.Name, parts...))
		case RoleAssistant:
			for _, tc := range m.ToolCalls {
				input := map[string]any{}
				if tc.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
						return nil, fmt.Errorf("failed to parse arguments of tool call %s: %w", tc.ID, err)
					}
				}
				parts = append(parts, HostToolCallPart{CallID: tc.ID, Name: tc.Name, Input: input})
			}
			out = append(out, NewHostAssistantMessage(m.Name, parts...))
		case RoleTool:
			out = append(out, NewHostUserMessage(m.Name, HostToolResultPart{CallID: m.ToolCallID, Content: parts}))
		default:
			return nil, fmt.Errorf("unsupported role %v", m.Role)
		}
	}
	return out, nil
}

func hostParts(content []ContentPart) []HostPart {
	var parts []HostPart
	for _, c := range content {
		switch c := c.(type) {
		case TextPart:
			parts = append(parts, HostTextPart{Value: c.Text})
		case ImagePart:
			parts = append(parts, HostImagePart{URL: c.URL, Detail: c.Detail})
		case OpaquePart:
			if c.Mode&ModeHostChat != 0 {
				parts = append(parts, HostDataPart{Value: c.Value})
			}
		}
	}
	return parts
}
