package conversation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/s33g/promptkit/pkg/prompt"
)

// Message represents a conversation message
type Message struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Tokens     int        `json:"tokens"`
	MessageID  string     `json:"msg_id,omitempty"`
}

// ToolCall is a function call made by an assistant message
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// FromChatMessage converts a rendered message for storage
func FromChatMessage(m prompt.ChatMessage) Message {
	msg := Message{
		Role:       m.Role.String(),
		Content:    m.Text(),
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}
	return msg
}

// Conversation represents conversation metadata
type Conversation struct {
	ID         string
	Namespace  string
	Model      string
	Template   string
	Title      string
	TokenCount int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ToMap converts conversation to a map for Redis HSET
func (c *Conversation) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"namespace":   c.Namespace,
		"model":       c.Model,
		"template":    c.Template,
		"title":       c.Title,
		"token_count": c.TokenCount,
		"created_at":  c.CreatedAt.Unix(),
		"updated_at":  c.UpdatedAt.Unix(),
	}
}

// FromMap populates conversation from Redis HGETALL result
func (c *Conversation) FromMap(id string, m map[string]string) error {
	c.ID = id
	c.Namespace = m["namespace"]
	c.Model = m["model"]
	c.Template = m["template"]
	c.Title = m["title"]

	var tokenCount int64
	if _, err := fmt.Sscanf(m["token_count"], "%d", &tokenCount); err == nil {
		c.TokenCount = int(tokenCount)
	}

	var createdAt, updatedAt int64
	if _, err := fmt.Sscanf(m["created_at"], "%d", &createdAt); err == nil {
		c.CreatedAt = time.Unix(createdAt, 0)
	}
	if _, err := fmt.Sscanf(m["updated_at"], "%d", &updatedAt); err == nil {
		c.UpdatedAt = time.Unix(updatedAt, 0)
	}

	return nil
}

// MarshalMessage converts a Message to JSON for storage
func MarshalMessage(m Message) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnmarshalMessage converts JSON to a Message
func UnmarshalMessage(data string) (Message, error) {
	var m Message
	err := json.Unmarshal([]byte(data), &m)
	return m, err
}
