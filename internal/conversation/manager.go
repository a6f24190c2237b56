package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/s33g/promptkit/internal/storage"
)

// ErrNotFound is returned when a conversation does not exist
var ErrNotFound = errors.New("conversation not found")

// Manager handles conversation storage and retrieval
type Manager struct {
	client      *storage.Client
	ttl         time.Duration
	maxMessages int
	logger      zerolog.Logger
}

// NewManager creates a new conversation manager
func NewManager(client *storage.Client, ttl time.Duration, maxMessages int, logger zerolog.Logger) *Manager {
	return &Manager{
		client:      client,
		ttl:         ttl,
		maxMessages: maxMessages,
		logger:      logger,
	}
}

// Create creates a new conversation
func (m *Manager) Create(ctx context.Context, conv Conversation) error {
	now := time.Now()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	key := m.client.Keys().Conversation(conv.Namespace, conv.ID)

	pipe := m.client.Redis().TxPipeline()

	// Store conversation metadata
	pipe.HSet(ctx, key, conv.ToMap())
	pipe.Expire(ctx, key, m.ttl)

	// Index by last update
	pipe.ZAdd(ctx, m.client.Keys().Conversations(conv.Namespace), redis.Z{
		Score:  float64(now.Unix()),
		Member: conv.ID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}

	return nil
}

// Get retrieves a conversation by ID
func (m *Manager) Get(ctx context.Context, namespace, id string) (*Conversation, error) {
	key := m.client.Keys().Conversation(namespace, id)

	data, err := m.client.Redis().HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var conv Conversation
	if err := conv.FromMap(id, data); err != nil {
		return nil, err
	}

	return &conv, nil
}

// List returns the ids of conversations in a namespace, most recently
// updated first. Expired conversations are dropped from the index.
func (m *Manager) List(ctx context.Context, namespace string) ([]string, error) {
	index := m.client.Keys().Conversations(namespace)

	ids, err := m.client.Redis().ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	live := ids[:0]
	for _, id := range ids {
		n, err := m.client.Redis().Exists(ctx, m.client.Keys().Conversation(namespace, id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list conversations: %w", err)
		}
		if n == 0 {
			m.logger.Debug().Str("conversation", id).Msg("Dropping expired conversation from index")
			m.client.Redis().ZRem(ctx, index, id)
			continue
		}
		live = append(live, id)
	}

	return live, nil
}

// Update updates conversation metadata
func (m *Manager) Update(ctx context.Context, conv Conversation) error {
	conv.UpdatedAt = time.Now()

	key := m.client.Keys().Conversation(conv.Namespace, conv.ID)

	if err := m.client.Redis().HSet(ctx, key, conv.ToMap()).Err(); err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}

	return nil
}

// Delete deletes a conversation and its messages
func (m *Manager) Delete(ctx context.Context, namespace, id string) error {
	pipe := m.client.Redis().Pipeline()
	pipe.Del(ctx, m.client.Keys().Conversation(namespace, id))
	pipe.Del(ctx, m.client.Keys().Messages(namespace, id))
	pipe.ZRem(ctx, m.client.Keys().Conversations(namespace), id)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	return nil
}

// AddMessage adds a message to the conversation history
func (m *Manager) AddMessage(ctx context.Context, namespace, id string, msg Message) error {
	msgKey := m.client.Keys().Messages(namespace, id)
	convKey := m.client.Keys().Conversation(namespace, id)

	// Marshal message
	data, err := MarshalMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	now := time.Now()
	pipe := m.client.Redis().Pipeline()

	// Append message
	pipe.RPush(ctx, msgKey, data)

	// Trim to max size
	if m.maxMessages > 0 {
		pipe.LTrim(ctx, msgKey, -int64(m.maxMessages), -1)
	}

	// Update TTLs
	pipe.Expire(ctx, msgKey, m.ttl)
	pipe.Expire(ctx, convKey, m.ttl)

	// Track usage and recency
	if msg.Tokens > 0 {
		pipe.HIncrBy(ctx, convKey, "token_count", int64(msg.Tokens))
	}
	pipe.HSet(ctx, convKey, "updated_at", now.Unix())
	pipe.ZAdd(ctx, m.client.Keys().Conversations(namespace), redis.Z{
		Score:  float64(now.Unix()),
		Member: id,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add message: %w", err)
	}

	return nil
}

// GetMessages retrieves all messages in a conversation
func (m *Manager) GetMessages(ctx context.Context, namespace, id string) ([]Message, error) {
	msgKey := m.client.Keys().Messages(namespace, id)

	data, err := m.client.Redis().LRange(ctx, msgKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}

	messages := make([]Message, 0, len(data))
	for i, d := range data {
		msg, err := UnmarshalMessage(d)
		if err != nil {
			// Skip malformed messages
			m.logger.Warn().
				Err(err).
				Str("conversation", id).
				Int("index", i).
				Msg("Skipping malformed message")
			continue
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

// ClearMessages removes all messages from a conversation (keeps conversation metadata)
func (m *Manager) ClearMessages(ctx context.Context, namespace, id string) error {
	msgKey := m.client.Keys().Messages(namespace, id)

	if err := m.client.Redis().Del(ctx, msgKey).Err(); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	return nil
}

// UpdateModel changes the model for a conversation
func (m *Manager) UpdateModel(ctx context.Context, namespace, id, model string) error {
	return m.setField(ctx, namespace, id, "model", model)
}

// UpdateTemplate changes the prompt template for a conversation
func (m *Manager) UpdateTemplate(ctx context.Context, namespace, id, template string) error {
	return m.setField(ctx, namespace, id, "template", template)
}

// UpdateTitle updates the conversation title
func (m *Manager) UpdateTitle(ctx context.Context, namespace, id, title string) error {
	return m.setField(ctx, namespace, id, "title", title)
}

func (m *Manager) setField(ctx context.Context, namespace, id, field, value string) error {
	key := m.client.Keys().Conversation(namespace, id)

	pipe := m.client.Redis().Pipeline()
	pipe.HSet(ctx, key, field, value)
	pipe.HSet(ctx, key, "updated_at", time.Now().Unix())

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update %s: %w", field, err)
	}

	return nil
}

// IncrementTokenCount adds tokens to the conversation's total
func (m *Manager) IncrementTokenCount(ctx context.Context, namespace, id string, tokens int) error {
	key := m.client.Keys().Conversation(namespace, id)

	if err := m.client.Redis().HIncrBy(ctx, key, "token_count", int64(tokens)).Err(); err != nil {
		return fmt.Errorf("failed to increment token count: %w", err)
	}

	return nil
}
