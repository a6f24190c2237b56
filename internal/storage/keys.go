package storage

import (
	"fmt"
)

// Keys generates Redis keys with consistent naming
type Keys struct {
	prefix string
}

// NewKeys creates a new Keys generator
func NewKeys(prefix string) *Keys {
	return &Keys{prefix: prefix}
}

// Conversation returns the key for conversation metadata
func (k *Keys) Conversation(namespace, conversationID string) string {
	return fmt.Sprintf("%s%s:conversation:%s", k.prefix, namespace, conversationID)
}

// Conversations returns the key for the conversation index of a namespace
func (k *Keys) Conversations(namespace string) string {
	return fmt.Sprintf("%s%s:conversations", k.prefix, namespace)
}

// Messages returns the key for message history
func (k *Keys) Messages(namespace, conversationID string) string {
	return fmt.Sprintf("%s%s:messages:%s", k.prefix, namespace, conversationID)
}

// Tree returns the key for a stored serialized prompt tree
func (k *Keys) Tree(id string) string {
	return fmt.Sprintf("%stree:%s", k.prefix, id)
}

// Trees returns the key for the stored tree index
func (k *Keys) Trees() string {
	return fmt.Sprintf("%strees", k.prefix)
}
