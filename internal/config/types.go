package config

import (
	"fmt"
	"time"
)

// Config represents the complete application configuration
type Config struct {
	Tokenizer       TokenizerConfig    `yaml:"tokenizer"`
	Budget          BudgetConfig       `yaml:"budget"`
	Output          OutputConfig       `yaml:"output"`
	Redis           RedisConfig        `yaml:"redis"`
	Conversation    ConversationConfig `yaml:"conversation"`
	Providers       []Provider         `yaml:"providers"`
	DefaultModel    string             `yaml:"default_model"`
	Templates       []TemplateRef      `yaml:"templates"`
	DefaultTemplate string             `yaml:"default_template"`
	Logging         LoggingConfig      `yaml:"logging"`
}

// TokenizerConfig selects how tokens are counted
type TokenizerConfig struct {
	// Encoding is a tiktoken encoding name. Empty derives it from the model.
	Encoding        string `yaml:"encoding"`
	MessageOverhead int    `yaml:"message_overhead"`
	NameOverhead    int    `yaml:"name_overhead"`
	ReplyPriming    int    `yaml:"reply_priming"`
	// Estimate counts with the byte estimator instead of tiktoken.
	Estimate bool `yaml:"estimate"`
}

// BudgetConfig holds the prompt token budget
type BudgetConfig struct {
	MaxPromptTokens       int `yaml:"max_prompt_tokens"`
	ReserveResponseTokens int `yaml:"reserve_response_tokens"`
}

// OutputConfig selects the output representation
type OutputConfig struct {
	Mode string `yaml:"mode"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address      string `yaml:"address"`
	PasswordEnv  string `yaml:"password_env"`
	DB           int    `yaml:"db"`
	KeyPrefix    string `yaml:"key_prefix"`
	TreeTTLHours int    `yaml:"tree_ttl_hours"`
}

// TreeTTL returns the stored tree TTL as a Duration
func (r *RedisConfig) TreeTTL() time.Duration {
	return time.Duration(r.TreeTTLHours) * time.Hour
}

// ConversationConfig holds chat history settings
type ConversationConfig struct {
	TTLHours            int `yaml:"ttl_hours"`
	MessageHistoryLimit int `yaml:"message_history_limit"`
	// KeepRecent turns are never pruned from the history.
	KeepRecent int `yaml:"keep_recent"`
}

// TTL returns the conversation TTL as a Duration
func (c *ConversationConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// Provider groups the models of one vendor
type Provider struct {
	Name   string  `yaml:"name"`
	Models []Model `yaml:"models"`
}

// Model represents an LLM model configuration
type Model struct {
	ID            string `yaml:"id"`
	DisplayName   string `yaml:"display_name"`
	ContextWindow int    `yaml:"context_window"`
	// Encoding overrides the tokenizer encoding for this model.
	Encoding string `yaml:"encoding,omitempty"`
}

// TemplateRef names a prompt template file
type TemplateRef struct {
	Name    string `yaml:"name"`
	Path    string `yaml:"path"`
	Default bool   `yaml:"default,omitempty"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EffectiveBudget returns the prompt budget for a model. The model's context
// window less the response reserve caps the configured maximum.
func (b *BudgetConfig) EffectiveBudget(model *Model) int {
	budget := b.MaxPromptTokens
	if model == nil || model.ContextWindow <= 0 {
		return budget
	}
	window := model.ContextWindow - b.ReserveResponseTokens
	if budget <= 0 || window < budget {
		budget = window
	}
	return max(budget, 0)
}

// GetDefaultTemplate returns the default template reference
func (c *Config) GetDefaultTemplate() (*TemplateRef, error) {
	// Use explicit default if set
	if c.DefaultTemplate != "" {
		return c.GetTemplate(c.DefaultTemplate)
	}

	// Find first template marked as default
	for i := range c.Templates {
		if c.Templates[i].Default {
			return &c.Templates[i], nil
		}
	}

	// Use first template if none marked as default
	if len(c.Templates) > 0 {
		return &c.Templates[0], nil
	}

	return nil, fmt.Errorf("no templates configured")
}

// GetTemplate returns a template reference by name
func (c *Config) GetTemplate(name string) (*TemplateRef, error) {
	for i := range c.Templates {
		if c.Templates[i].Name == name {
			return &c.Templates[i], nil
		}
	}
	return nil, fmt.Errorf("template '%s' not found", name)
}
