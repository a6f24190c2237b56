package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/s33g/promptkit/pkg/prompt"
)

// envFiles are loaded before the config is parsed. Existing environment
// variables win.
var envFiles = []string{".env", ".env.local"}

var knownEncodings = map[string]bool{
	"cl100k_base": true,
	"o200k_base":  true,
	"p50k_base":   true,
	"p50k_edit":   true,
	"r50k_base":   true,
}

// LoadEnv loads .env files from the working directory.
func LoadEnv() {
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	LoadEnv()

	// Start with defaults
	cfg := DefaultConfig()

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML with ${VAR} references expanded
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Validate Redis
	if c.Redis.Address == "" {
		return fmt.Errorf("redis.address is required")
	}

	if c.Budget.MaxPromptTokens < 0 {
		return fmt.Errorf("budget.max_prompt_tokens must not be negative")
	}
	if c.Budget.ReserveResponseTokens < 0 {
		return fmt.Errorf("budget.reserve_response_tokens must not be negative")
	}
	if c.Tokenizer.Encoding != "" && !knownEncodings[c.Tokenizer.Encoding] {
		return fmt.Errorf("tokenizer.encoding %q is not a known encoding", c.Tokenizer.Encoding)
	}
	if _, err := c.OutputMode(); err != nil {
		return fmt.Errorf("output.mode: %w", err)
	}
	if c.Conversation.KeepRecent < 0 || c.Conversation.MessageHistoryLimit < 0 {
		return fmt.Errorf("conversation limits must not be negative")
	}

	// Validate providers
	for i, provider := range c.Providers {
		if provider.Name == "" {
			return fmt.Errorf("providers[%d].name is required", i)
		}
		if len(provider.Models) == 0 {
			return fmt.Errorf("providers[%d] must have at least one model", i)
		}

		for j, model := range provider.Models {
			if model.ID == "" {
				return fmt.Errorf("providers[%d].models[%d].id is required", i, j)
			}
			if model.ContextWindow < 0 {
				return fmt.Errorf("providers[%d].models[%d].context_window must not be negative", i, j)
			}
			if model.Encoding != "" && !knownEncodings[model.Encoding] {
				return fmt.Errorf("providers[%d].models[%d].encoding %q is not a known encoding", i, j, model.Encoding)
			}
		}
	}

	if c.DefaultModel != "" {
		if _, _, err := c.ResolveModel(c.DefaultModel); err != nil {
			return fmt.Errorf("default_model: %w", err)
		}
	}

	// Validate templates
	seen := make(map[string]bool)
	for i, tmpl := range c.Templates {
		if tmpl.Name == "" {
			return fmt.Errorf("templates[%d].name is required", i)
		}
		if tmpl.Path == "" {
			return fmt.Errorf("templates[%d].path is required", i)
		}
		if seen[tmpl.Name] {
			return fmt.Errorf("templates[%d].name %q is duplicated", i, tmpl.Name)
		}
		seen[tmpl.Name] = true
	}
	if c.DefaultTemplate != "" && !seen[c.DefaultTemplate] {
		return fmt.Errorf("default_template references unknown template: %s", c.DefaultTemplate)
	}

	if c.Budget.MaxPromptTokens == 0 && c.DefaultModel == "" {
		return fmt.Errorf("budget.max_prompt_tokens or default_model is required")
	}

	return nil
}

// OutputMode parses output.mode
func (c *Config) OutputMode() (prompt.OutputMode, error) {
	return prompt.ParseOutputMode(c.Output.Mode)
}

// GetProvider returns a provider by name
func (c *Config) GetProvider(name string) (*Provider, error) {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i], nil
		}
	}
	return nil, fmt.Errorf("provider %s not found", name)
}

// ResolveModel returns the provider and model for a model reference (e.g., "openai/gpt-4o")
func (c *Config) ResolveModel(modelRef string) (*Provider, *Model, error) {
	providerName, modelID, ok := strings.Cut(modelRef, "/")
	if !ok || providerName == "" || modelID == "" {
		return nil, nil, fmt.Errorf("invalid model reference: %s (expected format: provider/model)", modelRef)
	}

	// Find provider
	provider, err := c.GetProvider(providerName)
	if err != nil {
		return nil, nil, err
	}

	// Find model
	for i := range provider.Models {
		if provider.Models[i].ID == modelID {
			return provider, &provider.Models[i], nil
		}
	}

	return nil, nil, fmt.Errorf("model %s not found in provider %s", modelID, providerName)
}

// PromptBudget returns the budget for a model reference. An empty reference
// selects the default model, or the configured maximum when there is none.
func (c *Config) PromptBudget(modelRef string) (int, *Model, error) {
	if modelRef == "" {
		modelRef = c.DefaultModel
	}
	if modelRef == "" {
		return c.Budget.EffectiveBudget(nil), nil, nil
	}
	_, model, err := c.ResolveModel(modelRef)
	if err != nil {
		return 0, nil, err
	}
	return c.Budget.EffectiveBudget(model), model, nil
}
