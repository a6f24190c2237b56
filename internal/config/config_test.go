package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/s33g/promptkit/pkg/prompt"
)

const testConfig = `
tokenizer:
  encoding: cl100k_base

budget:
  max_prompt_tokens: 4000
  reserve_response_tokens: 500

output:
  mode: host

redis:
  address: "localhost:6379"
  db: 0
  key_prefix: "test:"

providers:
  - name: openai
    models:
      - id: gpt-4o
        display_name: "GPT-4o"
        context_window: 128000
        encoding: o200k_base
      - id: small
        display_name: "Small"
        context_window: 2048

default_model: openai/gpt-4o

templates:
  - name: chat
    path: templates/chat.yaml
  - name: review
    path: templates/review.yaml
    default: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Verify loaded values
	if cfg.Redis.Address != "localhost:6379" {
		t.Errorf("Expected redis.address to be localhost:6379, got %s", cfg.Redis.Address)
	}
	if cfg.Redis.KeyPrefix != "test:" {
		t.Errorf("Expected redis.key_prefix to be test:, got %s", cfg.Redis.KeyPrefix)
	}

	// Defaults survive where the file is silent
	if cfg.Tokenizer.MessageOverhead != 3 {
		t.Errorf("Expected default message_overhead 3, got %d", cfg.Tokenizer.MessageOverhead)
	}
	if cfg.Conversation.MessageHistoryLimit != 50 {
		t.Errorf("Expected default message_history_limit 50, got %d", cfg.Conversation.MessageHistoryLimit)
	}

	if len(cfg.Providers) != 1 || len(cfg.Providers[0].Models) != 2 {
		t.Fatalf("Expected 1 provider with 2 models, got %+v", cfg.Providers)
	}

	mode, err := cfg.OutputMode()
	if err != nil || mode != prompt.ModeHostChat {
		t.Errorf("OutputMode() = %v, %v, want host", mode, err)
	}
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("PROMPTKIT_TEST_REDIS", "redis.internal:6380")
	cfg, err := Load(writeConfig(t, `
budget:
  max_prompt_tokens: 100
redis:
  address: "${PROMPTKIT_TEST_REDIS}"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Redis.Address != "redis.internal:6380" {
		t.Errorf("Redis.Address = %q, want the expanded value", cfg.Redis.Address)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
	if _, err := Load(writeConfig(t, "budget: [")); err == nil {
		t.Error("Expected error for malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Providers = []Provider{{Name: "test", Models: []Model{{ID: "model1", ContextWindow: 4096}}}}
		cfg.DefaultModel = "test/model1"
		cfg.Templates = []TemplateRef{{Name: "chat", Path: "chat.yaml"}}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing redis address", mutate: func(c *Config) { c.Redis.Address = "" }, wantErr: true},
		{name: "negative budget", mutate: func(c *Config) { c.Budget.MaxPromptTokens = -1 }, wantErr: true},
		{name: "unknown encoding", mutate: func(c *Config) { c.Tokenizer.Encoding = "utf8" }, wantErr: true},
		{name: "unknown output mode", mutate: func(c *Config) { c.Output.Mode = "xml" }, wantErr: true},
		{name: "provider without models", mutate: func(c *Config) { c.Providers[0].Models = nil }, wantErr: true},
		{name: "invalid model reference", mutate: func(c *Config) { c.DefaultModel = "test/invalid" }, wantErr: true},
		{name: "duplicate template", mutate: func(c *Config) {
			c.Templates = append(c.Templates, TemplateRef{Name: "chat", Path: "other.yaml"})
		}, wantErr: true},
		{name: "unknown default template", mutate: func(c *Config) { c.DefaultTemplate = "nope" }, wantErr: true},
		{name: "no budget source", mutate: func(c *Config) {
			c.Budget.MaxPromptTokens = 0
			c.DefaultModel = ""
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestResolveModel(t *testing.T) {
	cfg := &Config{
		Providers: []Provider{
			{
				Name: "openai",
				Models: []Model{
					{ID: "gpt-4o", DisplayName: "GPT-4o"},
				},
			},
		},
	}

	provider, model, err := cfg.ResolveModel("openai/gpt-4o")
	if err != nil {
		t.Fatalf("ResolveModel() error = %v", err)
	}
	if provider.Name != "openai" {
		t.Errorf("Expected provider openai, got %s", provider.Name)
	}
	if model.ID != "gpt-4o" {
		t.Errorf("Expected model gpt-4o, got %s", model.ID)
	}

	for _, ref := range []string{"invalid", "openai/", "other/gpt-4o", "openai/gpt-5"} {
		if _, _, err := cfg.ResolveModel(ref); err == nil {
			t.Errorf("ResolveModel(%q) expected error", ref)
		}
	}
}

func TestPromptBudget(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		ref  string
		want int
	}{
		{"", 4000},             // default model window is larger than the maximum
		{"openai/gpt-4o", 4000},
		{"openai/small", 1548}, // 2048 - 500
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, _, err := cfg.PromptBudget(tt.ref)
			if err != nil {
				t.Fatalf("PromptBudget() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("PromptBudget(%q) = %d, want %d", tt.ref, got, tt.want)
			}
		})
	}

	if _, _, err := cfg.PromptBudget("openai/missing"); err == nil {
		t.Error("Expected error for unknown model")
	}
}

func TestEffectiveBudget(t *testing.T) {
	b := BudgetConfig{MaxPromptTokens: 0, ReserveResponseTokens: 100}
	if got := b.EffectiveBudget(&Model{ContextWindow: 1000}); got != 900 {
		t.Errorf("EffectiveBudget() = %d, want the window less the reserve", got)
	}
	if got := b.EffectiveBudget(&Model{ContextWindow: 50}); got != 0 {
		t.Errorf("EffectiveBudget() = %d, want clamped to 0", got)
	}
}

func TestGetDefaultTemplate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		want    string
		wantErr bool
	}{
		{
			name: "explicit default",
			cfg: Config{
				DefaultTemplate: "custom",
				Templates:       []TemplateRef{{Name: "other", Path: "o.yaml"}, {Name: "custom", Path: "c.yaml"}},
			},
			want: "c.yaml",
		},
		{
			name: "default flag",
			cfg: Config{
				Templates: []TemplateRef{{Name: "first", Path: "1.yaml"}, {Name: "second", Path: "2.yaml", Default: true}},
			},
			want: "2.yaml",
		},
		{
			name: "first template",
			cfg:  Config{Templates: []TemplateRef{{Name: "first", Path: "1.yaml"}}},
			want: "1.yaml",
		},
		{name: "no templates", wantErr: true},
		{
			name:    "missing explicit default",
			cfg:     Config{DefaultTemplate: "gone", Templates: []TemplateRef{{Name: "first", Path: "1.yaml"}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.GetDefaultTemplate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("GetDefaultTemplate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got.Path != tt.want {
				t.Errorf("GetDefaultTemplate() = %s, want %s", got.Path, tt.want)
			}
		})
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := writeConfig(t, testConfig)

	var mu sync.Mutex
	var loaded []*Config
	w, err := NewWatcher(path, nil, func(cfg *Config) error {
		mu.Lock()
		defer mu.Unlock()
		loaded = append(loaded, cfg)
		return nil
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	w.Start()
	defer w.Stop()

	updated := testConfig + "\ndefault_template: chat\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(loaded)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(loaded) == 0 {
		t.Fatal("reload was not called after the file changed")
	}
	if got := loaded[len(loaded)-1].DefaultTemplate; got != "chat" {
		t.Errorf("DefaultTemplate = %q, want chat", got)
	}
}

func TestNewWatcher_MissingFile(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "nope.yaml"), nil, func(*Config) error { return nil }, zerolog.Nop())
	if err == nil {
		t.Error("NewWatcher() should fail for a missing file")
	}
}
