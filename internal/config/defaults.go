package config

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Tokenizer: TokenizerConfig{
			MessageOverhead: 3,
			NameOverhead:    1,
			ReplyPriming:    3,
		},
		Budget: BudgetConfig{
			MaxPromptTokens:       8192,
			ReserveResponseTokens: 1024,
		},
		Output: OutputConfig{
			Mode: "openai",
		},
		Redis: RedisConfig{
			Address:      "localhost:6379",
			DB:           0,
			KeyPrefix:    "promptkit:",
			TreeTTLHours: 72,
		},
		Conversation: ConversationConfig{
			TTLHours:            168, // 7 days
			MessageHistoryLimit: 50,
			KeepRecent:          2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
