package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/s33g/promptkit/internal/config"
	"github.com/s33g/promptkit/internal/conversation"
	"github.com/s33g/promptkit/internal/storage"
	"github.com/s33g/promptkit/internal/template"
	"github.com/s33g/promptkit/internal/tokenizer"
	"github.com/s33g/promptkit/pkg/prompt"
)

// app holds what every subcommand needs: the loaded config and a logger.
type app struct {
	cfg        *config.Config
	configPath string
	logger     zerolog.Logger
}

func loadApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:        cfg,
		configPath: path,
		logger:     setupLogger(cfg.Logging, verbose).With().Str("component", cmd.Name()).Logger(),
	}, nil
}

// setupLogger configures the global logger from the logging config.
func setupLogger(cfg config.LoggingConfig, verbose bool) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return log.Logger
}

// renderSettings are the per-invocation overrides shared by render, watch
// and replay.
type renderSettings struct {
	model  string
	budget int
	mode   string
}

func addRenderFlags(cmd *cobra.Command, s *renderSettings) {
	cmd.Flags().StringVarP(&s.model, "model", "m", "", "model reference (provider/model); defaults to default_model")
	cmd.Flags().IntVarP(&s.budget, "budget", "b", 0, "prompt token budget; overrides the configured budget")
	cmd.Flags().StringVar(&s.mode, "mode", "", "output mode: raw, openai or host; defaults to output.mode")
}

// tokenizerFor builds the tokenizer for a model.
func (a *app) tokenizerFor(cfg *config.Config, model *config.Model, mode prompt.OutputMode) prompt.Tokenizer {
	tc := cfg.Tokenizer
	if tc.Estimate {
		return tokenizer.NewEstimator(0, tc.MessageOverhead, mode)
	}
	opts := tokenizer.Options{
		Encoding:        tc.Encoding,
		MessageOverhead: tc.MessageOverhead,
		NameOverhead:    tc.NameOverhead,
		ReplyPriming:    tc.ReplyPriming,
		Mode:            mode,
		Logger:          a.logger.With().Str("component", "tokenizer").Logger(),
	}
	if model != nil {
		opts.Model = model.ID
		if model.Encoding != "" {
			opts.Encoding = model.Encoding
		}
	}
	return tokenizer.New(opts)
}

// renderer resolves the model, budget and output mode for an invocation.
// A template budget applies when no flag overrides it.
func (a *app) renderer(cfg *config.Config, s renderSettings, templateBudget int) (*prompt.Renderer, *config.Model, prompt.OutputMode, error) {
	budget, model, err := cfg.PromptBudget(s.model)
	if err != nil {
		return nil, nil, 0, err
	}
	if templateBudget > 0 && (budget <= 0 || templateBudget < budget) {
		budget = templateBudget
	}
	if s.budget > 0 {
		budget = s.budget
	}
	if budget <= 0 {
		return nil, nil, 0, fmt.Errorf("no positive prompt budget for model %q", s.model)
	}

	modeName := cfg.Output.Mode
	if s.mode != "" {
		modeName = s.mode
	}
	mode, err := prompt.ParseOutputMode(modeName)
	if err != nil {
		return nil, nil, 0, err
	}

	r := prompt.NewRenderer(a.tokenizerFor(cfg, model, mode), budget,
		prompt.WithLogger(a.logger.With().Str("component", "renderer").Logger()))
	return r, model, mode, nil
}

// loadTemplate loads a template by configured name, or by path when ref
// names a file. An empty ref selects the default template.
func (a *app) loadTemplate(cfg *config.Config, ref string) (*template.Template, error) {
	path, err := a.templatePath(cfg, ref)
	if err != nil {
		return nil, err
	}
	return template.Load(path)
}

func (a *app) templatePath(cfg *config.Config, ref string) (string, error) {
	if strings.HasSuffix(ref, ".yaml") || strings.HasSuffix(ref, ".yml") {
		return ref, nil
	}

	var tr *config.TemplateRef
	var err error
	if ref == "" {
		tr, err = cfg.GetDefaultTemplate()
	} else {
		tr, err = cfg.GetTemplate(ref)
	}
	if err != nil {
		return "", err
	}

	if filepath.IsAbs(tr.Path) {
		return tr.Path, nil
	}
	return filepath.Join(filepath.Dir(a.configPath), tr.Path), nil
}

// connect opens the Redis connection.
func (a *app) connect(ctx context.Context) (*storage.Client, error) {
	return storage.NewClient(ctx, a.cfg.Redis)
}

// elements returns the template elements backed by runtime state. The
// history element reads the given conversation when one is set.
func (a *app) elements(mgr *conversation.Manager, namespace, conversationID string) map[string]template.ElementFactory {
	return map[string]template.ElementFactory{
		"history": func(n *template.Node) (prompt.Piece, error) {
			h := &conversation.History{
				KeepRecent: a.cfg.Conversation.KeepRecent,
				Logger:     a.logger.With().Str("component", "history").Logger(),
			}
			if n.Priority != nil {
				h.BasePriority = *n.Priority
			}
			if mgr != nil && conversationID != "" {
				h.Store = mgr
				h.Namespace = namespace
				h.ConversationID = conversationID
			}
			return prompt.El(h, prompt.Props{Name: "history", PassPriority: true, FlexGrow: n.FlexGrow}), nil
		},
	}
}

func (a *app) manager(client *storage.Client) *conversation.Manager {
	return conversation.NewManager(client, a.cfg.Conversation.TTL(), a.cfg.Conversation.MessageHistoryLimit,
		a.logger.With().Str("component", "conversation").Logger())
}
