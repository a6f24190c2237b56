package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/s33g/promptkit/internal/config"
	"github.com/s33g/promptkit/internal/conversation"
	"github.com/s33g/promptkit/internal/storage"
	"github.com/s33g/promptkit/internal/template"
	"github.com/s33g/promptkit/pkg/prompt"
)

// renderOptions are the flags of render and watch.
type renderOptions struct {
	renderSettings
	template     string
	vars         map[string]string
	conversation string
	namespace    string
	save         bool
	quiet        bool
}

func addTemplateFlags(cmd *cobra.Command, o *renderOptions) {
	addRenderFlags(cmd, &o.renderSettings)
	cmd.Flags().StringVarP(&o.template, "template", "t", "", "template name or path to a template file")
	cmd.Flags().StringToStringVar(&o.vars, "set", nil, "template variable (key=value), may be repeated")
	cmd.Flags().StringVar(&o.conversation, "conversation", "", "conversation id feeding the history element")
	cmd.Flags().StringVar(&o.namespace, "namespace", "default", "conversation namespace")
	cmd.Flags().BoolVarP(&o.quiet, "quiet", "q", false, "do not print the render summary")
}

func newRenderCmd() *cobra.Command {
	var opts renderOptions

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render a template within the token budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			return a.render(cmd.Context(), a.cfg, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	addTemplateFlags(cmd, &opts)
	cmd.Flags().BoolVar(&opts.save, "save", false, "store the rendered tree in Redis for replay")

	return cmd
}

// render builds the template, renders it and writes the result to out. A
// summary goes to errOut.
func (a *app) render(ctx context.Context, cfg *config.Config, opts renderOptions, out, errOut io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	tmpl, err := a.loadTemplate(cfg, opts.template)
	if err != nil {
		return err
	}
	r, model, mode, err := a.renderer(cfg, opts.renderSettings, tmpl.Budget)
	if err != nil {
		return err
	}

	var client *storage.Client
	if opts.conversation != "" || opts.save {
		if client, err = a.connect(ctx); err != nil {
			return err
		}
		defer client.Close()
	}
	var mgr *conversation.Manager
	if client != nil {
		mgr = a.manager(client)
	}

	root, err := tmpl.Build(template.BuildOptions{
		Vars:     opts.vars,
		Elements: a.elements(mgr, opts.namespace, opts.conversation),
	})
	if err != nil {
		return err
	}

	res, err := r.Render(ctx, root)
	if err != nil {
		return err
	}
	a.logger.Debug().
		Str("template", tmpl.Name).
		Int("budget", r.Budget()).
		Int("tokens", res.TokenCount).
		Int("removed", res.Removed).
		Msg("Rendered template")

	if err := writeResult(out, res, mode, model); err != nil {
		return err
	}
	if !opts.quiet {
		fmt.Fprintln(errOut, summary(res, r.Budget()))
	}

	if opts.save {
		id, err := a.saveTree(ctx, client, r, root, tmpl.Name, opts.model, res.TokenCount)
		if err != nil {
			return err
		}
		fmt.Fprintf(errOut, "saved tree %s\n", id)
	}
	return nil
}

// saveTree serializes root for later replay.
func (a *app) saveTree(ctx context.Context, client *storage.Client, r *prompt.Renderer, root prompt.Piece, name, model string, tokens int) (string, error) {
	data, err := r.RenderJSON(ctx, root)
	if err != nil {
		return "", fmt.Errorf("failed to serialize tree: %w", err)
	}
	store := storage.NewTreeStore(client, a.cfg.Redis.TreeTTL())
	return store.Save(ctx, storage.StoredTree{
		Template:   name,
		Model:      model,
		Budget:     r.Budget(),
		TokenCount: tokens,
		Data:       data,
	})
}
