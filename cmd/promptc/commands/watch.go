package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/s33g/promptkit/internal/config"
)

func newWatchCmd() *cobra.Command {
	var opts renderOptions

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-render a template whenever it or the config changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()

			path, err := a.templatePath(a.cfg, opts.template)
			if err != nil {
				return err
			}
			tmpl, err := a.loadTemplate(a.cfg, opts.template)
			if err != nil {
				return err
			}
			files := append([]string{path}, tmpl.Files()...)

			if err := a.render(cmd.Context(), a.cfg, opts, out, errOut); err != nil {
				a.logger.Error().Err(err).Msg("Render failed")
			}

			watcher, err := config.NewWatcher(a.configPath, files, func(cfg *config.Config) error {
				fmt.Fprintln(out, "---")
				return a.render(cmd.Context(), cfg, opts, out, errOut)
			}, a.logger)
			if err != nil {
				return fmt.Errorf("failed to watch files: %w", err)
			}
			watcher.Start()
			defer watcher.Stop()

			a.logger.Info().Strs("files", files).Msg("Watching for changes")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			return nil
		},
	}

	addTemplateFlags(cmd, &opts)

	return cmd
}
