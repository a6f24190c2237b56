package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/s33g/promptkit/internal/storage"
	"github.com/s33g/promptkit/pkg/prompt"
)

func newReplayCmd() *cobra.Command {
	var settings renderSettings

	cmd := &cobra.Command{
		Use:   "replay <id>",
		Short: "Render a saved tree again, optionally with another budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			client, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			tree, err := storage.NewTreeStore(client, a.cfg.Redis.TreeTTL()).Load(ctx, args[0])
			if err != nil {
				return err
			}

			s := settings
			if s.model == "" {
				s.model = tree.Model
			}
			if s.budget == 0 {
				s.budget = tree.Budget
			}
			r, model, mode, err := a.renderer(a.cfg, s, 0)
			if err != nil {
				return err
			}

			res, err := r.Render(ctx, prompt.ElementJSON(tree.Data))
			if err != nil {
				return err
			}
			if err := writeResult(cmd.OutOrStdout(), res, mode, model); err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), summary(res, r.Budget()))
			return nil
		},
	}

	addRenderFlags(cmd, &settings)
	cmd.AddCommand(newReplayListCmd(), newReplayDeleteCmd())

	return cmd
}

func newReplayListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved trees, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			client, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			store := storage.NewTreeStore(client, a.cfg.Redis.TreeTTL())
			ids, err := store.List(ctx, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, id := range ids {
				tree, err := store.Load(ctx, id)
				if err != nil {
					a.logger.Warn().Err(err).Str("id", id).Msg("Skipping unreadable tree")
					continue
				}
				fmt.Fprintf(out, "%s  %s  %-12s %-20s %d/%d tokens\n",
					tree.ID, tree.CreatedAt.Format(time.DateTime), tree.Template, tree.Model, tree.TokenCount, tree.Budget)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of trees to list")

	return cmd
}

func newReplayDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete saved trees",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			client, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			store := storage.NewTreeStore(client, a.cfg.Redis.TreeTTL())
			for _, id := range args {
				if err := store.Delete(ctx, id); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
