package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/s33g/promptkit/pkg/prompt"
)

func newCountCmd() *cobra.Command {
	var model string

	cmd := &cobra.Command{
		Use:   "count [files...]",
		Short: "Count the tokens of files, or of stdin when no file is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			_, m, err := a.cfg.PromptBudget(model)
			if err != nil {
				return err
			}
			tok := a.tokenizerFor(a.cfg, m, prompt.ModeRaw)

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read stdin: %w", err)
				}
				n, err := tok.TokenLength(ctx, prompt.TextPart{Text: string(data)})
				if err != nil {
					return err
				}
				fmt.Fprintln(out, n)
				return nil
			}

			total := 0
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", path, err)
				}
				n, err := tok.TokenLength(ctx, prompt.TextPart{Text: string(data)})
				if err != nil {
					return err
				}
				total += n
				fmt.Fprintf(out, "%8d %s\n", n, path)
			}
			if len(args) > 1 {
				fmt.Fprintf(out, "%8d total\n", total)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&model, "model", "m", "", "model reference whose encoding is used")

	return cmd
}
