package cmd

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"rollgroups/config"
	"rollgroups/models"

	"github.com/spf13/cobra"
)

func newRunOnceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run-once",
		Short: "Run a single recompute pass and print its result",
		Long: `Recompute the membership of every group once against the current roll
history and print the pass result as JSON. The exit status is non-zero when
the pass failed, was cancelled, or another pass held the run lock.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runOnce(ctx, config.Get(), cmd.OutOrStdout())
		},
	}
}

func runOnce(ctx context.Context, cfg *config.Config, out io.Writer) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	result, runErr := a.recompute.RunOnce(ctx)
	if result != nil {
		if err := writeResult(out, result); err != nil {
			return err
		}
	}
	return runErr
}

func writeResult(out io.Writer, result *models.RecomputeResult) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
