// Command pipelinectl runs pipeline stages once, for external schedulers
// and operators.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/STRATINT/eventdesk/internal/app"
	"github.com/STRATINT/eventdesk/internal/config"
	"github.com/STRATINT/eventdesk/internal/logging"
)

// loader builds the application; tests replace it.
var loader = func(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.NewWithWriter(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return app.New(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pipelinectl",
		Short:         "Run news event pipeline stages",
		Long:          "Runs one pipeline stage or pass against the configured store and prints the result as JSON.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newStageCmd("summarize", "Summarize articles that have no summary yet", func(ctx context.Context, a *app.App, cmd *cobra.Command) (any, error) {
			limit, _ := cmd.Flags().GetInt("limit")
			return a.Manager.RunSummarization(ctx, limit)
		}, func(cmd *cobra.Command) {
			cmd.Flags().Int("limit", 0, "maximum articles to summarize (0 = configured batch)")
		}),
		newStageCmd("map", "Cluster unmapped summarized articles into events", func(ctx context.Context, a *app.App, cmd *cobra.Command) (any, error) {
			return a.Manager.RunEventMapping(ctx)
		}, nil),
		newStageCmd("aggregate", "Aggregate every unprocessed event", func(ctx context.Context, a *app.App, cmd *cobra.Command) (any, error) {
			return a.Manager.RunAggregation(ctx)
		}, nil),
		newStageCmd("merge", "Merge duplicate recent unprocessed events", func(ctx context.Context, a *app.App, cmd *cobra.Command) (any, error) {
			hours, _ := cmd.Flags().GetInt("window-hours")
			if hours <= 0 {
				hours = a.Config.Pipeline.MergeWindowHours
			}
			return a.Manager.RunMerge(ctx, hours)
		}, func(cmd *cobra.Command) {
			cmd.Flags().Int("window-hours", 0, "candidate window in hours (0 = MERGE_WINDOW_HOURS)")
		}),
		newStageCmd("pass", "Run the full or light pass", func(ctx context.Context, a *app.App, cmd *cobra.Command) (any, error) {
			pass, _ := cmd.Flags().GetString("type")
			return a.Scheduler.RunPass(ctx, pass)
		}, func(cmd *cobra.Command) {
			cmd.Flags().String("type", "full", "pass to run: full or light")
		}),
		newStageCmd("stats", "Print pipeline statistics", func(ctx context.Context, a *app.App, cmd *cobra.Command) (any, error) {
			return a.Manager.GetPipelineStats(ctx)
		}, nil),
		newStageCmd("verify", "Report events whose article count disagrees with their mappings", func(ctx context.Context, a *app.App, cmd *cobra.Command) (any, error) {
			return a.Manager.VerifyIntegrity(ctx)
		}, nil),
		newStageCmd("keys", "Print key pool health and recommendations", func(ctx context.Context, a *app.App, cmd *cobra.Command) (any, error) {
			return map[string]any{
				"health":          a.Pool.Health(ctx),
				"recommendations": a.Pool.Recommendations(ctx),
			}, nil
		}, nil),
	)

	return root
}

type stageFunc func(ctx context.Context, a *app.App, cmd *cobra.Command) (any, error)

func newStageCmd(use, short string, run stageFunc, flags func(*cobra.Command)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loader(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := run(ctx, a, cmd)
			if printErr := printJSON(cmd.OutOrStdout(), result); printErr != nil {
				return printErr
			}
			return err
		},
	}
	if flags != nil {
		flags(cmd)
	}
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("pipelinectl failed", "error", err)
		stop()
		os.Exit(1)
	}
}
