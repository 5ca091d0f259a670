package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"conveyor/internal/engine"
	"conveyor/internal/logging"
)

const (
	pipelineFlag    = "pipeline"
	metricsPortFlag = "metrics-port"
	logLevelFlag    = "log-level"
	logJSONFlag     = "log-json"
)

// newRootCommand configures logging from CONVEYOR_LOG_LEVEL/CONVEYOR_LOG_JSON,
// with the persistent flags taking precedence.
func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conveyor",
		Short: "Cluster, transform and route X12 record streams",
		Long: `Conveyor reads an ordered record stream, groups it into clusters, transforms
the clusters concurrently and writes them to output lanes in input order.

The application (marker, transform and router) is named by the pipeline file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := logging.OptionsFromEnv()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed(logLevelFlag) {
				opts.Level, _ = flags.GetString(logLevelFlag)
			}
			if flags.Changed(logJSONFlag) {
				opts.JSON, _ = flags.GetBool(logJSONFlag)
			}
			return logging.Configure(opts)
		},
	}
	pf := cmd.PersistentFlags()
	pf.String(pipelineFlag, "pipeline.yml", "pipeline file")
	pf.Int(metricsPortFlag, 0, "serve prometheus metrics on this port (0 keeps the pipeline file setting)")
	pf.String(logLevelFlag, "info", "debug|info|warn|error")
	pf.Bool(logJSONFlag, false, "log as JSON")
	return cmd
}

// bootstrap builds the engine for a subcommand. The returned context is
// canceled on SIGINT or SIGTERM.
func bootstrap(cmd *cobra.Command) (context.Context, context.CancelFunc, *engine.Engine, error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	pipeline, _ := cmd.Flags().GetString(pipelineFlag)
	port, _ := cmd.Flags().GetInt(metricsPortFlag)
	settle, _ := cmd.Flags().GetDuration("settle") // watch only

	e, err := engine.Bootstrap(ctx, engine.Config{Pipeline: pipeline, MetricsPort: port, Settle: settle, Out: os.Stdout})
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	return ctx, stop, e, nil
}
