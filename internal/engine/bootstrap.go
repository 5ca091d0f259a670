package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/logging"
	"conveyor/internal/telemetry"
)

type Config struct {
	Pipeline string
	// MetricsPort overrides metrics_port of the pipeline file when non-zero.
	MetricsPort int
	// Settle is how long a dropped file must stay unchanged before Watch
	// processes it.
	Settle time.Duration
	// Out receives the run summaries; stdout when nil.
	Out io.Writer
}

func Bootstrap(ctx context.Context, cfg Config) (*Engine, error) {
	// 1. pipeline file, validated up front so watch fails fast
	spec, err := config.LoadPipelineSpec(cfg.Pipeline)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 500 * time.Millisecond
	}

	// 2. metrics
	port := cfg.MetricsPort
	if port == 0 {
		port = spec.MetricsPort
	}
	telemetry.Expose(port)

	log := logging.For("engine")
	log.Info("engine ready", "pipeline", cfg.Pipeline, "app", spec.App, "lanes", len(spec.Lanes), "metrics_port", port)
	return &Engine{cfg: cfg, app: spec.App, log: log}, nil
}
