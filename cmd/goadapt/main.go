// Command goadapt runs the goal-oriented adaptive solver on the built-in
// heat demo problem using the reference difference backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/dwrlab/goadapt/backend/difference"
	"github.com/dwrlab/goadapt/config"
	"github.com/dwrlab/goadapt/core"
	"github.com/dwrlab/goadapt/solver"
)

func createLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	})), nil
}

func run() error {
	configPath := flag.String("config", "goadapt.yaml", "path to the solver configuration file")
	cells := flag.Int("cells", 16, "initial mesh cell count")
	endTime := flag.Float64("T", 1.0, "end time of the simulation")
	step := flag.Float64("k", 0.05, "nominal time step")
	nu := flag.Float64("nu", 1.0, "diffusion coefficient")
	beta := flag.Float64("beta", 0.0, "cubic reaction coefficient")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := createLogger(cfg.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	prob, err := difference.NewHeatProblem(*cells, core.TimeDomain{T0: 0, T: *endTime, K: *step})
	if err != nil {
		return err
	}
	prob.ThetaVal = cfg.Theta
	prob.Nu = *nu
	prob.Beta = *beta

	be := difference.New(difference.Options{
		MaxIterations:     cfg.Nonlinear.MaxIterations,
		RelativeTolerance: cfg.Nonlinear.RelativeTolerance,
		AbsoluteTolerance: cfg.Nonlinear.AbsoluteTolerance,
		Logger:            logger,
	})

	c, err := solver.New(solver.Options{
		Backend: be,
		Config:  cfg,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := c.Solve(ctx, prob)
	if err != nil {
		return err
	}

	logger.Info("run complete",
		"run_id", res.RunID,
		"cells", res.Mesh.CellCount(),
		"iterations", res.Iterations,
		"converged", res.Converged,
		"stopping_metric", res.StoppingMetric,
		"functional", res.Functional)
	for _, w := range res.Warnings {
		logger.Warn(w)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		slog.Error("solver failed", "error", err)
		os.Exit(1)
	}
}
