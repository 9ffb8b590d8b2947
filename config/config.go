// Package config holds the solver configuration. Values are read once when a
// run starts and never mutated afterwards; a changed file only affects the
// next run.
package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dwrlab/goadapt/compress"
	"github.com/dwrlab/goadapt/core"
)

// Stopping metric names accepted by AdaptiveConfig.Metric.
const (
	MetricSumIndicators        = "sum_indicators"
	MetricFunctionalDifference = "functional_difference"
)

// NonlinearConfig tunes the per-step nonlinear solves.
type NonlinearConfig struct {
	MaxIterations     int     `yaml:"max_iterations"`
	RelativeTolerance float64 `yaml:"relative_tolerance"`
	AbsoluteTolerance float64 `yaml:"absolute_tolerance"`
}

// AdaptiveConfig controls the goal-oriented adaptive loop.
type AdaptiveConfig struct {
	Enabled        bool    `yaml:"enabled"`
	AdaptRatio     float64 `yaml:"adapt_ratio"`
	MaxAdaptations int     `yaml:"max_adaptations"`
	Tolerance      float64 `yaml:"tolerance"`
	// OnDisk is the fraction of checkpoints spilled to disk instead of memory.
	OnDisk float64 `yaml:"on_disk"`
	Metric string  `yaml:"metric"`
}

// RefinementConfig selects the mesh refinement algorithm.
type RefinementConfig struct {
	Algorithm string `yaml:"algorithm"`
}

// SaveConfig controls solution artifacts written during a run.
type SaveConfig struct {
	Solution bool `yaml:"solution"`
	// Frequency saves every n-th time step. 1 saves every step.
	Frequency   int    `yaml:"frequency"`
	Folder      string `yaml:"folder"`
	Compression string `yaml:"compression"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level string `yaml:"level"` // "debug", "info", "warn", "error"
}

// Config is the top-level configuration struct.
type Config struct {
	Theta         float64          `yaml:"theta"`
	Nonlinear     NonlinearConfig  `yaml:"nonlinear"`
	Adaptive      AdaptiveConfig   `yaml:"adaptive"`
	Refinement    RefinementConfig `yaml:"refinement"`
	Save          SaveConfig       `yaml:"save"`
	Optimize      bool             `yaml:"optimize"`
	CheckMemUsage bool             `yaml:"check_mem_usage"`
	Logging       LoggingConfig    `yaml:"logging"`
}

// Load reads configuration from an io.Reader, overlaying defaults. A nil
// reader or empty input returns the defaults.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		Theta: 0.5,
		Nonlinear: NonlinearConfig{
			MaxIterations:     50,
			RelativeTolerance: 1e-9,
			AbsoluteTolerance: 1e-10,
		},
		Adaptive: AdaptiveConfig{
			Enabled:        false,
			AdaptRatio:     0.1,
			MaxAdaptations: 30,
			Tolerance:      1e-5,
			OnDisk:         0,
			Metric:         MetricSumIndicators,
		},
		Refinement: RefinementConfig{
			Algorithm: core.DefaultRefinementAlgorithm,
		},
		Save: SaveConfig{
			Solution:    false,
			Frequency:   1,
			Folder:      "results",
			Compression: "snappy",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}

	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path. A missing file
// yields the defaults.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// Validate reports the first invalid value as a typed configuration error.
// The caller decides whether to recover or abort.
func (c *Config) Validate() error {
	if c.Theta < 0 || c.Theta > 1 {
		return &core.ConfigError{Field: "theta", Value: fmt.Sprintf("%g", c.Theta), Message: "must be in [0,1]"}
	}
	if c.Nonlinear.MaxIterations < 1 {
		return &core.ConfigError{Field: "nonlinear.max_iterations", Value: fmt.Sprintf("%d", c.Nonlinear.MaxIterations), Message: "must be at least 1"}
	}
	if c.Nonlinear.RelativeTolerance <= 0 || c.Nonlinear.AbsoluteTolerance <= 0 {
		return &core.ConfigError{Field: "nonlinear.tolerances", Value: fmt.Sprintf("rel=%g abs=%g", c.Nonlinear.RelativeTolerance, c.Nonlinear.AbsoluteTolerance), Message: "must be positive"}
	}

	if c.Adaptive.Enabled {
		if c.Adaptive.AdaptRatio <= 0 || c.Adaptive.AdaptRatio > 1 {
			return &core.ConfigError{Field: "adaptive.adapt_ratio", Value: fmt.Sprintf("%g", c.Adaptive.AdaptRatio), Message: "must be in (0,1]"}
		}
		if c.Adaptive.MaxAdaptations < 1 {
			return &core.ConfigError{Field: "adaptive.max_adaptations", Value: fmt.Sprintf("%d", c.Adaptive.MaxAdaptations), Message: "must be at least 1"}
		}
		if c.Adaptive.Tolerance < 0 {
			return &core.ConfigError{Field: "adaptive.tolerance", Value: fmt.Sprintf("%g", c.Adaptive.Tolerance), Message: "must not be negative"}
		}
		if c.Adaptive.OnDisk < 0 || c.Adaptive.OnDisk > 1 {
			return &core.ConfigError{Field: "adaptive.on_disk", Value: fmt.Sprintf("%g", c.Adaptive.OnDisk), Message: "must be in [0,1]"}
		}
		switch c.Adaptive.Metric {
		case MetricSumIndicators, MetricFunctionalDifference:
		default:
			return &core.ConfigError{Field: "adaptive.metric", Value: c.Adaptive.Metric, Message: "unknown stopping metric"}
		}
	}

	if c.Refinement.Algorithm == "" {
		return &core.ConfigError{Field: "refinement.algorithm", Value: "", Message: "must not be empty"}
	}
	if c.Save.Frequency < 1 {
		return &core.ConfigError{Field: "save.frequency", Value: fmt.Sprintf("%d", c.Save.Frequency), Message: "must be at least 1"}
	}
	if _, err := compress.ForName(c.Save.Compression); err != nil {
		return &core.ConfigError{Field: "save.compression", Value: c.Save.Compression, Message: "unknown compressor"}
	}
	return nil
}
