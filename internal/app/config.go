package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/specialistvlad/calcgrid/internal/runqueue"
	"gopkg.in/yaml.v3"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	// ConfigPaths are HCL files or directories holding functions, market
	// data and views.
	ConfigPaths []string

	LogFormat       string
	LogLevel        string
	HealthcheckPort int
	// Output selects how results are printed: "table" or "json".
	Output string
	Engine Engine
}

// Engine tunes graph building, fragmentation and execution. It is what an
// engine file holds.
type Engine struct {
	Workers               int      `yaml:"workers"`
	Fragment              Fragment `yaml:"fragment"`
	RunQueue              string   `yaml:"run_queue"`
	FailureReporting      bool     `yaml:"failure_reporting"`
	AbortOnFailure        bool     `yaml:"abort_on_failure"`
	IgnoreExclusionGroups bool     `yaml:"ignore_exclusion_groups"`
	GraphCacheSize        int      `yaml:"graph_cache_size"`
	Cost                  Cost     `yaml:"cost"`
	InlineSingleItemJobs  bool     `yaml:"inline_single_item_jobs"`
	MaxInFlight           int      `yaml:"max_in_flight"`
	// RemoteNodeURL sends jobs to a calculation node started with
	// `calcgrid node` instead of running them in process.
	RemoteNodeURL string `yaml:"remote_node_url"`
}

// Fragment bounds the fragments a graph is split into.
type Fragment struct {
	MinSize        int           `yaml:"min_size"`
	MaxSize        int           `yaml:"max_size"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	MaxCost        time.Duration `yaml:"max_cost"`
}

// Cost configures the cost statistics store.
type Cost struct {
	Decay float64 `yaml:"decay"`
	// DBPath persists statistics across runs when set.
	DBPath string `yaml:"db_path"`
}

// DefaultEngine returns the engine settings used when nothing overrides
// them.
func DefaultEngine() Engine {
	return Engine{
		Workers: 10,
		Fragment: Fragment{
			MinSize:        1,
			MaxSize:        100,
			MaxConcurrency: 8,
		},
		RunQueue:         string(runqueue.Priority),
		FailureReporting: true,
		GraphCacheSize:   16,
		Cost:             Cost{Decay: 0.1},
	}
}

// LoadEngineFile reads a YAML engine file over base. Keys missing from the
// file keep base's values; unknown keys are an error.
func LoadEngineFile(path string, base Engine) (Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Engine{}, fmt.Errorf("read engine file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	out := base
	if err := dec.Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		return Engine{}, fmt.Errorf("parse engine file %s: %w", path, err)
	}
	return out, nil
}

// Validate checks the engine settings.
func (e Engine) Validate() error {
	var errs []error
	if e.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", e.Workers))
	}
	if e.Fragment.MinSize < 1 {
		errs = append(errs, fmt.Errorf("fragment.min_size must be at least 1, got %d", e.Fragment.MinSize))
	}
	if e.Fragment.MaxSize < e.Fragment.MinSize {
		errs = append(errs, fmt.Errorf("fragment.max_size %d is below fragment.min_size %d", e.Fragment.MaxSize, e.Fragment.MinSize))
	}
	if e.Fragment.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("fragment.max_concurrency must be at least 1, got %d", e.Fragment.MaxConcurrency))
	}
	if e.Fragment.MaxCost < 0 {
		errs = append(errs, errors.New("fragment.max_cost must not be negative"))
	}
	if _, err := runqueue.ParseKind(e.RunQueue); err != nil {
		errs = append(errs, err)
	}
	if e.GraphCacheSize < 0 {
		errs = append(errs, errors.New("graph_cache_size must not be negative"))
	}
	if e.Cost.Decay <= 0 || e.Cost.Decay > 1 {
		errs = append(errs, fmt.Errorf("cost.decay must be in (0, 1], got %v", e.Cost.Decay))
	}
	if e.MaxInFlight < 0 {
		errs = append(errs, errors.New("max_in_flight must not be negative"))
	}
	return errors.Join(errs...)
}

// NewConfig validates cfg.
func NewConfig(cfg Config) (*Config, error) {
	if len(cfg.ConfigPaths) == 0 {
		return nil, errors.New("at least one configuration path is required")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return nil, fmt.Errorf("invalid log format %q: must be 'text' or 'json'", cfg.LogFormat)
	}
	if _, ok := logLevels[cfg.LogLevel]; !ok {
		return nil, fmt.Errorf("invalid log level %q: must be 'debug', 'info', 'warn', or 'error'", cfg.LogLevel)
	}
	switch cfg.Output {
	case "":
		cfg.Output = "table"
	case "table", "json":
	default:
		return nil, fmt.Errorf("invalid output %q: must be 'table' or 'json'", cfg.Output)
	}
	if cfg.HealthcheckPort < 0 {
		return nil, fmt.Errorf("invalid healthcheck port %d", cfg.HealthcheckPort)
	}
	if err := cfg.Engine.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine settings: %w", err)
	}
	return &cfg, nil
}
