package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines configuration for the lra CLI.
type Config struct {
	Model             string       `yaml:"model"`
	Experiment        string       `yaml:"experiment"`
	Variables         []string     `yaml:"variables"`
	Resolution        string       `yaml:"resolution"`
	Frequency         string       `yaml:"frequency"`
	OutputRoot        string       `yaml:"output_root"`
	CatalogDir        string       `yaml:"catalog_dir"`
	ScratchRoot       string       `yaml:"scratch_root"`
	Workers           int          `yaml:"workers"`
	Overwrite         bool         `yaml:"overwrite"`
	Definitive        bool         `yaml:"definitive"`
	ExcludeIncomplete bool         `yaml:"exclude_incomplete"`
	LogLevel          string       `yaml:"log_level"`
	Compress          bool         `yaml:"compress"`
	SinglePrecision   bool         `yaml:"single_precision"`
	Source            SourceConfig `yaml:"source"`
}

// SourceConfig defines the time range the source data covers.
type SourceConfig struct {
	Start time.Time     `yaml:"-"`
	End   time.Time     `yaml:"-"`
	Step  time.Duration `yaml:"-"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Resolution: "r100",
		Frequency:  "monthly",
		Workers:    1,
		LogLevel:   "info",
		Source: SourceConfig{
			Step: time.Hour,
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string time fields.
type yamlConfig struct {
	Model             string           `yaml:"model"`
	Experiment        string           `yaml:"experiment"`
	Variables         []string         `yaml:"variables"`
	Resolution        string           `yaml:"resolution"`
	Frequency         string           `yaml:"frequency"`
	OutputRoot        string           `yaml:"output_root"`
	CatalogDir        string           `yaml:"catalog_dir"`
	ScratchRoot       string           `yaml:"scratch_root"`
	Workers           int              `yaml:"workers"`
	Overwrite         bool             `yaml:"overwrite"`
	Definitive        bool             `yaml:"definitive"`
	ExcludeIncomplete bool             `yaml:"exclude_incomplete"`
	LogLevel          string           `yaml:"log_level"`
	Compress          bool             `yaml:"compress"`
	SinglePrecision   bool             `yaml:"single_precision"`
	Source            yamlSourceConfig `yaml:"source"`
}

type yamlSourceConfig struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
	Step  string `yaml:"step"`
}

// ParseTime accepts a date or an RFC 3339 timestamp.
func ParseTime(v string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("want YYYY-MM-DD or RFC 3339, got %q", v)
	}
	return t, nil
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	if yc.Model != "" {
		cfg.Model = yc.Model
	}
	if yc.Experiment != "" {
		cfg.Experiment = yc.Experiment
	}
	if len(yc.Variables) != 0 {
		cfg.Variables = yc.Variables
	}
	if yc.Resolution != "" {
		cfg.Resolution = yc.Resolution
	}
	if yc.Frequency != "" {
		cfg.Frequency = yc.Frequency
	}
	if yc.OutputRoot != "" {
		cfg.OutputRoot = yc.OutputRoot
	}
	if yc.CatalogDir != "" {
		cfg.CatalogDir = yc.CatalogDir
	}
	if yc.ScratchRoot != "" {
		cfg.ScratchRoot = yc.ScratchRoot
	}
	if yc.Workers != 0 {
		cfg.Workers = yc.Workers
	}
	cfg.Overwrite = yc.Overwrite
	cfg.Definitive = yc.Definitive
	cfg.ExcludeIncomplete = yc.ExcludeIncomplete
	if yc.LogLevel != "" {
		cfg.LogLevel = yc.LogLevel
	}
	cfg.Compress = yc.Compress
	cfg.SinglePrecision = yc.SinglePrecision
	if yc.Source.Start != "" {
		t, err := ParseTime(yc.Source.Start)
		if err != nil {
			return Config{}, fmt.Errorf("parse source.start: %w", err)
		}
		cfg.Source.Start = t
	}
	if yc.Source.End != "" {
		t, err := ParseTime(yc.Source.End)
		if err != nil {
			return Config{}, fmt.Errorf("parse source.end: %w", err)
		}
		cfg.Source.End = t
	}
	if yc.Source.Step != "" {
		d, err := time.ParseDuration(yc.Source.Step)
		if err != nil {
			return Config{}, fmt.Errorf("parse source.step: %w", err)
		}
		cfg.Source.Step = d
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the LRA_ prefix.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("LRA_MODEL"); v != "" {
		c.Model = v
	}
	if v := os.Getenv("LRA_EXPERIMENT"); v != "" {
		c.Experiment = v
	}
	if v := os.Getenv("LRA_VARIABLES"); v != "" {
		c.Variables = splitList(v)
	}
	if v := os.Getenv("LRA_RESOLUTION"); v != "" {
		c.Resolution = v
	}
	if v := os.Getenv("LRA_FREQUENCY"); v != "" {
		c.Frequency = v
	}
	if v := os.Getenv("LRA_OUTPUT_ROOT"); v != "" {
		c.OutputRoot = v
	}
	if v := os.Getenv("LRA_CATALOG_DIR"); v != "" {
		c.CatalogDir = v
	}
	if v := os.Getenv("LRA_SCRATCH_ROOT"); v != "" {
		c.ScratchRoot = v
	}
	if v := os.Getenv("LRA_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse LRA_WORKERS: %w", err)
		}
		c.Workers = n
	}
	if v := os.Getenv("LRA_OVERWRITE"); v != "" {
		c.Overwrite = v == "true" || v == "1"
	}
	if v := os.Getenv("LRA_DEFINITIVE"); v != "" {
		c.Definitive = v == "true" || v == "1"
	}
	if v := os.Getenv("LRA_EXCLUDE_INCOMPLETE"); v != "" {
		c.ExcludeIncomplete = v == "true" || v == "1"
	}
	if v := os.Getenv("LRA_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LRA_SOURCE_START"); v != "" {
		t, err := ParseTime(v)
		if err != nil {
			return fmt.Errorf("parse LRA_SOURCE_START: %w", err)
		}
		c.Source.Start = t
	}
	if v := os.Getenv("LRA_SOURCE_END"); v != "" {
		t, err := ParseTime(v)
		if err != nil {
			return fmt.Errorf("parse LRA_SOURCE_END: %w", err)
		}
		c.Source.End = t
	}
	if v := os.Getenv("LRA_SOURCE_STEP"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse LRA_SOURCE_STEP: %w", err)
		}
		c.Source.Step = d
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Model == "" {
		return errors.New("config: model is required")
	}
	if c.Experiment == "" {
		return errors.New("config: experiment is required")
	}
	if len(c.Variables) == 0 {
		return errors.New("config: at least one variable is required")
	}
	if c.Resolution == "" {
		return errors.New("config: resolution is required")
	}
	if c.OutputRoot == "" {
		return errors.New("config: output_root is required")
	}
	if c.CatalogDir == "" {
		return errors.New("config: catalog_dir is required")
	}
	if c.Workers <= 0 {
		return errors.New("config: workers must be positive")
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.Model != "" {
		c.Model = override.Model
	}
	if override.Experiment != "" {
		c.Experiment = override.Experiment
	}
	if len(override.Variables) != 0 {
		c.Variables = override.Variables
	}
	if override.Resolution != "" {
		c.Resolution = override.Resolution
	}
	if override.Frequency != "" {
		c.Frequency = override.Frequency
	}
	if override.OutputRoot != "" {
		c.OutputRoot = override.OutputRoot
	}
	if override.CatalogDir != "" {
		c.CatalogDir = override.CatalogDir
	}
	if override.ScratchRoot != "" {
		c.ScratchRoot = override.ScratchRoot
	}
	if override.Workers != 0 {
		c.Workers = override.Workers
	}
	if override.Overwrite {
		c.Overwrite = override.Overwrite
	}
	if override.Definitive {
		c.Definitive = override.Definitive
	}
	if override.ExcludeIncomplete {
		c.ExcludeIncomplete = override.ExcludeIncomplete
	}
	if override.LogLevel != "" {
		c.LogLevel = override.LogLevel
	}
	if override.Compress {
		c.Compress = override.Compress
	}
	if override.SinglePrecision {
		c.SinglePrecision = override.SinglePrecision
	}
	if !override.Source.Start.IsZero() {
		c.Source.Start = override.Source.Start
	}
	if !override.Source.End.IsZero() {
		c.Source.End = override.Source.End
	}
	if override.Source.Step != 0 {
		c.Source.Step = override.Source.Step
	}
	return c
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
