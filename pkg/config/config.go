// Package config provides configuration loading and management for the
// converter. It reads YAML or TOML files, fills in default values and can
// watch a file for changes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	// Pipeline parameters
	Pipeline struct {
		// MaxDimensionBudget is the largest grid size allowed along any axis
		// before extraction; larger volumes are decimated. 0 disables it.
		MaxDimensionBudget int `yaml:"maxDimensionBudget" toml:"maxDimensionBudget"`

		// MaxSamples caps the decimated volume size. 0 disables the cap.
		MaxSamples int `yaml:"maxSamples" toml:"maxSamples"`

		// Thresholds are the iso-values tried in order
		Thresholds []float64 `yaml:"thresholds" toml:"thresholds"`

		// SimplificationTarget is the fraction of triangles to remove
		SimplificationTarget float64 `yaml:"simplificationTarget" toml:"simplificationTarget"`

		// SmoothingIterations is the number of Laplacian passes
		SmoothingIterations int `yaml:"smoothingIterations" toml:"smoothingIterations"`

		// SmoothingLambda is the Laplacian step size
		SmoothingLambda float64 `yaml:"smoothingLambda" toml:"smoothingLambda"`

		// Workers is the number of extraction goroutines
		Workers int `yaml:"workers" toml:"workers"`
	} `yaml:"pipeline" toml:"pipeline"`

	// Export parameters
	Export struct {
		// Scale converts millimetres into output units
		Scale float64 `yaml:"scale" toml:"scale"`

		// Recenter moves the bounding box centre to the origin
		Recenter bool `yaml:"recenter" toml:"recenter"`

		NodeName  string `yaml:"nodeName" toml:"nodeName"`
		Generator string `yaml:"generator" toml:"generator"`
	} `yaml:"export" toml:"export"`

	// Server parameters
	Server struct {
		Addr    string `yaml:"addr" toml:"addr"`
		WorkDir string `yaml:"workDir" toml:"workDir"`

		// MaxConcurrent bounds simultaneous conversions
		MaxConcurrent int `yaml:"maxConcurrent" toml:"maxConcurrent"`

		// RequestTimeoutSeconds is the deadline for one conversion
		RequestTimeoutSeconds int `yaml:"requestTimeoutSeconds" toml:"requestTimeoutSeconds"`

		// MaxUploadBytes limits the request body
		MaxUploadBytes int64 `yaml:"maxUploadBytes" toml:"maxUploadBytes"`

		// MaxExtractBytes limits the total size unpacked from archives
		MaxExtractBytes int64 `yaml:"maxExtractBytes" toml:"maxExtractBytes"`

		AllowedOrigins []string `yaml:"allowedOrigins" toml:"allowedOrigins"`
		DownloadName   string   `yaml:"downloadName" toml:"downloadName"`
	} `yaml:"server" toml:"server"`

	// Logging parameters
	Logging struct {
		// Level is one of debug, info, warn, error
		Level string `yaml:"level" toml:"level"`
	} `yaml:"logging" toml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Pipeline.MaxDimensionBudget = 128
	cfg.Pipeline.MaxSamples = 64 << 20
	cfg.Pipeline.Thresholds = []float64{150, 50}
	cfg.Pipeline.SimplificationTarget = 0.5
	cfg.Pipeline.SmoothingIterations = 2
	cfg.Pipeline.SmoothingLambda = 0.5
	cfg.Pipeline.Workers = runtime.NumCPU() // Use all available cores by default

	cfg.Export.Scale = 0.001
	cfg.Export.Recenter = true
	cfg.Export.NodeName = "scan"
	cfg.Export.Generator = "dicom-converter"

	cfg.Server.Addr = ":8080"
	cfg.Server.WorkDir = filepath.Join(os.TempDir(), "dicom-converter")
	cfg.Server.MaxConcurrent = 2
	cfg.Server.RequestTimeoutSeconds = 300
	cfg.Server.MaxUploadBytes = 1 << 30
	cfg.Server.MaxExtractBytes = 4 << 30
	cfg.Server.AllowedOrigins = []string{"*"}
	cfg.Server.DownloadName = "model.glb"

	cfg.Logging.Level = "info"

	return cfg
}

// RequestTimeout returns the per-conversion deadline
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// Clone returns a deep copy, so request handlers can hold a snapshot while
// the watcher swaps in a new configuration.
func (c *Config) Clone() *Config {
	out := *c
	out.Pipeline.Thresholds = append([]float64(nil), c.Pipeline.Thresholds...)
	out.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	return &out
}

// Validate checks value ranges
func (c *Config) Validate() error {
	p := c.Pipeline
	if p.MaxDimensionBudget < 0 {
		return fmt.Errorf("pipeline.maxDimensionBudget must not be negative, got %d", p.MaxDimensionBudget)
	}
	if p.MaxSamples < 0 {
		return fmt.Errorf("pipeline.maxSamples must not be negative, got %d", p.MaxSamples)
	}
	if len(p.Thresholds) == 0 {
		return fmt.Errorf("pipeline.thresholds must name at least one iso-value")
	}
	if p.SimplificationTarget <= 0 || p.SimplificationTarget >= 1 {
		return fmt.Errorf("pipeline.simplificationTarget must be in (0, 1), got %v", p.SimplificationTarget)
	}
	if p.SmoothingIterations < 0 {
		return fmt.Errorf("pipeline.smoothingIterations must not be negative, got %d", p.SmoothingIterations)
	}
	if p.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be at least 1, got %d", p.Workers)
	}
	if c.Export.Scale <= 0 {
		return fmt.Errorf("export.scale must be positive, got %v", c.Export.Scale)
	}
	if c.Server.MaxConcurrent < 1 {
		return fmt.Errorf("server.maxConcurrent must be at least 1, got %d", c.Server.MaxConcurrent)
	}
	if c.Server.RequestTimeoutSeconds < 1 {
		return fmt.Errorf("server.requestTimeoutSeconds must be at least 1, got %d", c.Server.RequestTimeoutSeconds)
	}
	return nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// LoadConfig loads configuration from a YAML or TOML file, chosen by
// extension. If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if isTOML(configPath) {
		err = toml.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML or TOML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	var data []byte
	var err error
	if isTOML(configPath) {
		data, err = toml.Marshal(cfg)
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
