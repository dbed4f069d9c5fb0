package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the pipeline settings. Zero-valued fields in a config file
// keep their defaults.
type Config struct {
	// MaxMixins is K, the longest ingredient sequence enumerated.
	MaxMixins int `yaml:"max_mixins"`
	// WindowSize is the number of sequences evaluated per enumeration window.
	WindowSize int `yaml:"window_size"`
	// BatchRows is the number of rows per batch file.
	BatchRows int `yaml:"batch_rows"`
	// Workers bounds generation workers and per-group scatter workers.
	Workers int `yaml:"workers"`

	TablesDir string `yaml:"tables_dir"`
	BatchDir  string `yaml:"batch_dir"`
	OutputDir string `yaml:"output_dir"`
	// Compress writes zstd-compressed batch files.
	Compress bool `yaml:"compress"`
	// Manifest is the SQLite manifest path, relative to BatchDir unless
	// absolute. "-" disables the manifest.
	Manifest string `yaml:"manifest"`

	// ProductTimeout bounds one product's generation. 0 means no deadline.
	ProductTimeout time.Duration `yaml:"product_timeout"`
	// RunTimeout bounds a whole generate or dedupe run. 0 means no deadline.
	RunTimeout time.Duration `yaml:"run_timeout"`

	LogLevel string `yaml:"log_level"`
	// Products limits generation and dedupe to these products. Empty means all.
	Products []string `yaml:"products"`
}

// DefaultConfig returns the settings used when no config file is given.
func DefaultConfig() Config {
	return Config{
		MaxMixins:  4,
		WindowSize: 500_000,
		BatchRows:  1_000_000,
		Workers:    runtime.NumCPU(),
		TablesDir:  "data",
		BatchDir:   "mixin_outputs_csv",
		OutputDir:  "mixin_deduped_csv",
		Manifest:   "manifest.db",
		LogLevel:   "info",
	}
}

// LoadConfig reads a YAML config file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// maxWorkers caps Workers regardless of what the config asks for.
const maxWorkers = 256

// Validate checks bounds.
func (c *Config) Validate() error {
	switch {
	case c.MaxMixins < 1:
		return fmt.Errorf("max_mixins must be >= 1, got %d", c.MaxMixins)
	case c.WindowSize < 1:
		return fmt.Errorf("window_size must be >= 1, got %d", c.WindowSize)
	case c.BatchRows < 1:
		return fmt.Errorf("batch_rows must be >= 1, got %d", c.BatchRows)
	case c.Workers < 1 || c.Workers > maxWorkers:
		return fmt.Errorf("workers must be in [1, %d], got %d", maxWorkers, c.Workers)
	case c.ProductTimeout < 0 || c.RunTimeout < 0:
		return fmt.Errorf("timeouts must not be negative")
	case c.BatchDir == "":
		return fmt.Errorf("batch_dir is required")
	case c.OutputDir == "":
		return fmt.Errorf("output_dir is required")
	}
	return nil
}

// ManifestPath resolves Manifest against BatchDir. It returns "" when the
// manifest is disabled.
func (c *Config) ManifestPath() string {
	switch {
	case c.Manifest == "" || c.Manifest == "-":
		return ""
	case filepath.IsAbs(c.Manifest):
		return c.Manifest
	default:
		return filepath.Join(c.BatchDir, c.Manifest)
	}
}

// wantProduct reports whether name passes the Products filter.
func (c *Config) wantProduct(name string) bool {
	if len(c.Products) == 0 {
		return true
	}
	for _, p := range c.Products {
		if p == name {
			return true
		}
	}
	return false
}

// splitList splits a comma separated flag value, trimming blanks around each
// element and dropping empty ones.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// prepareDirs creates each directory and checks that it is writable.
func prepareDirs(dirs ...string) error {
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
		f, err := os.CreateTemp(d, ".write-check-*")
		if err != nil {
			return fmt.Errorf("%s is not writable: %w", d, err)
		}
		_ = f.Close()
		_ = os.Remove(f.Name())
	}
	return nil
}
