// Package config holds process configuration for agentplane.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level process configuration, loaded from YAML with
// environment fallbacks for the common knobs.
type Config struct {
	// DatabasePath is the SQLite database file.
	DatabasePath string `yaml:"database_path"`

	// UploadsRoot is the directory for session attachments.
	UploadsRoot string `yaml:"uploads_root"`

	// IndexesRoot is the directory for RAG vector indexes
	// (one subdirectory per session_<id> / kb_<id> collection).
	IndexesRoot string `yaml:"indexes_root"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogFormat is "simple" or "verbose".
	LogFormat string `yaml:"log_format"`

	// Embedder selects the embedding backend for RAG.
	Embedder EmbedderConfig `yaml:"embedder"`

	// Tracing configures OpenTelemetry export.
	Tracing TracingConfig `yaml:"tracing"`

	// PythonBin is the interpreter used for python tool handlers.
	PythonBin string `yaml:"python_bin"`
}

// TracingConfig configures the OpenTelemetry trace exporter.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ExporterType string  `yaml:"exporter_type"` // "otlp" or "stdout"
	EndpointURL  string  `yaml:"endpoint_url"`
	SamplingRate float64 `yaml:"sampling_rate"`
	ServiceName  string  `yaml:"service_name"`
}

// EmbedderConfig configures the embedding backend.
type EmbedderConfig struct {
	Type      string `yaml:"type"` // "ollama" or "openai"
	Model     string `yaml:"model"`
	Host      string `yaml:"host"`
	APIKey    string `yaml:"api_key"`
	Dimension int    `yaml:"dimension"`
	Timeout   int    `yaml:"timeout"`
}

// Default returns a configuration with sensible defaults rooted at dataDir.
func Default(dataDir string) *Config {
	return &Config{
		DatabasePath: filepath.Join(dataDir, "agentplane.db"),
		UploadsRoot:  filepath.Join(dataDir, "uploads"),
		IndexesRoot:  filepath.Join(dataDir, "indexes"),
		LogLevel:     "info",
		LogFormat:    "simple",
		PythonBin:    "python3",
		Tracing: TracingConfig{
			ExporterType: "otlp",
			SamplingRate: 1.0,
			ServiceName:  "agentplane",
		},
		Embedder: EmbedderConfig{
			Type:      "ollama",
			Model:     "nomic-embed-text",
			Host:      "http://localhost:11434",
			Dimension: 768,
			Timeout:   30,
		},
	}
}

// Load reads configuration from path, applying defaults for unset fields.
func Load(path string) (*Config, error) {
	cfg := Default(".")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if v := os.Getenv("AGENTPLANE_DB"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("AGENTPLANE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// EnsureDirs creates the uploads and indexes directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.UploadsRoot, c.IndexesRoot, filepath.Dir(c.DatabasePath)} {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
