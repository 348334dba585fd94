// Package config provides configuration loading and structs for the mirip server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperjump/mirip/internal/partition"
	"github.com/hyperjump/mirip/internal/vector"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Vector    VectorConfig    `yaml:"vector"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Watch     WatchConfig     `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
}

// StorageConfig holds the record store driver and on-disk paths.
type StorageConfig struct {
	// Driver is "sqlite" (default) or "memory" (nothing persisted).
	Driver       string `yaml:"driver"`
	DataPath     string `yaml:"data_path"`
	DatabasePath string `yaml:"database_path"`
	UploadPath   string `yaml:"upload_path"`
}

// VectorConfig fixes the embedding dimension and distance metric of every collection.
type VectorConfig struct {
	Dimension int    `yaml:"dimension"`
	Metric    string `yaml:"metric"`
	IndexType string `yaml:"index_type"`
}

// EmbeddingConfig holds image embedder settings.
type EmbeddingConfig struct {
	// Provider is "onnx" or "mock".
	Provider          string `yaml:"provider"`
	ModelPath         string `yaml:"model_path"`
	SharedLibraryPath string `yaml:"shared_library_path"`
	InputSize         int    `yaml:"input_size"`
	OutputDimensions  int    `yaml:"output_dimensions"`
	InputName         string `yaml:"input_name"`
	OutputName        string `yaml:"output_name"`
	CacheSize         int    `yaml:"cache_size"`
}

// CatalogConfig holds ingestion and query defaults.
type CatalogConfig struct {
	DefaultCollection string `yaml:"default_collection"`
	TopK              int    `yaml:"top_k"`
	MaxTopK           int    `yaml:"max_top_k"`
	LoadWorkers       int    `yaml:"load_workers"`
	StrictDedup       *bool  `yaml:"strict_dedup"`
}

// StrictDedupOrDefault reports whether check-then-insert is serialized; defaults to true when unset.
func (c *CatalogConfig) StrictDedupOrDefault() bool {
	if c.StrictDedup != nil {
		return *c.StrictDedup
	}
	return true
}

// WatchConfig holds inbox directory settings.
type WatchConfig struct {
	Directories []string `yaml:"directories"`
	Extensions  []string `yaml:"extensions"`
	Collection  string   `yaml:"collection"`
	Recursive   *bool    `yaml:"recursive"`
}

// RecursiveOrDefault returns whether nested directories are watched; defaults to false when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return false
}

// Load reads and parses the config file at path, expands paths, applies environment overrides
// and defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	configDir := filepath.Dir(path)
	cfg.Storage.DataPath = expandPath(cfg.Storage.DataPath, configDir)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.UploadPath = expandPath(cfg.Storage.UploadPath, configDir)
	cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	cfg.Embedding.SharedLibraryPath = expandPath(cfg.Embedding.SharedLibraryPath, configDir)
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	if err := finish(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads path when it exists; otherwise it returns the defaults with environment
// overrides applied, so the CLI works without a config file.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	var cfg Config
	if err := finish(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func finish(cfg *Config) error {
	if err := ApplyEnv(cfg, os.Getenv); err != nil {
		return err
	}
	ApplyDefaults(cfg)
	return cfg.Validate()
}

// Save writes the config to path. Used by init and for persisting inbox directory changes.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks settings that would otherwise fail deep inside the pipeline.
func (c *Config) Validate() error {
	if c.Vector.Dimension <= 0 {
		return fmt.Errorf("vector.dimension must be positive, got %d", c.Vector.Dimension)
	}
	if _, err := vector.ParseMetric(c.Vector.Metric); err != nil {
		return fmt.Errorf("vector.metric: %w", err)
	}
	switch vector.IndexType(c.Vector.IndexType) {
	case vector.IndexTypeMemory, vector.IndexTypeFAISS:
	default:
		return fmt.Errorf("vector.index_type: unknown %q (supported: memory, faiss)", c.Vector.IndexType)
	}
	switch c.Storage.Driver {
	case DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("storage.driver: unknown %q (supported: sqlite, memory)", c.Storage.Driver)
	}
	switch c.Embedding.Provider {
	case ProviderONNX, ProviderMock:
	default:
		return fmt.Errorf("embedding.provider: unknown %q (supported: onnx, mock)", c.Embedding.Provider)
	}
	if err := partition.ValidateName(c.Catalog.DefaultCollection); err != nil {
		return fmt.Errorf("catalog.default_collection: %w", err)
	}
	if c.Watch.Collection != "" {
		if err := partition.ValidateName(c.Watch.Collection); err != nil {
			return fmt.Errorf("watch.collection: %w", err)
		}
	}
	if c.Catalog.MaxTopK > 0 && c.Catalog.TopK > c.Catalog.MaxTopK {
		return fmt.Errorf("catalog.top_k (%d) exceeds catalog.max_top_k (%d)", c.Catalog.TopK, c.Catalog.MaxTopK)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory. Empty stays empty.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
