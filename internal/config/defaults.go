package config

import (
	"path/filepath"
	"time"

	"github.com/hyperjump/mirip/internal/partition"
	"github.com/hyperjump/mirip/internal/vector"
)

const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"

	ProviderONNX = "onnx"
	ProviderMock = "mock"

	DefaultDataPath  = "/usr/local/var/mirip/data"
	DefaultDimension = 8192
	DefaultTopK      = 10
)

// ApplyDefaults sets default values for any zero values in cfg. Storage paths not set
// explicitly are derived from storage.data_path.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5000
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = 32 << 20
	}
	if cfg.Server.FetchTimeout == 0 {
		cfg.Server.FetchTimeout = 30 * time.Second
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverSQLite
	}
	if cfg.Storage.DataPath == "" {
		cfg.Storage.DataPath = DefaultDataPath
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = filepath.Join(cfg.Storage.DataPath, "db", "mirip.db")
	}
	if cfg.Storage.UploadPath == "" {
		cfg.Storage.UploadPath = filepath.Join(cfg.Storage.DataPath, "upload")
	}
	if cfg.Vector.Dimension == 0 {
		cfg.Vector.Dimension = DefaultDimension
	}
	if cfg.Vector.Metric == "" {
		cfg.Vector.Metric = string(vector.MetricL2)
	}
	if cfg.Vector.IndexType == "" {
		cfg.Vector.IndexType = string(vector.IndexTypeMemory)
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = ProviderONNX
	}
	if cfg.Embedding.ModelPath == "" {
		cfg.Embedding.ModelPath = filepath.Join(cfg.Storage.DataPath, "models", "efficientnet_b2.onnx")
	}
	if cfg.Embedding.InputSize == 0 {
		cfg.Embedding.InputSize = 260
	}
	if cfg.Embedding.OutputDimensions == 0 {
		cfg.Embedding.OutputDimensions = 1408
	}
	if cfg.Embedding.InputName == "" {
		cfg.Embedding.InputName = "input"
	}
	if cfg.Embedding.OutputName == "" {
		cfg.Embedding.OutputName = "output"
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 1000
	}
	if cfg.Catalog.DefaultCollection == "" {
		cfg.Catalog.DefaultCollection = partition.DefaultCollection
	}
	if cfg.Catalog.TopK == 0 {
		cfg.Catalog.TopK = DefaultTopK
	}
	if cfg.Catalog.MaxTopK == 0 {
		cfg.Catalog.MaxTopK = 1000
	}
	if cfg.Catalog.LoadWorkers == 0 {
		cfg.Catalog.LoadWorkers = 4
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".png", ".jpg", ".jpeg", ".webp"}
	}
	if cfg.Watch.Collection == "" {
		cfg.Watch.Collection = cfg.Catalog.DefaultCollection
	}
}
