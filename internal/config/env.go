package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Environment variables that override the config file.
const (
	EnvVectorDimension = "VECTOR_DIMENSION"
	EnvMetricType      = "METRIC_TYPE"
	EnvDefaultTable    = "DEFAULT_TABLE"
	EnvTopK            = "TOP_K"
	EnvUploadPath      = "UPLOAD_PATH"
	EnvDataPath        = "DATA_PATH"
)

// ApplyEnv overrides cfg from environment variables read through getenv. Relative paths are
// resolved against the working directory. Unset or blank variables leave cfg unchanged.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	get := func(key string) string { return strings.TrimSpace(getenv(key)) }

	if v := get(EnvVectorDimension); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s: invalid dimension %q", EnvVectorDimension, v)
		}
		cfg.Vector.Dimension = n
	}
	if v := get(EnvMetricType); v != "" {
		cfg.Vector.Metric = strings.ToUpper(v)
	}
	if v := get(EnvDefaultTable); v != "" {
		cfg.Catalog.DefaultCollection = v
	}
	if v := get(EnvTopK); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("%s: invalid top_k %q", EnvTopK, v)
		}
		cfg.Catalog.TopK = n
	}
	if v := get(EnvDataPath); v != "" {
		cfg.Storage.DataPath = absPath(v)
	}
	if v := get(EnvUploadPath); v != "" {
		cfg.Storage.UploadPath = absPath(v)
	}
	return nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
