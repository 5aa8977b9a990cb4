// Package config loads the merged connectd configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/scalytics/connectd/internal/paths"
)

// Config represents the merged connectd configuration
type Config struct {
	Server ServerConfig `yaml:"server"`
	Data   DataConfig   `yaml:"data"`
	Engine EngineConfig `yaml:"engine"`
	Admin  AdminConfig  `yaml:"admin"`
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	Listen string `yaml:"listen"` // Address to listen on (e.g., ":3000", "127.0.0.1:3000")
}

// DataConfig holds persistent storage locations
type DataConfig struct {
	Dir string `yaml:"dir"` // Base data directory (models, sqlite db, config snapshots)
}

// EngineConfig holds inference engine subprocess settings
type EngineConfig struct {
	Port          int           `yaml:"port"`          // vLLM API server port
	WrapperScript string        `yaml:"wrapperScript"` // Launch wrapper (start_vllm.py equivalent)
	Python        string        `yaml:"python"`        // Python interpreter for the wrapper
	DownloadDir   string        `yaml:"downloadDir"`   // HuggingFace cache directory
	StartupCap    time.Duration `yaml:"startupCap"`    // Hard cap on readiness wait
	StuckAfter    time.Duration `yaml:"stuckAfter"`    // Stuck heuristic threshold
	GracePeriod   time.Duration `yaml:"gracePeriod"`   // SIGTERM to SIGKILL window
}

// AdminConfig holds admin API authentication settings
type AdminConfig struct {
	Token               string        `yaml:"token"` // Bearer token for admin endpoints
	RateLimitDelay      time.Duration `yaml:"rateLimitDelay"`
	HealthCheckTimeout  time.Duration `yaml:"healthCheckTimeout"`
	HealthCacheDuration time.Duration `yaml:"healthCacheDuration"`
}

// URL returns the engine base URL (always loopback; the engine is never
// exposed off-host).
func (e EngineConfig) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", e.Port)
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	dataDir, _ := paths.DataPath("data")
	return &Config{
		Server: ServerConfig{Listen: "127.0.0.1:3000"},
		Data:   DataConfig{Dir: dataDir},
		Engine: EngineConfig{
			Port:          8003,
			Python:        "python3",
			WrapperScript: "scripts/start_vllm.py",
			StartupCap:    300 * time.Second,
			StuckAfter:    240 * time.Second,
			GracePeriod:   10 * time.Second,
		},
		Admin: AdminConfig{
			RateLimitDelay:      10 * time.Second,
			HealthCheckTimeout:  3 * time.Second,
			HealthCacheDuration: 60 * time.Second,
		},
	}
}

// Load reads configuration from the resolved config path, merging file
// values over the built-in defaults. A missing config file is valid and
// yields the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		resolved, err := paths.ConfigPath()
		if err != nil {
			return nil, err
		}
		path = resolved
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	// File values win over defaults
	if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}

	expanded, err := paths.ExpandTilde(cfg.Data.Dir)
	if err != nil {
		return nil, err
	}
	cfg.Data.Dir = expanded

	return cfg, nil
}
