// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

func Load() (*Config, error) {
	loadEnvFile()

	// Base config
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("../../configs")
	viper.AddConfigPath(".")

	// Enable ENV override like EXTRACTION_BASE_URL
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	// Environment overlay, e.g. config.production.yaml
	viper.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = viper.MergeInConfig() // ignore error if not found

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// loadEnvFile tries .env from several locations so binaries and tests can run
// from any directory inside the repo.
func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
		"../../../.env",
	}

	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// findProjectRoot walks up directories looking for go.mod.
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "clinquery"
	}
	if cfg.App.Environment == "" {
		cfg.App.Environment = "development"
	}
	if cfg.App.ListenAddr == "" {
		cfg.App.ListenAddr = ":8090"
	}
	if cfg.Extraction.Timeout == 0 {
		cfg.Extraction.Timeout = 10000
	}
	if cfg.Extraction.MaxRetries == 0 {
		cfg.Extraction.MaxRetries = 2
	}
	if cfg.Sandbox.Timeout == 0 {
		cfg.Sandbox.Timeout = 5000
	}
	if len(cfg.Sandbox.AllowedModules) == 0 {
		cfg.Sandbox.AllowedModules = []string{"table", "string", "math", "os"}
	}
	if cfg.Sandbox.MaxResultRows == 0 {
		cfg.Sandbox.MaxResultRows = 10000
	}
	if cfg.Clarify.ConfidenceThreshold == 0 {
		cfg.Clarify.ConfidenceThreshold = 0.75
	}
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 10
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 5
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}
	if cfg.Audit.Index == "" {
		cfg.Audit.Index = "clinquery-audit"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Clarify.ConfidenceThreshold < 0 || cfg.Clarify.ConfidenceThreshold > 1 {
		return fmt.Errorf("clarify.confidence_threshold must be in [0,1], got %f", cfg.Clarify.ConfidenceThreshold)
	}
	if cfg.Sandbox.Timeout < 100 {
		return fmt.Errorf("sandbox.timeout must be at least 100ms, got %d", cfg.Sandbox.Timeout)
	}
	return nil
}
