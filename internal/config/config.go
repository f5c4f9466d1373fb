package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all companion environment variables.
const EnvPrefix = "COMPANION_"

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const defaultBackupInterval = 6 * time.Hour

// Config holds all application configuration. Secrets are loaded exclusively
// from environment variables and never appear in the config file.
type Config struct {
	ListenAddr            string `yaml:"listen_addr"`
	LogLevel              string `yaml:"log_level"`
	DBDriver              string `yaml:"db_driver"`
	DBPath                string `yaml:"db_path"`
	EngineURL             string `yaml:"engine_url"`
	JWTIssuer             string `yaml:"jwt_issuer"`
	RecapModel            string `yaml:"recap_model"`
	BackupFolderID        string `yaml:"backup_folder_id"`
	GoogleCredentialsFile string `yaml:"google_credentials_file"`
	BackupInterval        string `yaml:"backup_interval"`
	BackupDir             string `yaml:"backup_dir"`
	MetricsEnabled        bool   `yaml:"metrics_enabled"`

	// Secrets, env vars only.
	DatabaseURL     string `yaml:"-"`
	EngineToken     string `yaml:"-"`
	JWTSecret       string `yaml:"-"`
	OpenAIAPIKey    string `yaml:"-"`
	AnthropicAPIKey string `yaml:"-"`
	GeminiAPIKey    string `yaml:"-"`
}

func defaults() Config {
	return Config{
		ListenAddr:            ":8080",
		LogLevel:              "info",
		DBDriver:              DriverSQLite,
		DBPath:                "data/companion.db",
		EngineURL:             "wss://voice.companion.local/v1/realtime",
		RecapModel:            "openai/gpt-4o-mini",
		GoogleCredentialsFile: "./service-account.json",
		BackupInterval:        "6h",
		BackupDir:             "data/backups",
		MetricsEnabled:        true,
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any validation warnings, and an error if the file
// exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

// ParsedLogLevel returns LogLevel as a slog level, falling back to info.
func (c *Config) ParsedLogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// ParsedBackupInterval returns BackupInterval as a duration, falling back to
// 6h if the value is invalid or not positive.
func (c *Config) ParsedBackupInterval() time.Duration {
	d, err := time.ParseDuration(c.BackupInterval)
	if err != nil || d <= 0 {
		return defaultBackupInterval
	}
	return d
}

// BackupEnabled reports whether library snapshots should be uploaded.
func (c *Config) BackupEnabled() bool {
	return c.BackupFolderID != "" && c.DBDriver == DriverSQLite
}

// RecapKeys maps recap provider names to their API keys.
func (c *Config) RecapKeys() map[string]string {
	return map[string]string{
		"openai":    c.OpenAIAPIKey,
		"anthropic": c.AnthropicAPIKey,
		"gemini":    c.GeminiAPIKey,
	}
}

// RecapEnabled reports whether the configured recap provider has a key.
func (c *Config) RecapEnabled() bool {
	provider, _, ok := strings.Cut(c.RecapModel, "/")
	return ok && c.RecapKeys()[provider] != ""
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]*string{
		"LISTEN_ADDR":             &cfg.ListenAddr,
		"LOG_LEVEL":               &cfg.LogLevel,
		"DB_DRIVER":               &cfg.DBDriver,
		"DB_PATH":                 &cfg.DBPath,
		"ENGINE_URL":              &cfg.EngineURL,
		"JWT_ISSUER":              &cfg.JWTIssuer,
		"RECAP_MODEL":             &cfg.RecapModel,
		"BACKUP_FOLDER_ID":        &cfg.BackupFolderID,
		"GOOGLE_CREDENTIALS_FILE": &cfg.GoogleCredentialsFile,
		"BACKUP_INTERVAL":         &cfg.BackupInterval,
		"BACKUP_DIR":              &cfg.BackupDir,
	}
	for key, dst := range overrides {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv(EnvPrefix + "METRICS_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.MetricsEnabled = enabled
		}
	}
}

func loadSecrets(cfg *Config) {
	cfg.DatabaseURL = os.Getenv(EnvPrefix + "DATABASE_URL")
	cfg.EngineToken = os.Getenv(EnvPrefix + "ENGINE_TOKEN")
	cfg.JWTSecret = os.Getenv(EnvPrefix + "JWT_SECRET")
	cfg.OpenAIAPIKey = os.Getenv(EnvPrefix + "OPENAI_API_KEY")
	cfg.AnthropicAPIKey = os.Getenv(EnvPrefix + "ANTHROPIC_API_KEY")
	cfg.GeminiAPIKey = os.Getenv(EnvPrefix + "GEMINI_API_KEY")
}

func validate(cfg *Config) []string {
	var warnings []string

	switch cfg.DBDriver {
	case DriverSQLite:
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			warnings = append(warnings, "db_driver is postgres but no database URL is set. Falling back to sqlite. Set "+EnvPrefix+"DATABASE_URL.")
			cfg.DBDriver = DriverSQLite
		}
	default:
		warnings = append(warnings, fmt.Sprintf("Unknown db_driver %q. Using sqlite.", cfg.DBDriver))
		cfg.DBDriver = DriverSQLite
	}

	if cfg.EngineToken == "" {
		warnings = append(warnings, "Voice engine token not configured. Sessions cannot start. Set "+EnvPrefix+"ENGINE_TOKEN.")
	}
	if cfg.JWTSecret == "" {
		warnings = append(warnings, "JWT secret not configured. Authenticated routes will reject every request. Set "+EnvPrefix+"JWT_SECRET.")
	}
	if !cfg.RecapEnabled() {
		warnings = append(warnings, fmt.Sprintf("No API key for recap model %q. Session recaps are disabled.", cfg.RecapModel))
	}
	if _, err := time.ParseDuration(cfg.BackupInterval); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid backup_interval %q. Using default 6h.", cfg.BackupInterval))
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid log_level %q. Using info.", cfg.LogLevel))
	}

	return warnings
}
