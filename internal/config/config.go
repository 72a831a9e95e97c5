// Package config provides Viper-based configuration management for bili-ingest
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. BILI_INGEST_STORAGE_TYPE.
const EnvPrefix = "BILI_INGEST"

// Config holds all configuration for the application
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Source    SourceConfig    `mapstructure:"source"`
	Ingestion IngestionConfig `mapstructure:"ingestion"`
	Server    ServerConfig    `mapstructure:"server"`
	Feishu    FeishuConfig    `mapstructure:"feishu"`
	Export    ExportConfig    `mapstructure:"export"`
	Log       LogConfig       `mapstructure:"log"`
}

// StorageConfig holds storage-related configuration
type StorageConfig struct {
	Type          string `mapstructure:"type"`      // "sqlite", "postgresql", "mongodb", "dynamodb"
	VideosDB      string `mapstructure:"videos_db"` // sqlite file for the primary table
	TypesDB       string `mapstructure:"types_db"`  // sqlite file for the bucket table
	PostgresURI   string `mapstructure:"postgres_uri"`
	MongoDBURI    string `mapstructure:"mongodb_uri"`
	MongoDatabase string `mapstructure:"mongodb_database"`
	Region        string `mapstructure:"region"`   // For AWS DynamoDB
	Endpoint      string `mapstructure:"endpoint"` // Custom endpoint for local testing
	TablePrefix   string `mapstructure:"table_prefix"`
}

// SourceConfig holds remote API client configuration
type SourceConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	Throttle          bool          `mapstructure:"throttle"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	MinJitter         time.Duration `mapstructure:"min_jitter"`
	MaxJitter         time.Duration `mapstructure:"max_jitter"`
	UserAgents        []string      `mapstructure:"user_agents"`
}

// IngestionConfig holds ingestion-related configuration
type IngestionConfig struct {
	RegionID               int           `mapstructure:"region_id"`
	PageSize               int           `mapstructure:"page_size"`
	MaxPages               int           `mapstructure:"max_pages"`
	CutoffDays             int           `mapstructure:"cutoff_days"`
	PageInterval           time.Duration `mapstructure:"page_interval"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	Interval               time.Duration `mapstructure:"interval"` // 0 runs once
	Tolerance              float64       `mapstructure:"tolerance"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// FeishuConfig holds cloud spreadsheet credentials and target
type FeishuConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	AppID            string        `mapstructure:"app_id"`
	AppSecret        string        `mapstructure:"app_secret"`
	SpreadsheetToken string        `mapstructure:"spreadsheet_token"`
	SheetID          string        `mapstructure:"sheet_id"`
	StartCell        string        `mapstructure:"start_cell"`
	MaxRows          int           `mapstructure:"max_rows"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// ExportConfig holds report settings
type ExportConfig struct {
	TimeZone    string `mapstructure:"time_zone"`
	Sheet       string `mapstructure:"sheet"`
	PreviewRows int    `mapstructure:"preview_rows"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// DefaultUserAgents is the browser identity pool sent to the remote API.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.1 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:91.0) Gecko/20100101 Firefox/91.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/104.0.0.0 Safari/537.36",
}

// Load reads configuration from defaults, an optional config file, an
// optional .env file and environment variables, in increasing precedence.
func Load(cfgFile, envFile string) (*Config, error) {
	if err := loadDotEnv(envFile); err != nil {
		return nil, err
	}

	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(".bili-ingest")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/bili-ingest")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// loadDotEnv populates the environment from a dotenv file. Variables that
// are already set win. A missing default file is not an error.
func loadDotEnv(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.videos_db", "video_details.db")
	v.SetDefault("storage.types_db", "video_details_with_type.db")
	v.SetDefault("storage.postgres_uri", "")
	v.SetDefault("storage.mongodb_uri", "")
	v.SetDefault("storage.mongodb_database", "bili_ingest")
	v.SetDefault("storage.region", "us-west-2")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.table_prefix", "")

	v.SetDefault("source.base_url", "https://api.bilibili.com")
	v.SetDefault("source.timeout", 10*time.Second)
	v.SetDefault("source.max_attempts", 3)
	v.SetDefault("source.base_delay", time.Second)
	v.SetDefault("source.max_delay", 10*time.Second)
	v.SetDefault("source.throttle", true)
	v.SetDefault("source.requests_per_second", 0)
	v.SetDefault("source.min_jitter", time.Second)
	v.SetDefault("source.max_jitter", 3*time.Second)
	v.SetDefault("source.user_agents", DefaultUserAgents)

	v.SetDefault("ingestion.region_id", 0)
	v.SetDefault("ingestion.page_size", 50)
	v.SetDefault("ingestion.max_pages", 100)
	v.SetDefault("ingestion.cutoff_days", 7)
	v.SetDefault("ingestion.page_interval", 500*time.Millisecond)
	v.SetDefault("ingestion.max_consecutive_failures", 3)
	v.SetDefault("ingestion.interval", 0)
	v.SetDefault("ingestion.tolerance", 0.05)

	v.SetDefault("server.port", 8080)

	v.SetDefault("feishu.base_url", "https://open.feishu.cn")
	v.SetDefault("feishu.app_id", "")
	v.SetDefault("feishu.app_secret", "")
	v.SetDefault("feishu.spreadsheet_token", "")
	v.SetDefault("feishu.sheet_id", "")
	v.SetDefault("feishu.start_cell", "A1")
	v.SetDefault("feishu.max_rows", 5000)
	v.SetDefault("feishu.timeout", 30*time.Second)

	v.SetDefault("export.time_zone", "UTC")
	v.SetDefault("export.sheet", "Sheet1")
	v.SetDefault("export.preview_rows", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	validStorage := map[string]bool{"sqlite": true, "postgresql": true, "mongodb": true, "dynamodb": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("invalid storage type: %s (must be sqlite, postgresql, mongodb, or dynamodb)", c.Storage.Type)
	}

	if c.Ingestion.PageSize < 1 || c.Ingestion.PageSize > 50 {
		return fmt.Errorf("invalid page size: %d (must be between 1 and 50)", c.Ingestion.PageSize)
	}
	if c.Ingestion.MaxPages < 1 {
		return fmt.Errorf("invalid max pages: %d (must be at least 1)", c.Ingestion.MaxPages)
	}
	if c.Ingestion.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("invalid max consecutive failures: %d", c.Ingestion.MaxConsecutiveFailures)
	}
	if c.Source.MaxAttempts < 1 {
		return fmt.Errorf("invalid max attempts: %d", c.Source.MaxAttempts)
	}
	if c.Source.MinJitter > c.Source.MaxJitter {
		return fmt.Errorf("min jitter %s exceeds max jitter %s", c.Source.MinJitter, c.Source.MaxJitter)
	}
	if len(c.Source.UserAgents) == 0 {
		return errors.New("user agent pool is empty")
	}
	if c.Feishu.MaxRows < 1 {
		return fmt.Errorf("invalid feishu max rows: %d", c.Feishu.MaxRows)
	}

	if _, err := time.LoadLocation(c.Export.TimeZone); err != nil {
		return fmt.Errorf("invalid time zone: %s", c.Export.TimeZone)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Log.Format)
	}

	return nil
}

// Location returns the time zone used to parse and render report dates.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Export.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}
