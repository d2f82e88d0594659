package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
	_ "time/tzdata"

	yaml "gopkg.in/yaml.v2"
)

type SQLConfig struct {
	// Driver is the database/sql driver name: "postgres" or "sqlite".
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	Schema       string `yaml:"schema"`
	CreateSchema bool   `yaml:"create_schema"`
}

type S3Config struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`

	// Endpoint points at an S3-compatible store (MinIO, LocalStack). Empty
	// means AWS.
	Endpoint string `yaml:"endpoint"`

	// Both keys empty means the default AWS credential chain.
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

type StorageConfig struct {
	Type string    `yaml:"type"`
	SQL  SQLConfig `yaml:"sql"`
	S3   S3Config  `yaml:"s3"`
}

type RetryConfig struct {
	Attempts          int `yaml:"attempts"`
	InitialIntervalMS int `yaml:"initial_interval_ms"`
	MaxIntervalMS     int `yaml:"max_interval_ms"`
}

func (r RetryConfig) InitialInterval() time.Duration {
	return time.Duration(r.InitialIntervalMS) * time.Millisecond
}

func (r RetryConfig) MaxInterval() time.Duration {
	return time.Duration(r.MaxIntervalMS) * time.Millisecond
}

type ServiceDayConfig struct {
	// CutoffHour is a pointer so an explicit 0 (plain calendar days) can be
	// told apart from "not set".
	CutoffHour *int   `yaml:"cutoff_hour"`
	TimeZone   string `yaml:"timezone"`
}

type APIConfig struct {
	// Addr is the listen address of the HTTP API, e.g. ":8080".
	Addr string `yaml:"addr"`
}

type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Retry      RetryConfig      `yaml:"retry"`
	ServiceDay ServiceDayConfig `yaml:"service_day"`
	API        APIConfig        `yaml:"api"`

	// LogLevel is any logrus level name. The LOG_LEVEL environment variable
	// takes precedence.
	LogLevel string `yaml:"log_level"`
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Load reads and unmarshals the configuration file located at the given path.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}

// Parse validates a YAML document and fills in defaults. Environment
// overrides are applied before validation.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnv(&cfg)

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets secrets and the log level live outside the config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" && cfg.Storage.SQL.DSN == "" {
		cfg.Storage.SQL.DSN = v
	}
	if v := os.Getenv("S3_ACCESS_KEY"); v != "" && cfg.Storage.S3.AccessKey == "" {
		cfg.Storage.S3.AccessKey = v
	}
	if v := os.Getenv("S3_SECRET_KEY"); v != "" && cfg.Storage.S3.SecretKey == "" {
		cfg.Storage.S3.SecretKey = v
	}
}

func (cfg *Config) applyDefaults() {
	// Default retry values if not set
	if cfg.Retry.Attempts == 0 {
		cfg.Retry.Attempts = 5
	}
	if cfg.Retry.InitialIntervalMS == 0 {
		cfg.Retry.InitialIntervalMS = 500
	}
	if cfg.Retry.MaxIntervalMS == 0 {
		cfg.Retry.MaxIntervalMS = 10_000
	}

	if cfg.ServiceDay.CutoffHour == nil {
		h := 4
		cfg.ServiceDay.CutoffHour = &h
	}
	if cfg.ServiceDay.TimeZone == "" {
		cfg.ServiceDay.TimeZone = "America/Toronto"
	}

	if cfg.Storage.SQL.Driver == "" {
		cfg.Storage.SQL.Driver = "postgres"
	}
	if cfg.Storage.S3.Region == "" {
		cfg.Storage.S3.Region = "us-east-1"
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// Validate checks a fully defaulted configuration.
func (cfg *Config) Validate() error {
	switch cfg.Storage.Type {
	case "sql":
		s := cfg.Storage.SQL
		if s.DSN == "" {
			return fmt.Errorf("storage.sql.dsn is required when storage type is sql")
		}
		if s.Driver != "postgres" && s.Driver != "sqlite" {
			return fmt.Errorf("unsupported storage.sql.driver: %s", s.Driver)
		}
		if s.Schema != "" && !identRe.MatchString(s.Schema) {
			return fmt.Errorf("storage.sql.schema %q is not a plain identifier", s.Schema)
		}
	case "s3":
		s := cfg.Storage.S3
		if s.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when storage type is s3")
		}
		if (s.AccessKey == "") != (s.SecretKey == "") {
			return fmt.Errorf("storage.s3.access_key and storage.s3.secret_key must be set together")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	if cfg.Retry.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be at least 1")
	}
	if h := *cfg.ServiceDay.CutoffHour; h < 0 || h > 23 {
		return fmt.Errorf("service_day.cutoff_hour must be within 0-23, got %d", h)
	}
	if _, err := time.LoadLocation(cfg.ServiceDay.TimeZone); err != nil {
		return fmt.Errorf("service_day.timezone: %w", err)
	}
	return nil
}
