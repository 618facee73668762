// Package config loads and validates the service configuration from
// config.yml with environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds HTTP listener and admission settings.
type ServerConfig struct {
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	SecretKey            string `yaml:"secret_key"`
	AdminPassword        string `yaml:"admin_password"`
	MaxConcurrentEncodes int    `yaml:"max_concurrent_encodes"`
	MaxConcurrentUploads int    `yaml:"max_concurrent_uploads"`
	StorageDriver        string `yaml:"storage_driver"`
	DataPath             string `yaml:"data_path"`
	StagingDir           string `yaml:"staging_dir"`
	ProgressGraceSeconds int    `yaml:"progress_grace_seconds"`
	ChunkIdleTimeoutSecs int    `yaml:"chunk_idle_timeout_seconds"`
	ShutdownTimeoutSecs  int    `yaml:"shutdown_timeout_seconds"`
}

// R2Config describes the S3-compatible object store bucket.
type R2Config struct {
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	PublicBaseURL   string `yaml:"public_base_url"`
	Region          string `yaml:"region"`
}

// VideoConfig selects the encoder implementation handed to ffmpeg.
type VideoConfig struct {
	Encoder string `yaml:"encoder"`
}

// ClickHouseConfig describes the optional analytics store. All fields empty
// disables durable view tracking.
type ClickHouseConfig struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// DatabaseConfig describes the Postgres metadata store used when
// server.storage_driver is "postgres".
type DatabaseConfig struct {
	DSN            string `yaml:"dsn"`
	MaxConnections int32  `yaml:"max_connections"`
	MinConnections int32  `yaml:"min_connections"`
}

// ViewersConfig selects the realtime viewer-presence driver.
type ViewersConfig struct {
	Driver        string `yaml:"driver"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisUsername string `yaml:"redis_username"`
	RedisPassword string `yaml:"redis_password"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the root of config.yml.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	R2         R2Config         `yaml:"r2"`
	Video      VideoConfig      `yaml:"video"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Database   DatabaseConfig   `yaml:"database"`
	Viewers    ViewersConfig    `yaml:"viewers"`
	Log        LogConfig        `yaml:"log"`
}

var validEncoders = map[string]struct{}{
	"libx264":    {},
	"h264_nvenc": {},
	"h264_vaapi": {},
	"h264_qsv":   {},
}

// Load reads the YAML file at path, applies environment overrides and
// defaults, and validates the result.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	overrideString(&c.Server.Host, "AKANE_HOST")
	overrideInt(&c.Server.Port, "AKANE_PORT")
	overrideString(&c.Server.SecretKey, "AKANE_SECRET_KEY")
	overrideString(&c.Server.AdminPassword, "AKANE_ADMIN_PASSWORD")
	overrideInt(&c.Server.MaxConcurrentEncodes, "AKANE_MAX_CONCURRENT_ENCODES")
	overrideInt(&c.Server.MaxConcurrentUploads, "AKANE_MAX_CONCURRENT_UPLOADS")
	overrideString(&c.Server.StorageDriver, "AKANE_STORAGE_DRIVER")
	overrideString(&c.Server.DataPath, "AKANE_DATA_PATH")
	overrideString(&c.Server.StagingDir, "AKANE_STAGING_DIR")
	overrideString(&c.R2.Endpoint, "AKANE_R2_ENDPOINT")
	overrideString(&c.R2.Bucket, "AKANE_R2_BUCKET")
	overrideString(&c.R2.AccessKeyID, "AKANE_R2_ACCESS_KEY_ID")
	overrideString(&c.R2.SecretAccessKey, "AKANE_R2_SECRET_ACCESS_KEY")
	overrideString(&c.R2.PublicBaseURL, "AKANE_R2_PUBLIC_BASE_URL")
	overrideString(&c.Video.Encoder, "AKANE_VIDEO_ENCODER")
	overrideString(&c.ClickHouse.URL, "AKANE_CLICKHOUSE_URL")
	overrideString(&c.ClickHouse.User, "AKANE_CLICKHOUSE_USER")
	overrideString(&c.ClickHouse.Password, "AKANE_CLICKHOUSE_PASSWORD")
	overrideString(&c.ClickHouse.Database, "AKANE_CLICKHOUSE_DATABASE")
	overrideString(&c.Database.DSN, "AKANE_DATABASE_DSN")
	overrideString(&c.Viewers.Driver, "AKANE_VIEWERS_DRIVER")
	overrideString(&c.Viewers.RedisAddr, "AKANE_VIEWERS_REDIS_ADDR")
	overrideString(&c.Log.Level, "AKANE_LOG_LEVEL")
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Server.Host) == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.MaxConcurrentEncodes <= 0 {
		c.Server.MaxConcurrentEncodes = 1
	}
	if c.Server.MaxConcurrentUploads <= 0 {
		c.Server.MaxConcurrentUploads = 30
	}
	if strings.TrimSpace(c.Server.StorageDriver) == "" {
		c.Server.StorageDriver = "json"
	}
	if strings.TrimSpace(c.Server.DataPath) == "" {
		c.Server.DataPath = "videos.json"
	}
	if strings.TrimSpace(c.Server.StagingDir) == "" {
		c.Server.StagingDir = os.TempDir()
	}
	if c.Server.ProgressGraceSeconds <= 0 {
		c.Server.ProgressGraceSeconds = 300
	}
	if c.Server.ChunkIdleTimeoutSecs <= 0 {
		c.Server.ChunkIdleTimeoutSecs = 3600
	}
	if c.Server.ShutdownTimeoutSecs <= 0 {
		c.Server.ShutdownTimeoutSecs = 10
	}
	if strings.TrimSpace(c.Video.Encoder) == "" {
		c.Video.Encoder = "libx264"
	}
	if strings.TrimSpace(c.R2.Region) == "" {
		c.R2.Region = "auto"
	}
	if strings.TrimSpace(c.R2.PublicBaseURL) == "" && c.R2.Endpoint != "" {
		c.R2.PublicBaseURL = strings.TrimSuffix(c.R2.Endpoint, "/") + "/" + c.R2.Bucket
	}
	if strings.TrimSpace(c.Viewers.Driver) == "" {
		c.Viewers.Driver = "memory"
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Server.AdminPassword) == "" {
		return fmt.Errorf("server.admin_password is required")
	}
	if strings.TrimSpace(c.Server.SecretKey) == "" {
		return fmt.Errorf("server.secret_key is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if _, ok := validEncoders[c.Video.Encoder]; !ok {
		return fmt.Errorf("video.encoder %q is not one of libx264, h264_nvenc, h264_vaapi, h264_qsv", c.Video.Encoder)
	}
	if strings.TrimSpace(c.R2.Endpoint) == "" {
		return fmt.Errorf("r2.endpoint is required")
	}
	if strings.TrimSpace(c.R2.Bucket) == "" {
		return fmt.Errorf("r2.bucket is required")
	}
	switch c.Server.StorageDriver {
	case "json":
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required when server.storage_driver is postgres")
		}
	default:
		return fmt.Errorf("server.storage_driver %q is not one of json, postgres", c.Server.StorageDriver)
	}
	switch c.Viewers.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Viewers.RedisAddr) == "" {
			return fmt.Errorf("viewers.redis_addr is required when viewers.driver is redis")
		}
	default:
		return fmt.Errorf("viewers.driver %q is not one of memory, redis", c.Viewers.Driver)
	}
	return nil
}

// Addr joins the configured host and port for net.Listen.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ClickHouseEnabled reports whether durable view analytics are configured.
func (c *Config) ClickHouseEnabled() bool {
	return strings.TrimSpace(c.ClickHouse.URL) != ""
}

func overrideString(target *string, env string) {
	if value, ok := os.LookupEnv(env); ok {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			*target = trimmed
		}
	}
}

func overrideInt(target *int, env string) {
	if value, ok := os.LookupEnv(env); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}
