// Package config centralizes how OnceDrop reads its settings. Values come
// from built-in defaults, then an optional TOML file named by
// ONCEDROP_CONFIG, then ONCEDROP_* environment variables.
package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents runtime configuration for every OnceDrop binary.
type Config struct {
	Address      string   `toml:"address"`
	MaxFileSize  int64    `toml:"max_file_bytes"`
	AllowedTypes []string `toml:"allowed_types"`

	ValidityWindow time.Duration `toml:"validity_window"`
	CodeDigits     int           `toml:"code_digits"`
	SweepInterval  time.Duration `toml:"sweep_interval"`

	RegistryBackend string `toml:"registry_backend"`
	DatabaseURL     string `toml:"database_url"`

	BlobBackend string `toml:"blob_backend"`
	S3Endpoint  string `toml:"s3_endpoint"`
	S3AccessKey string `toml:"s3_access_key"`
	S3SecretKey string `toml:"s3_secret_key"`
	S3Bucket    string `toml:"s3_bucket"`
	S3Region    string `toml:"s3_region"`
	S3UseSSL    bool   `toml:"s3_use_ssl"`

	Cipher string `toml:"cipher"`

	AuditSecret []byte   `toml:"-"`
	AuditSinks  []string `toml:"audit_sinks"`

	RedisAddr         string `toml:"redis_addr"`
	RedisPassword     string `toml:"redis_password"`
	RedisDB           int    `toml:"redis_db"`
	WorkerConcurrency int    `toml:"worker_concurrency"`

	WatermarkFailOpen bool `toml:"watermark_fail_open"`

	RateLimitPerMinute int `toml:"rate_limit_per_minute"`
	RateLimitBurst     int `toml:"rate_limit_burst"`

	LogLevel        slog.Level    `toml:"log_level"`
	LogFormat       string        `toml:"log_format"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

const (
	defaultAddress       = ":8080"
	defaultMaxFileSize   = 10 << 20 // 10 MiB
	defaultAllowedTypes  = "application/pdf,text/plain,image/png,image/jpeg"
	defaultValidity      = 15 * time.Minute
	defaultCodeDigits    = 6
	defaultSweepInterval = time.Minute
	defaultWorkerCount   = 2
	defaultRatePerMinute = 30
	defaultRateBurst     = 10
	defaultShutdown      = 10 * time.Second
)

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Address:            defaultAddress,
		MaxFileSize:        defaultMaxFileSize,
		AllowedTypes:       splitList(defaultAllowedTypes),
		ValidityWindow:     defaultValidity,
		CodeDigits:         defaultCodeDigits,
		SweepInterval:      defaultSweepInterval,
		RegistryBackend:    "memory",
		BlobBackend:        "memory",
		S3Bucket:           "oncedrop",
		S3Region:           "us-east-1",
		Cipher:             "xchacha",
		AuditSinks:         []string{"log"},
		WorkerConcurrency:  defaultWorkerCount,
		RateLimitPerMinute: defaultRatePerMinute,
		RateLimitBurst:     defaultRateBurst,
		LogLevel:           slog.LevelInfo,
		LogFormat:          "json",
		ShutdownTimeout:    defaultShutdown,
	}
}

// Load reads configuration from the optional file and the environment, then
// validates it.
func Load() (*Config, error) {
	cfg := Defaults()
	if path := readEnv("ONCEDROP_CONFIG", ""); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()
		if err := cfg.decodeFile(f); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.AuditSecret == nil {
		cfg.AuditSecret = randomSecret()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeFile(r io.Reader) error {
	var file struct {
		Config
		AuditSecret string `toml:"audit_secret"`
	}
	file.Config = *c
	if _, err := toml.NewDecoder(r).Decode(&file); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	*c = file.Config
	if file.AuditSecret != "" {
		c.AuditSecret = []byte(file.AuditSecret)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	c.Address = readEnv("ONCEDROP_ADDRESS", c.Address)
	c.MaxFileSize = parseInt64("ONCEDROP_MAX_FILE_BYTES", c.MaxFileSize, &errs)
	if v := readEnv("ONCEDROP_ALLOWED_TYPES", ""); v != "" {
		c.AllowedTypes = splitList(v)
	}
	if v := readEnv("ONCEDROP_VALIDITY_MINUTES", ""); v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("ONCEDROP_VALIDITY_MINUTES: %w", err))
		} else {
			c.ValidityWindow = time.Duration(minutes) * time.Minute
		}
	}
	c.CodeDigits = parseInt("ONCEDROP_CODE_DIGITS", c.CodeDigits, &errs)
	c.SweepInterval = parseDuration("ONCEDROP_SWEEP_INTERVAL", c.SweepInterval, &errs)

	c.RegistryBackend = readEnv("ONCEDROP_REGISTRY", c.RegistryBackend)
	c.DatabaseURL = readEnv("ONCEDROP_DATABASE_URL", c.DatabaseURL)

	c.BlobBackend = readEnv("ONCEDROP_BLOB_BACKEND", c.BlobBackend)
	c.S3Endpoint = readEnv("ONCEDROP_S3_ENDPOINT", c.S3Endpoint)
	c.S3AccessKey = readEnv("ONCEDROP_S3_ACCESS_KEY", c.S3AccessKey)
	c.S3SecretKey = readEnv("ONCEDROP_S3_SECRET_KEY", c.S3SecretKey)
	c.S3Bucket = readEnv("ONCEDROP_S3_BUCKET", c.S3Bucket)
	c.S3Region = readEnv("ONCEDROP_S3_REGION", c.S3Region)
	c.S3UseSSL = parseBool("ONCEDROP_S3_USE_SSL", c.S3UseSSL, &errs)

	c.Cipher = readEnv("ONCEDROP_CIPHER", c.Cipher)
	if v := parseSecret("ONCEDROP_AUDIT_SECRET"); v != nil {
		c.AuditSecret = v
	}
	if v := readEnv("ONCEDROP_AUDIT_SINKS", ""); v != "" {
		c.AuditSinks = splitList(v)
	}

	c.RedisAddr = readEnv("ONCEDROP_REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = readEnv("ONCEDROP_REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = parseInt("ONCEDROP_REDIS_DB", c.RedisDB, &errs)
	c.WorkerConcurrency = parseInt("ONCEDROP_WORKERS", c.WorkerConcurrency, &errs)

	c.WatermarkFailOpen = parseBool("ONCEDROP_WATERMARK_FAIL_OPEN", c.WatermarkFailOpen, &errs)

	c.RateLimitPerMinute = parseInt("ONCEDROP_RATE_LIMIT_PER_MINUTE", c.RateLimitPerMinute, &errs)
	c.RateLimitBurst = parseInt("ONCEDROP_RATE_LIMIT_BURST", c.RateLimitBurst, &errs)

	if v := readEnv("ONCEDROP_LOG_LEVEL", ""); v != "" {
		if err := c.LogLevel.UnmarshalText([]byte(v)); err != nil {
			errs = append(errs, fmt.Errorf("ONCEDROP_LOG_LEVEL: %w", err))
		}
	}
	c.LogFormat = readEnv("ONCEDROP_LOG_FORMAT", c.LogFormat)
	c.ShutdownTimeout = parseDuration("ONCEDROP_SHUTDOWN_TIMEOUT", c.ShutdownTimeout, &errs)
	return errors.Join(errs...)
}

// Validate rejects settings no binary could run with.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxFileSize <= 0 {
		errs = append(errs, errors.New("max file size must be positive"))
	}
	if len(c.AllowedTypes) == 0 {
		errs = append(errs, errors.New("at least one allowed type is required"))
	}
	if c.ValidityWindow <= 0 {
		errs = append(errs, errors.New("validity window must be positive"))
	}
	if c.CodeDigits < 4 || c.CodeDigits > 12 {
		errs = append(errs, fmt.Errorf("code digits must be between 4 and 12, got %d", c.CodeDigits))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep interval must be positive"))
	}
	switch c.RegistryBackend {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("ONCEDROP_DATABASE_URL is required for the postgres registry"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown registry backend %q", c.RegistryBackend))
	}
	switch c.BlobBackend {
	case "memory":
	case "minio":
		if c.S3Endpoint == "" || c.S3Bucket == "" {
			errs = append(errs, errors.New("ONCEDROP_S3_ENDPOINT and ONCEDROP_S3_BUCKET are required for the minio backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob backend %q", c.BlobBackend))
	}
	// Cleanup tasks and the scheduled sweep may run in another process, and
	// a shared registry may be served by several instances. Both need every
	// process to reach the same blobs.
	if c.BlobBackend == "memory" && (c.RedisAddr != "" || c.RegistryBackend == "postgres") {
		errs = append(errs, errors.New("the memory blob backend cannot be shared: use minio with ONCEDROP_REDIS_ADDR or the postgres registry"))
	}
	if c.Cipher != "xchacha" && c.Cipher != "age" {
		errs = append(errs, fmt.Errorf("unknown cipher %q", c.Cipher))
	}
	for _, sink := range c.AuditSinks {
		if sink != "log" && sink != "postgres" {
			errs = append(errs, fmt.Errorf("unknown audit sink %q", sink))
		}
	}
	if slices.Contains(c.AuditSinks, "postgres") && c.DatabaseURL == "" {
		errs = append(errs, errors.New("the postgres audit sink needs ONCEDROP_DATABASE_URL"))
	}
	if c.WorkerConcurrency <= 0 {
		errs = append(errs, errors.New("worker concurrency must be positive"))
	}
	if c.RateLimitPerMinute < 0 || c.RateLimitBurst < 0 {
		errs = append(errs, errors.New("rate limits cannot be negative"))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// UsesPostgres reports whether any component needs the database.
func (c *Config) UsesPostgres() bool {
	return c.RegistryBackend == "postgres" || slices.Contains(c.AuditSinks, "postgres")
}

// SetupLogger builds the process logger and installs it as the slog default.
func SetupLogger(cfg *Config) *slog.Logger {
	return setupLogger(cfg, os.Stdout)
}

func setupLogger(cfg *Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func splitList(val string) []string {
	out := strings.Split(val, ",")
	for i := range out {
		out[i] = strings.TrimSpace(out[i])
	}
	return slices.DeleteFunc(out, func(s string) bool { return s == "" })
}

func parseInt64(key string, def int64, errs *[]error) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
			return def
		}
		return parsed
	}
	return def
}

func parseInt(key string, def int, errs *[]error) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
			return def
		}
		return parsed
	}
	return def
}

func parseBool(key string, def bool, errs *[]error) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
			return def
		}
		return parsed
	}
	return def
}

func parseDuration(key string, def time.Duration, errs *[]error) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
			return def
		}
		return parsed
	}
	return def
}

func parseSecret(key string) []byte {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return []byte(v)
	}
	return nil
}

// randomSecret is used when no audit secret is configured. Signatures then
// only verify within a single process lifetime.
func randomSecret() []byte {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return buf
}
