package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/yuanying/epubkit/internal/storage"
	"gopkg.in/yaml.v3"
)

// Config is the CLI configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Output  OutputConfig  `yaml:"output"`
	Writer  WriterConfig  `yaml:"writer"`
	Storage StorageConfig `yaml:"storage"`
	// Workers bounds how many inputs are converted at once.
	Workers int `yaml:"workers"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type OutputConfig struct {
	Compression string `yaml:"compression"`
}

type WriterConfig struct {
	Version          int    `yaml:"version"`
	ContentDirectory string `yaml:"content_directory"`
	ReservedPrefix   string `yaml:"reserved_prefix"`
	LegacyFeatures   bool   `yaml:"legacy_features"`
}

type StorageConfig struct {
	// Type is local or s3.
	Type string   `yaml:"type"`
	S3   S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	Prefix          string `yaml:"prefix"`
}

// Options converts the S3 settings for storage.NewS3Client.
func (c S3Config) Options() storage.S3Options {
	return storage.S3Options{
		Endpoint:        c.Endpoint,
		Region:          c.Region,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		UsePathStyle:    c.UsePathStyle,
	}
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Output: OutputConfig{
			Compression: storage.Optimal.String(),
		},
		Writer: WriterConfig{
			Version:          3,
			ContentDirectory: "OEBPS",
			ReservedPrefix:   ".",
		},
		Storage: StorageConfig{
			Type: "local",
		},
		Workers: 4,
	}
}

// Load reads the configuration file over the defaults, then applies
// EPUBKIT_ environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration and fills zero values that have a
// default.
func Validate(cfg *Config) error {
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q (must be debug, info, warn or error)", cfg.Log.Level)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format: %q (must be console or json)", cfg.Log.Format)
	}

	if _, err := storage.ParseCompression(cfg.Output.Compression); err != nil {
		return err
	}

	if cfg.Writer.Version != 2 && cfg.Writer.Version != 3 {
		return fmt.Errorf("invalid writer version: %d (must be 2 or 3)", cfg.Writer.Version)
	}
	if cfg.Writer.ReservedPrefix == "" {
		cfg.Writer.ReservedPrefix = "."
	}
	if strings.ContainsAny(cfg.Writer.ReservedPrefix, `/\`) {
		return fmt.Errorf("invalid reserved prefix: %q", cfg.Writer.ReservedPrefix)
	}

	switch cfg.Storage.Type {
	case "", "local":
		cfg.Storage.Type = "local"
	case "s3":
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("s3 bucket is required")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("s3 region is required")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be 'local' or 's3')", cfg.Storage.Type)
	}

	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return nil
}

// Compression returns the parsed output compression.
func (c *Config) Compression() storage.Compression {
	comp, err := storage.ParseCompression(c.Output.Compression)
	if err != nil {
		return storage.Optimal
	}
	return comp
}

// applyEnvOverrides applies environment variables prefixed with EPUBKIT_.
func applyEnvOverrides(cfg *Config) error {
	str := func(name string, dst *string) {
		if val := os.Getenv("EPUBKIT_" + name); val != "" {
			*dst = val
		}
	}
	integer := func(name string, dst *int) error {
		val := os.Getenv("EPUBKIT_" + name)
		if val == "" {
			return nil
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid EPUBKIT_%s: %w", name, err)
		}
		*dst = n
		return nil
	}
	boolean := func(name string, dst *bool) error {
		val := os.Getenv("EPUBKIT_" + name)
		if val == "" {
			return nil
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid EPUBKIT_%s: %w", name, err)
		}
		*dst = b
		return nil
	}

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("OUTPUT_COMPRESSION", &cfg.Output.Compression)
	str("WRITER_CONTENT_DIRECTORY", &cfg.Writer.ContentDirectory)
	str("WRITER_RESERVED_PREFIX", &cfg.Writer.ReservedPrefix)
	str("STORAGE_TYPE", &cfg.Storage.Type)
	str("STORAGE_S3_BUCKET", &cfg.Storage.S3.Bucket)
	str("STORAGE_S3_REGION", &cfg.Storage.S3.Region)
	str("STORAGE_S3_ENDPOINT", &cfg.Storage.S3.Endpoint)
	str("STORAGE_S3_ACCESS_KEY_ID", &cfg.Storage.S3.AccessKeyID)
	str("STORAGE_S3_SECRET_ACCESS_KEY", &cfg.Storage.S3.SecretAccessKey)
	str("STORAGE_S3_PREFIX", &cfg.Storage.S3.Prefix)

	if err := integer("WRITER_VERSION", &cfg.Writer.Version); err != nil {
		return err
	}
	if err := integer("WORKERS", &cfg.Workers); err != nil {
		return err
	}
	if err := boolean("WRITER_LEGACY_FEATURES", &cfg.Writer.LegacyFeatures); err != nil {
		return err
	}
	return boolean("STORAGE_S3_USE_PATH_STYLE", &cfg.Storage.S3.UsePathStyle)
}
