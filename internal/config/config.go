package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config holds everything the server needs at startup. Values come from
// defaults, then an optional YAML file, then environment variables.
type Config struct {
	Port              int    `yaml:"port"`
	ModelPath         string `yaml:"model_path"`
	MetadataPath      string `yaml:"metadata_path"`
	SharedLibraryPath string `yaml:"onnxruntime_lib"`

	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	MinImageSide   int    `yaml:"min_image_side"`
	MaxImagePixels int    `yaml:"max_image_pixels"`
	PreviewSize    int    `yaml:"preview_size"`
	Interpolation  string `yaml:"interpolation"`
	CacheSize      int    `yaml:"result_cache_size"`

	LogLevel      string `yaml:"log_level"`
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogMaxAgeDays int    `yaml:"log_max_age_days"`

	ShutdownTimeout time.Duration `yaml:"-"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Port:            8080,
		ModelPath:       filepath.Join("models", "brain_tumor_model.onnx"),
		MetadataPath:    filepath.Join("models", "model_metadata.json"),
		MaxUploadBytes:  10 << 20,
		MinImageSide:    32,
		MaxImagePixels:  50_000_000,
		PreviewSize:     600,
		Interpolation:   "bicubic",
		CacheSize:       128,
		LogLevel:        "info",
		LogFile:         filepath.Join("logs", "server.log"),
		LogMaxSizeMB:    50,
		LogMaxBackups:   3,
		LogMaxAgeDays:   28,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load reads .env (if any), the YAML file named by CONFIG_FILE (or
// config.yaml when present) and finally the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()

	path := os.Getenv("CONFIG_FILE")
	explicit := path != ""
	if !explicit {
		path = "config.yaml"
	}
	if err := cfg.mergeFile(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnvAsInt("PORT", c.Port)
	c.ModelPath = getEnv("MODEL_PATH", c.ModelPath)
	c.MetadataPath = getEnv("METADATA_PATH", c.MetadataPath)
	c.SharedLibraryPath = getEnv("ONNXRUNTIME_LIB", c.SharedLibraryPath)

	if mb := getEnvAsInt("MAX_UPLOAD_MB", 0); mb > 0 {
		c.MaxUploadBytes = int64(mb) << 20
	}
	c.MinImageSide = getEnvAsInt("MIN_IMAGE_SIDE", c.MinImageSide)
	c.MaxImagePixels = getEnvAsInt("MAX_IMAGE_PIXELS", c.MaxImagePixels)
	c.PreviewSize = getEnvAsInt("PREVIEW_SIZE", c.PreviewSize)
	c.Interpolation = strings.ToLower(getEnv("RESIZE_INTERPOLATION", c.Interpolation))
	c.CacheSize = getEnvAsInt("RESULT_CACHE_SIZE", c.CacheSize)

	c.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", c.LogLevel))
	c.LogFile = getEnv("LOG_FILE", c.LogFile)
	c.LogMaxSizeMB = getEnvAsInt("LOG_MAX_SIZE_MB", c.LogMaxSizeMB)
	c.LogMaxBackups = getEnvAsInt("LOG_MAX_BACKUPS", c.LogMaxBackups)
	c.LogMaxAgeDays = getEnvAsInt("LOG_MAX_AGE_DAYS", c.LogMaxAgeDays)

	if secs := getEnvAsInt("SHUTDOWN_TIMEOUT_SEC", 0); secs > 0 {
		c.ShutdownTimeout = time.Duration(secs) * time.Second
	}
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.ModelPath == "" {
		return fmt.Errorf("model_path cannot be empty")
	}
	if c.MetadataPath == "" {
		return fmt.Errorf("metadata_path cannot be empty")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max_upload_bytes must be positive")
	}
	if c.MinImageSide < 1 {
		return fmt.Errorf("min_image_side must be positive")
	}
	if c.MaxImagePixels < c.MinImageSide*c.MinImageSide {
		return fmt.Errorf("max_image_pixels must be at least min_image_side squared")
	}
	if c.PreviewSize < 1 {
		return fmt.Errorf("preview_size must be positive")
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("result_cache_size cannot be negative")
	}

	switch c.Interpolation {
	case "nearest", "bilinear", "bicubic", "lanczos":
	default:
		return fmt.Errorf("unknown interpolation %q", c.Interpolation)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
