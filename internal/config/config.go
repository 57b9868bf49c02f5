// Package config provides unified configuration loading for ScholarLens.
// Supports YAML files, .env files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for ScholarLens.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Viewport      ViewportConfig      `yaml:"viewport"`
	Render        RenderConfig        `yaml:"render"`
	Cache         CacheConfig         `yaml:"cache"`
	AI            AIConfig            `yaml:"ai"`
	Upload        UploadConfig        `yaml:"upload"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// ViewportConfig holds zoom ranges, steps and the debounce window.
type ViewportConfig struct {
	InitialScale   float64       `yaml:"initial_scale" validate:"gt=0"`
	MinScale       float64       `yaml:"min_scale" validate:"gt=0"`
	MaxScale       float64       `yaml:"max_scale" validate:"gt=0"`
	ButtonMinScale float64       `yaml:"button_min_scale" validate:"gt=0"`
	WheelStep      float64       `yaml:"wheel_step" validate:"gt=0"`
	ButtonStep     float64       `yaml:"button_step" validate:"gt=0"`
	Debounce       time.Duration `yaml:"debounce" validate:"gte=0"`
}

// RenderConfig holds rasterization settings.
type RenderConfig struct {
	// MaxConcurrent bounds rasterizations in flight across all pages
	MaxConcurrent int `yaml:"max_concurrent" validate:"min=1,max=64"`
	// BandHeight is the number of rows painted between cancellation checks
	BandHeight int `yaml:"band_height" validate:"min=1"`
	// PageGap is the vertical gap between pages in the page list, in pixels
	PageGap int `yaml:"page_gap" validate:"min=0"`
}

// CacheConfig holds raster cache settings.
type CacheConfig struct {
	Driver     string        `yaml:"driver" validate:"oneof=none memory redis"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries" validate:"min=0"`
	// MaxBytes bounds the total raster bytes held by the memory driver
	MaxBytes int64       `yaml:"max_bytes" validate:"min=0"`
	Redis    RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Prefix   string `yaml:"prefix"`
}

// AIConfig holds generative-AI service settings.
type AIConfig struct {
	APIKey        string        `yaml:"api_key"`
	BaseURL       string        `yaml:"base_url" validate:"required,url"`
	AnalysisModel string        `yaml:"analysis_model" validate:"required"`
	ImageModel    string        `yaml:"image_model" validate:"required"`
	Timeout       time.Duration `yaml:"timeout"`
}

// UploadConfig holds uploaded document limits.
type UploadConfig struct {
	MaxBytes int64 `yaml:"max_bytes" validate:"min=1"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format" validate:"oneof=json console"`
	ServiceName string `yaml:"service_name"`
}

// Load reads configuration from a YAML file and applies environment overrides.
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // Ignore error if .env doesn't exist

	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv("SCHOLARLENS_CONFIG")
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "127.0.0.1",
			Port:             8090,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     5 * time.Minute,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Viewport: ViewportConfig{
			InitialScale:   1.0,
			MinScale:       0.5,
			MaxScale:       5.0,
			ButtonMinScale: 1.0,
			WheelStep:      0.1,
			ButtonStep:     0.5,
			Debounce:       200 * time.Millisecond,
		},
		Render: RenderConfig{
			MaxConcurrent: 4,
			BandHeight:    64,
			PageGap:       16,
		},
		Cache: CacheConfig{
			Driver:     "memory",
			TTL:        10 * time.Minute,
			MaxEntries: 256,
			MaxBytes:   512 << 20,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
				Prefix:   "scholarlens:",
			},
		},
		AI: AIConfig{
			BaseURL:       "https://openrouter.ai/api/v1",
			AnalysisModel: "google/gemini-3-flash-preview",
			ImageModel:    "google/gemini-2.5-flash-image",
			Timeout:       5 * time.Minute,
		},
		Upload: UploadConfig{
			MaxBytes: 20 * 1024 * 1024,
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "console",
			ServiceName: "scholarlens",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	v := c.Viewport
	if v.MinScale >= v.MaxScale {
		return fmt.Errorf("viewport min_scale %.2f must be below max_scale %.2f", v.MinScale, v.MaxScale)
	}
	if v.ButtonMinScale < v.MinScale || v.ButtonMinScale > v.MaxScale {
		return fmt.Errorf("viewport button_min_scale %.2f outside [%.2f, %.2f]", v.ButtonMinScale, v.MinScale, v.MaxScale)
	}
	if v.InitialScale < v.MinScale || v.InitialScale > v.MaxScale {
		return fmt.Errorf("viewport initial_scale %.2f outside [%.2f, %.2f]", v.InitialScale, v.MinScale, v.MaxScale)
	}

	if c.Cache.Driver == "redis" && c.Cache.Redis.Addr == "" {
		return fmt.Errorf("cache driver redis requires redis.addr")
	}

	return nil
}

// HasAI reports whether the generative-AI service is usable.
func (c *Config) HasAI() bool {
	return c.AI.APIKey != ""
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		cfg.Cache.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		cfg.AI.APIKey = v
	}

	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.AI.AnalysisModel = v
	}

	if v := os.Getenv("IMAGE_MODEL"); v != "" {
		cfg.AI.ImageModel = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
