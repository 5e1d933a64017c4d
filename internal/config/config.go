// Package config loads and validates the engine's configuration: pool
// sizing, worker count, and the telemetry bootstrap settings (spec.md
// ambient stack).
//
// Grounded on codefang's pkg/config/config.go (viper binding,
// mapstructure tags, sentinel validation errors); see DESIGN.md.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"github.com/nebulastream/nes/internal/telemetry"
)

// Sentinel validation errors.
var (
	ErrInvalidBufferSize       = errors.New("buffer size must be positive")
	ErrInvalidNumberOfBuffers  = errors.New("number of buffers must be positive")
	ErrInvalidWorkers          = errors.New("worker count must be positive")
	ErrInvalidLocalPoolCap     = errors.New("worker local pool capacity must be positive")
	ErrInvalidSampleRatio      = errors.New("sample ratio must be in [0, 1]")
)

const (
	defaultBufferSize             = 4096
	defaultNumberOfBuffers        = 1024
	defaultWorkers                = 4
	defaultWorkerLocalPoolCap     = 8
	defaultShutdownTimeoutSec     = 5
)

// Config holds the full engine configuration.
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// EngineConfig sizes the buffer pool and worker pool (spec.md §4.1, §5).
type EngineConfig struct {
	BufferSize              int `mapstructure:"buffer_size"`
	NumberOfBuffers         int `mapstructure:"number_of_buffers"`
	Workers                 int `mapstructure:"workers"`
	WorkerLocalPoolCapacity int `mapstructure:"worker_local_pool_capacity"`
}

// TelemetryConfig mirrors internal/telemetry.Config with plain types that
// map cleanly onto YAML/env, converted via ToTelemetryConfig.
type TelemetryConfig struct {
	ServiceName        string  `mapstructure:"service_name"`
	Environment        string  `mapstructure:"environment"`
	OTLPEndpoint       string  `mapstructure:"otlp_endpoint"`
	OTLPInsecure       bool    `mapstructure:"otlp_insecure"`
	OTLPHeaders        string  `mapstructure:"otlp_headers"`
	SampleRatio        float64 `mapstructure:"sample_ratio"`
	LogLevel           string  `mapstructure:"log_level"`
	LogJSON            bool    `mapstructure:"log_json"`
	ShutdownTimeoutSec int     `mapstructure:"shutdown_timeout_sec"`
}

// ToTelemetryConfig converts to the type internal/telemetry.Init expects.
func (t TelemetryConfig) ToTelemetryConfig() telemetry.Config {
	return telemetry.Config{
		ServiceName:         t.ServiceName,
		Environment:         t.Environment,
		OTLPEndpoint:        t.OTLPEndpoint,
		OTLPInsecure:        t.OTLPInsecure,
		OTLPHeaders:         telemetry.ParseOTLPHeaders(t.OTLPHeaders),
		SampleRatio:         t.SampleRatio,
		LogLevel:            parseLogLevel(t.LogLevel),
		LogJSON:             t.LogJSON,
		ShutdownTimeoutSec:  t.ShutdownTimeoutSec,
	}
}

func parseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}

	return level
}

// Load reads configuration from configPath (or ./config.yaml and
// /etc/nebulastream/ if empty) and environment variables prefixed NES_,
// applying defaults and validating the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/nebulastream")
	}

	v.SetEnvPrefix("NES")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.buffer_size", defaultBufferSize)
	v.SetDefault("engine.number_of_buffers", defaultNumberOfBuffers)
	v.SetDefault("engine.workers", defaultWorkers)
	v.SetDefault("engine.worker_local_pool_capacity", defaultWorkerLocalPoolCap)

	v.SetDefault("telemetry.service_name", "nebulastream")
	v.SetDefault("telemetry.log_level", "info")
	v.SetDefault("telemetry.log_json", true)
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.shutdown_timeout_sec", defaultShutdownTimeoutSec)
}

func validate(cfg *Config) error {
	if cfg.Engine.BufferSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBufferSize, cfg.Engine.BufferSize)
	}

	if cfg.Engine.NumberOfBuffers <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidNumberOfBuffers, cfg.Engine.NumberOfBuffers)
	}

	if cfg.Engine.Workers <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkers, cfg.Engine.Workers)
	}

	if cfg.Engine.WorkerLocalPoolCapacity <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidLocalPoolCap, cfg.Engine.WorkerLocalPoolCapacity)
	}

	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("%w: %f", ErrInvalidSampleRatio, cfg.Telemetry.SampleRatio)
	}

	return nil
}
