// Package config loads easel's configuration from defaults, an optional
// YAML file, and EASEL_* environment variables, in that order.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr     = ":8080"
	defaultDBPath         = "easel.db"
	defaultWorkers        = 1
	defaultQueueSize      = 64
	defaultDevice         = "cpu"
	defaultRenderTimeoutS = 300
	defaultPreviewTTL     = 10 * time.Minute
	defaultAMQPQueue      = "easel.renders"
	defaultSubmitRPS      = 2
	defaultSubmitBurst    = 10

	envConfigFile         = "EASEL_CONFIG"
	envListenAddr         = "EASEL_LISTEN_ADDR"
	envDBPath             = "EASEL_DB_PATH"
	envLogLevel           = "EASEL_LOG_LEVEL"
	envWorkers            = "EASEL_WORKERS"
	envQueueSize          = "EASEL_QUEUE_SIZE"
	envDevice             = "EASEL_DEVICE"
	envEngineAddr         = "EASEL_ENGINE_ADDR"
	envRenderTimeoutS     = "EASEL_RENDER_TIMEOUT_S"
	envRedisAddr          = "EASEL_REDIS_ADDR"
	envPreviewTTL         = "EASEL_PREVIEW_TTL"
	envAMQPURL            = "EASEL_AMQP_URL"
	envAMQPQueue          = "EASEL_AMQP_QUEUE"
	envSubmitRPS          = "EASEL_SUBMIT_RPS"
	envSubmitBurst        = "EASEL_SUBMIT_BURST"
	envSyntheticStepDelay = "EASEL_SYNTHETIC_STEP_DELAY"
	envSaveRoot           = "EASEL_SAVE_ROOT"
)

// Config holds application configuration.
type Config struct {
	ListenAddr string     `yaml:"listen_addr"`
	DBPath     string     `yaml:"db_path"`
	LogLevel   slog.Level `yaml:"log_level"`

	// Workers is the number of concurrent renders.
	Workers   int    `yaml:"workers"`
	QueueSize int    `yaml:"queue_size"`
	Device    string `yaml:"device"`

	// EngineAddr is a tcp://, unix:// or vsock:// address of a remote
	// generation engine. When empty only the synthetic engine is served.
	EngineAddr     string `yaml:"engine_addr"`
	RenderTimeoutS int    `yaml:"render_timeout_s"`

	// RedisAddr enables the preview mirror.
	RedisAddr  string        `yaml:"redis_addr"`
	PreviewTTL time.Duration `yaml:"preview_ttl"`

	// AMQPURL enables the queue consumer.
	AMQPURL   string `yaml:"amqp_url"`
	AMQPQueue string `yaml:"amqp_queue"`

	// SaveRoot is the directory that save_to_disk_path is resolved under.
	// Saving to disk is disabled when it is empty.
	SaveRoot string `yaml:"save_root"`

	SubmitRPS   float64 `yaml:"submit_rps"`
	SubmitBurst int     `yaml:"submit_burst"`

	SyntheticStepDelay time.Duration `yaml:"synthetic_step_delay"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		ListenAddr:     defaultListenAddr,
		DBPath:         defaultDBPath,
		LogLevel:       slog.LevelInfo,
		Workers:        defaultWorkers,
		QueueSize:      defaultQueueSize,
		Device:         defaultDevice,
		RenderTimeoutS: defaultRenderTimeoutS,
		PreviewTTL:     defaultPreviewTTL,
		AMQPQueue:      defaultAMQPQueue,
		SubmitRPS:      defaultSubmitRPS,
		SubmitBurst:    defaultSubmitBurst,
	}
}

// Load builds the configuration from defaults, the YAML file named by
// EASEL_CONFIG if set, and environment overrides.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(envConfigFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(envListenAddr); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envDevice); v != "" {
		c.Device = v
	}
	if v := os.Getenv(envEngineAddr); v != "" {
		c.EngineAddr = v
	}
	if v := os.Getenv(envRedisAddr); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv(envAMQPURL); v != "" {
		c.AMQPURL = v
	}
	if v := os.Getenv(envAMQPQueue); v != "" {
		c.AMQPQueue = v
	}
	if v := os.Getenv(envSaveRoot); v != "" {
		c.SaveRoot = v
	}

	ints := []struct {
		env string
		dst *int
	}{
		{envWorkers, &c.Workers},
		{envQueueSize, &c.QueueSize},
		{envRenderTimeoutS, &c.RenderTimeoutS},
		{envSubmitBurst, &c.SubmitBurst},
	}
	for _, f := range ints {
		v := os.Getenv(f.env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", f.env, err)
		}
		*f.dst = n
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{envPreviewTTL, &c.PreviewTTL},
		{envSyntheticStepDelay, &c.SyntheticStepDelay},
	}
	for _, f := range durations {
		v := os.Getenv(f.env)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", f.env, err)
		}
		*f.dst = d
	}

	if v := os.Getenv(envSubmitRPS); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", envSubmitRPS, err)
		}
		c.SubmitRPS = rps
	}
	return nil
}

func (c *Config) validate() error {
	switch {
	case c.Workers < 1:
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	case c.QueueSize < 1:
		return fmt.Errorf("queue_size must be at least 1, got %d", c.QueueSize)
	case c.RenderTimeoutS < 1:
		return fmt.Errorf("render_timeout_s must be at least 1, got %d", c.RenderTimeoutS)
	case c.SubmitRPS < 0:
		return fmt.Errorf("submit_rps must not be negative, got %g", c.SubmitRPS)
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
