// Package config handles loading and validating the mirrorpipe configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/zsiec/mirrorpipe/internal/media"
)

// Config is the root configuration for the mirrorpipe daemon.
type Config struct {
	Capture    CaptureConfig    `mapstructure:"capture"`
	SRT        SRTConfig        `mapstructure:"srt"`
	Transcoder TranscoderConfig `mapstructure:"transcoder"`
	ADB        ADBConfig        `mapstructure:"adb"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Preview    PreviewConfig    `mapstructure:"preview"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// Capture source kinds.
const (
	SourceProcess = "process"
	SourceSRT     = "srt"
)

// CaptureConfig configures the screen-mirroring capture process.
type CaptureConfig struct {
	Source       string   `mapstructure:"source"` // "process" or "srt"
	Path         string   `mapstructure:"path"`
	MaxDimension int      `mapstructure:"max_dimension"`
	MaxFPS       int      `mapstructure:"max_fps"`
	Codec        string   `mapstructure:"codec"`
	BitRate      string   `mapstructure:"bit_rate"`
	RecordFormat string   `mapstructure:"record_format"`
	ExtraArgs    []string `mapstructure:"extra_args"`
}

// SRTConfig configures the SRT pull source.
type SRTConfig struct {
	Address     string        `mapstructure:"address"`
	StreamID    string        `mapstructure:"stream_id"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// TranscoderConfig configures the raw-video transcoder.
type TranscoderConfig struct {
	Path        string   `mapstructure:"path"`
	InputFormat string   `mapstructure:"input_format"` // e.g. "matroska", "mpegts"
	PixelFormat string   `mapstructure:"pixel_format"` // bgr24 or rgb24
	LogLevel    string   `mapstructure:"log_level"`
	ExtraArgs   []string `mapstructure:"extra_args"`
}

// ADBConfig configures device preparation before capture.
type ADBConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Path        string        `mapstructure:"path"`
	Serial      string        `mapstructure:"serial"`
	ResetServer bool          `mapstructure:"reset_server"`
	Settings    []string      `mapstructure:"settings"` // "key=value", applied with settings put global
	Timeout     time.Duration `mapstructure:"timeout"`
}

// PipelineConfig configures frame geometry, buffering, and recovery.
type PipelineConfig struct {
	Width          int           `mapstructure:"width"`  // 0 probes the device
	Height         int           `mapstructure:"height"` // 0 probes the device
	BufferCapacity int           `mapstructure:"buffer_capacity"`
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	MaxRetries     int           `mapstructure:"max_retries"`
	GracePeriod    time.Duration `mapstructure:"grace_period"`
	Cooldown       time.Duration `mapstructure:"cooldown"`
	CheckInterval  time.Duration `mapstructure:"check_interval"`
	ExitGrace      time.Duration `mapstructure:"exit_grace"`
	FrameTimeout   time.Duration `mapstructure:"frame_timeout"`
}

// PreviewConfig configures the status and preview server.
type PreviewConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Load reads the configuration from file, environment variables, and defaults.
// If envFile is non-empty it is loaded into the process environment first
// (existing variables win). If configFile is non-empty it is used directly;
// otherwise the standard search order applies: ./mirrorpipe.yaml,
// ./configs/mirrorpipe.yaml, /etc/mirrorpipe/mirrorpipe.yaml.
func Load(configFile, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading env file: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("mirrorpipe")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/mirrorpipe")
	}

	// Environment variables: MIRRORPIPE_PIPELINE_MAX_RETRIES, MIRRORPIPE_CAPTURE_PATH, etc.
	v.SetEnvPrefix("MIRRORPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		slog.Info("no config file found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("capture.source", SourceProcess)
	v.SetDefault("capture.path", "scrcpy")
	v.SetDefault("capture.max_dimension", 1024)
	v.SetDefault("capture.max_fps", 30)
	v.SetDefault("capture.codec", "h264")
	v.SetDefault("capture.bit_rate", "8M")
	v.SetDefault("capture.record_format", "mkv")
	v.SetDefault("srt.address", "")
	v.SetDefault("srt.stream_id", "")
	v.SetDefault("srt.dial_timeout", 10*time.Second)
	v.SetDefault("transcoder.path", "ffmpeg")
	v.SetDefault("transcoder.input_format", "matroska")
	v.SetDefault("transcoder.pixel_format", string(media.PixelFormatBGR24))
	v.SetDefault("transcoder.log_level", "error")
	v.SetDefault("adb.enabled", true)
	v.SetDefault("adb.path", "adb")
	v.SetDefault("adb.serial", "")
	v.SetDefault("adb.reset_server", true)
	v.SetDefault("adb.settings", []string{
		"hwui.disable_vsync=1",
		"window_animation_scale=0",
	})
	v.SetDefault("adb.timeout", 10*time.Second)
	v.SetDefault("pipeline.width", 0)
	v.SetDefault("pipeline.height", 0)
	v.SetDefault("pipeline.buffer_capacity", media.DefaultBufferCapacity)
	v.SetDefault("pipeline.stale_threshold", 3*time.Second)
	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.grace_period", 2*time.Second)
	v.SetDefault("pipeline.cooldown", time.Second)
	v.SetDefault("pipeline.check_interval", 500*time.Millisecond)
	v.SetDefault("pipeline.exit_grace", time.Second)
	v.SetDefault("pipeline.frame_timeout", time.Second)
	v.SetDefault("preview.enabled", false)
	v.SetDefault("preview.addr", ":8443")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate reports the first invalid value.
func (c *Config) Validate() error {
	switch c.Capture.Source {
	case SourceProcess:
		if c.Capture.Path == "" {
			return fmt.Errorf("capture.path is required for the process source")
		}
	case SourceSRT:
		if c.SRT.Address == "" {
			return fmt.Errorf("srt.address is required for the srt source")
		}
	default:
		return fmt.Errorf("capture.source %q: want %q or %q", c.Capture.Source, SourceProcess, SourceSRT)
	}
	if c.Capture.MaxDimension < 0 || c.Capture.MaxFPS < 0 {
		return fmt.Errorf("capture.max_dimension and capture.max_fps must not be negative")
	}
	if c.Transcoder.Path == "" {
		return fmt.Errorf("transcoder.path is required")
	}
	if _, err := media.ParsePixelFormat(c.Transcoder.PixelFormat); err != nil {
		return fmt.Errorf("transcoder.pixel_format: %w", err)
	}

	p := c.Pipeline
	if (p.Width == 0) != (p.Height == 0) {
		return fmt.Errorf("pipeline.width and pipeline.height must both be set or both be 0")
	}
	if p.Width < 0 || p.Height < 0 {
		return fmt.Errorf("pipeline geometry %dx%d: %w", p.Width, p.Height, media.ErrInvalidGeometry)
	}
	if p.Width == 0 && !c.ADB.Enabled {
		return fmt.Errorf("pipeline geometry must be set when adb is disabled")
	}
	if p.BufferCapacity < 0 {
		return fmt.Errorf("pipeline.buffer_capacity must not be negative")
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("pipeline.max_retries must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"pipeline.stale_threshold": p.StaleThreshold,
		"pipeline.grace_period":    p.GracePeriod,
		"pipeline.cooldown":        p.Cooldown,
		"pipeline.check_interval":  p.CheckInterval,
		"pipeline.exit_grace":      p.ExitGrace,
		"pipeline.frame_timeout":   p.FrameTimeout,
		"adb.timeout":              c.ADB.Timeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	for _, kv := range c.ADB.Settings {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			return fmt.Errorf("adb.settings entry %q: want key=value", kv)
		}
	}
	if c.Preview.Enabled && c.Preview.Addr == "" {
		return fmt.Errorf("preview.addr is required when preview is enabled")
	}
	return nil
}

// SetupLogging configures the global slog logger based on config.
func SetupLogging(cfg LoggingConfig) {
	slog.SetDefault(NewLogger(cfg, os.Stdout))
}

// NewLogger builds a logger writing to w.
func NewLogger(cfg LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}
