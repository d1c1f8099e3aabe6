// Package config provides configuration management for scadrec.
//
// Configuration is loaded from four sources with the following precedence
// (highest to lowest):
//  1. CLI flags
//  2. Environment variables (SCADREC_ prefix)
//  3. Config file (.scadrec.yaml)
//  4. Built-in defaults
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Supported log levels.
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Supported log formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Defaults for the recording and rendering pipeline.
const (
	DefaultInterval      = 5 * time.Second
	DefaultRendererBin   = "openscad"
	DefaultRendererArgs  = "-q --autocenter --colorscheme='Starnight'"
	DefaultRenderTimeout = 2 * time.Minute
	DefaultFrameDelay    = 100 * time.Millisecond
	DefaultFinalDelay    = 5 * time.Second
)

// MaxDelay is the longest frame duration a GIF can store: 65535 ticks of 10ms.
const MaxDelay = 65535 * 10 * time.Millisecond

// Config represents the global configuration for scadrec.
type Config struct {
	// LogLevel controls the verbosity of log output.
	// Valid values: debug, info, warn, error.
	LogLevel string `mapstructure:"log-level" json:"logLevel"`

	// LogFormat controls the format of log output.
	// Valid values: text, json.
	LogFormat string `mapstructure:"log-format" json:"logFormat"`

	// NoColor disables colored output.
	NoColor bool `mapstructure:"no-color" json:"noColor"`

	// Quiet suppresses all log output below error level.
	Quiet bool `mapstructure:"quiet" json:"quiet"`

	// Interval is the poll period of the record command.
	Interval time.Duration `mapstructure:"interval" json:"interval"`

	// RendererBin is the binary used to rasterize snapshots.
	RendererBin string `mapstructure:"renderer-bin" json:"rendererBin"`

	// RendererArgs is appended to every renderer invocation. It is split
	// with shell-word rules but never passed through a shell.
	RendererArgs string `mapstructure:"renderer-args" json:"rendererArgs"`

	// RendererMinVersion is an optional semver constraint the renderer's
	// reported version must satisfy, e.g. ">= 2021.1".
	RendererMinVersion string `mapstructure:"renderer-min-version" json:"rendererMinVersion"`

	// RenderTimeout bounds a single renderer invocation. Zero disables it.
	RenderTimeout time.Duration `mapstructure:"render-timeout" json:"renderTimeout"`

	// ScratchDir is the parent of the export scratch workspace.
	// Empty means the OS temp directory.
	ScratchDir string `mapstructure:"scratch-dir" json:"scratchDir"`

	// FrameDelay is the display time of every frame but the last.
	FrameDelay time.Duration `mapstructure:"frame-delay" json:"frameDelay"`

	// FinalDelay is the display time of the last frame.
	FinalDelay time.Duration `mapstructure:"final-delay" json:"finalDelay"`

	// ConfigFile is the resolved path to the config file used.
	// Set after Load(), never read from config itself.
	ConfigFile string `mapstructure:"-" json:"-"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel:      LogLevelInfo,
		LogFormat:     LogFormatText,
		Interval:      DefaultInterval,
		RendererBin:   DefaultRendererBin,
		RendererArgs:  DefaultRendererArgs,
		RenderTimeout: DefaultRenderTimeout,
		FrameDelay:    DefaultFrameDelay,
		FinalDelay:    DefaultFinalDelay,
	}
}

// Validate checks that all config values are valid.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		// valid
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", c.LogLevel)
	}

	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
		// valid
	default:
		return fmt.Errorf("invalid log format %q: must be one of text, json", c.LogFormat)
	}

	if c.Interval <= 0 {
		return fmt.Errorf("invalid interval %s: must be positive", c.Interval)
	}

	if c.RenderTimeout < 0 {
		return fmt.Errorf("invalid render timeout %s: must not be negative", c.RenderTimeout)
	}

	if c.FrameDelay <= 0 {
		return fmt.Errorf("invalid frame delay %s: must be positive", c.FrameDelay)
	}

	if c.FinalDelay <= c.FrameDelay {
		return fmt.Errorf("invalid final delay %s: must be longer than frame delay %s", c.FinalDelay, c.FrameDelay)
	}

	if c.FinalDelay > MaxDelay {
		return fmt.Errorf("invalid final delay %s: must not exceed %s", c.FinalDelay, MaxDelay)
	}

	return nil
}

// EffectiveLogLevel returns the log level to use. When Quiet is true the log
// level is overridden to "error" regardless of the configured LogLevel.
func (c *Config) EffectiveLogLevel() string {
	if c.Quiet {
		return LogLevelError
	}

	return c.LogLevel
}

// Load initialises configuration from flags, environment variables, and an
// optional config file. A fresh viper instance is used on every call so that
// Load is safe for concurrent tests.
func Load(cmd *cobra.Command, configFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	configureEnv(v)

	if err := configureFile(v, configFile); err != nil {
		return nil, err
	}

	if err := bindFlags(v, cmd); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.ConfigFile = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults registers default values in viper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log-level", LogLevelInfo)
	v.SetDefault("log-format", LogFormatText)
	v.SetDefault("no-color", false)
	v.SetDefault("quiet", false)
	v.SetDefault("interval", DefaultInterval)
	v.SetDefault("renderer-bin", DefaultRendererBin)
	v.SetDefault("renderer-args", DefaultRendererArgs)
	v.SetDefault("renderer-min-version", "")
	v.SetDefault("render-timeout", DefaultRenderTimeout)
	v.SetDefault("scratch-dir", "")
	v.SetDefault("frame-delay", DefaultFrameDelay)
	v.SetDefault("final-delay", DefaultFinalDelay)
}

// configureEnv sets up environment variable support.
func configureEnv(v *viper.Viper) {
	v.SetEnvPrefix("SCADREC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
}

// configureFile sets up the config file source.
func configureFile(v *viper.Viper, configFile string) error {
	if configFile != "" {
		v.SetConfigFile(configFile)

		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file %q: %w", configFile, err)
		}

		return nil
	}

	// Auto-discovery mode.
	v.SetConfigName(".scadrec")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "scadrec"))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}

		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// bindFlags binds the command's own flags and the persistent flags of every
// ancestor. Flags that were not set on the command line act as defaults, so
// env and file values still take precedence over them.
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	if cmd == nil {
		return nil
	}

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}

	for c := cmd; c != nil; c = c.Parent() {
		if err := v.BindPFlags(c.PersistentFlags()); err != nil {
			return fmt.Errorf("binding persistent flags: %w", err)
		}
	}

	return nil
}

// ---------------------------------------------------------------------------
// Context helpers
// ---------------------------------------------------------------------------

type ctxKey struct{}

// NewContext returns a child context carrying cfg.
func NewContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, ctxKey{}, cfg)
}

// FromContext extracts a Config from ctx, falling back to Default().
func FromContext(ctx context.Context) *Config {
	if cfg, ok := ctx.Value(ctxKey{}).(*Config); ok {
		return cfg
	}

	return Default()
}
