package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tinytelemetry/dogd/internal/broadcast"
	"github.com/tinytelemetry/dogd/internal/httpserver"
	"github.com/tinytelemetry/dogd/internal/ingest"
	"github.com/tinytelemetry/dogd/internal/sink"
	"github.com/tinytelemetry/dogd/internal/subserver"
	"github.com/tinytelemetry/dogd/render"
)

const (
	defaultIngestAddr             = ingest.DefaultAddr
	defaultSubscriberAddr         = subserver.DefaultAddr
	defaultLogPath                = sink.DefaultPath
	defaultAPIAddr                = httpserver.DefaultAddr
	defaultColor                  = string(render.ColorAuto)
	defaultSubscriberBuffer       = broadcast.DefaultQueueSize
	defaultSlowConsumerTimeout    = broadcast.DefaultSlowConsumerTimeout
	defaultIngestReadTimeout      = ingest.DefaultReadTimeout
	defaultMaxRecordSize          = ingest.DefaultMaxRecordSize
	defaultSubscriberWriteTimeout = subserver.DefaultWriteTimeout
	defaultLogLevel               = "info"
	defaultShutdownTimeout        = 10 * time.Second
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	IngestAddr             string        `mapstructure:"ingest-addr" yaml:"ingest-addr"`
	SubscriberAddr         string        `mapstructure:"subscriber-addr" yaml:"subscriber-addr"`
	LogPath                string        `mapstructure:"log-path" yaml:"log-path"`
	FileSinkEnabled        bool          `mapstructure:"file-sink-enabled" yaml:"file-sink-enabled"`
	FileSync               bool          `mapstructure:"file-sync" yaml:"file-sync"`
	ConsoleEnabled         bool          `mapstructure:"console-enabled" yaml:"console-enabled"`
	Color                  string        `mapstructure:"color" yaml:"color"`
	SubscriberBuffer       int           `mapstructure:"subscriber-buffer" yaml:"subscriber-buffer"`
	SlowConsumerTimeout    time.Duration `mapstructure:"slow-consumer-timeout" yaml:"slow-consumer-timeout"`
	IngestReadTimeout      time.Duration `mapstructure:"ingest-read-timeout" yaml:"ingest-read-timeout"`
	MaxRecordSize          int           `mapstructure:"max-record-size" yaml:"max-record-size"`
	SubscriberWriteTimeout time.Duration `mapstructure:"subscriber-write-timeout" yaml:"subscriber-write-timeout"`
	APIEnabled             bool          `mapstructure:"api-enabled" yaml:"api-enabled"`
	APIAddr                string        `mapstructure:"api-addr" yaml:"api-addr"`
	LogLevel               string        `mapstructure:"log-level" yaml:"log-level"`
	LogFile                string        `mapstructure:"log-file" yaml:"log-file"`
	ShutdownTimeout        time.Duration `mapstructure:"shutdown-timeout" yaml:"shutdown-timeout"`
	ConfigPath             string        `mapstructure:"-" yaml:"-"` // not from config file
}

// newFlagSet declares every configuration key as a flag. Flags left unset
// fall through to the environment, the config file, then defaults.
func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("dogd", pflag.ContinueOnError)

	fs.String("config", "", "config file (default is $HOME/.config/dogd/config.yml)")
	fs.Bool("version", false, "print version information")
	fs.Bool("print-config", false, "print the effective configuration as YAML and exit")

	fs.String("ingest-addr", defaultIngestAddr, "address producers send records to")
	fs.String("subscriber-addr", defaultSubscriberAddr, "address subscribers connect to")
	fs.String("log-path", defaultLogPath, "file that receives every rendered record")
	fs.Bool("file-sink-enabled", true, "persist records to log-path")
	fs.Bool("file-sync", false, "fsync log-path after every record")
	fs.Bool("console-enabled", true, "print records to stdout")
	fs.String("color", defaultColor, "glyph colors: auto, always or never")
	fs.Int("subscriber-buffer", defaultSubscriberBuffer, "records queued per consumer before backpressure")
	fs.Duration("slow-consumer-timeout", defaultSlowConsumerTimeout, "how long a full consumer may delay a publish before eviction")
	fs.Duration("ingest-read-timeout", defaultIngestReadTimeout, "time allowed for a producer to send one record (negative disables)")
	fs.Int("max-record-size", defaultMaxRecordSize, "largest accepted encoded record in bytes")
	fs.Duration("subscriber-write-timeout", defaultSubscriberWriteTimeout, "deadline for one write to a subscriber")
	fs.Bool("api-enabled", true, "serve the health and stats API")
	fs.String("api-addr", defaultAPIAddr, "address of the health and stats API")
	fs.String("log-level", defaultLogLevel, "diagnostic log level: debug, info, warn or error")
	fs.String("log-file", "", "append diagnostics to this file instead of stderr")
	fs.Duration("shutdown-timeout", defaultShutdownTimeout, "grace period after the first signal before forced exit")

	return fs
}

func loadConfig(fs *pflag.FlagSet) (appConfig, error) {
	var cfg appConfig

	v := viper.New()
	v.SetEnvPrefix("DOGD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("ingest-addr", defaultIngestAddr)
	v.SetDefault("subscriber-addr", defaultSubscriberAddr)
	v.SetDefault("log-path", defaultLogPath)
	v.SetDefault("file-sink-enabled", true)
	v.SetDefault("file-sync", false)
	v.SetDefault("console-enabled", true)
	v.SetDefault("color", defaultColor)
	v.SetDefault("subscriber-buffer", defaultSubscriberBuffer)
	v.SetDefault("slow-consumer-timeout", defaultSlowConsumerTimeout)
	v.SetDefault("ingest-read-timeout", defaultIngestReadTimeout)
	v.SetDefault("max-record-size", defaultMaxRecordSize)
	v.SetDefault("subscriber-write-timeout", defaultSubscriberWriteTimeout)
	v.SetDefault("api-enabled", true)
	v.SetDefault("api-addr", defaultAPIAddr)
	v.SetDefault("log-level", defaultLogLevel)
	v.SetDefault("log-file", "")
	v.SetDefault("shutdown-timeout", defaultShutdownTimeout)

	if err := v.BindPFlags(fs); err != nil {
		return cfg, fmt.Errorf("binding flags: %w", err)
	}

	configPath, _ := fs.GetString("config")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.SetConfigFile(filepath.Join(home, ".config", "dogd", "config.yml"))
	}

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			// Only the default location may be absent.
			var configFileNotFound viper.ConfigFileNotFoundError
			missing := errors.As(err, &configFileNotFound) || os.IsNotExist(err)
			if !missing || configPath != "" {
				return cfg, fmt.Errorf("reading config %s: %w", v.ConfigFileUsed(), err)
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	if _, err := os.Stat(v.ConfigFileUsed()); err == nil {
		cfg.ConfigPath = v.ConfigFileUsed()
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (cfg appConfig) validate() error {
	for key, addr := range map[string]string{
		"ingest-addr":     cfg.IngestAddr,
		"subscriber-addr": cfg.SubscriberAddr,
		"api-addr":        cfg.APIAddr,
	} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, addr, err)
		}
	}
	if cfg.FileSinkEnabled && strings.TrimSpace(cfg.LogPath) == "" {
		return errors.New("log-path is empty with file-sink-enabled")
	}
	if _, ok := render.ParseColorMode(cfg.Color); !ok {
		return fmt.Errorf("invalid color: %q (want auto, always or never)", cfg.Color)
	}
	if cfg.SubscriberBuffer <= 0 {
		return fmt.Errorf("invalid subscriber-buffer: %d", cfg.SubscriberBuffer)
	}
	if cfg.SlowConsumerTimeout <= 0 {
		return fmt.Errorf("invalid slow-consumer-timeout: %s", cfg.SlowConsumerTimeout)
	}
	if cfg.MaxRecordSize <= 0 {
		return fmt.Errorf("invalid max-record-size: %d", cfg.MaxRecordSize)
	}
	if cfg.SubscriberWriteTimeout <= 0 {
		return fmt.Errorf("invalid subscriber-write-timeout: %s", cfg.SubscriberWriteTimeout)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown-timeout: %s", cfg.ShutdownTimeout)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err != nil {
		return fmt.Errorf("invalid log-level: %q", cfg.LogLevel)
	}
	return nil
}

func (cfg appConfig) colorMode() render.ColorMode {
	mode, _ := render.ParseColorMode(cfg.Color)
	return mode
}
