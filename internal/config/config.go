// Package config loads ptyhive settings from defaults, an optional YAML
// file, the environment and command-line flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"ptyhive/internal/retry"
	"ptyhive/internal/session"
)

// EnvPrefix prefixes every environment variable, e.g. PTYHIVE_SESSIONS_MAX.
const EnvPrefix = "PTYHIVE"

// Config holds all configuration options for ptyhive.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Log      LogConfig      `mapstructure:"log"`
	Trace    TraceConfig    `mapstructure:"trace"`
	// Retry paces client reconnects.
	Retry retry.Policy `mapstructure:"retry"`
}

// ServerConfig configures the HTTP and websocket listener.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// Port, when non-zero, replaces the port in Addr.
	Port      int    `mapstructure:"port"`
	Token     string `mapstructure:"token"` // empty disables authentication
	StaticDir string `mapstructure:"static_dir"`
}

// SessionsConfig configures the session manager.
type SessionsConfig struct {
	Max               int           `mapstructure:"max"`
	RingBufferBytes   int           `mapstructure:"ring_buffer_bytes"`
	SubscriberBacklog int           `mapstructure:"subscriber_backlog"`
	IdlePromptDelay   time.Duration `mapstructure:"idle_prompt_delay"`
	CloseGrace        time.Duration `mapstructure:"close_grace"`
	TombstoneTTL      time.Duration `mapstructure:"tombstone_ttl"`
	Shell             string        `mapstructure:"shell"` // empty uses $SHELL
}

// CatalogConfig points at an optional pattern catalog file.
type CatalogConfig struct {
	Path  string `mapstructure:"path"`
	Watch bool   `mapstructure:"watch"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
}

// TraceConfig configures span export.
type TraceConfig struct {
	File string `mapstructure:"file"` // empty disables tracing
}

// Defaults returns the default configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr: ":8420",
		},
		Sessions: SessionsConfig{
			Max:               session.DefaultMaxSessions,
			RingBufferBytes:   session.DefaultRingBufferSize,
			SubscriberBacklog: session.DefaultSubscriberBacklog,
			IdlePromptDelay:   session.DefaultIdlePromptDelay,
			CloseGrace:        session.DefaultCloseGrace,
			TombstoneTTL:      session.DefaultTombstoneTTL,
		},
		Catalog: CatalogConfig{
			Watch: true,
		},
		Log: LogConfig{
			Level: "info",
		},
		Retry: retry.DefaultPolicy(),
	}
}

// New returns a viper instance with every key defaulted and bound to its
// environment variable. PORT and MAX_SESSIONS are also honoured.
func New() *viper.Viper {
	v := viper.New()
	d := Defaults()
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.token", d.Server.Token)
	v.SetDefault("server.static_dir", d.Server.StaticDir)
	v.SetDefault("sessions.max", d.Sessions.Max)
	v.SetDefault("sessions.ring_buffer_bytes", d.Sessions.RingBufferBytes)
	v.SetDefault("sessions.subscriber_backlog", d.Sessions.SubscriberBacklog)
	v.SetDefault("sessions.idle_prompt_delay", d.Sessions.IdlePromptDelay)
	v.SetDefault("sessions.close_grace", d.Sessions.CloseGrace)
	v.SetDefault("sessions.tombstone_ttl", d.Sessions.TombstoneTTL)
	v.SetDefault("sessions.shell", d.Sessions.Shell)
	v.SetDefault("catalog.path", d.Catalog.Path)
	v.SetDefault("catalog.watch", d.Catalog.Watch)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("trace.file", d.Trace.File)
	v.SetDefault("retry.base_delay", d.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("retry.multiplier", d.Retry.Multiplier)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT")
	_ = v.BindEnv("sessions.max", EnvPrefix+"_SESSIONS_MAX", "MAX_SESSIONS")
	return v
}

// Load reads file, when given, into v and decodes the result.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Server.Port != 0 {
		host, _, err := net.SplitHostPort(cfg.Server.Addr)
		if err != nil {
			host = ""
		}
		cfg.Server.Addr = net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Sessions.Max < 1 {
		errs = append(errs, fmt.Errorf("sessions.max must be at least 1, got %d", c.Sessions.Max))
	}
	if c.Sessions.RingBufferBytes < 1 {
		errs = append(errs, fmt.Errorf("sessions.ring_buffer_bytes must be positive, got %d", c.Sessions.RingBufferBytes))
	}
	if c.Sessions.SubscriberBacklog < 1 {
		errs = append(errs, fmt.Errorf("sessions.subscriber_backlog must be positive, got %d", c.Sessions.SubscriberBacklog))
	}
	if c.Sessions.IdlePromptDelay < 0 {
		errs = append(errs, fmt.Errorf("sessions.idle_prompt_delay must not be negative, got %s", c.Sessions.IdlePromptDelay))
	}
	if c.Sessions.CloseGrace <= 0 {
		errs = append(errs, fmt.Errorf("sessions.close_grace must be positive, got %s", c.Sessions.CloseGrace))
	}
	if c.Sessions.TombstoneTTL <= 0 {
		errs = append(errs, fmt.Errorf("sessions.tombstone_ttl must be positive, got %s", c.Sessions.TombstoneTTL))
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, fmt.Errorf("retry delays must satisfy 0 < base_delay <= max_delay, got %s and %s", c.Retry.BaseDelay, c.Retry.MaxDelay))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be at least 1, got %g", c.Retry.Multiplier))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level))
	}
	return errors.Join(errs...)
}

// ManagerOptions translates the session settings into manager options.
func (c SessionsConfig) ManagerOptions() []session.Option {
	opts := []session.Option{
		session.WithRingBufferSize(c.RingBufferBytes),
		session.WithSubscriberBacklog(c.SubscriberBacklog),
		session.WithIdlePromptDelay(c.IdlePromptDelay),
		session.WithCloseGrace(c.CloseGrace),
		session.WithTombstoneTTL(c.TombstoneTTL),
	}
	if c.Shell != "" {
		opts = append(opts, session.WithShell(c.Shell))
	}
	return opts
}
