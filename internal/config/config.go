package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/loykin/procwatch/internal/auth"
	"github.com/loykin/procwatch/internal/logger"
	"github.com/loykin/procwatch/internal/notify"
	"github.com/loykin/procwatch/internal/supervisor"
	ptls "github.com/loykin/procwatch/internal/tls"
)

// EnvPrefix is the prefix of environment variables overriding file values,
// e.g. PROCWATCH_SERVER_LISTEN.
const EnvPrefix = "PROCWATCH"

const (
	DefaultListen   = "127.0.0.1:8080"
	DefaultBasePath = "/api"
)

type ServerConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Listen   string `json:"listen" mapstructure:"listen"`
	BasePath string `json:"base_path" mapstructure:"base_path"`
	LockFile string `json:"lock_file" mapstructure:"lock_file"`

	TLS  ptls.Config `json:"tls" mapstructure:"tls"`
	Auth auth.Config `json:"auth" mapstructure:"auth"`
}

// MetricsConfig exposes the prometheus collectors. An empty Listen serves
// /metrics on the API listener.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Listen  string `json:"listen" mapstructure:"listen"`
}

type HistoryConfig struct {
	// Sinks are DSNs, see history/factory.
	Sinks        []string `json:"sinks" mapstructure:"sinks"`
	IncludeStats bool     `json:"include_stats" mapstructure:"include_stats"`
}

// Config is the top-level daemon configuration.
type Config struct {
	Log      logger.Config  `json:"log" mapstructure:"log"`
	Server   ServerConfig   `json:"server" mapstructure:"server"`
	Metrics  MetricsConfig  `json:"metrics" mapstructure:"metrics"`
	Notify   notify.Options `json:"notify" mapstructure:"notify"`
	Telegram notify.Config  `json:"telegram" mapstructure:"telegram"`
	History  HistoryConfig  `json:"history" mapstructure:"history"`

	Env      []string `json:"env" mapstructure:"env"`
	EnvFiles []string `json:"env_files" mapstructure:"env_files"`

	// TargetsDir holds one target per *.toml / *.yaml file.
	TargetsDir string                    `json:"targets_dir" mapstructure:"targets_dir"`
	Targets    []supervisor.TargetConfig `json:"targets" mapstructure:"targets"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: logger.DefaultConfig(),
		Server: ServerConfig{
			Enabled:  true,
			Listen:   DefaultListen,
			BasePath: DefaultBasePath,
		},
		Notify: notify.Options{
			APIBase:       notify.DefaultAPIBase,
			Timeout:       notify.DefaultTimeout,
			RatePerMinute: notify.DefaultRatePerMinute,
			Burst:         notify.DefaultBurst,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("log.slog.level", string(d.Log.Slog.Level))
	v.SetDefault("log.slog.format", string(d.Log.Slog.Format))
	v.SetDefault("log.slog.color", d.Log.Slog.Color)
	v.SetDefault("log.slog.timestamps", d.Log.Slog.TimeStamps)
	v.SetDefault("log.slog.source", false)
	v.SetDefault("log.slog.path", "")
	v.SetDefault("log.file.dir", "")
	v.SetDefault("server.enabled", d.Server.Enabled)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.base_path", d.Server.BasePath)
	v.SetDefault("server.lock_file", "")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "")
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("server.auth.jwt_secret", "")
	v.SetDefault("server.auth.token_ttl", auth.DefaultTokenTTL)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("notify.api_base", d.Notify.APIBase)
	v.SetDefault("notify.timeout", d.Notify.Timeout)
	v.SetDefault("notify.rate_per_minute", d.Notify.RatePerMinute)
	v.SetDefault("notify.burst", d.Notify.Burst)
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("history.include_stats", false)
	v.SetDefault("targets_dir", "")
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType(configType(path))
	}
	return v
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return "toml"
	}
}

// Load reads, defaults and validates the config file at path. An empty path
// yields Default() with environment overrides applied.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if path == "" {
		return decode(v, "")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return decode(v, path)
}

func decode(v *viper.Viper, path string) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.TargetsDir != "" {
		dir := cfg.TargetsDir
		if !filepath.IsAbs(dir) && path != "" {
			dir = filepath.Join(filepath.Dir(path), dir)
		}
		extra, err := loadTargetsDir(dir)
		if err != nil {
			return nil, err
		}
		cfg.Targets = append(cfg.Targets, extra...)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadTargetsDir reads every *.toml/*.yaml/*.yml file in dir as a single
// target, in lexical order.
func loadTargetsDir(dir string) ([]supervisor.TargetConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read targets_dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".toml", ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]supervisor.TargetConfig, 0, len(names))
	for _, n := range names {
		p := filepath.Join(dir, n)
		v := viper.New()
		v.SetConfigFile(p)
		v.SetConfigType(configType(p))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read target file %s: %w", p, err)
		}
		var tc supervisor.TargetConfig
		if err := v.Unmarshal(&tc); err != nil {
			return nil, fmt.Errorf("decode target file %s: %w", p, err)
		}
		if tc.Name == "" {
			tc.Name = strings.TrimSuffix(n, filepath.Ext(n))
		}
		out = append(out, tc)
	}
	return out, nil
}

func (c *Config) applyDefaults() {
	if c.Server.BasePath == "" {
		c.Server.BasePath = DefaultBasePath
	}
	for i := range c.Targets {
		t := c.Targets[i].WithDefaults()
		t.Log = inheritLog(c.Log.File, t.Log)
		c.Targets[i] = t
	}
}

// inheritLog fills unset per-target output settings from the global ones.
func inheritLog(global, own logger.FileConfig) logger.FileConfig {
	if own.Dir == "" && own.StdoutPath == "" && own.StderrPath == "" {
		own.Dir = global.Dir
	}
	if own.MaxSizeMB == 0 {
		own.MaxSizeMB = global.MaxSizeMB
	}
	if own.MaxBackups == 0 {
		own.MaxBackups = global.MaxBackups
	}
	if own.MaxAgeDays == 0 {
		own.MaxAgeDays = global.MaxAgeDays
	}
	if global.Compress {
		own.Compress = true
	}
	return own
}

// Validate checks every target and rejects duplicate names.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]struct{}, len(c.Targets))
	for _, t := range c.Targets {
		if err := t.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[t.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate target name %q", t.Name))
			continue
		}
		seen[t.Name] = struct{}{}
	}
	if _, err := logger.ParseLevel(string(c.Log.Slog.Level)); err != nil {
		errs = append(errs, err)
	}
	if err := c.Server.TLS.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Server.Auth.Validate(); err != nil {
		errs = append(errs, err)
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path must start with '/', got %q", c.Server.BasePath))
	}
	return errors.Join(errs...)
}

// GlobalEnv returns env_files contents (in order) followed by the env list,
// so later entries win when applied with env.SetAll.
func (c *Config) GlobalEnv() ([]string, error) {
	var out []string
	for _, p := range c.EnvFiles {
		kvs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, kvs...)
	}
	return append(out, c.Env...), nil
}

// LoadEnvFile parses a simple .env file with KEY=VALUE lines. Blank lines and
// lines starting with # are ignored, as is a leading "export ".
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if len(v) >= 2 && (v[0] == '"' && v[len(v)-1] == '"' || v[0] == '\'' && v[len(v)-1] == '\'') {
			v = v[1 : len(v)-1]
		}
		out = append(out, strings.TrimSpace(k)+"="+v)
	}
	return out, nil
}

// Watch re-reads path on every change and hands the decoded config to fn.
// Invalid edits are logged and skipped; the last good config stays in effect.
func Watch(path string, log *slog.Logger, fn func(*Config)) error {
	if log == nil {
		log = slog.Default()
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v, path)
		if err != nil {
			log.Warn("config reload rejected", "file", e.Name, "error", err)
			return
		}
		log.Info("config reloaded", "file", e.Name, "op", e.Op.String())
		fn(cfg)
	})
	v.WatchConfig()
	return nil
}
