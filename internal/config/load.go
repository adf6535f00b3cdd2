package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const envPrefix = "CTRMUX"

// DefaultConfigFile is consulted when no explicit config path is given.
func DefaultConfigFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "ctrmux", "config.toml")
}

// NewViper returns a viper instance seeded with DefaultConfig values and
// CTRMUX_* environment overrides.
func NewViper() *viper.Viper {
	v := viper.New()
	def := DefaultConfig()
	v.SetDefault("socket_path", def.SocketPath)
	v.SetDefault("http_addr", def.HTTPAddr)
	v.SetDefault("db_path", def.DBPath)
	v.SetDefault("state_dir", def.StateDir)
	v.SetDefault("runtime_binary", def.RuntimeBinary)
	v.SetDefault("runtime_args", def.RuntimeArgs)
	v.SetDefault("command_timeout", def.CommandTimeout)
	v.SetDefault("retry_backoff", def.RetryBackoff)
	v.SetDefault("log_tail_default", def.LogTailDefault)
	v.SetDefault("log_poll_interval", def.LogPollInterval)
	v.SetDefault("exec_read_wait", def.ExecReadWait)
	v.SetDefault("exec_poll_interval", def.ExecPollInterval)
	v.SetDefault("default_shell", def.DefaultShell)
	v.SetDefault("stop_grace", def.StopGrace)
	v.SetDefault("outbound_queue", def.OutboundQueue)
	v.SetDefault("history_retention", def.HistoryRetention)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_format", def.LogFormat)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (TOML or YAML by extension) into v and decodes the result.
// An empty path falls back to DefaultConfigFile, which may be absent.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = NewViper()
	}
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultConfigFile()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
			if explicit || !missing {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}
	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.SocketPath) == "" {
		return fmt.Errorf("socket_path is required")
	}
	if strings.TrimSpace(c.RuntimeBinary) == "" {
		return fmt.Errorf("runtime_binary is required")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command_timeout must be positive")
	}
	if c.LogPollInterval <= 0 || c.LogPollInterval >= time.Second {
		return fmt.Errorf("log_poll_interval must be between 0 and 1s")
	}
	if c.ExecReadWait <= 0 || c.ExecReadWait >= time.Second {
		return fmt.Errorf("exec_read_wait must be between 0 and 1s")
	}
	if c.LogTailDefault < 0 {
		return fmt.Errorf("log_tail_default must not be negative")
	}
	return nil
}

// EncodeTOML renders the effective configuration.
func (c Config) EncodeTOML() ([]byte, error) {
	type durationView struct {
		SocketPath       string   `toml:"socket_path"`
		HTTPAddr         string   `toml:"http_addr"`
		DBPath           string   `toml:"db_path"`
		StateDir         string   `toml:"state_dir"`
		RuntimeBinary    string   `toml:"runtime_binary"`
		RuntimeArgs      []string `toml:"runtime_args"`
		CommandTimeout   string   `toml:"command_timeout"`
		RetryBackoff     []string `toml:"retry_backoff"`
		LogTailDefault   int      `toml:"log_tail_default"`
		LogPollInterval  string   `toml:"log_poll_interval"`
		ExecReadWait     string   `toml:"exec_read_wait"`
		ExecPollInterval string   `toml:"exec_poll_interval"`
		DefaultShell     string   `toml:"default_shell"`
		StopGrace        string   `toml:"stop_grace"`
		OutboundQueue    int      `toml:"outbound_queue"`
		HistoryRetention string   `toml:"history_retention"`
		LogLevel         string   `toml:"log_level"`
		LogFormat        string   `toml:"log_format"`
	}
	backoff := make([]string, 0, len(c.RetryBackoff))
	for _, d := range c.RetryBackoff {
		backoff = append(backoff, d.String())
	}
	runtimeArgs := c.RuntimeArgs
	if runtimeArgs == nil {
		runtimeArgs = []string{}
	}
	return toml.Marshal(durationView{
		SocketPath:       c.SocketPath,
		HTTPAddr:         c.HTTPAddr,
		DBPath:           c.DBPath,
		StateDir:         c.StateDir,
		RuntimeBinary:    c.RuntimeBinary,
		RuntimeArgs:      runtimeArgs,
		CommandTimeout:   c.CommandTimeout.String(),
		RetryBackoff:     backoff,
		LogTailDefault:   c.LogTailDefault,
		LogPollInterval:  c.LogPollInterval.String(),
		ExecReadWait:     c.ExecReadWait.String(),
		ExecPollInterval: c.ExecPollInterval.String(),
		DefaultShell:     c.DefaultShell,
		StopGrace:        c.StopGrace.String(),
		OutboundQueue:    c.OutboundQueue,
		HistoryRetention: c.HistoryRetention.String(),
		LogLevel:         c.LogLevel,
		LogFormat:        c.LogFormat,
	})
}
