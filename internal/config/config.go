package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

type Config struct {
	SocketPath       string          `mapstructure:"socket_path"`
	HTTPAddr         string          `mapstructure:"http_addr"`
	DBPath           string          `mapstructure:"db_path"`
	StateDir         string          `mapstructure:"state_dir"`
	RuntimeBinary    string          `mapstructure:"runtime_binary"`
	RuntimeArgs      []string        `mapstructure:"runtime_args"`
	CommandTimeout   time.Duration   `mapstructure:"command_timeout"`
	RetryBackoff     []time.Duration `mapstructure:"retry_backoff"`
	LogTailDefault   int             `mapstructure:"log_tail_default"`
	LogPollInterval  time.Duration   `mapstructure:"log_poll_interval"`
	ExecReadWait     time.Duration   `mapstructure:"exec_read_wait"`
	ExecPollInterval time.Duration   `mapstructure:"exec_poll_interval"`
	DefaultShell     string          `mapstructure:"default_shell"`
	StopGrace        time.Duration   `mapstructure:"stop_grace"`
	OutboundQueue    int             `mapstructure:"outbound_queue"`
	HistoryRetention time.Duration   `mapstructure:"history_retention"`
	LogLevel         string          `mapstructure:"log_level"`
	LogFormat        string          `mapstructure:"log_format"`
}

func DefaultConfig() Config {
	return Config{
		SocketPath:       defaultSocketPath(),
		DBPath:           defaultDBPath(),
		StateDir:         defaultStateDir(),
		RuntimeBinary:    "servin",
		RuntimeArgs:      defaultRuntimeArgs(),
		CommandTimeout:   30 * time.Second,
		RetryBackoff:     []time.Duration{250 * time.Millisecond},
		LogTailDefault:   100,
		LogPollInterval:  100 * time.Millisecond,
		ExecReadWait:     100 * time.Millisecond,
		ExecPollInterval: 50 * time.Millisecond,
		DefaultShell:     "/bin/sh",
		StopGrace:        2 * time.Second,
		OutboundQueue:    256,
		HistoryRetention: 14 * 24 * time.Hour,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "ctrmux", "ctrmuxd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ctrmuxd.sock"
	}
	return filepath.Join(home, ".local", "state", "ctrmux", "ctrmuxd.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ctrmux.db"
	}
	return filepath.Join(home, ".local", "state", "ctrmux", "history.db")
}

// defaultStateDir mirrors where the runtime persists its unit records.
func defaultStateDir() string {
	if runtime.GOOS == "linux" {
		return "/var/lib/servin/containers"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".servin", "containers")
	}
	return filepath.Join(home, ".servin", "containers")
}

// The runtime refuses container operations without root on macOS unless it
// runs in development mode.
func defaultRuntimeArgs() []string {
	if runtime.GOOS == "darwin" {
		return []string{"--dev"}
	}
	return nil
}
