package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/g960059/ctrmux/internal/config"
	"github.com/g960059/ctrmux/internal/daemon"
	"github.com/g960059/ctrmux/internal/db"
	"github.com/g960059/ctrmux/internal/invoker"
	"github.com/g960059/ctrmux/internal/logging"
	"github.com/g960059/ctrmux/internal/metrics"
	"github.com/g960059/ctrmux/internal/model"
	"github.com/g960059/ctrmux/internal/proc"
	"github.com/g960059/ctrmux/internal/relaunch"
	"github.com/g960059/ctrmux/internal/session"
	"github.com/g960059/ctrmux/internal/statestore"
)

const retentionInterval = time.Hour

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "ctrmuxd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	v := config.NewViper()
	var configPath string

	root := &cobra.Command{
		Use:           "ctrmuxd",
		Short:         "Container session multiplexer daemon",
		Long:          "ctrmuxd fans container log streams and exec sessions out to local clients over a unix socket.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg, logging.New(stderr, cfg.LogLevel, cfg.LogFormat))
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "config file (TOML or YAML); defaults to "+config.DefaultConfigFile())
	flags.String("socket", "", "unix socket path")
	flags.String("http-addr", "", "optional TCP listen address for the HTTP API")
	flags.String("db", "", "SQLite history path")
	flags.String("state-dir", "", "runtime state directory holding unit launch records")
	flags.String("runtime", "", "container runtime binary")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-format", "", "text or json")
	bindFlags(v, root, map[string]string{
		"socket":     "socket_path",
		"http-addr":  "http_addr",
		"db":         "db_path",
		"state-dir":  "state_dir",
		"runtime":    "runtime_binary",
		"log-level":  "log_level",
		"log-format": "log_format",
	})

	root.AddCommand(newConfigCmd(v, &configPath))
	return root
}

// bindFlags lets explicitly set flags override file and environment values.
func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for flag, key := range keys {
		_ = v.BindPFlag(key, cmd.PersistentFlags().Lookup(flag))
	}
}

func newConfigCmd(v *viper.Viper, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, *configPath)
			if err != nil {
				return err
			}
			out, err := cfg.EncodeTOML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		return err
	}
	// Sessions left open by a previous process can never end normally.
	closed, err := store.CloseOpenSessions(ctx, time.Now().UTC(), model.EndReasonShutdown)
	if err != nil {
		return fmt.Errorf("close stale sessions: %w", err)
	}
	if closed > 0 {
		logger.Info("closed stale session records", "count", closed)
	}

	srv := newServer(cfg, store, logger)
	go daemon.RunRetention(ctx, store, cfg.HistoryRetention, retentionInterval, logger)

	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("daemon stopped")
	return nil
}

func newServer(cfg config.Config, store *db.Store, logger *slog.Logger) *daemon.Server {
	collector := metrics.New()
	health := invoker.NewHealthTracker(invoker.DefaultHealthPolicy())
	iv := invoker.New(cfg, invoker.WithObserver(collector), invoker.WithObserver(health))
	sessions := session.New(session.Options{
		Config:   cfg,
		Invoker:  iv,
		Spawner:  session.LauncherSpawner{Launcher: proc.NewLauncher(cfg)},
		Recorder: store,
		Metrics:  collector,
		Logger:   logger.With("component", "session"),
	})
	rec := relaunch.NewReconstructor(
		statestore.New(cfg.StateDir, logger.With("component", "statestore")),
		iv,
		cfg.CommandTimeout,
		logger.With("component", "relaunch"),
	)
	rec.SetObserver(collector)
	return daemon.NewServer(cfg, daemon.Deps{
		Invoker:    iv,
		Sessions:   sessions,
		Relauncher: rec,
		Health:     health,
		Store:      store,
		Metrics:    collector,
		Logger:     logger.With("component", "daemon"),
	})
}
