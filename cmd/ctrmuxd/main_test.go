package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/g960059/ctrmux/internal/appclient"
	"github.com/g960059/ctrmux/internal/config"
	"github.com/g960059/ctrmux/internal/db"
	"github.com/g960059/ctrmux/internal/logging"
	"github.com/g960059/ctrmux/internal/model"
)

func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_RUNTIME_DIR", "")
	return home
}

func TestConfigCommandAppliesFlagsOverFile(t *testing.T) {
	isolateHome(t)
	path := filepath.Join(t.TempDir(), "ctrmux.toml")
	if err := os.WriteFile(path, []byte("runtime_binary = \"docker\"\nlog_level = \"warn\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(&stdout, &stderr)
	cmd.SetArgs([]string{"config", "--config", path, "--log-level", "debug"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v (stderr=%s)", err, stderr.String())
	}
	out := stdout.String()
	if !strings.Contains(out, `runtime_binary = 'docker'`) {
		t.Fatalf("file value missing from output:\n%s", out)
	}
	if !strings.Contains(out, `log_level = 'debug'`) {
		t.Fatalf("flag should override file value:\n%s", out)
	}
}

func TestConfigCommandRejectsMissingExplicitFile(t *testing.T) {
	isolateHome(t)
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(&stdout, &stderr)
	cmd.SetArgs([]string{"config", "--config", filepath.Join(t.TempDir(), "absent.toml")})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected error for missing explicit config file")
	}
}

func TestRunServesHealthAndClosesStaleSessions(t *testing.T) {
	isolateHome(t)
	dir, err := os.MkdirTemp("", "ctrmuxd")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	cfg := config.DefaultConfig()
	cfg.SocketPath = filepath.Join(dir, "d.sock")
	cfg.DBPath = filepath.Join(dir, "history.db")
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.RuntimeBinary = "/bin/true"
	cfg.RuntimeArgs = nil

	seed, err := db.Open(context.Background(), cfg.DBPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.ApplyMigrations(context.Background(), seed.DB()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := seed.InsertSession(context.Background(), model.SessionRecord{
		SessionID: "stale",
		ClientID:  "cli",
		UnitID:    "c1",
		Kind:      model.SessionKindLog,
		StartedAt: time.Now().UTC().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	_ = seed.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, logging.Discard()) }()

	client := appclient.New(cfg.SocketPath)
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err := client.Health(context.Background())
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("daemon never became healthy: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	history, err := client.History(context.Background(), appclient.HistoryOptions{UnitID: "c1"})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history.Sessions) != 1 || history.Sessions[0].EndedAt == nil || history.Sessions[0].EndReason != model.EndReasonShutdown {
		t.Fatalf("stale session should be closed on startup: %+v", history.Sessions)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("daemon did not stop")
	}
	if _, err := os.Stat(cfg.SocketPath); !os.IsNotExist(err) {
		t.Fatalf("socket should be removed on shutdown, stat err=%v", err)
	}
}
