package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/g960059/ctrmux/internal/cli"
	"github.com/g960059/ctrmux/internal/config"
)

func main() {
	socketPath := config.DefaultConfig().SocketPath
	if v := os.Getenv("CTRMUX_SOCKET_PATH"); v != "" {
		socketPath = v
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	r := cli.NewRunner(socketPath, os.Stdout, os.Stderr)
	code := r.Run(ctx, os.Args[1:])
	cancel()
	os.Exit(code)
}
