package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tilevault/tilevault/internal/app/server"
	"github.com/tilevault/tilevault/internal/config"
	"github.com/tilevault/tilevault/internal/logger"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		return 1
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		Component: "tilevault",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	appLog.Info("starting tilevault",
		"addr", cfg.Addr,
		"version", Version,
		"tiles_dir", cfg.TilesDir,
		"db", cfg.DBPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server.Version = Version
	if err := server.Run(ctx, cfg, zl, appLog); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
