package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/postal-io/postal/postal"
	"github.com/postal-io/postal/postal/config"
)

func main() {
	configPath := flag.String("config", "", "path to the ini configuration file")
	flag.Parse()

	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "postal")
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath, logger)
	if err != nil {
		logger.Error("Config failed.", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wrapper, err := postal.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Service creation failed.", "err", err)
		os.Exit(1)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- wrapper.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received.")
	case err := <-serveErr:
		if err != nil {
			logger.Error("Server failed.", "err", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := wrapper.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown finished with errors.", "err", err)
		os.Exit(1)
	}
}
