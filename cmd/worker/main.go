package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/ignite/sendpipeline/internal/bootstrap"
	"github.com/ignite/sendpipeline/internal/config"
	"github.com/ignite/sendpipeline/internal/pkg/logger"
)

func configPath() string {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config/config.yaml"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return ""
	}
	return path
}

func main() {
	cfg, err := config.LoadFromEnv(configPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger.Configure(cfg.Log.Level, cfg.Log.Format)
	logger.SetRedactPII(!cfg.Log.KeepPII)
	logger.Info("starting send worker",
		"batch_consumers", cfg.Pipeline.BatchConcurrency,
		"recipient_consumers", cfg.Pipeline.RecipientConcurrency)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}
	defer p.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	logger.Info("worker running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker")
	cancel()
	<-done
	logger.Info("worker stopped")
}
