package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/schoolsafe/safeguard/internal/api"
	"github.com/schoolsafe/safeguard/internal/config"
	"github.com/schoolsafe/safeguard/internal/queue"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("safeguard v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("loading config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	opts := []api.ServerOption{api.WithLogger(logger)}

	if cfg.Redis.Host != "" {
		q, err := queue.New(queue.Config{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			logger.Error("connecting to redis", "error", err)
			os.Exit(1)
		}
		defer q.Close()
		opts = append(opts, api.WithQueue(q))
	}

	server, err := api.NewServer(cfg, opts...)
	if err != nil {
		logger.Error("initializing server", "error", err)
		os.Exit(1)
	}

	if err := server.Run(ctx); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
