package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/dropDatabas3/credgate/internal/app"
	"github.com/dropDatabas3/credgate/internal/config"
	"github.com/dropDatabas3/credgate/internal/observability/logger"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("CONFIG_PATH"), "ruta a config.yaml (opcional)")
		envFile    = flag.String("env-file", ".env", "ruta a .env (opcional)")
	)
	flag.Parse()

	if *envFile != "" {
		_ = godotenv.Load(*envFile)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{
		Env:         cfg.App.Env,
		Level:       cfg.Log.Level,
		ServiceName: cfg.App.Name,
		Version:     cfg.App.Version,
	})
	defer func() { _ = logger.Sync() }()
	log := logger.L()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.ToContext(ctx, log)

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal("wiring failed", logger.Err(err))
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("close failed", logger.Err(err))
		}
	}()

	if err := a.Run(ctx); err != nil {
		log.Error("server stopped with error", logger.Err(err))
		return
	}
	log.Info("bye")
}
