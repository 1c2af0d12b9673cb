package main

import (
	"context"
	"errors"
	"flag"

	"github.com/joho/godotenv"

	"upscaler/internal/bootstrap"
	"upscaler/internal/config"
	"upscaler/internal/pkg/shutdown"
	"upscaler/internal/worker"
)

func main() {
	configFile := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configFile)
	if err != nil {
		bootstrap.NewLogger(config.LogConfig{}, "upscaler-worker").LogFatal("invalid configuration", err)
	}

	log := bootstrap.NewLogger(cfg.Log, "upscaler-worker")
	log.Info("starting upscaler worker", "backend", cfg.Comfy.BaseURL(), "queue", cfg.Redis.Queue)

	shutdownMgr := shutdown.NewManager(log, cfg.HTTP.ShutdownTimeout)

	rt, err := bootstrap.Setup(context.Background(), cfg, log, shutdownMgr, bootstrap.Options{Queue: true})
	if err != nil {
		_ = shutdownMgr.Shutdown()
		log.LogFatal("startup failed", err)
	}

	// Shutdown cancels the loop's context. A job in flight is aborted and
	// recorded as failed.
	done := make(chan error, 1)
	go func() {
		done <- worker.Run(shutdownMgr.Context(), worker.Deps{
			Queue:     rt.Queue,
			Processor: rt.Processor,
			Log:       log,
		})
	}()
	shutdownMgr.Register("worker", func(ctx context.Context) error {
		select {
		case err := <-done:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	if err := shutdownMgr.Wait(context.Background()); err != nil {
		log.Error("shutdown finished with errors", "error", err.Error())
	}
}
