package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"upscaler/internal/bootstrap"
	"upscaler/internal/config"
	"upscaler/internal/httpapi"
	"upscaler/internal/httpapi/handlers"
	"upscaler/internal/pkg/shutdown"
)

func main() {
	configFile := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configFile)
	if err != nil {
		bootstrap.NewLogger(config.LogConfig{}, "upscaler-api").LogFatal("invalid configuration", err)
	}

	log := bootstrap.NewLogger(cfg.Log, "upscaler-api")
	log.Info("starting upscaler API", "backend", cfg.Comfy.BaseURL())

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, cfg.HTTP.ShutdownTimeout)

	// Concurrent requests each get their own session identity.
	rt, err := bootstrap.Setup(ctx, cfg, log, shutdownMgr, bootstrap.Options{
		PerJobSession: true,
		Queue:         cfg.Redis.Enabled,
	})
	if err != nil {
		_ = shutdownMgr.Shutdown()
		log.LogFatal("startup failed", err)
	}

	hd := handlers.Deps{
		Runner:  rt.Processor,
		Jobs:    rt.Jobs,
		Backend: rt.Comfy,
		SP:      rt.Storage,
		Log:     log,
	}
	if rt.Queue != nil {
		hd.Queue = rt.Queue
	}
	if rt.Pool != nil {
		hd.DB = rt.Pool
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Handlers:       hd,
		Metrics:        rt.Metrics,
		Log:            log,
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		RateLimitRPS:   cfg.HTTP.RateLimitRPS,
		RateLimitBurst: cfg.HTTP.RateLimitBurst,
		RequestTimeout: cfg.HTTP.RequestTimeout,
	})

	server := &http.Server{
		Addr:              "0.0.0.0:" + strconv.Itoa(cfg.HTTP.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// /runsync holds the connection for the whole job.
		WriteTimeout: cfg.HTTP.RequestTimeout + time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	if err := shutdownMgr.Wait(ctx); err != nil {
		log.Error("shutdown finished with errors", "error", err.Error())
		os.Exit(1)
	}
}
