// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/unclebandit/smsdispatch/internal/app"
	"github.com/unclebandit/smsdispatch/internal/config"
	"github.com/unclebandit/smsdispatch/internal/logging"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config")
	withWorker := flag.Bool("with-worker", false, "also consume the dispatch queue in this process")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		bootLog := logging.New("info", "json")
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}
	log := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build app")
	}
	defer a.Close()

	// The in-memory queue only reaches consumers in the same process.
	if *withWorker || cfg.Queue.AMQPURL == "" {
		if err := a.Worker.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start worker")
		}
		log.Info().Int("workers", cfg.Queue.Workers).Msg("embedded worker started")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("🚀 server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	log.Info().Msg("server stopped")
}
