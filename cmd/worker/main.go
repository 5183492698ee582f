package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/smsdispatch/internal/app"
	"github.com/unclebandit/smsdispatch/internal/config"
	"github.com/unclebandit/smsdispatch/internal/logging"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		bootLog := logging.New("info", "json")
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}
	log := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, nil); err != nil {
		log.Fatal().Err(err).Msg("worker failed")
	}
}

// run consumes the dispatch and status queues and drives the periodic jobs
// until ctx is cancelled. ready, when set, is called once everything started.
func run(ctx context.Context, cfg *config.Config, log zerolog.Logger, ready func(*app.App)) error {
	if cfg.Queue.AMQPURL == "" {
		log.Warn().Msg("no broker configured, this worker only sees jobs published in its own process")
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Worker.Start(); err != nil {
		return err
	}

	sched, err := a.NewScheduler()
	if err != nil {
		return err
	}
	sched.Start()

	// Pick up anything left in flight by a previous run before the first tick.
	if err := sched.RunNow("target_recovery"); err != nil {
		log.Error().Err(err).Msg("initial recovery failed")
	}

	log.Info().Int("workers", cfg.Queue.Workers).Msg("worker running")
	if ready != nil {
		ready(a)
	}

	<-ctx.Done()
	log.Info().Msg("shutting down worker")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sched.Stop(stopCtx)
	log.Info().Msg("worker stopped")
	return nil
}
