// Package app assembles the dispatcher from configuration. The server and
// worker binaries share it so both see the same stores and queue.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/unclebandit/smsdispatch/internal/carrier"
	"github.com/unclebandit/smsdispatch/internal/config"
	"github.com/unclebandit/smsdispatch/internal/controller"
	"github.com/unclebandit/smsdispatch/internal/db"
	"github.com/unclebandit/smsdispatch/internal/handler"
	"github.com/unclebandit/smsdispatch/internal/lock"
	"github.com/unclebandit/smsdispatch/internal/queue"
	"github.com/unclebandit/smsdispatch/internal/ratelimit"
	"github.com/unclebandit/smsdispatch/internal/repository"
	"github.com/unclebandit/smsdispatch/internal/repository/memory"
	"github.com/unclebandit/smsdispatch/internal/scheduler"
	"github.com/unclebandit/smsdispatch/internal/service"
)

// Repositories groups the storage backends.
type Repositories struct {
	Campaigns    repository.CampaignRepositoryInterface
	Leads        repository.LeadRepositoryInterface
	Targets      repository.TargetRepositoryInterface
	PhoneNumbers repository.PhoneNumberRepositoryInterface
	Suppressions repository.SuppressionRepositoryInterface
	Templates    repository.TemplateRepositoryInterface
	Messages     repository.MessageRepositoryInterface
	Audit        repository.AuditRepositoryInterface
}

// App holds every wired component. Fields left nil were not configured.
type App struct {
	Config *config.Config
	Log    zerolog.Logger

	DB     *sql.DB
	Memory *memory.Store
	Redis  *redis.Client

	Repos     Repositories
	Queue     queue.Queue
	Gateway   carrier.Gateway
	Limiter   ratelimit.Limiter
	Locker    lock.Locker
	Scheduler *service.QueueScheduler

	Suppressions *service.SuppressionStore
	Dispatcher   *service.Dispatcher
	Reconciler   *service.Reconciler
	Recovery     *service.Recovery
	Gate         *service.ComplianceGate
	Campaigns    *service.CampaignService
	Worker       *service.Worker
}

// New connects the configured backends and builds the services.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}
	if err := a.openStores(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openRedis(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openQueue(); err != nil {
		a.Close()
		return nil, err
	}
	a.Gateway = newGateway(cfg.Carrier, log)
	if err := a.buildServices(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	cfg := a.Config.Database
	if cfg.URL == "" {
		a.Log.Warn().Msg("DATABASE_URL not set, using in-memory store")
		a.Memory = memory.New()
		a.Repos = Repositories{
			Campaigns:    a.Memory.Campaigns(),
			Leads:        a.Memory.Leads(),
			Targets:      a.Memory.Targets(),
			PhoneNumbers: a.Memory.PhoneNumbers(),
			Suppressions: a.Memory.Suppressions(),
			Templates:    a.Memory.Templates(),
			Messages:     a.Memory.Messages(),
			Audit:        a.Memory.Audit(),
		}
		return nil
	}

	conn, err := db.Open(ctx, cfg.URL, cfg.MaxOpenConns, a.Log)
	if err != nil {
		return err
	}
	a.DB = conn
	if cfg.MigrateOnRun {
		if err := db.Migrate(ctx, conn); err != nil {
			return err
		}
		a.Log.Info().Msg("schema applied")
	}
	a.Repos = Repositories{
		Campaigns:    &repository.CampaignRepository{DB: conn},
		Leads:        &repository.LeadRepository{DB: conn},
		Targets:      &repository.TargetRepository{DB: conn},
		PhoneNumbers: &repository.PhoneNumberRepository{DB: conn},
		Suppressions: &repository.SuppressionRepository{DB: conn},
		Templates:    &repository.TemplateRepository{DB: conn},
		Messages:     &repository.MessageRepository{DB: conn},
		Audit:        &repository.AuditRepository{DB: conn},
	}
	return nil
}

func (a *App) openRedis(ctx context.Context) error {
	url := a.Config.Redis.URL
	if url == "" {
		a.Log.Warn().Msg("REDIS_URL not set, rate counters and locks are process-local")
		a.Limiter = ratelimit.NewMemoryLimiter()
		a.Locker = lock.NewMemoryLocker()
		return nil
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("ping redis: %w", err)
	}
	a.Redis = client
	a.Limiter = ratelimit.NewRedisLimiter(client)
	a.Locker = lock.NewRedisLocker(client)
	a.Log.Info().Str("addr", opts.Addr).Msg("connected to redis")
	return nil
}

func (a *App) openQueue() error {
	cfg := a.Config.Queue
	opts := queue.Options{Workers: cfg.Workers}
	if cfg.AMQPURL == "" {
		a.Log.Warn().Msg("AMQP_URL not set, using in-memory queue")
		a.Queue = queue.NewInMemoryQueue(opts, a.Log)
		return nil
	}
	q, err := queue.DialAMQP(cfg.AMQPURL, opts, cfg.Prefetch, a.Log)
	if err != nil {
		return err
	}
	a.Queue = q
	return nil
}

func newGateway(cfg config.CarrierConfig, log zerolog.Logger) carrier.Gateway {
	if cfg.Mode == "http" {
		log.Info().Str("base_url", cfg.BaseURL).Msg("using carrier http gateway")
		return carrier.NewHTTPClient(carrier.Config{
			BaseURL:        cfg.BaseURL,
			AccountSID:     cfg.AccountSID,
			AuthToken:      cfg.AuthToken,
			StatusCallback: cfg.StatusCallback,
			Timeout:        cfg.Timeout(),
			RequestsPerSec: cfg.RequestsPerSec,
		})
	}
	log.Warn().Msg("using fake carrier gateway")
	return carrier.NewFake()
}

func (a *App) buildServices() error {
	cfg := a.Config
	days, err := cfg.Compliance.Weekdays()
	if err != nil {
		return err
	}
	if _, err := service.ParseClock(cfg.Compliance.QuietHoursStart); err != nil {
		return fmt.Errorf("compliance.quiet_hours_start: %w", err)
	}
	if _, err := service.ParseClock(cfg.Compliance.QuietHoursEnd); err != nil {
		return fmt.Errorf("compliance.quiet_hours_end: %w", err)
	}
	if !service.ValidRegion(cfg.Compliance.DefaultRegion) {
		return fmt.Errorf("compliance.default_region: unknown region %q", cfg.Compliance.DefaultRegion)
	}

	a.Scheduler = &service.QueueScheduler{Queue: a.Queue}
	a.Suppressions = &service.SuppressionStore{
		Repo:   a.Repos.Suppressions,
		Region: cfg.Compliance.DefaultRegion,
		Log:    a.Log.With().Str("component", "suppressions").Logger(),
	}

	a.Dispatcher = &service.Dispatcher{
		Targets:      a.Repos.Targets,
		Campaigns:    a.Repos.Campaigns,
		Leads:        a.Repos.Leads,
		Messages:     a.Repos.Messages,
		Suppressions: a.Suppressions,
		Pool: &service.PhonePool{
			Repo:        a.Repos.PhoneNumbers,
			Limiter:     a.Limiter,
			HealthFloor: cfg.Dispatch.HealthFloor,
			Log:         a.Log.With().Str("component", "phone_pool").Logger(),
		},
		Templates: &service.TemplateSelector{
			Repo: a.Repos.Templates,
			Log:  a.Log.With().Str("component", "templates").Logger(),
		},
		Windows: service.WindowPolicy{
			DefaultTimezone: cfg.Compliance.DefaultTimezone,
			QuietStart:      cfg.Compliance.QuietHoursStart,
			QuietEnd:        cfg.Compliance.QuietHoursEnd,
			AllowedDays:     days,
		},
		Gateway:   a.Gateway,
		Locker:    a.Locker,
		Scheduler: a.Scheduler,
		Settings: service.DispatchSettings{
			NoNumberMaxDeferrals: cfg.Dispatch.NoNumberMaxDeferrals,
			NoNumberBackoff:      cfg.Dispatch.NoNumberBackoff,
			LockTTL:              cfg.Dispatch.LockTTL,
			LockBusyDelay:        cfg.Dispatch.LockBusyDelay,
			SendTimeout:          cfg.Carrier.Timeout(),
			Brand:                cfg.Compliance.Brand,
		},
		Log: a.Log.With().Str("component", "dispatcher").Logger(),
	}

	a.Reconciler = &service.Reconciler{
		Messages: a.Repos.Messages,
		Targets:  a.Repos.Targets,
		Gateway:  a.Gateway,
		Queue:    a.Queue,
		Settings: service.ReconcilerSettings{
			UnmatchedAttempts: cfg.Reconciler.UnmatchedAttempts,
			UnmatchedBackoff:  cfg.Reconciler.UnmatchedBackoff,
			StaleAge:          cfg.Reconciler.StaleAge,
			BatchSize:         cfg.Reconciler.BatchSize,
		},
		Log: a.Log.With().Str("component", "reconciler").Logger(),
	}

	a.Recovery = &service.Recovery{
		Targets:         a.Repos.Targets,
		Scheduler:       a.Scheduler,
		StaleSendingAge: cfg.Dispatch.StaleSendingAge,
		OverdueAge:      cfg.Dispatch.OverdueAge,
		BatchSize:       cfg.Dispatch.RecoveryBatch,
		Log:             a.Log.With().Str("component", "recovery").Logger(),
	}

	a.Gate = &service.ComplianceGate{
		Suppressions: a.Suppressions,
		Phones:       a.Repos.PhoneNumbers,
		Messages:     a.Repos.Messages,
		Audit:        a.Repos.Audit,
		Replies: service.Replies{
			Stop:  cfg.Compliance.StopReply,
			Help:  cfg.Compliance.HelpReply,
			Start: cfg.Compliance.StartReply,
		},
		Log: a.Log.With().Str("component", "compliance").Logger(),
	}

	a.Campaigns = &service.CampaignService{
		CampaignRepo: a.Repos.Campaigns,
		TargetRepo:   a.Repos.Targets,
		MessageRepo:  a.Repos.Messages,
		Suppressions: a.Suppressions,
		Scheduler:    a.Scheduler,
		Log:          a.Log.With().Str("component", "campaigns").Logger(),
	}

	a.Worker = &service.Worker{
		Queue:      a.Queue,
		Dispatcher: a.Dispatcher,
		Reconciler: a.Reconciler,
		Log:        a.Log.With().Str("component", "worker").Logger(),
	}
	return nil
}

// Router builds the HTTP API.
func (a *App) Router() http.Handler {
	ctrl := &controller.CampaignController{CampaignService: a.Campaigns}
	hooks := &handler.WebhookHandler{Reconciler: a.Reconciler, Gate: a.Gate}
	return controller.NewRouter(ctrl, hooks, a.Config.Server.AllowedOrigins, a.Log)
}

// NewScheduler registers the status sweep and stuck-target recovery.
func (a *App) NewScheduler() (*scheduler.Service, error) {
	s := scheduler.New(nil, a.Log)
	err := s.Add("status_sweep", a.Config.Reconciler.Schedule, a.Config.Reconciler.StaleAge, func(ctx context.Context) error {
		_, err := a.Reconciler.Sweep(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	err = s.Add("target_recovery", a.Config.Dispatch.RecoverySchedule, a.Config.Dispatch.StaleSendingAge, func(ctx context.Context) error {
		_, err := a.Recovery.Run(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases every backend that was opened.
func (a *App) Close() {
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			a.Log.Error().Err(err).Msg("failed to close queue")
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Log.Error().Err(err).Msg("failed to close redis")
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Log.Error().Err(err).Msg("failed to close database")
		}
	}
}
