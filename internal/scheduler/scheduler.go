// Package scheduler runs the periodic maintenance jobs of the worker process:
// the carrier status sweep and stuck-target recovery.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one periodic task. The context is cancelled on Stop or when the
// job's timeout elapses.
type Job func(ctx context.Context) error

type entry struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job
	id      cron.EntryID
}

// Service wraps a cron instance. Runs of the same job never overlap.
type Service struct {
	mu      sync.Mutex
	log     zerolog.Logger
	parser  cron.Parser
	c       *cron.Cron
	entries map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug().Fields(kv).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error().Err(err).Fields(kv).Msg(msg)
}

// New builds a scheduler in loc. A nil loc means UTC.
func New(loc *time.Location, log zerolog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	log = log.With().Str("component", "scheduler").Logger()
	cl := cronLogger{log: log}
	// SecondOptional allows both 5-field and 6-field specs.
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		log:    log,
		parser: parser,
		c: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		entries: map[string]*entry{},
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers job under name. spec accepts cron expressions and
// descriptors such as "@every 5m".
func (s *Service) Add(name, spec string, timeout time.Duration, job Job) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %s: invalid spec %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("schedule %s: already registered", name)
	}
	e := &entry{name: name, spec: spec, timeout: timeout, job: job}
	id, err := s.c.AddFunc(spec, func() { s.run(e) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	e.id = id
	s.entries[name] = e
	s.log.Info().Str("job", name).Str("spec", spec).Msg("job registered")
	return nil
}

func (s *Service) run(e *entry) {
	ctx := s.ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	started := time.Now()
	err := e.job(ctx)
	log := s.log.With().Str("job", e.name).Dur("duration", time.Since(started)).Logger()
	if err != nil {
		log.Error().Err(err).Msg("job failed")
		return
	}
	log.Debug().Msg("job finished")
}

// RunNow executes a registered job synchronously.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("schedule %s: not registered", name)
	}
	s.run(e)
	return nil
}

// Next reports when name fires next. Zero until Start.
func (s *Service) Next(name string) time.Time {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.c.Entry(e.id).Next
}

func (s *Service) Start() {
	s.c.Start()
	s.log.Info().Int("jobs", len(s.c.Entries())).Msg("scheduler started")
}

// Stop halts the cron loop, cancels running jobs and waits for them to return
// or for ctx to expire.
func (s *Service) Stop(ctx context.Context) {
	done := s.c.Stop()
	s.cancel()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn().Msg("scheduler stop timed out")
	}
}
