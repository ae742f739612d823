// Package scheduler runs the server's periodic maintenance on gocron.
//
// Three jobs are registered, each in singleton mode so a slow run is never
// overlapped by the next tick:
//
//   - purge_tokens  deletes expired refresh tokens
//   - hub_stats     logs the live session and room counts
//   - db_ping       checks the database is still reachable
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

const (
	JobPurgeTokens = "purge_tokens"
	JobHubStats    = "hub_stats"
	JobDBPing      = "db_ping"
)

// TokenPurger removes expired refresh tokens. *auth.AuthService implements it.
type TokenPurger interface {
	PurgeExpiredTokens(ctx context.Context) (int64, error)
}

// HubStats exposes the live counts of the connection hub. *websocket.Hub
// implements it.
type HubStats interface {
	SessionCount() int
	RoomCount() int
}

// Config sets the job intervals. Zero values fall back to the defaults.
type Config struct {
	PurgeInterval time.Duration
	StatsInterval time.Duration
	PingInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = time.Hour
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = time.Minute
	}
	return c
}

// Scheduler wraps gocron. The zero value is not usable; create instances
// with New.
type Scheduler struct {
	cron   gocron.Scheduler
	cfg    Config
	tokens TokenPurger
	hub    HubStats
	ping   func(ctx context.Context) error
	logger *zap.Logger

	jobs map[string]gocron.Job
}

// New creates a Scheduler. ping may be nil, in which case db_ping is not
// registered.
func New(cfg Config, tokens TokenPurger, hub HubStats, ping func(ctx context.Context) error, logger *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron:   s,
		cfg:    cfg.withDefaults(),
		tokens: tokens,
		hub:    hub,
		ping:   ping,
		logger: logger.Named("scheduler"),
		jobs:   make(map[string]gocron.Job),
	}, nil
}

// Start registers the maintenance jobs and starts the underlying gocron
// scheduler. It should be called once at server startup.
func (s *Scheduler) Start() error {
	if err := s.addJob(JobPurgeTokens, s.cfg.PurgeInterval, s.purgeTokens); err != nil {
		return err
	}
	if err := s.addJob(JobHubStats, s.cfg.StatsInterval, s.logHubStats); err != nil {
		return err
	}
	if s.ping != nil {
		if err := s.addJob(JobDBPing, s.cfg.PingInterval, s.pingDatabase); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
	return nil
}

// Stop shuts down gocron, waiting for running jobs to complete.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown error: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// RunNow triggers the named job immediately, outside its interval.
func (s *Scheduler) RunNow(name string) error {
	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return job.RunNow()
}

func (s *Scheduler) addJob(name string, every time.Duration, fn func()) error {
	job, err := s.cron.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(fn),
		gocron.WithName(name),
		gocron.WithTags(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob failed for %s (every %s): %w", name, every, err)
	}
	s.jobs[name] = job
	return nil
}

func (s *Scheduler) purgeTokens() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := s.tokens.PurgeExpiredTokens(ctx)
	if err != nil {
		s.logger.Error("failed to purge expired refresh tokens", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("expired refresh tokens purged", zap.Int64("count", n))
	}
}

func (s *Scheduler) logHubStats() {
	s.logger.Info("hub stats",
		zap.Int("sessions", s.hub.SessionCount()),
		zap.Int("rooms", s.hub.RoomCount()),
	)
}

func (s *Scheduler) pingDatabase() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.ping(ctx); err != nil {
		s.logger.Error("database ping failed", zap.Error(err))
	}
}
