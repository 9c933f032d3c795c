// Package scheduler turns due cron schedules into pending jobs.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fortai/legalcrawl/internal/crawler"
)

// Scheduler periodically scans active configurations whose schedule is due
// and inserts a pending job plus a queue push for each.
type Scheduler struct {
	configs  crawler.ConfigRepository
	jobs     crawler.JobRepository
	queue    crawler.JobQueue
	events   crawler.EventSink
	clock    crawler.Clock
	interval time.Duration
	logger   *zap.Logger

	parser cron.Parser

	// nextRuns caches each config's computed next fire time so one due
	// schedule yields one job per occurrence.
	nextRuns map[string]time.Time
}

// New creates a Scheduler ticking at the given interval.
func New(
	configs crawler.ConfigRepository,
	jobs crawler.JobRepository,
	queue crawler.JobQueue,
	events crawler.EventSink,
	clock crawler.Clock,
	interval time.Duration,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		configs:  configs,
		jobs:     jobs,
		queue:    queue,
		events:   events,
		clock:    clock,
		interval: interval,
		logger:   logger,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		nextRuns: make(map[string]time.Time),
	}
}

// Run ticks until the context finishes.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("schedule scan failed", zap.Error(err))
			}
		}
	}
}

// Tick performs one scan of scheduled configurations.
func (s *Scheduler) Tick(ctx context.Context) error {
	configs, err := s.configs.ListScheduled(ctx)
	if err != nil {
		return err
	}
	now := s.clock.Now()

	for _, cfg := range configs {
		schedule, err := s.parser.Parse(cfg.Schedule)
		if err != nil {
			s.logger.Warn("invalid cron schedule",
				zap.String("config_id", cfg.ID.String()),
				zap.String("schedule", cfg.Schedule),
				zap.Error(err))
			continue
		}

		key := cfg.ID.String()
		next, seen := s.nextRuns[key]
		if !seen {
			s.nextRuns[key] = schedule.Next(now)
			continue
		}
		if now.Before(next) {
			continue
		}

		upcoming := schedule.Next(now)
		if err := s.launch(ctx, cfg, now, upcoming); err != nil {
			s.logger.Error("launch scheduled job failed",
				zap.String("config_id", cfg.ID.String()), zap.Error(err))
			continue
		}
		s.nextRuns[key] = upcoming
	}
	return nil
}

func (s *Scheduler) launch(ctx context.Context, cfg crawler.ScraperConfig, now, upcoming time.Time) error {
	job := crawler.NewJob(cfg.ID, now)
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return err
	}
	if err := s.queue.Push(ctx, job.ID); err != nil {
		return err
	}
	if err := s.configs.SetNextRun(ctx, cfg.ID, upcoming); err != nil {
		s.logger.Warn("set next run failed",
			zap.String("config_id", cfg.ID.String()), zap.Error(err))
	}
	if s.events != nil {
		s.events.Emit(ctx, crawler.Event{
			Type:      crawler.EventJobCreated,
			JobID:     job.ID,
			ConfigID:  cfg.ID,
			Timestamp: now,
			Data:      map[string]any{"schedule": cfg.Schedule},
		})
	}
	s.logger.Info("scheduled job launched",
		zap.String("config_id", cfg.ID.String()),
		zap.String("job_id", job.ID.String()))
	return nil
}
