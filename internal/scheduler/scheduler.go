// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler runs the recurring maintenance jobs: lock expiry,
// challenge refreshes, location rollups, cache sweeps and email digests.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one named recurring task.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Scheduler wraps the cron runner with logging and per-job panic recovery.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	jobs   []Job
}

// New creates an empty scheduler.
func New(logger *slog.Logger) *Scheduler {
	log := logger.With("component", "scheduler")
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DefaultLogger),
			cron.SkipIfStillRunning(cron.DiscardLogger),
		)),
		logger: log,
	}
}

// Register adds a job. Schedules use the standard five-field cron syntax or
// the @every form.
func (s *Scheduler) Register(job Job) error {
	_, err := s.cron.AddFunc(job.Schedule, func() {
		started := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := job.Run(ctx); err != nil {
			s.logger.Error("scheduled job failed",
				"job", job.Name, "duration", time.Since(started), "error", err)
			return
		}
		s.logger.Debug("scheduled job finished",
			"job", job.Name, "duration", time.Since(started))
	})
	if err != nil {
		return err
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Jobs lists the registered jobs.
func (s *Scheduler) Jobs() []Job { return s.jobs }

// Start launches the runner.
func (s *Scheduler) Start() {
	s.logger.Info("starting scheduler", "jobs", len(s.jobs))
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
