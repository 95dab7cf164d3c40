// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/maproulette/maproulette-backend/internal/store"
)

// Default schedules for the maintenance jobs.
const (
	ScheduleExpireLocks        = "@every 1m"
	ScheduleImmediateDigest    = "@every 1m"
	ScheduleCacheSweep         = "@every 5m"
	ScheduleUpdateLocations    = "@every 12h"
	ScheduleChallengeRefreshes = "@every 24h"
	ScheduleDailyDigest        = "0 20 * * *"
	ScheduleExpireVirtual      = "@every 1h"
)

// immediateDigestBatch bounds how many notifications one digest run claims.
const immediateDigestBatch = 10

// DailyDigestSpec converts a wall clock "HH:MM" start time into the cron
// spec that fires once a day at that time.
func DailyDigestSpec(start string) (string, error) {
	t, err := time.Parse("15:04", start)
	if err != nil {
		return "", fmt.Errorf("invalid digest start time %q: %w", start, err)
	}
	return fmt.Sprintf("%d %d * * *", t.Minute(), t.Hour()), nil
}

// ChallengeRefresher rebuilds the tasks of challenges whose refresh interval
// has elapsed.
type ChallengeRefresher interface {
	RefreshDueChallenges(ctx context.Context) error
}

// DigestMailer sends claimed notifications by email.
type DigestMailer interface {
	SendDigests(ctx context.Context, immediate bool, batch int) error
}

// CacheSweeper evicts expired cache entries.
type CacheSweeper interface {
	SweepExpired() int
}

// Maintenance bundles the dependencies of the recurring jobs. The digest
// fields fall back to the package defaults when left zero.
type Maintenance struct {
	Locks      *store.LockRepo
	Challenges *store.ChallengeRepo
	Virtual    *store.VirtualChallengeRepo
	Refresher  ChallengeRefresher
	Mailer     DigestMailer
	Sweepers   []CacheSweeper
	Logger     *slog.Logger

	ImmediateDigestInterval time.Duration
	ImmediateDigestBatch    int
	DailyDigestStart        string
}

// RegisterAll wires every maintenance job into the scheduler. Jobs whose
// dependency is nil are skipped.
func (m *Maintenance) RegisterAll(s *Scheduler) error {
	jobs := []Job{
		{Name: "expireLocks", Schedule: ScheduleExpireLocks, Run: m.expireLocks},
		{Name: "sweepExpiredCache", Schedule: ScheduleCacheSweep, Run: m.sweepCaches},
		{Name: "updateChallengeLocations", Schedule: ScheduleUpdateLocations, Run: m.updateLocations},
		{Name: "expireVirtualChallenges", Schedule: ScheduleExpireVirtual, Run: m.expireVirtual},
	}
	if m.Refresher != nil {
		jobs = append(jobs, Job{
			Name: "runChallengeSchedules", Schedule: ScheduleChallengeRefreshes,
			Run: m.Refresher.RefreshDueChallenges,
		})
	}
	if m.Mailer != nil {
		immediateSpec := ScheduleImmediateDigest
		if m.ImmediateDigestInterval > 0 {
			immediateSpec = fmt.Sprintf("@every %s", m.ImmediateDigestInterval)
		}
		batch := m.ImmediateDigestBatch
		if batch <= 0 {
			batch = immediateDigestBatch
		}
		dailySpec := ScheduleDailyDigest
		if m.DailyDigestStart != "" {
			spec, err := DailyDigestSpec(m.DailyDigestStart)
			if err != nil {
				return err
			}
			dailySpec = spec
		}
		jobs = append(jobs,
			Job{Name: "sendImmediateEmailDigest", Schedule: immediateSpec,
				Run: func(ctx context.Context) error {
					return m.Mailer.SendDigests(ctx, true, batch)
				}},
			Job{Name: "sendDailyEmailDigest", Schedule: dailySpec,
				Run: func(ctx context.Context) error {
					return m.Mailer.SendDigests(ctx, false, 0)
				}},
		)
	}
	for _, job := range jobs {
		if err := s.Register(job); err != nil {
			return err
		}
	}
	return nil
}

func (m *Maintenance) expireLocks(ctx context.Context) error {
	removed, err := m.Locks.ExpireStale(ctx)
	if err != nil {
		return err
	}
	if removed > 0 {
		m.Logger.Info("expired stale locks", "count", removed)
	}
	return nil
}

func (m *Maintenance) sweepCaches(context.Context) error {
	total := 0
	for _, sweeper := range m.Sweepers {
		total += sweeper.SweepExpired()
	}
	if total > 0 {
		m.Logger.Debug("swept expired cache entries", "count", total)
	}
	return nil
}

func (m *Maintenance) updateLocations(ctx context.Context) error {
	ids, err := m.Challenges.RecentlyModifiedIDs(ctx, time.Now().Add(-12*time.Hour))
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := m.Challenges.RefreshLocation(ctx, id); err != nil {
			m.Logger.Warn("failed to refresh challenge location",
				"challenge", id, "error", err)
		}
	}
	return nil
}

func (m *Maintenance) expireVirtual(ctx context.Context) error {
	removed, err := m.Virtual.DeleteExpired(ctx)
	if err != nil {
		return err
	}
	if removed > 0 {
		m.Logger.Info("expired virtual challenges", "count", removed)
	}
	return nil
}
