// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterRejectsBadSchedule(t *testing.T) {
	s := New(slog.Default())
	err := s.Register(Job{Name: "broken", Schedule: "not a schedule", Run: nil})
	assert.Error(t, err)
	assert.Empty(t, s.Jobs())
}

func TestRegisteredJobRuns(t *testing.T) {
	s := New(slog.Default())
	var runs atomic.Int32
	require.NoError(t, s.Register(Job{
		Name:     "tick",
		Schedule: "@every 10ms",
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return runs.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestJobErrorDoesNotStopScheduler(t *testing.T) {
	s := New(slog.Default())
	var runs atomic.Int32
	require.NoError(t, s.Register(Job{
		Name:     "flaky",
		Schedule: "@every 10ms",
		Run: func(context.Context) error {
			runs.Add(1)
			return assert.AnError
		},
	}))
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return runs.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMaintenanceRegistersDefaultJobs(t *testing.T) {
	s := New(slog.Default())
	m := &Maintenance{Logger: slog.Default()}
	require.NoError(t, m.RegisterAll(s))

	names := map[string]bool{}
	for _, job := range s.Jobs() {
		names[job.Name] = true
	}
	assert.True(t, names["expireLocks"])
	assert.True(t, names["sweepExpiredCache"])
	assert.True(t, names["updateChallengeLocations"])
	assert.True(t, names["expireVirtualChallenges"])
	// No refresher or mailer wired, so their jobs are absent.
	assert.False(t, names["runChallengeSchedules"])
	assert.False(t, names["sendDailyEmailDigest"])
}

func TestDailyDigestSpec(t *testing.T) {
	spec, err := DailyDigestSpec("20:00")
	require.NoError(t, err)
	assert.Equal(t, "0 20 * * *", spec)

	spec, err = DailyDigestSpec("07:35")
	require.NoError(t, err)
	assert.Equal(t, "35 7 * * *", spec)

	_, err = DailyDigestSpec("half past nine")
	assert.Error(t, err)
}

type countingMailer struct {
	immediate atomic.Int32
	batch     atomic.Int32
}

func (c *countingMailer) SendDigests(_ context.Context, immediate bool, batch int) error {
	if immediate {
		c.immediate.Add(1)
		c.batch.Store(int32(batch))
	}
	return nil
}

func TestMaintenanceDigestScheduleOverrides(t *testing.T) {
	s := New(slog.Default())
	mailer := &countingMailer{}
	m := &Maintenance{
		Logger:                  slog.Default(),
		Mailer:                  mailer,
		ImmediateDigestInterval: 10 * time.Millisecond,
		ImmediateDigestBatch:    25,
		DailyDigestStart:        "04:30",
	}
	require.NoError(t, m.RegisterAll(s))

	specs := map[string]string{}
	for _, job := range s.Jobs() {
		specs[job.Name] = job.Schedule
	}
	assert.Equal(t, "@every 10ms", specs["sendImmediateEmailDigest"])
	assert.Equal(t, "30 4 * * *", specs["sendDailyEmailDigest"])

	s.Start()
	defer s.Stop()
	assert.Eventually(t, func() bool {
		return mailer.immediate.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 25, mailer.batch.Load())
}

func TestMaintenanceRejectsBadDigestStart(t *testing.T) {
	s := New(slog.Default())
	m := &Maintenance{
		Logger:           slog.Default(),
		Mailer:           &countingMailer{},
		DailyDigestStart: "25:99",
	}
	assert.Error(t, m.RegisterAll(s))
}
