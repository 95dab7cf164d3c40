// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"context"

	"github.com/maproulette/maproulette-backend/internal/models"
)

// RecomputePriorities re-evaluates every task of the challenge against its
// priority rules and applies the new assignments. Runs after a challenge's
// rules change.
func (s *Service) RecomputePriorities(ctx context.Context, challengeID int64) error {
	challenge, err := s.challenges.Retrieve(ctx, challengeID)
	if err != nil {
		return err
	}

	ids, err := s.tasks.IDsForChallenge(ctx, challengeID)
	if err != nil {
		return err
	}

	assignments := map[models.TaskPriority][]int64{}
	for _, id := range ids {
		t, err := s.tasks.Retrieve(ctx, id)
		if err != nil {
			return err
		}
		priority, err := models.EvaluatePriority(challenge, models.TaskProperties(t.Geometries))
		if err != nil {
			return err
		}
		if priority != t.Priority {
			assignments[priority] = append(assignments[priority], id)
		}
	}
	if len(assignments) == 0 {
		return nil
	}
	return s.challenges.UpdateTaskPriorities(ctx, challengeID, assignments)
}
