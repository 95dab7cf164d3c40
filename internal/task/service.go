// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

// Package task implements the task selection and lifecycle engine.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/maproulette/maproulette-backend/internal/apierror"
	"github.com/maproulette/maproulette-backend/internal/models"
	"github.com/maproulette/maproulette-backend/internal/store"
)

// Service errors surfaced to the API layer.
var (
	ErrNotLocked         = errors.New("task is not locked by the user")
	ErrInvalidTransition = errors.New("illegal status transition")
	ErrNoTasksAvailable  = errors.New("no tasks available")
)

// SelectionStrategy picks how the next task is chosen from the candidate set.
type SelectionStrategy string

const (
	SelectRandom     SelectionStrategy = "random"
	SelectProximate  SelectionStrategy = "proximity"
	SelectSequential SelectionStrategy = "sequential"
)

// Publisher fans task events out to connected clients.
type Publisher interface {
	Publish(topic string, event any)
}

// ChangesetSubmitter pushes a task's cooperative work to OSM and returns the
// changeset id.
type ChangesetSubmitter interface {
	SubmitCooperativeWork(ctx context.Context, user *models.User, task *models.Task, comment string) (int64, error)
}

// Service orchestrates selection, locking, completion and scoring.
type Service struct {
	tasks      *store.TaskRepo
	challenges *store.ChallengeRepo
	reviews    *store.ReviewRepo
	users      *store.UserRepo
	locks      *store.LockRepo
	bundles    *store.BundleRepo
	tags       *store.TagRepo
	db         *store.Database
	publisher  Publisher
	submitter  ChangesetSubmitter
	logger     *slog.Logger

	// randInt is swapped in tests for deterministic selection.
	randInt func(n int) int
}

// NewService wires the engine. publisher, submitter and tags may be nil; the
// corresponding side effects are then skipped.
func NewService(
	db *store.Database,
	tasks *store.TaskRepo,
	challenges *store.ChallengeRepo,
	reviews *store.ReviewRepo,
	users *store.UserRepo,
	locks *store.LockRepo,
	bundles *store.BundleRepo,
	tags *store.TagRepo,
	publisher Publisher,
	submitter ChangesetSubmitter,
	logger *slog.Logger,
) *Service {
	return &Service{
		tasks:      tasks,
		challenges: challenges,
		reviews:    reviews,
		users:      users,
		locks:      locks,
		bundles:    bundles,
		tags:       tags,
		db:         db,
		publisher:  publisher,
		submitter:  submitter,
		logger:     logger.With("component", "task"),
		randInt:    rand.Intn,
	}
}

// NextRequest describes one selection call.
type NextRequest struct {
	Strategy SelectionStrategy
	Params   *models.SearchParameters

	// Proximity reference: a point, or a task whose location anchors the
	// search.
	Near       *models.Point
	NearTaskID int64

	// Sequential reference: current position within the challenge.
	ChallengeID   int64
	CurrentTaskID int64
	Forward       bool

	// OnlySaved restricts candidates to the user's bookmarked tasks.
	OnlySaved bool
	// IncludeLocked keeps tasks locked by other users in the candidate set.
	IncludeLocked bool
}

// Next picks the next workable task for the user. Tasks locked by others are
// excluded from the random and proximity strategies unless IncludeLocked is
// set; sequential navigation walks ids regardless of locks. Served tasks are
// recorded as viewed for analytics.
func (s *Service) Next(ctx context.Context, user *models.User, req NextRequest) (*models.Task, error) {
	params := req.Params
	if params == nil {
		params = &models.SearchParameters{}
	}
	// Selection only surfaces workable statuses unless the caller filtered
	// explicitly.
	if len(params.Task.Statuses) == 0 {
		params.Task.Statuses = []models.TaskStatus{
			models.TaskStatusCreated, models.TaskStatusSkipped, models.TaskStatusTooHard,
		}
	}
	if req.OnlySaved && !user.IsGuest() {
		params.Task.SavedBy = &user.ID
	}
	excludeLocked := !req.IncludeLocked

	task, err := s.selectNext(ctx, user, req, params, excludeLocked)
	if err != nil {
		return nil, err
	}
	s.recordViewed(ctx, user, task)
	return task, nil
}

func (s *Service) selectNext(ctx context.Context, user *models.User, req NextRequest, params *models.SearchParameters, excludeLocked bool) (*models.Task, error) {
	switch req.Strategy {
	case SelectRandom, "":
		return s.nextRandom(ctx, user, params, excludeLocked)
	case SelectProximate:
		ref := req.Near
		if ref == nil && req.NearTaskID > 0 {
			anchor, err := s.tasks.Retrieve(ctx, req.NearTaskID)
			if err != nil {
				return nil, err
			}
			ref = &anchor.Location
			params.Task.ExcludedIDs = append(params.Task.ExcludedIDs, anchor.ID)
		}
		if ref == nil {
			return nil, apierror.New(apierror.KindInvalid, "proximity selection requires a reference point or task")
		}
		task, err := s.tasks.NearestCandidate(ctx, user, params, *ref, excludeLocked)
		if errors.Is(err, store.ErrTaskNotFound) {
			return nil, ErrNoTasksAvailable
		}
		return task, err
	case SelectSequential:
		if req.ChallengeID == 0 {
			return nil, apierror.New(apierror.KindInvalid, "sequential selection requires a challenge")
		}
		task, err := s.tasks.SequentialCandidate(ctx, req.ChallengeID, req.CurrentTaskID, req.Forward)
		if errors.Is(err, store.ErrTaskNotFound) {
			return nil, ErrNoTasksAvailable
		}
		return task, err
	default:
		return nil, apierror.New(apierror.KindInvalid, "unknown selection strategy %q", req.Strategy)
	}
}

// nextRandom counts the candidate set and offsets into it by a uniformly
// chosen index, so selection is O(1) in memory no matter the set size.
func (s *Service) nextRandom(ctx context.Context, user *models.User, params *models.SearchParameters, excludeLocked bool) (*models.Task, error) {
	count, err := s.tasks.CountCandidates(ctx, user, params, excludeLocked)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrNoTasksAvailable
	}
	task, err := s.tasks.CandidateAt(ctx, user, params, s.randInt(count), excludeLocked)
	if errors.Is(err, store.ErrTaskNotFound) {
		// The set shrank between count and fetch; try from the front.
		task, err = s.tasks.CandidateAt(ctx, user, params, 0, excludeLocked)
		if errors.Is(err, store.ErrTaskNotFound) {
			return nil, ErrNoTasksAvailable
		}
	}
	return task, err
}

// recordViewed logs a served task into the audit trail. Selection never fails
// on a bookkeeping error.
func (s *Service) recordViewed(ctx context.Context, user *models.User, task *models.Task) {
	if user.IsGuest() {
		return
	}
	challenge, err := s.challenges.Retrieve(ctx, task.ParentID)
	if err != nil {
		s.logger.Warn("failed to resolve challenge for viewed action",
			"task", task.ID, "error", err)
		return
	}
	if err := s.tasks.RecordAction(ctx, &models.StatusAction{
		UserID:    user.ID,
		ProjectID: challenge.ParentID,
		TaskID:    task.ID,
		Action:    models.ActionViewed,
		OldStatus: task.Status,
		NewStatus: task.Status,
	}); err != nil {
		s.logger.Warn("failed to record viewed action", "task", task.ID, "error", err)
	}
}

// Start locks the task for the user and returns it with its lease. Guests
// cannot start tasks.
func (s *Service) Start(ctx context.Context, user *models.User, taskID int64) (*models.Task, *models.Lock, error) {
	if user.IsGuest() {
		return nil, nil, apierror.New(apierror.KindNotAuthorized, "authentication required to start tasks")
	}
	task, err := s.tasks.Retrieve(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	lock, err := s.locks.Acquire(ctx, models.LockItemTask, taskID, user.ID)
	if err != nil {
		return nil, nil, err
	}
	s.publish(task, "task-claimed")
	return task, lock, nil
}

// Release drops the user's lease without completing the task.
func (s *Service) Release(ctx context.Context, user *models.User, taskID int64) error {
	if err := s.locks.Release(ctx, models.LockItemTask, taskID, user.ID); err != nil {
		return err
	}
	if task, err := s.tasks.Retrieve(ctx, taskID); err == nil {
		s.publish(task, "task-released")
	}
	return nil
}

// RefreshLock renews the lease, failing when someone else holds it.
func (s *Service) RefreshLock(ctx context.Context, user *models.User, taskID int64) (*models.Lock, error) {
	return s.locks.Acquire(ctx, models.LockItemTask, taskID, user.ID)
}

// Completion carries the artifacts of one status change.
type Completion struct {
	Status  models.TaskStatus
	Comment string
	// Tags are stamped onto the task (and bundle members) on completion.
	Tags []string
	// Responses overwrite the completion-question answers when non-nil.
	Responses json.RawMessage
	// TimeSpentMillis feeds the mapper's average-time metrics when positive.
	TimeSpentMillis int64
	// Bundled opts out of member mirroring when explicitly false; the
	// default mirrors a bundle primary's status to every member.
	Bundled *bool
}

func (c *Completion) mirrorBundle() bool { return c.Bundled == nil || *c.Bundled }

// Complete records a completion status on a task the user holds a lease on.
// When the task leads a bundle the status mirrors to every member unless the
// completion opts out. The lease is released on success. A failed cooperative
// submission rolls the completion back to Created and reports the failure.
func (s *Service) Complete(ctx context.Context, user *models.User, taskID int64, completion Completion) (*models.Task, error) {
	if user.IsGuest() {
		return nil, apierror.New(apierror.KindNotAuthorized, "authentication required to complete tasks")
	}
	status := completion.Status
	if !status.IsValid() {
		return nil, apierror.New(apierror.KindInvalid, "invalid task status %d", int(status))
	}

	task, err := s.tasks.Retrieve(ctx, taskID)
	if err != nil {
		return nil, err
	}
	holder, err := s.locks.Holder(ctx, models.LockItemTask, taskID)
	if err != nil {
		return nil, err
	}
	if holder == nil || holder.UserID != user.ID {
		return nil, ErrNotLocked
	}
	if !models.CanTransition(task.Status, status) && !user.IsSuperUser {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, task.Status, status)
	}

	challenge, err := s.challenges.Retrieve(ctx, task.ParentID)
	if err != nil {
		return nil, err
	}

	memberIDs := []int64{taskID}
	if task.BundleID != nil && task.IsBundlePrimary != nil && *task.IsBundlePrimary && completion.mirrorBundle() {
		memberIDs, err = s.tasks.BundleMemberIDs(ctx, *task.BundleID)
		if err != nil {
			return nil, err
		}
	}

	reviewRequested := false
	err = s.db.WithTx(ctx, func(ctx context.Context) error {
		for _, id := range memberIDs {
			member := task
			if id != taskID {
				if member, err = s.tasks.Retrieve(ctx, id); err != nil {
					return err
				}
			}
			if err := s.tasks.UpdateStatus(ctx, id, status, user.ID); err != nil {
				return err
			}
			if err := s.tasks.RecordAction(ctx, &models.StatusAction{
				UserID:    user.ID,
				ProjectID: challenge.ParentID,
				TaskID:    id,
				Action:    models.ActionStatusSet,
				OldStatus: member.Status,
				NewStatus: status,
				Comment:   completion.Comment,
			}); err != nil {
				return err
			}
			if err := s.users.ApplyScore(ctx, user.ID, member.Status, status); err != nil {
				return err
			}
			if len(completion.Tags) > 0 && s.tags != nil {
				if _, err := s.tags.SetTaskTags(ctx, id, completion.Tags); err != nil {
					return err
				}
			}
			if challenge.ReviewEnabled && models.NeedsReview(status) {
				if err := s.reviews.UpsertRequest(ctx, id, user.ID); err != nil {
					return err
				}
				reviewRequested = true
			}
		}
		if completion.Responses != nil {
			if err := s.tasks.UpdateResponses(ctx, taskID, completion.Responses); err != nil {
				return err
			}
		}
		if completion.TimeSpentMillis > 0 {
			if err := s.users.AddTimeSpent(ctx, user.ID, completion.TimeSpentMillis); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.locks.Release(ctx, models.LockItemTask, taskID, user.ID); err != nil {
		s.logger.Warn("failed to release lock after completion",
			"task", taskID, "user", user.ID, "error", err)
	}

	updated, err := s.tasks.Retrieve(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.publish(updated, "task-completed")
	if reviewRequested {
		s.publish(updated, "review-requested")
	}

	if status == models.TaskStatusFixed && updated.HasCooperativeWork() && s.submitter != nil {
		changesetID, submitErr := s.submitter.SubmitCooperativeWork(ctx, user, updated, completion.Comment)
		if submitErr != nil {
			s.logger.Error("cooperative work submission failed",
				"task", taskID, "error", submitErr)
			reverted := s.rollbackCompletion(ctx, user, challenge, taskID, memberIDs, status)
			if reverted != nil {
				updated = reverted
			}
			return updated, submitErr
		}
		if err := s.tasks.SetChangeset(ctx, taskID, changesetID); err != nil {
			return updated, err
		}
		updated.ChangesetID = &changesetID
	}
	return updated, nil
}

// rollbackCompletion undoes a completion whose cooperative submission failed:
// every affected task reverts to Created with no mapper credited, the score
// rolls back, and dangling review requests are dropped. Subscribers see the
// reverted state.
func (s *Service) rollbackCompletion(ctx context.Context, user *models.User, challenge *models.Challenge, primaryID int64, memberIDs []int64, from models.TaskStatus) *models.Task {
	err := s.db.WithTx(ctx, func(ctx context.Context) error {
		for _, id := range memberIDs {
			if err := s.tasks.RevertStatus(ctx, id, models.TaskStatusCreated); err != nil {
				return err
			}
			if err := s.tasks.RecordAction(ctx, &models.StatusAction{
				UserID:    user.ID,
				ProjectID: challenge.ParentID,
				TaskID:    id,
				Action:    models.ActionStatusSet,
				OldStatus: from,
				NewStatus: models.TaskStatusCreated,
				Comment:   "cooperative work submission failed",
			}); err != nil {
				return err
			}
			if err := s.users.ApplyScore(ctx, user.ID, from, models.TaskStatusCreated); err != nil {
				return err
			}
			if challenge.ReviewEnabled && models.NeedsReview(from) {
				if err := s.reviews.ClearRequest(ctx, id); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to roll back completion",
			"tasks", memberIDs, "error", err)
		return nil
	}
	reverted, err := s.tasks.Retrieve(ctx, primaryID)
	if err != nil {
		return nil
	}
	s.publish(reverted, "task-completed")
	return reverted
}

// UpdateResponses stores the user's answers to the challenge's completion
// questions. The user must hold the lease.
func (s *Service) UpdateResponses(ctx context.Context, user *models.User, taskID int64, responses json.RawMessage) error {
	holder, err := s.locks.Holder(ctx, models.LockItemTask, taskID)
	if err != nil {
		return err
	}
	if holder == nil || holder.UserID != user.ID {
		return ErrNotLocked
	}
	return s.tasks.UpdateResponses(ctx, taskID, responses)
}

// Bundle groups tasks under a primary for batch completion.
func (s *Service) Bundle(ctx context.Context, user *models.User, primaryID int64, taskIDs []int64) (*models.TaskBundle, error) {
	if user.IsGuest() {
		return nil, apierror.New(apierror.KindNotAuthorized, "authentication required to bundle tasks")
	}
	found := false
	for _, id := range taskIDs {
		if id == primaryID {
			found = true
			break
		}
	}
	if !found {
		return nil, apierror.New(apierror.KindInvalid, "primary task must be a bundle member")
	}
	return s.bundles.Create(ctx, user.ID, primaryID, taskIDs)
}

// Unbundle dissolves a bundle. Only the bundle owner or a superuser may do so.
func (s *Service) Unbundle(ctx context.Context, user *models.User, bundleID int64) error {
	bundle, err := s.bundles.Retrieve(ctx, bundleID)
	if err != nil {
		return err
	}
	if bundle.OwnerID != user.ID && !user.IsSuperUser {
		return apierror.New(apierror.KindForbidden, "only the bundle owner may dissolve it")
	}
	return s.bundles.Delete(ctx, bundleID)
}

func (s *Service) publish(task *models.Task, kind string) {
	if s.publisher == nil {
		return
	}
	event := map[string]any{"type": kind, "task": task}
	s.publisher.Publish(fmt.Sprintf("task:%d", task.ID), event)
	s.publisher.Publish(fmt.Sprintf("challenge:%d", task.ParentID), event)
}
