// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

// Package review implements the review and meta-review workflow layered over
// completed tasks.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/maproulette/maproulette-backend/internal/apierror"
	"github.com/maproulette/maproulette-backend/internal/models"
	"github.com/maproulette/maproulette-backend/internal/store"
)

// Service errors surfaced to the API layer.
var (
	ErrNotReviewable    = errors.New("task has no pending review")
	ErrSelfReview       = errors.New("mappers cannot review their own work")
	ErrNoReviewsPending = errors.New("no reviews pending")
)

// Publisher fans review events out to connected clients.
type Publisher interface {
	Publish(topic string, event any)
}

// Notifier queues a user notification for digest delivery.
type Notifier interface {
	Notify(ctx context.Context, n *models.Notification) error
}

// Service orchestrates review claiming, decisions and the meta layer.
type Service struct {
	db         *store.Database
	reviews    *store.ReviewRepo
	tasks      *store.TaskRepo
	challenges *store.ChallengeRepo
	users      *store.UserRepo
	locks      *store.LockRepo
	tags       *store.TagRepo
	publisher  Publisher
	notifier   Notifier
	logger     *slog.Logger
}

// NewService wires the workflow. publisher and notifier may be nil.
func NewService(
	db *store.Database,
	reviews *store.ReviewRepo,
	tasks *store.TaskRepo,
	challenges *store.ChallengeRepo,
	users *store.UserRepo,
	locks *store.LockRepo,
	tags *store.TagRepo,
	publisher Publisher,
	notifier Notifier,
	logger *slog.Logger,
) *Service {
	return &Service{
		db:         db,
		reviews:    reviews,
		tasks:      tasks,
		challenges: challenges,
		users:      users,
		locks:      locks,
		tags:       tags,
		publisher:  publisher,
		notifier:   notifier,
		logger:     logger.With("component", "review"),
	}
}

// loadReview returns the review with AdditionalReviewers filled in: everyone
// from the audit history other than the currently credited reviewer. The list
// is non-empty only once a dispute has moved the task between reviewers.
func (s *Service) loadReview(ctx context.Context, taskID int64) (*models.TaskReview, error) {
	review, err := s.reviews.ForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	reviewers, err := s.reviews.HistoricalReviewers(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, id := range reviewers {
		if review.ReviewedBy == nil || *review.ReviewedBy != id {
			review.AdditionalReviewers = append(review.AdditionalReviewers, id)
		}
	}
	return review, nil
}

// Next returns the first reviewable task visible to the user, without
// claiming it. The zero order serves the oldest completion first.
func (s *Service) Next(ctx context.Context, user *models.User, params *models.SearchParameters, reviewType models.ReviewTasksType, order store.ReviewOrder, excludeOtherReviewers bool) (*models.Task, error) {
	if user.IsGuest() {
		return nil, apierror.New(apierror.KindNotAuthorized, "authentication required to review")
	}
	task, err := s.reviews.NextCandidate(ctx, user, params, reviewType, order, excludeOtherReviewers)
	if errors.Is(err, store.ErrTaskNotFound) {
		return nil, ErrNoReviewsPending
	}
	return task, err
}

// List pages the reviewable set.
func (s *Service) List(ctx context.Context, user *models.User, params *models.SearchParameters, reviewType models.ReviewTasksType, order store.ReviewOrder, limit, page int) ([]*models.Task, error) {
	if user.IsGuest() {
		return nil, apierror.New(apierror.KindNotAuthorized, "authentication required to review")
	}
	return s.reviews.ListCandidates(ctx, user, params, reviewType, order, false, limit, page)
}

// Start claims the review: the user takes the review lease and the start time
// is stamped. Mappers cannot claim their own work.
func (s *Service) Start(ctx context.Context, user *models.User, taskID int64) (*models.TaskReview, error) {
	if user.IsGuest() {
		return nil, apierror.New(apierror.KindNotAuthorized, "authentication required to review")
	}
	review, err := s.reviews.ForTask(ctx, taskID)
	if errors.Is(err, store.ErrReviewNotFound) {
		return nil, ErrNotReviewable
	}
	if err != nil {
		return nil, err
	}
	if review.ReviewRequestedBy != nil && *review.ReviewRequestedBy == user.ID {
		return nil, ErrSelfReview
	}
	if _, err := s.locks.Acquire(ctx, models.LockItemReview, taskID, user.ID); err != nil {
		return nil, err
	}
	if err := s.reviews.MarkStarted(ctx, taskID); err != nil {
		return nil, err
	}
	return s.loadReview(ctx, taskID)
}

// Cancel releases a claimed review without a decision.
func (s *Service) Cancel(ctx context.Context, user *models.User, taskID int64) error {
	return s.locks.Release(ctx, models.LockItemReview, taskID, user.ID)
}

// Decision carries a reviewer's verdict and its side effects.
type Decision struct {
	// Status is the verdict. Requested is reserved for re-submissions and
	// cannot be set directly.
	Status  models.ReviewStatus
	Comment string
	// Tags replaces the task's keyword set when non-empty.
	Tags []string
	// NewTaskStatus revises the task outcome alongside the verdict. The
	// mapper keeps their completion credit; their score moves to match.
	NewTaskStatus *models.TaskStatus
	// TimeSpentMillis feeds the reviewer's review-time aggregate.
	TimeSpentMillis int64
}

// Decide records the reviewer's verdict. The transition must be legal from the
// current state; the mapper's review counters track the outcome. Disputes are
// raised by the mapper, every other decision by a different user.
func (s *Service) Decide(ctx context.Context, user *models.User, taskID int64, d Decision) (*models.TaskReview, error) {
	if user.IsGuest() {
		return nil, apierror.New(apierror.KindNotAuthorized, "authentication required to review")
	}
	if !d.Status.IsValid() || d.Status == models.ReviewStatusRequested {
		return nil, apierror.New(apierror.KindInvalid, "invalid review decision %d", int(d.Status))
	}

	review, err := s.reviews.ForTask(ctx, taskID)
	if errors.Is(err, store.ErrReviewNotFound) {
		return nil, ErrNotReviewable
	}
	if err != nil {
		return nil, err
	}
	current := models.ReviewStatusRequested
	if review.ReviewStatus != nil {
		current = *review.ReviewStatus
	}
	if !models.CanTransitionReview(current, d.Status) {
		return nil, apierror.New(apierror.KindInvalid,
			"illegal review transition %s to %s", current, d.Status)
	}

	isRequester := review.ReviewRequestedBy != nil && *review.ReviewRequestedBy == user.ID
	if d.Status == models.ReviewStatusDisputed {
		if !isRequester {
			return nil, apierror.New(apierror.KindForbidden, "only the mapper may dispute a review")
		}
	} else if isRequester {
		return nil, ErrSelfReview
	}

	var task *models.Task
	var challenge *models.Challenge
	if d.NewTaskStatus != nil {
		if !d.NewTaskStatus.IsValid() {
			return nil, apierror.New(apierror.KindInvalid, "invalid task status %d", int(*d.NewTaskStatus))
		}
		if task, err = s.tasks.Retrieve(ctx, taskID); err != nil {
			return nil, err
		}
		if challenge, err = s.challenges.Retrieve(ctx, task.ParentID); err != nil {
			return nil, err
		}
	}

	initial := review.ReviewedBy == nil
	err = s.db.WithTx(ctx, func(ctx context.Context) error {
		if err := s.reviews.SetDecision(ctx, taskID, d.Status, user.ID); err != nil {
			return err
		}
		if err := s.reviews.AppendHistory(ctx, taskID,
			review.ReviewRequestedBy, &user.ID, d.Status); err != nil {
			return err
		}
		if review.ReviewRequestedBy != nil {
			if err := s.users.CountReviewOutcome(ctx, *review.ReviewRequestedBy, d.Status, initial); err != nil {
				return err
			}
		}
		if task != nil && task.Status != *d.NewTaskStatus {
			if err := s.reviseTaskStatus(ctx, user, review, task, challenge, d); err != nil {
				return err
			}
		}
		if len(d.Tags) > 0 && s.tags != nil {
			if _, err := s.tags.SetTaskTags(ctx, taskID, d.Tags); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if d.TimeSpentMillis > 0 {
		if err := s.users.AddReviewTimeSpent(ctx, user.ID, d.TimeSpentMillis); err != nil {
			s.logger.Warn("failed to record review time", "task", taskID, "error", err)
		}
	}
	if err := s.locks.Release(ctx, models.LockItemReview, taskID, user.ID); err != nil {
		s.logger.Warn("failed to release review lease", "task", taskID, "error", err)
	}
	s.notifyMapper(ctx, review, taskID, d.Status, d.Comment)
	s.publishEvent(taskID, d.Status, false)
	return s.loadReview(ctx, taskID)
}

// reviseTaskStatus applies the reviewer's correction to the task itself. The
// action is attributed to the reviewer while the score change lands on the
// mapper, whose earlier completion is what is being amended.
func (s *Service) reviseTaskStatus(ctx context.Context, user *models.User, review *models.TaskReview, task *models.Task, challenge *models.Challenge, d Decision) error {
	if err := s.tasks.ReviseStatus(ctx, task.ID, *d.NewTaskStatus); err != nil {
		return err
	}
	if err := s.tasks.RecordAction(ctx, &models.StatusAction{
		UserID:    user.ID,
		ProjectID: challenge.ParentID,
		TaskID:    task.ID,
		Action:    models.ActionStatusSet,
		OldStatus: task.Status,
		NewStatus: *d.NewTaskStatus,
		Comment:   d.Comment,
	}); err != nil {
		return err
	}
	if review.ReviewRequestedBy == nil {
		return nil
	}
	return s.users.ApplyScore(ctx, *review.ReviewRequestedBy, task.Status, *d.NewTaskStatus)
}

// ClearRequest waves off a pending review: the work stands, nobody needs to
// look at it. The review row survives with status Unnecessary.
func (s *Service) ClearRequest(ctx context.Context, user *models.User, taskID int64) (*models.TaskReview, error) {
	if user.IsGuest() {
		return nil, apierror.New(apierror.KindNotAuthorized, "authentication required to review")
	}
	err := s.reviews.MarkUnnecessary(ctx, taskID, user.ID)
	if errors.Is(err, store.ErrReviewNotFound) {
		return nil, ErrNotReviewable
	}
	if err != nil {
		return nil, err
	}
	s.publishEvent(taskID, models.ReviewStatusUnnecessary, false)
	return s.loadReview(ctx, taskID)
}

// DecideMeta records a meta-review verdict over an Approved or Assisted
// review. The original reviewer cannot meta-review their own decision.
func (s *Service) DecideMeta(ctx context.Context, user *models.User, taskID int64, status models.ReviewStatus, comment string, tagNames []string) (*models.TaskReview, error) {
	if user.IsGuest() {
		return nil, apierror.New(apierror.KindNotAuthorized, "authentication required to review")
	}
	switch status {
	case models.ReviewStatusApproved, models.ReviewStatusRejected, models.ReviewStatusAssisted:
	default:
		return nil, apierror.New(apierror.KindInvalid, "invalid meta-review decision %d", int(status))
	}

	review, err := s.reviews.ForTask(ctx, taskID)
	if errors.Is(err, store.ErrReviewNotFound) {
		return nil, ErrNotReviewable
	}
	if err != nil {
		return nil, err
	}
	if review.ReviewedBy != nil && *review.ReviewedBy == user.ID {
		return nil, apierror.New(apierror.KindForbidden, "reviewers cannot meta-review their own decisions")
	}

	err = s.db.WithTx(ctx, func(ctx context.Context) error {
		if err := s.reviews.SetMetaDecision(ctx, taskID, status, user.ID); err != nil {
			return err
		}
		if len(tagNames) > 0 && s.tags != nil {
			if _, err := s.tags.SetTaskTags(ctx, taskID, tagNames); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, store.ErrReviewNotFound) {
		return nil, apierror.New(apierror.KindInvalid,
			"meta-review requires an approved or assisted review")
	} else if err != nil {
		return nil, err
	}

	if review.ReviewedBy != nil && s.notifier != nil {
		_ = s.notifier.Notify(ctx, &models.Notification{
			UserID:  *review.ReviewedBy,
			Type:    "meta_review",
			Subject: fmt.Sprintf("Your review of task %d was meta-reviewed: %s", taskID, status),
			Body:    comment,
		})
	}
	s.publishEvent(taskID, status, true)
	return s.loadReview(ctx, taskID)
}

func (s *Service) notifyMapper(ctx context.Context, review *models.TaskReview, taskID int64, status models.ReviewStatus, comment string) {
	if s.notifier == nil || review.ReviewRequestedBy == nil {
		return
	}
	n := &models.Notification{
		UserID:    *review.ReviewRequestedBy,
		Type:      "review",
		Subject:   fmt.Sprintf("Task %d review: %s", taskID, status),
		Body:      comment,
		Immediate: status == models.ReviewStatusRejected,
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.Warn("failed to queue review notification", "task", taskID, "error", err)
	}
}

func (s *Service) publishEvent(taskID int64, status models.ReviewStatus, meta bool) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(fmt.Sprintf("task:%d", taskID), map[string]any{
		"type":         "review-completed",
		"taskId":       taskID,
		"reviewStatus": status,
		"meta":         meta,
	})
}
