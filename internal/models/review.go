// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package models

import "time"

// ReviewStatus tracks a review (or meta-review) decision.
type ReviewStatus int

const (
	ReviewStatusRequested   ReviewStatus = 0
	ReviewStatusApproved    ReviewStatus = 1
	ReviewStatusRejected    ReviewStatus = 2
	ReviewStatusAssisted    ReviewStatus = 3
	ReviewStatusDisputed    ReviewStatus = 4
	ReviewStatusUnnecessary ReviewStatus = 5
)

// String returns the display name used in logs and API payloads.
func (s ReviewStatus) String() string {
	switch s {
	case ReviewStatusRequested:
		return "Requested"
	case ReviewStatusApproved:
		return "Approved"
	case ReviewStatusRejected:
		return "Rejected"
	case ReviewStatusAssisted:
		return "Assisted"
	case ReviewStatusDisputed:
		return "Disputed"
	case ReviewStatusUnnecessary:
		return "Unnecessary"
	default:
		return "Unknown"
	}
}

// IsValid reports whether the value is a known review status.
func (s ReviewStatus) IsValid() bool {
	return s >= ReviewStatusRequested && s <= ReviewStatusUnnecessary
}

var reviewTransitions = map[ReviewStatus][]ReviewStatus{
	ReviewStatusRequested: {
		ReviewStatusApproved, ReviewStatusRejected,
		ReviewStatusAssisted, ReviewStatusUnnecessary,
	},
	ReviewStatusRejected: {ReviewStatusRequested, ReviewStatusDisputed},
	ReviewStatusApproved: {ReviewStatusDisputed},
	ReviewStatusAssisted: {ReviewStatusDisputed},
	ReviewStatusDisputed: {ReviewStatusApproved, ReviewStatusRejected},
}

// CanTransitionReview reports whether a review may move from -> to.
// Unnecessary is terminal.
func CanTransitionReview(from, to ReviewStatus) bool {
	for _, t := range reviewTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// TaskReview is the 0..1 review record attached to a task.
type TaskReview struct {
	ID                  int64         `json:"id" db:"id"`
	TaskID              int64         `json:"taskId" db:"task_id"`
	ReviewStatus        *ReviewStatus `json:"reviewStatus,omitempty" db:"review_status"`
	ReviewRequestedBy   *int64        `json:"reviewRequestedBy,omitempty" db:"review_requested_by"`
	ReviewedBy          *int64        `json:"reviewedBy,omitempty" db:"reviewed_by"`
	ReviewedAt          *time.Time    `json:"reviewedAt,omitempty" db:"reviewed_at"`
	ReviewStartedAt     *time.Time    `json:"reviewStartedAt,omitempty" db:"review_started_at"`
	MetaReviewStatus    *ReviewStatus `json:"metaReviewStatus,omitempty" db:"meta_review_status"`
	MetaReviewedBy      *int64        `json:"metaReviewedBy,omitempty" db:"meta_reviewed_by"`
	MetaReviewedAt      *time.Time    `json:"metaReviewedAt,omitempty" db:"meta_reviewed_at"`
	AdditionalReviewers []int64       `json:"additionalReviewers,omitempty"`
}

// ReviewTasksType selects the candidate set for review queries.
type ReviewTasksType int

const (
	ReviewTasksRequested  ReviewTasksType = 1
	ReviewTasksReviewedBy ReviewTasksType = 2
	ReviewTasksMyReviewed ReviewTasksType = 3
	ReviewTasksAllVisible ReviewTasksType = 4
	ReviewTasksMetaReview ReviewTasksType = 5
)

// NeedsReview reports whether completing a task with the status should enter
// the review loop when the parent challenge has review enabled.
func NeedsReview(status TaskStatus) bool {
	switch status {
	case TaskStatusFixed, TaskStatusFalsePositive, TaskStatusAlreadyFixed,
		TaskStatusTooHard, TaskStatusAnswered:
		return true
	}
	return false
}
