// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package models

import "time"

// GuestUserID is the implicit unauthenticated identity. It may read public
// data but never mutate.
const GuestUserID int64 = -998

// SuperKeyUserID identifies requests authenticated with the configured super
// key rather than a user record.
const SuperKeyUserID int64 = -999

// User is an OSM-authenticated mapper.
type User struct {
	ID          int64     `json:"id" db:"id"`
	OSMID       int64     `json:"osmId" db:"osm_id"`
	Name        string    `json:"osmProfile" db:"name"`
	APIKey      string    `json:"-" db:"api_key"`
	Email       string    `json:"-" db:"email"`
	OSMToken    string    `json:"-" db:"osm_token"`
	IsSuperUser bool      `json:"isSuperUser" db:"-"`
	Created     time.Time `json:"created" db:"created"`
	Modified    time.Time `json:"modified" db:"modified"`

	// Grants are loaded alongside the user on authentication.
	Grants []Grant `json:"grants" db:"-"`
}

// Guest returns the anonymous identity.
func Guest() *User {
	return &User{ID: GuestUserID, Name: "Guest"}
}

// IsGuest reports whether this is the anonymous identity.
func (u *User) IsGuest() bool { return u.ID == GuestUserID }

// ManagesProject reports whether the user holds an Admin or Write grant on the
// project. Superusers manage every project.
func (u *User) ManagesProject(projectID int64) bool {
	if u.IsSuperUser {
		return true
	}
	for _, g := range u.Grants {
		if g.Target.ObjectType == TargetTypeProject && g.Target.ObjectID == projectID &&
			(g.Role == RoleAdmin || g.Role == RoleWrite) {
			return true
		}
	}
	return false
}

// AdminForProject reports whether the user holds an Admin grant on the project.
func (u *User) AdminForProject(projectID int64) bool {
	if u.IsSuperUser {
		return true
	}
	for _, g := range u.Grants {
		if g.Target.ObjectType == TargetTypeProject && g.Target.ObjectID == projectID &&
			g.Role == RoleAdmin {
			return true
		}
	}
	return false
}

// UserMetrics carries score and review counters for a user.
type UserMetrics struct {
	UserID          int64 `json:"userId" db:"user_id"`
	Score           int   `json:"score" db:"score"`
	TotalFixed      int   `json:"totalFixed" db:"total_fixed"`
	TotalFalsePos   int   `json:"totalFalsePositive" db:"total_false_positive"`
	TotalAlready    int   `json:"totalAlreadyFixed" db:"total_already_fixed"`
	TotalTooHard    int   `json:"totalTooHard" db:"total_too_hard"`
	TotalSkipped    int   `json:"totalSkipped" db:"total_skipped"`
	TotalAnswered   int   `json:"totalAnswered" db:"total_answered"`
	InitialApprov   int   `json:"initialApproved" db:"initial_approved"`
	InitialReject   int   `json:"initialRejected" db:"initial_rejected"`
	InitialAssist   int   `json:"initialAssisted" db:"initial_assisted"`
	TotalApproved   int   `json:"totalApproved" db:"total_approved"`
	TotalRejected   int   `json:"totalRejected" db:"total_rejected"`
	TotalAssisted   int   `json:"totalAssisted" db:"total_assisted"`
	TotalDisputed   int   `json:"totalDisputed" db:"total_disputed"`
	TotalTimeSpent  int64 `json:"totalTimeSpent" db:"total_time_spent"`
	TasksWithTime   int   `json:"tasksWithTime" db:"tasks_with_time"`
	ReviewTime      int64 `json:"totalReviewTime" db:"total_review_time"`
	ReviewsWithTime int   `json:"reviewsWithTime" db:"reviews_with_time"`
}

// ScoreFor returns the points credited for completing a task with the status.
func ScoreFor(status TaskStatus) int {
	switch status {
	case TaskStatusFixed:
		return 5
	case TaskStatusFalsePositive, TaskStatusAlreadyFixed, TaskStatusAnswered:
		return 3
	case TaskStatusTooHard:
		return 1
	default:
		return 0
	}
}
