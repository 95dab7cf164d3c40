// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package models

import "time"

// LockItemType identifies what kind of item a lease covers.
type LockItemType int

const (
	LockItemTask   LockItemType = 2
	LockItemReview LockItemType = 3
)

// DefaultLockExpiry is how long a lease is honoured before it silently
// expires. The expireLocks job materialises the expiry.
const DefaultLockExpiry = time.Hour

// Lock is a time-bounded exclusive claim on an item by a user. Unique on
// (ItemType, ItemID).
type Lock struct {
	ItemType   LockItemType `json:"itemType" db:"item_type"`
	ItemID     int64        `json:"itemId" db:"item_id"`
	UserID     int64        `json:"userId" db:"user_id"`
	AcquiredAt time.Time    `json:"lockedTime" db:"locked_time"`
}

// ExpiredAt reports whether the lease has lapsed at the given instant.
func (l *Lock) ExpiredAt(now time.Time, ttl time.Duration) bool {
	return now.Sub(l.AcquiredAt) >= ttl
}

// Action types recorded in the status_actions audit trail.
const (
	ActionStatusSet = "statusSet"
	ActionViewed    = "taskViewed"
)

// StatusAction is an audit row recorded on status transitions and task
// views. Viewed rows carry the unchanged status on both sides.
type StatusAction struct {
	ID        int64      `json:"id" db:"id"`
	UserID    int64      `json:"userId" db:"user_id"`
	ProjectID int64      `json:"projectId" db:"project_id"`
	TaskID    int64      `json:"taskId" db:"task_id"`
	Action    string     `json:"action" db:"action"`
	OldStatus TaskStatus `json:"oldStatus" db:"old_status"`
	NewStatus TaskStatus `json:"status" db:"status"`
	Comment   string     `json:"comment,omitempty" db:"comment"`
	CreatedAt time.Time  `json:"created" db:"created"`
}

// Notification is a queued user notification awaiting digest delivery.
type Notification struct {
	ID        int64      `json:"id" db:"id"`
	UserID    int64      `json:"userId" db:"user_id"`
	Type      string     `json:"notificationType" db:"notification_type"`
	Subject   string     `json:"subject" db:"subject"`
	Body      string     `json:"body" db:"body"`
	Immediate bool       `json:"immediate" db:"immediate"`
	EmailedAt *time.Time `json:"emailedAt,omitempty" db:"emailed_at"`
	CreatedAt time.Time  `json:"created" db:"created"`
}
