// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"github.com/maproulette/maproulette-backend/internal/models"
)

// NotificationRepo queues user notifications for digest delivery.
type NotificationRepo struct {
	db *Database
}

// NewNotificationRepo creates the repository.
func NewNotificationRepo(db *Database) *NotificationRepo {
	return &NotificationRepo{db: db}
}

// Enqueue stores a notification for later emailing.
func (r *NotificationRepo) Enqueue(ctx context.Context, n *models.Notification) error {
	const stmt = `
		INSERT INTO user_notifications (user_id, notification_type, subject, body, immediate, created)
		VALUES ($1, $2, $3, $4, $5, NOW())`
	_, err := r.db.ext(ctx).ExecContext(ctx, stmt,
		n.UserID, n.Type, n.Subject, n.Body, n.Immediate)
	if err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

// PendingImmediate claims up to limit unsent immediate notifications, marking
// them as emailed in the same statement so concurrent digests never double
// send.
func (r *NotificationRepo) PendingImmediate(ctx context.Context, limit int) ([]models.Notification, error) {
	const stmt = `
		UPDATE user_notifications SET emailed_at = NOW()
		WHERE id IN (
			SELECT id FROM user_notifications
			WHERE immediate AND emailed_at IS NULL
			ORDER BY created
			LIMIT $1
			FOR UPDATE SKIP LOCKED)
		RETURNING id, user_id, notification_type, subject, body, immediate, emailed_at, created`
	return r.claim(ctx, stmt, limit)
}

// PendingDaily claims every unsent non-immediate notification for the daily
// digest.
func (r *NotificationRepo) PendingDaily(ctx context.Context, limit int) ([]models.Notification, error) {
	const stmt = `
		UPDATE user_notifications SET emailed_at = NOW()
		WHERE id IN (
			SELECT id FROM user_notifications
			WHERE NOT immediate AND emailed_at IS NULL
			ORDER BY created
			LIMIT $1
			FOR UPDATE SKIP LOCKED)
		RETURNING id, user_id, notification_type, subject, body, immediate, emailed_at, created`
	return r.claim(ctx, stmt, limit)
}

func (r *NotificationRepo) claim(ctx context.Context, stmt string, limit int) ([]models.Notification, error) {
	rows, err := r.db.ext(ctx).QueryxContext(ctx, stmt, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim notifications: %w", err)
	}
	defer rows.Close()
	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.StructScan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
