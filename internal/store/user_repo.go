// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/maproulette/maproulette-backend/internal/models"
)

// UserRepo persists users and their metrics.
type UserRepo struct {
	db         *Database
	superUsers map[int64]bool
}

// NewUserRepo creates the repository. superUserIDs come from configuration and
// mark accounts that bypass every grant check.
func NewUserRepo(db *Database, superUserIDs []int64) *UserRepo {
	supers := make(map[int64]bool, len(superUserIDs))
	for _, id := range superUserIDs {
		supers[id] = true
	}
	return &UserRepo{db: db, superUsers: supers}
}

const userSelect = `
	SELECT id, osm_id, name, api_key, email, osm_token, created, modified
	FROM users`

// ByID loads a user plus its grants.
func (r *UserRepo) ByID(ctx context.Context, id int64) (*models.User, error) {
	return r.one(ctx, userSelect+` WHERE id = $1`, id)
}

// ByOSMID loads a user by its OSM account id.
func (r *UserRepo) ByOSMID(ctx context.Context, osmID int64) (*models.User, error) {
	return r.one(ctx, userSelect+` WHERE osm_id = $1`, osmID)
}

// ByName loads a user by display name. Mentions are typed by hand, so the
// match ignores case.
func (r *UserRepo) ByName(ctx context.Context, name string) (*models.User, error) {
	return r.one(ctx, userSelect+` WHERE LOWER(name) = LOWER($1)`, name)
}

// ByAPIKey resolves an API key to its user. Keys are unique.
func (r *UserRepo) ByAPIKey(ctx context.Context, apiKey string) (*models.User, error) {
	return r.one(ctx, userSelect+` WHERE api_key = $1`, apiKey)
}

func (r *UserRepo) one(ctx context.Context, stmt string, arg any) (*models.User, error) {
	var user models.User
	err := r.db.ext(ctx).QueryRowxContext(ctx, stmt, arg).StructScan(&user)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	user.IsSuperUser = r.superUsers[user.ID]
	grants, err := r.grantsFor(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	user.Grants = grants
	return &user, nil
}

func (r *UserRepo) grantsFor(ctx context.Context, userID int64) ([]models.Grant, error) {
	const stmt = `
		SELECT id, name, grantee_type, grantee_id, role, object_type, object_id
		FROM grants WHERE grantee_type = 'user' AND grantee_id = $1`
	rows, err := r.db.ext(ctx).QueryxContext(ctx, stmt, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load grants for user %d: %w", userID, err)
	}
	defer rows.Close()
	return scanGrants(rows)
}

// Upsert creates the user on first OSM login or refreshes the display name
// and token on later logins. The generated API key only applies to inserts.
func (r *UserRepo) Upsert(ctx context.Context, osmID int64, name, osmToken, apiKey string) (*models.User, error) {
	const stmt = `
		INSERT INTO users (osm_id, name, api_key, osm_token, created, modified)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (osm_id) DO UPDATE
		SET name = EXCLUDED.name, osm_token = EXCLUDED.osm_token, modified = NOW()
		RETURNING id`
	var id int64
	err := r.db.ext(ctx).QueryRowxContext(ctx, stmt, osmID, name, apiKey, osmToken).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user for osm id %d: %w", osmID, err)
	}
	return r.ByID(ctx, id)
}

// RotateAPIKey replaces the user's API key and returns the new value.
func (r *UserRepo) RotateAPIKey(ctx context.Context, userID int64, newKey string) error {
	const stmt = `UPDATE users SET api_key = $2, modified = NOW() WHERE id = $1`
	res, err := r.db.ext(ctx).ExecContext(ctx, stmt, userID, newKey)
	if err != nil {
		return fmt.Errorf("failed to rotate api key for user %d: %w", userID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetEmail stores the address digests are delivered to. Empty disables email
// for the user.
func (r *UserRepo) SetEmail(ctx context.Context, userID int64, email string) error {
	const stmt = `UPDATE users SET email = $2, modified = NOW() WHERE id = $1`
	res, err := r.db.ext(ctx).ExecContext(ctx, stmt, userID, email)
	if err != nil {
		return fmt.Errorf("failed to store email for user %d: %w", userID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetOSMToken stores the user's OAuth bearer token for changeset submission.
func (r *UserRepo) SetOSMToken(ctx context.Context, userID int64, token string) error {
	const stmt = `UPDATE users SET osm_token = $2, modified = NOW() WHERE id = $1`
	_, err := r.db.ext(ctx).ExecContext(ctx, stmt, userID, token)
	if err != nil {
		return fmt.Errorf("failed to store osm token for user %d: %w", userID, err)
	}
	return nil
}

// Metrics loads the user's score row, zero-valued when absent.
func (r *UserRepo) Metrics(ctx context.Context, userID int64) (*models.UserMetrics, error) {
	const stmt = `
		SELECT user_id, score, total_fixed, total_false_positive, total_already_fixed,
			total_too_hard, total_skipped, total_answered,
			initial_approved, initial_rejected, initial_assisted,
			total_approved, total_rejected, total_assisted, total_disputed,
			total_time_spent, tasks_with_time, total_review_time, reviews_with_time
		FROM user_metrics WHERE user_id = $1`
	var m models.UserMetrics
	err := r.db.ext(ctx).QueryRowxContext(ctx, stmt, userID).StructScan(&m)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.UserMetrics{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load metrics for user %d: %w", userID, err)
	}
	return &m, nil
}

// statusColumn maps a completion status to its counter column.
func statusColumn(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusFixed:
		return "total_fixed"
	case models.TaskStatusFalsePositive:
		return "total_false_positive"
	case models.TaskStatusAlreadyFixed:
		return "total_already_fixed"
	case models.TaskStatusTooHard:
		return "total_too_hard"
	case models.TaskStatusSkipped:
		return "total_skipped"
	case models.TaskStatusAnswered:
		return "total_answered"
	default:
		return ""
	}
}

// ApplyScore credits the completion status. When oldStatus was itself a scored
// completion the prior credit is rolled back first, so re-completing a task
// never double-counts.
func (r *UserRepo) ApplyScore(ctx context.Context, userID int64, oldStatus, newStatus models.TaskStatus) error {
	delta := models.ScoreFor(newStatus) - models.ScoreFor(oldStatus)

	stmt := `
		INSERT INTO user_metrics (user_id, score) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET score = user_metrics.score + EXCLUDED.score`
	if _, err := r.db.ext(ctx).ExecContext(ctx, stmt, userID, delta); err != nil {
		return fmt.Errorf("failed to apply score for user %d: %w", userID, err)
	}

	if col := statusColumn(oldStatus); col != "" {
		dec := fmt.Sprintf(
			`UPDATE user_metrics SET %s = GREATEST(%s - 1, 0) WHERE user_id = $1`, col, col)
		if _, err := r.db.ext(ctx).ExecContext(ctx, dec, userID); err != nil {
			return fmt.Errorf("failed to roll back %s for user %d: %w", col, userID, err)
		}
	}
	if col := statusColumn(newStatus); col != "" {
		inc := fmt.Sprintf(
			`UPDATE user_metrics SET %s = %s + 1 WHERE user_id = $1`, col, col)
		if _, err := r.db.ext(ctx).ExecContext(ctx, inc, userID); err != nil {
			return fmt.Errorf("failed to count %s for user %d: %w", col, userID, err)
		}
	}
	return nil
}

// reviewColumn maps a review decision to the counter column pair. initial is
// true for the user's first decision on the task.
func reviewColumn(status models.ReviewStatus, initial bool) string {
	switch status {
	case models.ReviewStatusApproved:
		if initial {
			return "initial_approved"
		}
		return "total_approved"
	case models.ReviewStatusRejected:
		if initial {
			return "initial_rejected"
		}
		return "total_rejected"
	case models.ReviewStatusAssisted:
		if initial {
			return "initial_assisted"
		}
		return "total_assisted"
	case models.ReviewStatusDisputed:
		return "total_disputed"
	default:
		return ""
	}
}

// CountReviewOutcome bumps the mapper's review counters. Initial decisions
// count toward both the initial_* and total_* columns.
func (r *UserRepo) CountReviewOutcome(ctx context.Context, userID int64, status models.ReviewStatus, initial bool) error {
	columns := []string{}
	if col := reviewColumn(status, false); col != "" {
		columns = append(columns, col)
	}
	if initial {
		if col := reviewColumn(status, true); col != "" && col != columns[0] {
			columns = append(columns, col)
		}
	}
	for _, col := range columns {
		stmt := fmt.Sprintf(`
			INSERT INTO user_metrics (user_id, %[1]s) VALUES ($1, 1)
			ON CONFLICT (user_id) DO UPDATE SET %[1]s = user_metrics.%[1]s + 1`, col)
		if _, err := r.db.ext(ctx).ExecContext(ctx, stmt, userID); err != nil {
			return fmt.Errorf("failed to count review outcome for user %d: %w", userID, err)
		}
	}
	return nil
}

// AddTimeSpent accumulates mapping time for average-time metrics.
func (r *UserRepo) AddTimeSpent(ctx context.Context, userID, millis int64) error {
	const stmt = `
		INSERT INTO user_metrics (user_id, total_time_spent, tasks_with_time)
		VALUES ($1, $2, 1)
		ON CONFLICT (user_id) DO UPDATE
			SET total_time_spent = user_metrics.total_time_spent + EXCLUDED.total_time_spent,
				tasks_with_time = user_metrics.tasks_with_time + 1`
	_, err := r.db.ext(ctx).ExecContext(ctx, stmt, userID, millis)
	if err != nil {
		return fmt.Errorf("failed to add time spent for user %d: %w", userID, err)
	}
	return nil
}

// AddReviewTimeSpent accumulates reviewing time, tracked separately from
// mapping time so the two averages do not pollute each other.
func (r *UserRepo) AddReviewTimeSpent(ctx context.Context, userID, millis int64) error {
	const stmt = `
		INSERT INTO user_metrics (user_id, total_review_time, reviews_with_time)
		VALUES ($1, $2, 1)
		ON CONFLICT (user_id) DO UPDATE
			SET total_review_time = user_metrics.total_review_time + EXCLUDED.total_review_time,
				reviews_with_time = user_metrics.reviews_with_time + 1`
	_, err := r.db.ext(ctx).ExecContext(ctx, stmt, userID, millis)
	if err != nil {
		return fmt.Errorf("failed to add review time for user %d: %w", userID, err)
	}
	return nil
}

// SaveTask bookmarks a task for the user. Saving twice is a no-op.
func (r *UserRepo) SaveTask(ctx context.Context, userID, taskID int64) error {
	const stmt = `
		INSERT INTO saved_tasks (user_id, task_id, created)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id, task_id) DO NOTHING`
	_, err := r.db.ext(ctx).ExecContext(ctx, stmt, userID, taskID)
	if err != nil {
		return fmt.Errorf("failed to save task %d for user %d: %w", taskID, userID, err)
	}
	return nil
}

// UnsaveTask drops the bookmark. Idempotent.
func (r *UserRepo) UnsaveTask(ctx context.Context, userID, taskID int64) error {
	const stmt = `DELETE FROM saved_tasks WHERE user_id = $1 AND task_id = $2`
	_, err := r.db.ext(ctx).ExecContext(ctx, stmt, userID, taskID)
	if err != nil {
		return fmt.Errorf("failed to unsave task %d for user %d: %w", taskID, userID, err)
	}
	return nil
}

// SavedTaskIDs lists the user's bookmarked tasks, newest bookmark first.
func (r *UserRepo) SavedTaskIDs(ctx context.Context, userID int64) ([]int64, error) {
	const stmt = `SELECT task_id FROM saved_tasks WHERE user_id = $1 ORDER BY created DESC`
	rows, err := r.db.ext(ctx).QueryxContext(ctx, stmt, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list saved tasks for user %d: %w", userID, err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
