// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/maproulette/maproulette-backend/internal/models"
)

// Comment is a user remark attached to a task, optionally tied to the status
// action that prompted it.
type Comment struct {
	ID         int64              `json:"id" db:"id"`
	UserID     int64              `json:"osm_id" db:"user_id"`
	UserName   string             `json:"osm_username" db:"user_name"`
	TaskID     int64              `json:"taskId" db:"task_id"`
	Text       string             `json:"comment" db:"comment"`
	ActionID   *int64             `json:"actionId,omitempty" db:"action_id"`
	TaskStatus *models.TaskStatus `json:"taskStatus,omitempty" db:"task_status"`
	CreatedAt  time.Time          `json:"created" db:"created"`
}

// CommentRepo persists task comments.
type CommentRepo struct {
	db *Database
}

// NewCommentRepo creates the repository.
func NewCommentRepo(db *Database) *CommentRepo {
	return &CommentRepo{db: db}
}

// Create attaches a comment to the task.
func (r *CommentRepo) Create(ctx context.Context, c *Comment) (*Comment, error) {
	const stmt = `
		INSERT INTO task_comments (user_id, task_id, comment, action_id, task_status, created)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, created`
	err := r.db.ext(ctx).QueryRowxContext(ctx, stmt,
		c.UserID, c.TaskID, c.Text, c.ActionID, c.TaskStatus).
		Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create comment on task %d: %w", c.TaskID, err)
	}
	return c, nil
}

// ForTask lists comments on a task, oldest first.
func (r *CommentRepo) ForTask(ctx context.Context, taskID int64) ([]Comment, error) {
	const stmt = `
		SELECT tc.id, tc.user_id, users.name AS user_name, tc.task_id, tc.comment,
			tc.action_id, tc.task_status, tc.created
		FROM task_comments tc
		INNER JOIN users ON users.id = tc.user_id
		WHERE tc.task_id = $1
		ORDER BY tc.created`
	rows, err := r.db.ext(ctx).QueryxContext(ctx, stmt, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments on task %d: %w", taskID, err)
	}
	defer rows.Close()
	var out []Comment
	for rows.Next() {
		var c Comment
		if err := rows.StructScan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
