// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/maproulette/maproulette-backend/internal/models"
)

// VirtualChallengeRepo persists virtual challenges, the ephemeral user-scoped
// task collections defined by a saved search snapshot.
type VirtualChallengeRepo struct {
	db     *Database
	expiry time.Duration
}

// NewVirtualChallengeRepo creates the repository with the configured lifetime
// for new virtual challenges.
func NewVirtualChallengeRepo(db *Database, expiry time.Duration) *VirtualChallengeRepo {
	if expiry <= 0 {
		expiry = 36 * time.Hour
	}
	return &VirtualChallengeRepo{db: db, expiry: expiry}
}

// Create materialises a virtual challenge over a fixed task id snapshot.
func (r *VirtualChallengeRepo) Create(ctx context.Context, vc *models.VirtualChallenge) (*models.VirtualChallenge, error) {
	params, err := json.Marshal(vc.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode search parameters: %w", err)
	}
	err = r.db.WithTx(ctx, func(ctx context.Context) error {
		const stmt = `
			INSERT INTO virtual_challenges (name, owner_id, search_parameters, expires_at)
			VALUES ($1, $2, $3, NOW() + $4::interval)
			RETURNING id, expires_at`
		err := r.db.ext(ctx).QueryRowxContext(ctx, stmt,
			vc.Name, vc.OwnerID, string(params), r.expiry.String()).
			Scan(&vc.ID, &vc.ExpiresAt)
		if err != nil {
			return fmt.Errorf("failed to create virtual challenge: %w", err)
		}
		const member = `
			INSERT INTO virtual_challenge_tasks (virtual_challenge_id, task_id)
			VALUES ($1, $2) ON CONFLICT DO NOTHING`
		for _, taskID := range vc.TaskIDs {
			if _, err := r.db.ext(ctx).ExecContext(ctx, member, vc.ID, taskID); err != nil {
				return fmt.Errorf("failed to attach task %d: %w", taskID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vc, nil
}

// Retrieve loads a live virtual challenge and extends its expiry, so active
// use keeps it alive.
func (r *VirtualChallengeRepo) Retrieve(ctx context.Context, id int64) (*models.VirtualChallenge, error) {
	const stmt = `
		UPDATE virtual_challenges
		SET expires_at = NOW() + $2::interval
		WHERE id = $1 AND expires_at > NOW()
		RETURNING id, name, owner_id, search_parameters, expires_at`

	var vc models.VirtualChallenge
	var params string
	err := r.db.ext(ctx).QueryRowxContext(ctx, stmt, id, r.expiry.String()).
		Scan(&vc.ID, &vc.Name, &vc.OwnerID, &params, &vc.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load virtual challenge %d: %w", id, err)
	}
	if err := json.Unmarshal([]byte(params), &vc.Params); err != nil {
		return nil, fmt.Errorf("failed to decode search parameters of virtual challenge %d: %w", id, err)
	}
	return &vc, nil
}

// TaskIDs lists the snapshot members.
func (r *VirtualChallengeRepo) TaskIDs(ctx context.Context, id int64) ([]int64, error) {
	const stmt = `
		SELECT task_id FROM virtual_challenge_tasks
		WHERE virtual_challenge_id = $1 ORDER BY task_id`
	rows, err := r.db.ext(ctx).QueryxContext(ctx, stmt, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks of virtual challenge %d: %w", id, err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var taskID int64
		if err := rows.Scan(&taskID); err != nil {
			return nil, err
		}
		ids = append(ids, taskID)
	}
	return ids, rows.Err()
}

// DeleteExpired drops lapsed virtual challenges and their memberships. The
// scheduler runs this periodically.
func (r *VirtualChallengeRepo) DeleteExpired(ctx context.Context) (int64, error) {
	var removed int64
	err := r.db.WithTx(ctx, func(ctx context.Context) error {
		const members = `
			DELETE FROM virtual_challenge_tasks
			WHERE virtual_challenge_id IN
				(SELECT id FROM virtual_challenges WHERE expires_at <= NOW())`
		if _, err := r.db.ext(ctx).ExecContext(ctx, members); err != nil {
			return fmt.Errorf("failed to delete expired virtual challenge tasks: %w", err)
		}
		res, err := r.db.ext(ctx).ExecContext(ctx,
			`DELETE FROM virtual_challenges WHERE expires_at <= NOW()`)
		if err != nil {
			return fmt.Errorf("failed to delete expired virtual challenges: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}
