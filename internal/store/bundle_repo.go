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

// BundleRepo persists task bundles. Bundle members must share a challenge and
// a bundle completes or resets as a unit.
type BundleRepo struct {
	db *Database
}

// NewBundleRepo creates the repository.
func NewBundleRepo(db *Database) *BundleRepo {
	return &BundleRepo{db: db}
}

// Create groups the tasks into a new bundle with primaryID as the lead task.
// Every task must belong to the same challenge and not already be bundled.
func (r *BundleRepo) Create(ctx context.Context, ownerID, primaryID int64, taskIDs []int64) (*models.TaskBundle, error) {
	var bundle models.TaskBundle
	err := r.db.WithTx(ctx, func(ctx context.Context) error {
		const create = `
			INSERT INTO task_bundles (owner_id, created) VALUES ($1, NOW())
			RETURNING id`
		if err := r.db.ext(ctx).QueryRowxContext(ctx, create, ownerID).Scan(&bundle.ID); err != nil {
			return fmt.Errorf("failed to create bundle: %w", err)
		}

		const claim = `
			UPDATE tasks
			SET bundle_id = $1, is_bundle_primary = (id = $2), modified = NOW()
			WHERE id = ANY($3) AND bundle_id IS NULL
				AND parent_id = (SELECT parent_id FROM tasks WHERE id = $2)`
		res, err := r.db.ext(ctx).ExecContext(ctx, claim, bundle.ID, primaryID, taskIDs)
		if err != nil {
			return fmt.Errorf("failed to attach tasks to bundle: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected != int64(len(taskIDs)) {
			return fmt.Errorf("bundle rejected: %d of %d tasks were bundleable: %w",
				affected, len(taskIDs), ErrBundleConflict)
		}
		bundle.OwnerID = ownerID
		bundle.PrimaryTaskID = primaryID
		bundle.TaskIDs = taskIDs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &bundle, nil
}

// Retrieve loads a bundle with its member ids.
func (r *BundleRepo) Retrieve(ctx context.Context, id int64) (*models.TaskBundle, error) {
	const stmt = `SELECT id, owner_id FROM task_bundles WHERE id = $1`
	var bundle models.TaskBundle
	err := r.db.ext(ctx).QueryRowxContext(ctx, stmt, id).Scan(&bundle.ID, &bundle.OwnerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBundleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bundle %d: %w", id, err)
	}

	const members = `
		SELECT id, COALESCE(is_bundle_primary, FALSE) FROM tasks
		WHERE bundle_id = $1 ORDER BY id`
	rows, err := r.db.ext(ctx).QueryxContext(ctx, members, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load bundle %d members: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var taskID int64
		var primary bool
		if err := rows.Scan(&taskID, &primary); err != nil {
			return nil, err
		}
		bundle.TaskIDs = append(bundle.TaskIDs, taskID)
		if primary {
			bundle.PrimaryTaskID = taskID
		}
	}
	return &bundle, rows.Err()
}

// Delete unbundles every member and removes the bundle row.
func (r *BundleRepo) Delete(ctx context.Context, id int64) error {
	return r.db.WithTx(ctx, func(ctx context.Context) error {
		const release = `
			UPDATE tasks SET bundle_id = NULL, is_bundle_primary = NULL, modified = NOW()
			WHERE bundle_id = $1`
		if _, err := r.db.ext(ctx).ExecContext(ctx, release, id); err != nil {
			return fmt.Errorf("failed to release bundle %d members: %w", id, err)
		}
		res, err := r.db.ext(ctx).ExecContext(ctx, `DELETE FROM task_bundles WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to delete bundle %d: %w", id, err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return ErrBundleNotFound
		}
		return nil
	})
}
