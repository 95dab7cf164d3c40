// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/maproulette/maproulette-backend/internal/models"
)

// LockRepo persists leases on tasks and reviews. Uniqueness on
// (item_type, item_id) is what linearises status updates per task.
type LockRepo struct {
	db  *Database
	ttl time.Duration
}

// NewLockRepo creates the repository with the configured lease TTL.
func NewLockRepo(db *Database, ttl time.Duration) *LockRepo {
	if ttl <= 0 {
		ttl = models.DefaultLockExpiry
	}
	return &LockRepo{db: db, ttl: ttl}
}

// TTL returns the configured lease duration.
func (r *LockRepo) TTL() time.Duration { return r.ttl }

// Acquire takes or refreshes the lease in a single statement. A live lease
// held by another user wins; an expired one is stolen.
func (r *LockRepo) Acquire(ctx context.Context, itemType models.LockItemType, itemID, userID int64) (*models.Lock, error) {
	const stmt = `
		INSERT INTO locked_items (item_type, item_id, user_id, locked_time)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (item_type, item_id) DO UPDATE
			SET user_id = EXCLUDED.user_id, locked_time = NOW()
			WHERE locked_items.user_id = EXCLUDED.user_id
			   OR locked_items.locked_time < NOW() - $4::interval
		RETURNING item_type, item_id, user_id, locked_time`

	e := r.db.ext(ctx)
	var lock models.Lock
	err := e.QueryRowxContext(ctx, stmt, itemType, itemID, userID, r.ttl.String()).
		Scan(&lock.ItemType, &lock.ItemID, &lock.UserID, &lock.AcquiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLockHeld
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock on %d/%d: %w", itemType, itemID, err)
	}
	return &lock, nil
}

// Release drops the user's lease. Releasing a lease that does not exist is
// silent; releasing someone else's lease reports ErrLockNotHeld.
func (r *LockRepo) Release(ctx context.Context, itemType models.LockItemType, itemID, userID int64) error {
	const stmt = `
		DELETE FROM locked_items
		WHERE item_type = $1 AND item_id = $2 AND user_id = $3`

	res, err := r.db.ext(ctx).ExecContext(ctx, stmt, itemType, itemID, userID)
	if err != nil {
		return fmt.Errorf("failed to release lock on %d/%d: %w", itemType, itemID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		holder, err := r.Holder(ctx, itemType, itemID)
		if err != nil {
			return err
		}
		if holder != nil && holder.UserID != userID {
			return ErrLockNotHeld
		}
	}
	return nil
}

// Holder returns the live lease on the item, or nil when unlocked.
func (r *LockRepo) Holder(ctx context.Context, itemType models.LockItemType, itemID int64) (*models.Lock, error) {
	const stmt = `
		SELECT item_type, item_id, user_id, locked_time
		FROM locked_items
		WHERE item_type = $1 AND item_id = $2 AND locked_time >= NOW() - $3::interval`

	var lock models.Lock
	err := r.db.ext(ctx).QueryRowxContext(ctx, stmt, itemType, itemID, r.ttl.String()).
		Scan(&lock.ItemType, &lock.ItemID, &lock.UserID, &lock.AcquiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock on %d/%d: %w", itemType, itemID, err)
	}
	return &lock, nil
}

// ExpireStale removes leases older than the TTL. The scheduler runs this
// every minute.
func (r *LockRepo) ExpireStale(ctx context.Context) (int64, error) {
	const stmt = `DELETE FROM locked_items WHERE locked_time < NOW() - $1::interval`
	res, err := r.db.ext(ctx).ExecContext(ctx, stmt, r.ttl.String())
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale locks: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}
