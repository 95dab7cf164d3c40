// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/maproulette/maproulette-backend/internal/cache"
	"github.com/maproulette/maproulette-backend/internal/models"
	"github.com/maproulette/maproulette-backend/internal/query"
)

// ChallengeRepo persists challenges behind a read-through cache.
type ChallengeRepo struct {
	db    *Database
	cache *cache.Manager[*models.Challenge]
}

// NewChallengeRepo creates the repository.
func NewChallengeRepo(db *Database, c *cache.Cache[*models.Challenge]) *ChallengeRepo {
	return &ChallengeRepo{db: db, cache: cache.NewManager(c)}
}

const challengeSelect = `
	SELECT id, name, parent_id, owner_id, instruction, difficulty, status,
		status_message, enabled, is_archived, cooperative_type, overpass_ql,
		remote_geo_json, review_setting, refresh_interval, last_task_refresh,
		high_priority_rule, medium_priority_rule, low_priority_rule,
		default_priority, created, modified
	FROM challenges`

// Retrieve loads a challenge through the cache.
func (r *ChallengeRepo) Retrieve(ctx context.Context, id int64) (*models.Challenge, error) {
	challenge, found, err := r.cache.WithOptionCaching(id, func() (*models.Challenge, bool, error) {
		c, err := r.load(ctx, id)
		if errors.Is(err, ErrChallengeNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return c, true, nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrChallengeNotFound
	}
	return challenge, nil
}

func (r *ChallengeRepo) load(ctx context.Context, id int64) (*models.Challenge, error) {
	var c models.Challenge
	err := r.db.ext(ctx).QueryRowxContext(ctx, challengeSelect+` WHERE id = $1`, id).StructScan(&c)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load challenge %d: %w", id, err)
	}
	return &c, nil
}

// RetrieveList loads challenges by id, bulk-loading only cache misses.
func (r *ChallengeRepo) RetrieveList(ctx context.Context, ids []int64) ([]*models.Challenge, error) {
	return r.cache.WithIDListCaching(func(missing []int64) ([]*models.Challenge, error) {
		q := query.New(challengeSelect,
			query.NewFilter(query.FilterParameter("id", query.IN, missing)))
		statement, bindings, err := q.SQL()
		if err != nil {
			return nil, err
		}
		rows, err := r.db.namedQuery(ctx, statement, bindings)
		if err != nil {
			return nil, fmt.Errorf("failed to load challenges: %w", err)
		}
		defer rows.Close()
		var out []*models.Challenge
		for rows.Next() {
			var c models.Challenge
			if err := rows.StructScan(&c); err != nil {
				return nil, err
			}
			out = append(out, &c)
		}
		return out, rows.Err()
	}, ids)
}

// Create inserts a challenge and primes the cache.
func (r *ChallengeRepo) Create(ctx context.Context, c *models.Challenge) (*models.Challenge, error) {
	const stmt = `
		INSERT INTO challenges (name, parent_id, owner_id, instruction, difficulty,
			status, enabled, is_archived, cooperative_type, overpass_ql,
			remote_geo_json, review_setting, refresh_interval,
			high_priority_rule, medium_priority_rule, low_priority_rule,
			default_priority, created, modified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW(), NOW())
		RETURNING id, created, modified`
	err := r.db.ext(ctx).QueryRowxContext(ctx, stmt,
		c.Name, c.ParentID, c.OwnerID, c.Instruction, c.Difficulty,
		c.Status, c.Enabled, c.Archived, c.CooperativeType, c.OverpassQL,
		c.RemoteGeoJSON, c.ReviewEnabled, c.RefreshInterval,
		c.HighPriorityRule, c.MedPriorityRule, c.LowPriorityRule,
		c.DefaultPriority).Scan(&c.ID, &c.Created, &c.Modified)
	if err != nil {
		return nil, fmt.Errorf("failed to create challenge: %w", err)
	}
	r.cache.Cache().Add(c)
	return c, nil
}

// Update rewrites the mutable fields, invalidating before the write.
func (r *ChallengeRepo) Update(ctx context.Context, c *models.Challenge) error {
	return r.cache.WithCacheIDDeletion(func() error {
		const stmt = `
			UPDATE challenges
			SET name = $2, instruction = $3, difficulty = $4, enabled = $5,
				is_archived = $6, overpass_ql = $7, remote_geo_json = $8,
				review_setting = $9, refresh_interval = $10,
				high_priority_rule = $11, medium_priority_rule = $12,
				low_priority_rule = $13, default_priority = $14, modified = NOW()
			WHERE id = $1`
		res, err := r.db.ext(ctx).ExecContext(ctx, stmt,
			c.ID, c.Name, c.Instruction, c.Difficulty, c.Enabled,
			c.Archived, c.OverpassQL, c.RemoteGeoJSON, c.ReviewEnabled,
			c.RefreshInterval, c.HighPriorityRule, c.MedPriorityRule,
			c.LowPriorityRule, c.DefaultPriority)
		if err != nil {
			return fmt.Errorf("failed to update challenge %d: %w", c.ID, err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return ErrChallengeNotFound
		}
		return nil
	}, []int64{c.ID})
}

// SetStatus advances the build lifecycle.
func (r *ChallengeRepo) SetStatus(ctx context.Context, id int64, status models.ChallengeStatus, message string) error {
	return r.cache.WithCacheIDDeletion(func() error {
		const stmt = `
			UPDATE challenges
			SET status = $2, status_message = $3, modified = NOW()
			WHERE id = $1`
		res, err := r.db.ext(ctx).ExecContext(ctx, stmt, id, status, message)
		if err != nil {
			return fmt.Errorf("failed to set status of challenge %d: %w", id, err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return ErrChallengeNotFound
		}
		return nil
	}, []int64{id})
}

// Delete removes the challenge and, by cascade, its tasks.
func (r *ChallengeRepo) Delete(ctx context.Context, id int64) error {
	return r.cache.WithCacheIDDeletion(func() error {
		res, err := r.db.ext(ctx).ExecContext(ctx, `DELETE FROM challenges WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to delete challenge %d: %w", id, err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return ErrChallengeNotFound
		}
		return nil
	}, []int64{id})
}

// UpdateTaskPriorities rewrites every task's priority after the challenge's
// priority rules change. Rule evaluation happens in the service; this applies
// the computed assignments in one statement per priority level.
func (r *ChallengeRepo) UpdateTaskPriorities(ctx context.Context, challengeID int64, assignments map[models.TaskPriority][]int64) error {
	for priority, ids := range assignments {
		if len(ids) == 0 {
			continue
		}
		q := query.New(
			fmt.Sprintf("UPDATE tasks SET priority = %d", int(priority)),
			query.NewFilter(
				query.NewParameter("parent_id", challengeID),
				query.FilterParameter("id", query.IN, ids)))
		statement, bindings, err := q.SQL()
		if err != nil {
			return err
		}
		if _, err := r.db.namedExec(ctx, statement, bindings); err != nil {
			return fmt.Errorf("failed to update task priorities for challenge %d: %w", challengeID, err)
		}
	}
	return nil
}

// RefreshLocation recomputes the challenge centroid and bounding box from its
// tasks. The scheduler runs this over recently modified challenges.
func (r *ChallengeRepo) RefreshLocation(ctx context.Context, challengeID int64) error {
	return r.cache.WithCacheIDDeletion(func() error {
		const stmt = `
			UPDATE challenges SET
				location = (SELECT ST_Centroid(ST_Collect(location::geometry))
					FROM tasks WHERE parent_id = $1),
				bounding = (SELECT ST_Envelope(ST_Collect(location::geometry))
					FROM tasks WHERE parent_id = $1),
				modified = NOW()
			WHERE id = $1`
		if _, err := r.db.ext(ctx).ExecContext(ctx, stmt, challengeID); err != nil {
			return fmt.Errorf("failed to refresh location of challenge %d: %w", challengeID, err)
		}
		return nil
	}, []int64{challengeID})
}

// RecentlyModifiedIDs lists challenges whose tasks changed since the cutoff,
// the candidate set for location refresh.
func (r *ChallengeRepo) RecentlyModifiedIDs(ctx context.Context, since time.Time) ([]int64, error) {
	const stmt = `
		SELECT DISTINCT parent_id FROM tasks WHERE modified >= $1`
	rows, err := r.db.ext(ctx).QueryxContext(ctx, stmt, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list recently modified challenges: %w", err)
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

// DueForRefresh lists challenges with a refresh schedule whose last rebuild is
// older than their interval.
func (r *ChallengeRepo) DueForRefresh(ctx context.Context) ([]*models.Challenge, error) {
	const stmt = challengeSelect + `
		WHERE refresh_interval IS NOT NULL
			AND (last_task_refresh IS NULL
				OR last_task_refresh < NOW() - refresh_interval)`
	rows, err := r.db.ext(ctx).QueryxContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("failed to list challenges due for refresh: %w", err)
	}
	defer rows.Close()
	var out []*models.Challenge
	for rows.Next() {
		var c models.Challenge
		if err := rows.StructScan(&c); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// MarkRefreshed stamps last_task_refresh after a scheduled rebuild.
func (r *ChallengeRepo) MarkRefreshed(ctx context.Context, id int64) error {
	return r.cache.WithCacheIDDeletion(func() error {
		const stmt = `UPDATE challenges SET last_task_refresh = NOW() WHERE id = $1`
		if _, err := r.db.ext(ctx).ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("failed to mark challenge %d refreshed: %w", id, err)
		}
		return nil
	}, []int64{id})
}
