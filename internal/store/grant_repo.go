// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/maproulette/maproulette-backend/internal/models"
)

// GrantRepo persists grant edges. It also backs the authorisation enforcer,
// which reloads the full grant set on every change.
type GrantRepo struct {
	db *Database
}

// NewGrantRepo creates the repository.
func NewGrantRepo(db *Database) *GrantRepo {
	return &GrantRepo{db: db}
}

const grantSelect = `
	SELECT id, name, grantee_type, grantee_id, role, object_type, object_id
	FROM grants`

func scanGrants(rows *sqlx.Rows) ([]models.Grant, error) {
	var grants []models.Grant
	for rows.Next() {
		var g models.Grant
		err := rows.Scan(&g.ID, &g.Name, &g.Grantee.GranteeType, &g.Grantee.GranteeID,
			&g.Role, &g.Target.ObjectType, &g.Target.ObjectID)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// AllGrants loads every grant. The authorisation enforcer projects these into
// its policy set.
func (r *GrantRepo) AllGrants(ctx context.Context) ([]models.Grant, error) {
	rows, err := r.db.ext(ctx).QueryxContext(ctx, grantSelect+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load grants: %w", err)
	}
	defer rows.Close()
	return scanGrants(rows)
}

// ByID loads a single grant.
func (r *GrantRepo) ByID(ctx context.Context, id int64) (*models.Grant, error) {
	rows, err := r.db.ext(ctx).QueryxContext(ctx, grantSelect+` WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load grant %d: %w", id, err)
	}
	defer rows.Close()
	grants, err := scanGrants(rows)
	if err != nil {
		return nil, err
	}
	if len(grants) == 0 {
		return nil, ErrGrantNotFound
	}
	return &grants[0], nil
}

// ForTarget lists grants scoped to one object, for example every grant on a
// project.
func (r *GrantRepo) ForTarget(ctx context.Context, target models.GrantTarget) ([]models.Grant, error) {
	rows, err := r.db.ext(ctx).QueryxContext(ctx,
		grantSelect+` WHERE object_type = $1 AND object_id = $2 ORDER BY id`,
		target.ObjectType, target.ObjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load grants on %s: %w", target.Object(), err)
	}
	defer rows.Close()
	return scanGrants(rows)
}

// Create inserts a grant. The (grantee, role, target) triple is unique;
// duplicates report ErrDuplicateGrant.
func (r *GrantRepo) Create(ctx context.Context, grant *models.Grant) (*models.Grant, error) {
	const stmt = `
		INSERT INTO grants (name, grantee_type, grantee_id, role, object_type, object_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (grantee_type, grantee_id, role, object_type, object_id) DO NOTHING
		RETURNING id`
	err := r.db.ext(ctx).QueryRowxContext(ctx, stmt,
		grant.Name, grant.Grantee.GranteeType, grant.Grantee.GranteeID,
		grant.Role, grant.Target.ObjectType, grant.Target.ObjectID).Scan(&grant.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDuplicateGrant
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create grant: %w", err)
	}
	return grant, nil
}

// Delete removes a grant by id.
func (r *GrantRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ext(ctx).ExecContext(ctx, `DELETE FROM grants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete grant %d: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrGrantNotFound
	}
	return nil
}

// DeleteForTarget removes every grant on the object, cascading a project
// deletion.
func (r *GrantRepo) DeleteForTarget(ctx context.Context, target models.GrantTarget) (int64, error) {
	res, err := r.db.ext(ctx).ExecContext(ctx,
		`DELETE FROM grants WHERE object_type = $1 AND object_id = $2`,
		target.ObjectType, target.ObjectID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete grants on %s: %w", target.Object(), err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}
