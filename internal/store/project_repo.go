// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/maproulette/maproulette-backend/internal/cache"
	"github.com/maproulette/maproulette-backend/internal/models"
	"github.com/maproulette/maproulette-backend/internal/query"
)

// ProjectRepo persists projects behind a read-through cache.
type ProjectRepo struct {
	db    *Database
	cache *cache.Manager[*models.Project]
}

// NewProjectRepo creates the repository.
func NewProjectRepo(db *Database, c *cache.Cache[*models.Project]) *ProjectRepo {
	return &ProjectRepo{db: db, cache: cache.NewManager(c)}
}

const projectSelect = `
	SELECT id, owner_id, name, display_name, description, enabled, is_virtual,
		created, modified
	FROM projects`

// Retrieve loads a project through the cache.
func (r *ProjectRepo) Retrieve(ctx context.Context, id int64) (*models.Project, error) {
	project, found, err := r.cache.WithOptionCaching(id, func() (*models.Project, bool, error) {
		var p models.Project
		err := r.db.ext(ctx).QueryRowxContext(ctx, projectSelect+` WHERE id = $1`, id).StructScan(&p)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to load project %d: %w", id, err)
		}
		return &p, true, nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrProjectNotFound
	}
	return project, nil
}

// ByName looks a project up by its unique name, serving from the cache when
// possible.
func (r *ProjectRepo) ByName(ctx context.Context, name string) (*models.Project, error) {
	if p, ok := r.cache.Cache().Find(name); ok {
		return p, nil
	}
	var p models.Project
	err := r.db.ext(ctx).QueryRowxContext(ctx, projectSelect+` WHERE name = $1`, name).StructScan(&p)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project %q: %w", name, err)
	}
	r.cache.Cache().Add(&p)
	return &p, nil
}

// List pages projects, optionally restricted to enabled ones.
func (r *ProjectRepo) List(ctx context.Context, onlyEnabled bool, limit, page int) ([]*models.Project, error) {
	q := query.New(projectSelect, query.NewGroupedFilter(query.AND,
		query.ConditionalFilterGroup(query.AND, onlyEnabled,
			query.Parameter{Column: "enabled", Op: query.BOOL}))).
		WithOrder(query.OrderField{Name: "display_name", Direction: query.ASC, IsColumn: true})
	if limit > 0 {
		q.WithPaging(limit, page)
	}
	statement, bindings, err := q.SQL()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.namedQuery(ctx, statement, bindings)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()
	var out []*models.Project
	for rows.Next() {
		var p models.Project
		if err := rows.StructScan(&p); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// Create inserts a project and grants the owner the admin role on it in the
// same transaction.
func (r *ProjectRepo) Create(ctx context.Context, p *models.Project, grants *GrantRepo) (*models.Project, error) {
	err := r.db.WithTx(ctx, func(ctx context.Context) error {
		const stmt = `
			INSERT INTO projects (owner_id, name, display_name, description, enabled, is_virtual, created, modified)
			VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
			RETURNING id, created, modified`
		err := r.db.ext(ctx).QueryRowxContext(ctx, stmt,
			p.OwnerID, p.Name, p.DisplayName, p.Description, p.Enabled, p.IsVirtual).
			Scan(&p.ID, &p.Created, &p.Modified)
		if err != nil {
			return fmt.Errorf("failed to create project: %w", err)
		}
		_, err = grants.Create(ctx, &models.Grant{
			Name:    fmt.Sprintf("%s owner", p.Name),
			Grantee: models.Grantee{GranteeType: models.GranteeTypeUser, GranteeID: p.OwnerID},
			Role:    models.RoleAdmin,
			Target:  models.GrantTarget{ObjectType: models.TargetTypeProject, ObjectID: p.ID},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	r.cache.Cache().Add(p)
	return p, nil
}

// Update rewrites the mutable fields, invalidating before the write.
func (r *ProjectRepo) Update(ctx context.Context, p *models.Project) error {
	return r.cache.WithCacheIDDeletion(func() error {
		const stmt = `
			UPDATE projects
			SET display_name = $2, description = $3, enabled = $4, modified = NOW()
			WHERE id = $1`
		res, err := r.db.ext(ctx).ExecContext(ctx, stmt,
			p.ID, p.DisplayName, p.Description, p.Enabled)
		if err != nil {
			return fmt.Errorf("failed to update project %d: %w", p.ID, err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return ErrProjectNotFound
		}
		return nil
	}, []int64{p.ID})
}

// Delete removes the project, its grants, and by cascade its challenges.
func (r *ProjectRepo) Delete(ctx context.Context, id int64, grants *GrantRepo) error {
	return r.cache.WithCacheIDDeletion(func() error {
		return r.db.WithTx(ctx, func(ctx context.Context) error {
			if _, err := grants.DeleteForTarget(ctx, models.GrantTarget{
				ObjectType: models.TargetTypeProject, ObjectID: id,
			}); err != nil {
				return err
			}
			res, err := r.db.ext(ctx).ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
			if err != nil {
				return fmt.Errorf("failed to delete project %d: %w", id, err)
			}
			if affected, _ := res.RowsAffected(); affected == 0 {
				return ErrProjectNotFound
			}
			return nil
		})
	}, []int64{id})
}
