// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/maproulette/maproulette-backend/internal/cache"
	"github.com/maproulette/maproulette-backend/internal/models"
)

// TagRepo persists challenge keywords and task tags behind a read-through
// cache.
type TagRepo struct {
	db    *Database
	cache *cache.Manager[*models.Tag]
}

// NewTagRepo creates the repository.
func NewTagRepo(db *Database, c *cache.Cache[*models.Tag]) *TagRepo {
	return &TagRepo{db: db, cache: cache.NewManager(c)}
}

const tagSelect = `
	SELECT id, name, description, tag_type, created, modified
	FROM tags`

// Retrieve loads a tag through the cache.
func (r *TagRepo) Retrieve(ctx context.Context, id int64) (*models.Tag, error) {
	tag, found, err := r.cache.WithOptionCaching(id, func() (*models.Tag, bool, error) {
		var t models.Tag
		err := r.db.ext(ctx).QueryRowxContext(ctx, tagSelect+` WHERE id = $1`, id).StructScan(&t)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to load tag %d: %w", id, err)
		}
		return &t, true, nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrTagNotFound
	}
	return tag, nil
}

// ByName looks a tag up by normalized name within its type.
func (r *TagRepo) ByName(ctx context.Context, tagType, name string) (*models.Tag, error) {
	name = models.NormalizeTagName(name)
	if t, ok := r.cache.Cache().Find(tagType + ":" + name); ok {
		return t, nil
	}
	var t models.Tag
	err := r.db.ext(ctx).QueryRowxContext(ctx,
		tagSelect+` WHERE tag_type = $1 AND name = $2`, tagType, name).StructScan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTagNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tag %q: %w", name, err)
	}
	r.cache.Cache().Add(&t)
	return &t, nil
}

// List pages tags of a type, optionally filtered by a name prefix for
// typeahead completion.
func (r *TagRepo) List(ctx context.Context, tagType, prefix string, limit, page int) ([]*models.Tag, error) {
	stmt := tagSelect + ` WHERE tag_type = $1`
	args := []any{tagType}
	if prefix != "" {
		stmt += ` AND name LIKE $2`
		args = append(args, models.NormalizeTagName(prefix)+"%")
	}
	stmt += ` ORDER BY name`
	if limit > 0 {
		stmt += fmt.Sprintf(` LIMIT %d OFFSET %d`, limit, limit*page)
	}
	rows, err := r.db.ext(ctx).QueryxContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	defer rows.Close()
	var out []*models.Tag
	for rows.Next() {
		var t models.Tag
		if err := rows.StructScan(&t); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// Create inserts a tag with a normalized name.
func (r *TagRepo) Create(ctx context.Context, t *models.Tag) (*models.Tag, error) {
	t.Name = models.NormalizeTagName(t.Name)
	if t.TagType == "" {
		t.TagType = models.TagTypeChallenges
	}
	const stmt = `
		INSERT INTO tags (name, description, tag_type, created, modified)
		VALUES ($1, $2, $3, NOW(), NOW())
		RETURNING id, created, modified`
	err := r.db.ext(ctx).QueryRowxContext(ctx, stmt, t.Name, t.Description, t.TagType).
		Scan(&t.ID, &t.Created, &t.Modified)
	if err != nil {
		return nil, fmt.Errorf("failed to create tag %q: %w", t.Name, err)
	}
	r.cache.Cache().Add(t)
	return t, nil
}

// Update rewrites the mutable fields, invalidating before the write.
func (r *TagRepo) Update(ctx context.Context, t *models.Tag) error {
	t.Name = models.NormalizeTagName(t.Name)
	return r.cache.WithCacheIDDeletion(func() error {
		const stmt = `
			UPDATE tags SET name = $2, description = $3, modified = NOW()
			WHERE id = $1`
		res, err := r.db.ext(ctx).ExecContext(ctx, stmt, t.ID, t.Name, t.Description)
		if err != nil {
			return fmt.Errorf("failed to update tag %d: %w", t.ID, err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return ErrTagNotFound
		}
		return nil
	}, []int64{t.ID})
}

// Delete removes the tag; mapping rows cascade.
func (r *TagRepo) Delete(ctx context.Context, id int64) error {
	return r.cache.WithCacheIDDeletion(func() error {
		res, err := r.db.ext(ctx).ExecContext(ctx, `DELETE FROM tags WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to delete tag %d: %w", id, err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return ErrTagNotFound
		}
		return nil
	}, []int64{id})
}

// FindOrCreate resolves names to tags of the type, inserting the ones that do
// not exist yet. The upsert keys on (name, tag_type) so concurrent callers
// converge on the same row.
func (r *TagRepo) FindOrCreate(ctx context.Context, tagType string, names []string) ([]*models.Tag, error) {
	names = models.NormalizeTagNames(names)
	out := make([]*models.Tag, 0, len(names))
	for _, name := range names {
		const stmt = `
			INSERT INTO tags (name, tag_type, created, modified)
			VALUES ($1, $2, NOW(), NOW())
			ON CONFLICT (name, tag_type) DO UPDATE SET modified = tags.modified
			RETURNING id, name, description, tag_type, created, modified`
		var t models.Tag
		err := r.db.ext(ctx).QueryRowxContext(ctx, stmt, name, tagType).StructScan(&t)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve tag %q: %w", name, err)
		}
		r.cache.Cache().Add(&t)
		out = append(out, &t)
	}
	return out, nil
}

// ForTask lists the tags attached to a task.
func (r *TagRepo) ForTask(ctx context.Context, taskID int64) ([]*models.Tag, error) {
	return r.forItem(ctx, `
		SELECT tags.id, tags.name, tags.description, tags.tag_type, tags.created, tags.modified
		FROM tags INNER JOIN tags_on_tasks ON tags_on_tasks.tag_id = tags.id
		WHERE tags_on_tasks.task_id = $1
		ORDER BY tags.name`, taskID)
}

// ForChallenge lists the keywords attached to a challenge.
func (r *TagRepo) ForChallenge(ctx context.Context, challengeID int64) ([]*models.Tag, error) {
	return r.forItem(ctx, `
		SELECT tags.id, tags.name, tags.description, tags.tag_type, tags.created, tags.modified
		FROM tags INNER JOIN tags_on_challenges ON tags_on_challenges.tag_id = tags.id
		WHERE tags_on_challenges.challenge_id = $1
		ORDER BY tags.name`, challengeID)
}

func (r *TagRepo) forItem(ctx context.Context, stmt string, id int64) ([]*models.Tag, error) {
	rows, err := r.db.ext(ctx).QueryxContext(ctx, stmt, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags for item %d: %w", id, err)
	}
	defer rows.Close()
	var out []*models.Tag
	for rows.Next() {
		var t models.Tag
		if err := rows.StructScan(&t); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// SetTaskTags replaces the task's tag set with the named tags, creating
// missing ones. Runs in one transaction so readers never see a half-replaced
// set.
func (r *TagRepo) SetTaskTags(ctx context.Context, taskID int64, names []string) ([]*models.Tag, error) {
	return r.replaceMappings(ctx, "tags_on_tasks", "task_id", taskID, models.TagTypeTasks, names)
}

// SetChallengeTags replaces the challenge's keyword set.
func (r *TagRepo) SetChallengeTags(ctx context.Context, challengeID int64, names []string) ([]*models.Tag, error) {
	return r.replaceMappings(ctx, "tags_on_challenges", "challenge_id", challengeID, models.TagTypeChallenges, names)
}

func (r *TagRepo) replaceMappings(ctx context.Context, table, column string, itemID int64, tagType string, names []string) ([]*models.Tag, error) {
	var tags []*models.Tag
	err := r.db.WithTx(ctx, func(ctx context.Context) error {
		var err error
		tags, err = r.FindOrCreate(ctx, tagType, names)
		if err != nil {
			return err
		}
		if _, err := r.db.ext(ctx).ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`, table, column), itemID); err != nil {
			return fmt.Errorf("failed to clear tags on %s %d: %w", column, itemID, err)
		}
		if len(tags) == 0 {
			return nil
		}
		ids := make([]int64, len(tags))
		for i, t := range tags {
			ids[i] = t.ID
		}
		stmt, args, err := sqlx.In(
			fmt.Sprintf(`INSERT INTO %s (tag_id, %s) SELECT unnest(ARRAY[?]), ?`, table, column),
			ids, itemID)
		if err != nil {
			return err
		}
		e := r.db.ext(ctx)
		if _, err := e.ExecContext(ctx, e.Rebind(stmt), args...); err != nil {
			return fmt.Errorf("failed to attach tags to %s %d: %w", column, itemID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tags, nil
}
