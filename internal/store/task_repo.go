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
	"github.com/maproulette/maproulette-backend/internal/query"
)

// TaskRepo persists tasks and answers the candidate-selection queries of the
// task engine.
type TaskRepo struct {
	db *Database
}

// NewTaskRepo creates the repository.
func NewTaskRepo(db *Database) *TaskRepo {
	return &TaskRepo{db: db}
}

// taskRow is the scan target for candidate queries.
type taskRow struct {
	ID              int64               `db:"id"`
	Name            string              `db:"name"`
	ParentID        int64               `db:"parent_id"`
	Instruction     string              `db:"instruction"`
	Status          models.TaskStatus   `db:"status"`
	Priority        models.TaskPriority `db:"priority"`
	BundleID        *int64              `db:"bundle_id"`
	IsBundlePrimary *bool               `db:"is_bundle_primary"`
	MappedOn        *time.Time          `db:"mapped_on"`
	CompletedBy     *int64              `db:"completed_by"`
	ChangesetID     *int64              `db:"changeset_id"`
	Lat             float64             `db:"lat"`
	Lng             float64             `db:"lng"`
}

func (r taskRow) toTask() *models.Task {
	return &models.Task{
		ID: r.ID, Name: r.Name, ParentID: r.ParentID, Instruction: r.Instruction,
		Status: r.Status, Priority: r.Priority, BundleID: r.BundleID,
		IsBundlePrimary: r.IsBundlePrimary, MappedOn: r.MappedOn,
		CompletedBy: r.CompletedBy, ChangesetID: r.ChangesetID,
		Location: models.Point{Lat: r.Lat, Lng: r.Lng},
	}
}

// Retrieve loads a full task row including geometries and responses.
func (r *TaskRepo) Retrieve(ctx context.Context, id int64) (*models.Task, error) {
	const stmt = `
		SELECT tasks.id, tasks.name, tasks.parent_id, tasks.instruction,
			tasks.status, tasks.priority, tasks.bundle_id, tasks.is_bundle_primary,
			tasks.mapped_on, tasks.completed_by, tasks.changeset_id,
			tasks.geojson, tasks.cooperative_work, tasks.responses,
			ST_Y(tasks.location::geometry) AS lat, ST_X(tasks.location::geometry) AS lng
		FROM tasks WHERE tasks.id = $1`

	row := r.db.ext(ctx).QueryRowxContext(ctx, stmt, id)

	var tr taskRow
	var geojson, cooperative, responses sql.NullString
	err := row.Scan(&tr.ID, &tr.Name, &tr.ParentID, &tr.Instruction, &tr.Status,
		&tr.Priority, &tr.BundleID, &tr.IsBundlePrimary, &tr.MappedOn,
		&tr.CompletedBy, &tr.ChangesetID, &geojson, &cooperative, &responses,
		&tr.Lat, &tr.Lng)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve task %d: %w", id, err)
	}

	task := tr.toTask()
	if geojson.Valid {
		task.Geometries = json.RawMessage(geojson.String)
	}
	if cooperative.Valid {
		task.CooperativeWork = json.RawMessage(cooperative.String)
	}
	if responses.Valid {
		task.Responses = json.RawMessage(responses.String)
	}
	return task, nil
}

// RetrieveList loads tasks by id. A limit <= 0 disables paging; a positive
// limit pages normally.
func (r *TaskRepo) RetrieveList(ctx context.Context, ids []int64, limit, page int) ([]*models.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := query.New(taskSelectBase,
		query.NewFilter(query.Parameter{Column: "id", Table: "tasks", Op: query.IN, Value: ids})).
		WithOrder(query.OrderField{Name: "id", Table: "tasks", Direction: query.ASC, IsColumn: true})
	if limit > 0 {
		q.WithPaging(limit, page)
	}
	return r.queryTasks(ctx, q)
}

// candidateQuery assembles the reachable, filtered candidate set.
func (r *TaskRepo) candidateQuery(user *models.User, params *models.SearchParameters, excludeLocked bool) *query.Query {
	groups := taskFilterGroups(params)
	groups = append(groups, reachableScopeGroup(user))
	if excludeLocked {
		groups = append(groups, query.NewFilterGroup(query.AND, query.CustomParameter(
			"NOT EXISTS (SELECT 1 FROM locked_items li"+
				" WHERE li.item_type = 2 AND li.item_id = tasks.id)")))
	}
	return query.New(taskSelectBase+taskReviewJoin, query.NewGroupedFilter(query.AND, groups...))
}

// CountCandidates returns how many tasks match the filters within the user's
// reachable scope.
func (r *TaskRepo) CountCandidates(ctx context.Context, user *models.User, params *models.SearchParameters, excludeLocked bool) (int, error) {
	groups := taskFilterGroups(params)
	groups = append(groups, reachableScopeGroup(user))
	if excludeLocked {
		groups = append(groups, query.NewFilterGroup(query.AND, query.CustomParameter(
			"NOT EXISTS (SELECT 1 FROM locked_items li"+
				" WHERE li.item_type = 2 AND li.item_id = tasks.id)")))
	}
	q := query.New(
		"SELECT COUNT(*) FROM tasks"+
			" INNER JOIN challenges ON challenges.id = tasks.parent_id"+
			" INNER JOIN projects ON projects.id = challenges.parent_id"+
			taskReviewJoin,
		query.NewGroupedFilter(query.AND, groups...))

	statement, bindings, err := q.SQL()
	if err != nil {
		return 0, err
	}
	rows, err := r.db.namedQuery(ctx, statement, bindings)
	if err != nil {
		return 0, fmt.Errorf("failed to count candidate tasks: %w", err)
	}
	defer rows.Close()
	count := 0
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, err
		}
	}
	return count, rows.Err()
}

// CandidateIDs lists the ids of every matching task within the user's
// reachable scope, ordered by id. A limit <= 0 disables the cap.
func (r *TaskRepo) CandidateIDs(ctx context.Context, user *models.User, params *models.SearchParameters, limit int) ([]int64, error) {
	groups := taskFilterGroups(params)
	groups = append(groups, reachableScopeGroup(user))
	q := query.New(
		"SELECT tasks.id FROM tasks"+
			" INNER JOIN challenges ON challenges.id = tasks.parent_id"+
			" INNER JOIN projects ON projects.id = challenges.parent_id"+
			taskReviewJoin,
		query.NewGroupedFilter(query.AND, groups...)).
		WithOrder(query.OrderField{Name: "id", Table: "tasks", Direction: query.ASC, IsColumn: true})
	if limit > 0 {
		q.WithPaging(limit, 0)
	}
	statement, bindings, err := q.SQL()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.namedQuery(ctx, statement, bindings)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidate task ids: %w", err)
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

// CandidateAt returns the candidate at the uniform random offset. Random
// selection counts first and offsets into the set, never buffering it.
func (r *TaskRepo) CandidateAt(ctx context.Context, user *models.User, params *models.SearchParameters, offset int, excludeLocked bool) (*models.Task, error) {
	q := r.candidateQuery(user, params, excludeLocked).
		WithOrder(query.OrderField{Name: "tasks.id", Direction: query.ASC}).
		WithPaging(1, offset)
	tasks, err := r.queryTasks(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, ErrTaskNotFound
	}
	return tasks[0], nil
}

// NearestCandidate orders candidates by distance to the reference point using
// the spatial index ordering operator.
func (r *TaskRepo) NearestCandidate(ctx context.Context, user *models.User, params *models.SearchParameters, ref models.Point, excludeLocked bool) (*models.Task, error) {
	q := r.candidateQuery(user, params, excludeLocked).
		WithOrder(query.OrderField{
			Name: fmt.Sprintf("tasks.location <-> ST_SetSRID(ST_MakePoint(%f, %f), 4326)::geography", ref.Lng, ref.Lat),
		}).WithPaging(1, 0)

	tasks, err := r.queryTasks(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, ErrTaskNotFound
	}
	return tasks[0], nil
}

// SequentialCandidate returns the next (or previous) task id within the same
// challenge, wrapping to the first (or last) on overflow.
func (r *TaskRepo) SequentialCandidate(ctx context.Context, challengeID, currentTaskID int64, forward bool) (*models.Task, error) {
	cmp, order, wrapOrder := ">", query.ASC, query.ASC
	if !forward {
		cmp, order, wrapOrder = "<", query.DESC, query.DESC
	}

	q := query.New(taskSelectBase, query.NewFilter(
		query.Parameter{Column: "parent_id", Table: "tasks", Op: query.EQ, Value: challengeID},
		query.CustomBound("tasks.id "+cmp+" {}", currentTaskID),
	)).WithOrder(query.OrderField{Name: "id", Table: "tasks", Direction: order, IsColumn: true}).
		WithPaging(1, 0)

	tasks, err := r.queryTasks(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(tasks) > 0 {
		return tasks[0], nil
	}

	// Wrap around to the first (or last) task of the challenge.
	q = query.New(taskSelectBase, query.NewFilter(
		query.Parameter{Column: "parent_id", Table: "tasks", Op: query.EQ, Value: challengeID},
	)).WithOrder(query.OrderField{Name: "id", Table: "tasks", Direction: wrapOrder, IsColumn: true}).
		WithPaging(1, 0)
	tasks, err = r.queryTasks(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, ErrTaskNotFound
	}
	return tasks[0], nil
}

// ClusterPoints loads id, centroid and priority for every matching task, for
// the k-means clusterer.
func (r *TaskRepo) ClusterPoints(ctx context.Context, user *models.User, params *models.SearchParameters, limit int) ([]models.Task, error) {
	q := r.candidateQuery(user, params, false)
	if limit > 0 {
		q.WithPaging(limit, 0)
	}
	tasks, err := r.queryTasks(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]models.Task, len(tasks))
	for i, t := range tasks {
		out[i] = *t
	}
	return out, nil
}

// Upsert inserts a built task or refreshes its geometry on rebuild. Tasks
// keep their status across rebuilds; only the data columns change.
func (r *TaskRepo) Upsert(ctx context.Context, t *models.Task) (int64, error) {
	const stmt = `
		INSERT INTO tasks (name, parent_id, instruction, geojson, status, priority,
			cooperative_work, location, created, modified)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7,
			ST_SetSRID(ST_MakePoint($8, $9), 4326), NOW(), NOW())
		ON CONFLICT (parent_id, name) DO UPDATE
		SET instruction = EXCLUDED.instruction,
			geojson = EXCLUDED.geojson,
			priority = EXCLUDED.priority,
			cooperative_work = EXCLUDED.cooperative_work,
			location = EXCLUDED.location,
			modified = NOW()
		RETURNING id`
	var coop any
	if t.HasCooperativeWork() {
		coop = string(t.CooperativeWork)
	}
	var id int64
	err := r.db.ext(ctx).QueryRowxContext(ctx, stmt,
		t.Name, t.ParentID, t.Instruction, string(t.Geometries),
		t.Status, t.Priority, coop, t.Location.Lng, t.Location.Lat).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert task %q in challenge %d: %w",
			t.Name, t.ParentID, err)
	}
	return id, nil
}

// UpdateStatus persists a validated transition and stamps completion
// metadata.
func (r *TaskRepo) UpdateStatus(ctx context.Context, taskID int64, status models.TaskStatus, userID int64) error {
	const stmt = `
		UPDATE tasks
		SET status = $2, mapped_on = NOW(), completed_by = $3, modified = NOW()
		WHERE id = $1`
	res, err := r.db.ext(ctx).ExecContext(ctx, stmt, taskID, status, userID)
	if err != nil {
		return fmt.Errorf("failed to update status of task %d: %w", taskID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// ReviseStatus changes the status while keeping the original completion
// credit. Used when a reviewer corrects the outcome of someone else's work.
func (r *TaskRepo) ReviseStatus(ctx context.Context, taskID int64, status models.TaskStatus) error {
	const stmt = `
		UPDATE tasks
		SET status = $2, modified = NOW()
		WHERE id = $1`
	res, err := r.db.ext(ctx).ExecContext(ctx, stmt, taskID, status)
	if err != nil {
		return fmt.Errorf("failed to revise status of task %d: %w", taskID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// RevertStatus restores a status without crediting a mapper, clearing the
// completion stamp. Used when a cooperative submission fails after the
// status was recorded.
func (r *TaskRepo) RevertStatus(ctx context.Context, taskID int64, status models.TaskStatus) error {
	const stmt = `
		UPDATE tasks
		SET status = $2, mapped_on = NULL, completed_by = NULL, modified = NOW()
		WHERE id = $1`
	res, err := r.db.ext(ctx).ExecContext(ctx, stmt, taskID, status)
	if err != nil {
		return fmt.Errorf("failed to revert status of task %d: %w", taskID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// UpdateResponses overwrites the free-form completion responses.
func (r *TaskRepo) UpdateResponses(ctx context.Context, taskID int64, responses json.RawMessage) error {
	const stmt = `UPDATE tasks SET responses = $2, modified = NOW() WHERE id = $1`
	res, err := r.db.ext(ctx).ExecContext(ctx, stmt, taskID, string(responses))
	if err != nil {
		return fmt.Errorf("failed to update responses of task %d: %w", taskID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// SetChangeset records the OSM changeset id after a successful submission.
func (r *TaskRepo) SetChangeset(ctx context.Context, taskID, changesetID int64) error {
	const stmt = `UPDATE tasks SET changeset_id = $2, modified = NOW() WHERE id = $1`
	_, err := r.db.ext(ctx).ExecContext(ctx, stmt, taskID, changesetID)
	if err != nil {
		return fmt.Errorf("failed to set changeset on task %d: %w", taskID, err)
	}
	return nil
}

// BundleMemberIDs returns every task id in the bundle.
func (r *TaskRepo) BundleMemberIDs(ctx context.Context, bundleID int64) ([]int64, error) {
	const stmt = `SELECT id FROM tasks WHERE bundle_id = $1 ORDER BY id`
	rows, err := r.db.ext(ctx).QueryxContext(ctx, stmt, bundleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load bundle %d members: %w", bundleID, err)
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

// IDsForChallenge lists every task id under the challenge.
func (r *TaskRepo) IDsForChallenge(ctx context.Context, challengeID int64) ([]int64, error) {
	const stmt = `SELECT id FROM tasks WHERE parent_id = $1 ORDER BY id`
	rows, err := r.db.ext(ctx).QueryxContext(ctx, stmt, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks of challenge %d: %w", challengeID, err)
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

// RecordAction inserts a status-action audit row.
func (r *TaskRepo) RecordAction(ctx context.Context, action *models.StatusAction) error {
	if action.Action == "" {
		action.Action = models.ActionStatusSet
	}
	const stmt = `
		INSERT INTO status_actions (user_id, project_id, task_id, action, old_status, status, comment, created)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`
	_, err := r.db.ext(ctx).ExecContext(ctx, stmt,
		action.UserID, action.ProjectID, action.TaskID, action.Action,
		action.OldStatus, action.NewStatus, action.Comment)
	if err != nil {
		return fmt.Errorf("failed to record status action: %w", err)
	}
	return nil
}

func (r *TaskRepo) queryTasks(ctx context.Context, q *query.Query) ([]*models.Task, error) {
	statement, bindings, err := q.SQL()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.namedQuery(ctx, statement, bindings)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		var tr taskRow
		if err := rows.StructScan(&tr); err != nil {
			return nil, err
		}
		tasks = append(tasks, tr.toTask())
	}
	return tasks, rows.Err()
}
