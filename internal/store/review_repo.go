// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/maproulette/maproulette-backend/internal/models"
	"github.com/maproulette/maproulette-backend/internal/query"
)

// ReviewRepo persists the 0..1 review record per task plus its audit history.
type ReviewRepo struct {
	db *Database
}

// NewReviewRepo creates the repository.
func NewReviewRepo(db *Database) *ReviewRepo {
	return &ReviewRepo{db: db}
}

// ForTask loads the review record of a task, or ErrReviewNotFound.
func (r *ReviewRepo) ForTask(ctx context.Context, taskID int64) (*models.TaskReview, error) {
	const stmt = `
		SELECT id, task_id, review_status, review_requested_by, reviewed_by,
			reviewed_at, review_started_at, meta_review_status, meta_reviewed_by,
			meta_reviewed_at
		FROM task_review WHERE task_id = $1`

	var review models.TaskReview
	err := r.db.ext(ctx).QueryRowxContext(ctx, stmt, taskID).StructScan(&review)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReviewNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load review for task %d: %w", taskID, err)
	}
	return &review, nil
}

// UpsertRequest (re-)enters the task into the review loop. A prior decision is
// superseded but the reviewed_by attribution survives so re-reviews route back
// to the original reviewer.
func (r *ReviewRepo) UpsertRequest(ctx context.Context, taskID, requestedBy int64) error {
	const stmt = `
		INSERT INTO task_review (task_id, review_status, review_requested_by)
		VALUES ($1, $2, $3)
		ON CONFLICT (task_id) DO UPDATE
			SET review_status = EXCLUDED.review_status,
				review_requested_by = EXCLUDED.review_requested_by,
				reviewed_at = NULL,
				review_started_at = NULL,
				meta_review_status = NULL,
				meta_reviewed_by = NULL,
				meta_reviewed_at = NULL`
	_, err := r.db.ext(ctx).ExecContext(ctx, stmt, taskID, models.ReviewStatusRequested, requestedBy)
	if err != nil {
		return fmt.Errorf("failed to request review for task %d: %w", taskID, err)
	}
	return nil
}

// ClearRequest removes an outstanding review request, for example when a
// cooperative completion is rolled back before any reviewer saw it.
func (r *ReviewRepo) ClearRequest(ctx context.Context, taskID int64) error {
	const stmt = `
		DELETE FROM task_review
		WHERE task_id = $1 AND review_status = $2 AND reviewed_by IS NULL`
	_, err := r.db.ext(ctx).ExecContext(ctx, stmt, taskID, models.ReviewStatusRequested)
	if err != nil {
		return fmt.Errorf("failed to clear review request for task %d: %w", taskID, err)
	}
	return nil
}

// MarkUnnecessary retires an unreviewed request. Unlike ClearRequest the row
// survives, recording that review was considered and waved off.
func (r *ReviewRepo) MarkUnnecessary(ctx context.Context, taskID, userID int64) error {
	const stmt = `
		UPDATE task_review
		SET review_status = $2, reviewed_by = $3, reviewed_at = NOW()
		WHERE task_id = $1 AND review_status = $4`
	res, err := r.db.ext(ctx).ExecContext(ctx, stmt,
		taskID, models.ReviewStatusUnnecessary, userID, models.ReviewStatusRequested)
	if err != nil {
		return fmt.Errorf("failed to mark review unnecessary for task %d: %w", taskID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrReviewNotFound
	}
	return nil
}

// MarkStarted stamps review_started_at when a reviewer claims the task.
func (r *ReviewRepo) MarkStarted(ctx context.Context, taskID int64) error {
	const stmt = `UPDATE task_review SET review_started_at = NOW() WHERE task_id = $1`
	res, err := r.db.ext(ctx).ExecContext(ctx, stmt, taskID)
	if err != nil {
		return fmt.Errorf("failed to mark review started for task %d: %w", taskID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrReviewNotFound
	}
	return nil
}

// SetDecision records the reviewer's verdict.
func (r *ReviewRepo) SetDecision(ctx context.Context, taskID int64, status models.ReviewStatus, reviewedBy int64) error {
	const stmt = `
		UPDATE task_review
		SET review_status = $2, reviewed_by = $3, reviewed_at = NOW()
		WHERE task_id = $1`
	res, err := r.db.ext(ctx).ExecContext(ctx, stmt, taskID, status, reviewedBy)
	if err != nil {
		return fmt.Errorf("failed to record review decision for task %d: %w", taskID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrReviewNotFound
	}
	return nil
}

// SetMetaDecision records the meta-reviewer's verdict over an Approved or
// Assisted review.
func (r *ReviewRepo) SetMetaDecision(ctx context.Context, taskID int64, status models.ReviewStatus, metaReviewedBy int64) error {
	const stmt = `
		UPDATE task_review
		SET meta_review_status = $2, meta_reviewed_by = $3, meta_reviewed_at = NOW()
		WHERE task_id = $1 AND review_status IN ($4, $5)`
	res, err := r.db.ext(ctx).ExecContext(ctx, stmt, taskID, status, metaReviewedBy,
		models.ReviewStatusApproved, models.ReviewStatusAssisted)
	if err != nil {
		return fmt.Errorf("failed to record meta-review decision for task %d: %w", taskID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrReviewNotFound
	}
	return nil
}

// AppendHistory writes an audit row for every review state change.
func (r *ReviewRepo) AppendHistory(ctx context.Context, taskID int64, requestedBy, reviewedBy *int64, status models.ReviewStatus) error {
	const stmt = `
		INSERT INTO task_review_history (task_id, requested_by, reviewed_by, review_status, reviewed_at)
		VALUES ($1, $2, $3, $4, NOW())`
	_, err := r.db.ext(ctx).ExecContext(ctx, stmt, taskID, requestedBy, reviewedBy, status)
	if err != nil {
		return fmt.Errorf("failed to append review history for task %d: %w", taskID, err)
	}
	return nil
}

// HistoricalReviewers lists every distinct user who has reviewed the task,
// drawn from its audit history.
func (r *ReviewRepo) HistoricalReviewers(ctx context.Context, taskID int64) ([]int64, error) {
	const stmt = `
		SELECT DISTINCT reviewed_by FROM task_review_history
		WHERE task_id = $1 AND reviewed_by IS NOT NULL
		ORDER BY reviewed_by`
	rows, err := r.db.ext(ctx).QueryxContext(ctx, stmt, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load review history for task %d: %w", taskID, err)
	}
	defer rows.Close()
	var reviewers []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		reviewers = append(reviewers, id)
	}
	return reviewers, rows.Err()
}

// ReviewOrder selects the candidate ordering. The zero value sorts by
// mapped_on ascending, oldest completion first.
type ReviewOrder struct {
	SortBy     string
	Descending bool
}

// reviewSortColumns whitelists the caller-selectable sort keys so column
// names never reach SQL unchecked.
var reviewSortColumns = map[string]query.OrderField{
	"id":                  {Name: "id", Table: "tasks", IsColumn: true},
	"name":                {Name: "name", Table: "tasks", IsColumn: true},
	"status":              {Name: "status", Table: "tasks", IsColumn: true},
	"priority":            {Name: "priority", Table: "tasks", IsColumn: true},
	"mapped_on":           {Name: "mapped_on", Table: "tasks", IsColumn: true},
	"review_requested_by": {Name: "review_requested_by", Table: "task_review", IsColumn: true},
	"reviewed_by":         {Name: "reviewed_by", Table: "task_review", IsColumn: true},
	"review_status":       {Name: "review_status", Table: "task_review", IsColumn: true},
	"reviewed_at":         {Name: "reviewed_at", Table: "task_review", IsColumn: true},
	"review_started_at":   {Name: "review_started_at", Table: "task_review", IsColumn: true},
	"meta_review_status":  {Name: "meta_review_status", Table: "task_review", IsColumn: true},
}

// field resolves the order against the whitelist. Unknown and empty sort keys
// fall back to the mapped_on default.
func (o ReviewOrder) field() query.OrderField {
	f, ok := reviewSortColumns[o.SortBy]
	if !ok {
		f = reviewSortColumns["mapped_on"]
	}
	f.Direction = query.ASC
	if o.Descending {
		f.Direction = query.DESC
	}
	return f
}

// candidateQuery assembles the filtered, visibility-restricted review set.
func (r *ReviewRepo) candidateQuery(user *models.User, params *models.SearchParameters, reviewType models.ReviewTasksType, excludeOtherReviewers, excludeLocked bool) *query.Query {
	groups := taskFilterGroups(params)
	groups = append(groups, reviewVisibilityGroups(user, reviewType, excludeOtherReviewers)...)
	if excludeLocked {
		groups = append(groups, query.NewFilterGroup(query.AND, query.CustomParameter(
			"NOT EXISTS (SELECT 1 FROM locked_items li"+
				" WHERE li.item_type = 3 AND li.item_id = tasks.id)")))
	}
	return query.New(taskSelectBase+taskReviewJoin, query.NewGroupedFilter(query.AND, groups...))
}

// NextCandidate returns the first reviewable task for the user in the
// requested order, or ErrTaskNotFound when the queue is empty.
func (r *ReviewRepo) NextCandidate(ctx context.Context, user *models.User, params *models.SearchParameters, reviewType models.ReviewTasksType, order ReviewOrder, excludeOtherReviewers bool) (*models.Task, error) {
	q := r.candidateQuery(user, params, reviewType, excludeOtherReviewers, true).
		WithOrder(order.field()).
		WithPaging(1, 0)
	tasks, err := r.queryTasks(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, ErrTaskNotFound
	}
	return tasks[0], nil
}

// ListCandidates pages through the reviewable set. A limit <= 0 disables
// paging.
func (r *ReviewRepo) ListCandidates(ctx context.Context, user *models.User, params *models.SearchParameters, reviewType models.ReviewTasksType, order ReviewOrder, excludeOtherReviewers bool, limit, page int) ([]*models.Task, error) {
	q := r.candidateQuery(user, params, reviewType, excludeOtherReviewers, false).
		WithOrder(order.field())
	if limit > 0 {
		q.WithPaging(limit, page)
	}
	return r.queryTasks(ctx, q)
}

func (r *ReviewRepo) queryTasks(ctx context.Context, q *query.Query) ([]*models.Task, error) {
	statement, bindings, err := q.SQL()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.namedQuery(ctx, statement, bindings)
	if err != nil {
		return nil, fmt.Errorf("failed to query review candidates: %w", err)
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
