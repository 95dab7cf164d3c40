// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maproulette/maproulette-backend/internal/cache"
	"github.com/maproulette/maproulette-backend/internal/models"
	"github.com/maproulette/maproulette-backend/internal/query"
)

func newMockDB(t *testing.T) (*Database, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	pool := sqlx.NewDb(mockDB, "sqlmock")
	return NewDatabase(pool, slog.Default()), mock
}

func TestLockRepoAcquire(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLockRepo(db, time.Hour)

	now := time.Now()
	mock.ExpectQuery(`INSERT INTO locked_items`).
		WithArgs(models.LockItemTask, int64(42), int64(7), "1h0m0s").
		WillReturnRows(sqlmock.NewRows(
			[]string{"item_type", "item_id", "user_id", "locked_time"}).
			AddRow(models.LockItemTask, 42, 7, now))

	lock, err := repo.Acquire(context.Background(), models.LockItemTask, 42, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), lock.UserID)
	assert.Equal(t, int64(42), lock.ItemID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockRepoAcquireHeldByOther(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLockRepo(db, time.Hour)

	// A live lease held by someone else means the upsert returns no row.
	mock.ExpectQuery(`INSERT INTO locked_items`).
		WithArgs(models.LockItemTask, int64(42), int64(7), "1h0m0s").
		WillReturnRows(sqlmock.NewRows(
			[]string{"item_type", "item_id", "user_id", "locked_time"}))

	_, err := repo.Acquire(context.Background(), models.LockItemTask, 42, 7)
	assert.ErrorIs(t, err, ErrLockHeld)
}

func TestLockRepoReleaseNotHeld(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLockRepo(db, time.Hour)

	mock.ExpectExec(`DELETE FROM locked_items`).
		WithArgs(models.LockItemTask, int64(42), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT item_type, item_id, user_id, locked_time`).
		WithArgs(models.LockItemTask, int64(42), "1h0m0s").
		WillReturnRows(sqlmock.NewRows(
			[]string{"item_type", "item_id", "user_id", "locked_time"}).
			AddRow(models.LockItemTask, 42, 9, time.Now()))

	err := repo.Release(context.Background(), models.LockItemTask, 42, 7)
	assert.ErrorIs(t, err, ErrLockNotHeld)
}

func TestLockRepoReleaseIdempotent(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLockRepo(db, time.Hour)

	mock.ExpectExec(`DELETE FROM locked_items`).
		WithArgs(models.LockItemTask, int64(42), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT item_type, item_id, user_id, locked_time`).
		WithArgs(models.LockItemTask, int64(42), "1h0m0s").
		WillReturnRows(sqlmock.NewRows(
			[]string{"item_type", "item_id", "user_id", "locked_time"}))

	// No lease at all: releasing is silent.
	assert.NoError(t, repo.Release(context.Background(), models.LockItemTask, 42, 7))
}

func TestTaskRepoUpdateStatus(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTaskRepo(db)

	mock.ExpectExec(`UPDATE tasks`).
		WithArgs(int64(10), models.TaskStatusFixed, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateStatus(context.Background(), 10, models.TaskStatusFixed, 7)
	assert.NoError(t, err)
}

func TestTaskRepoUpdateStatusMissing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTaskRepo(db)

	mock.ExpectExec(`UPDATE tasks`).
		WithArgs(int64(10), models.TaskStatusFixed, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateStatus(context.Background(), 10, models.TaskStatusFixed, 7)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTaskRepoRetrieveListEmpty(t *testing.T) {
	db, _ := newMockDB(t)
	repo := NewTaskRepo(db)

	tasks, err := repo.RetrieveList(context.Background(), nil, 10, 0)
	assert.NoError(t, err)
	assert.Nil(t, tasks)
}

func TestUserRepoApplyScoreRollsBackPriorCredit(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepo(db, nil)

	// Fixed (5) replacing FalsePositive (3) nets +2 and swaps counters.
	mock.ExpectExec(`INSERT INTO user_metrics`).
		WithArgs(int64(7), 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE user_metrics SET total_false_positive = GREATEST`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE user_metrics SET total_fixed = total_fixed \+ 1`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.ApplyScore(context.Background(), 7,
		models.TaskStatusFalsePositive, models.TaskStatusFixed)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepoApplyScoreFirstCompletion(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepo(db, nil)

	mock.ExpectExec(`INSERT INTO user_metrics`).
		WithArgs(int64(7), 5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE user_metrics SET total_fixed = total_fixed \+ 1`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.ApplyScore(context.Background(), 7,
		models.TaskStatusCreated, models.TaskStatusFixed)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepoByAPIKeyLoadsGrants(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepo(db, []int64{99})

	mock.ExpectQuery(`SELECT id, osm_id, name, api_key, email, osm_token, created, modified`).
		WithArgs("key-123").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "osm_id", "name", "api_key", "email", "osm_token", "created", "modified"}).
			AddRow(7, 700, "mapper", "key-123", "", "", time.Now(), time.Now()))
	mock.ExpectQuery(`SELECT id, name, grantee_type, grantee_id, role, object_type, object_id`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "name", "grantee_type", "grantee_id", "role", "object_type", "object_id"}).
			AddRow(1, "p1 admin", "user", 7, models.RoleAdmin, "project", 31))

	user, err := repo.ByAPIKey(context.Background(), "key-123")
	require.NoError(t, err)
	assert.False(t, user.IsSuperUser)
	require.Len(t, user.Grants, 1)
	assert.True(t, user.ManagesProject(31))
	assert.False(t, user.ManagesProject(32))
}

func TestUserRepoByIDNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepo(db, nil)

	mock.ExpectQuery(`SELECT id, osm_id, name`).
		WithArgs(int64(404)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.ByID(context.Background(), 404)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestGrantRepoCreateDuplicate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGrantRepo(db)

	mock.ExpectQuery(`INSERT INTO grants`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.Create(context.Background(), &models.Grant{
		Grantee: models.Grantee{GranteeType: models.GranteeTypeUser, GranteeID: 7},
		Role:    models.RoleWrite,
		Target:  models.GrantTarget{ObjectType: models.TargetTypeProject, ObjectID: 31},
	})
	assert.ErrorIs(t, err, ErrDuplicateGrant)
}

func TestReviewRepoSetDecisionMissing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReviewRepo(db)

	mock.ExpectExec(`UPDATE task_review`).
		WithArgs(int64(10), models.ReviewStatusApproved, int64(8)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetDecision(context.Background(), 10, models.ReviewStatusApproved, 8)
	assert.ErrorIs(t, err, ErrReviewNotFound)
}

func TestReviewRepoSetMetaDecisionRequiresApprovedOrAssisted(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReviewRepo(db)

	// The WHERE clause filters out reviews that are not Approved or Assisted.
	mock.ExpectExec(`UPDATE task_review`).
		WithArgs(int64(10), models.ReviewStatusRejected, int64(9),
			models.ReviewStatusApproved, models.ReviewStatusAssisted).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetMetaDecision(context.Background(), 10, models.ReviewStatusRejected, 9)
	assert.ErrorIs(t, err, ErrReviewNotFound)
}

func TestReviewCandidateQueryComposesFilters(t *testing.T) {
	db, _ := newMockDB(t)
	repo := NewReviewRepo(db)

	params := &models.SearchParameters{}
	params.Task.Statuses = []models.TaskStatus{models.TaskStatusCreated, models.TaskStatusSkipped}
	user := &models.User{ID: 5}

	q := repo.candidateQuery(user, params, models.ReviewTasksRequested, true, false)
	statement, bindings, err := q.SQL()
	require.NoError(t, err)

	// Status filter, requester exclusion and the other-reviewer exclusion all
	// land in the one statement.
	assert.Contains(t, statement, "tasks.status IN (:")
	assert.Contains(t, statement, "task_review.review_requested_by <> :")
	assert.Contains(t, statement, "task_review.reviewed_by IS NULL OR task_review.reviewed_by = :")
	assert.Contains(t, statement, "LEFT JOIN task_review")

	values := make([]any, 0, len(bindings))
	for _, v := range bindings {
		values = append(values, v)
	}
	assert.Contains(t, values, models.TaskStatusCreated)
	assert.Contains(t, values, models.TaskStatusSkipped)
	assert.Contains(t, values, int64(5))
}

func TestReviewOrderWhitelistsSortKeys(t *testing.T) {
	f := ReviewOrder{SortBy: "reviewed_at", Descending: true}.field()
	assert.Equal(t, "reviewed_at", f.Name)
	assert.Equal(t, "task_review", f.Table)
	assert.Equal(t, query.DESC, f.Direction)

	// Unrecognised keys fall back to the default instead of reaching SQL.
	f = ReviewOrder{SortBy: "tasks.id; DROP TABLE tasks"}.field()
	assert.Equal(t, "mapped_on", f.Name)
	assert.Equal(t, "tasks", f.Table)
	assert.Equal(t, query.ASC, f.Direction)
}

func TestNotificationRepoClaimImmediate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewNotificationRepo(db)

	now := time.Now()
	mock.ExpectQuery(`UPDATE user_notifications SET emailed_at`).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "user_id", "notification_type", "subject", "body", "immediate", "emailed_at", "created"}).
			AddRow(1, 7, "review", "Task reviewed", "body", true, now, now).
			AddRow(2, 8, "mention", "You were mentioned", "body", true, now, now))

	batch, err := repo.PendingImmediate(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, batch, 2)
	assert.Equal(t, int64(7), batch[0].UserID)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE tasks`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	sentinel := errors.New("boom")
	err := db.WithTx(context.Background(), func(ctx context.Context) error {
		_, execErr := db.ext(ctx).ExecContext(ctx, "UPDATE tasks SET status = 1")
		require.NoError(t, execErr)
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxJoinsAmbientTransaction(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := db.WithTx(context.Background(), func(ctx context.Context) error {
		// The nested call must not open a second transaction.
		return db.WithTx(ctx, func(ctx context.Context) error { return nil })
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func tagRow(id int64, name, tagType string) *sqlmock.Rows {
	return sqlmock.NewRows(
		[]string{"id", "name", "description", "tag_type", "created", "modified"}).
		AddRow(id, name, "", tagType, time.Now(), time.Now())
}

func TestTagRepoFindOrCreateNormalizesAndDedupes(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTagRepo(db, cache.New[*models.Tag]())

	mock.ExpectQuery(`INSERT INTO tags`).
		WithArgs("highway", models.TagTypeTasks).
		WillReturnRows(tagRow(1, "highway", models.TagTypeTasks))
	mock.ExpectQuery(`INSERT INTO tags`).
		WithArgs("water", models.TagTypeTasks).
		WillReturnRows(tagRow(2, "water", models.TagTypeTasks))

	tags, err := repo.FindOrCreate(context.Background(), models.TagTypeTasks,
		[]string{"Highway", " highway ", "water"})
	require.NoError(t, err)
	require.Len(t, tags, 2)
	assert.Equal(t, "highway", tags[0].Name)
	assert.Equal(t, int64(2), tags[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTagRepoSetTaskTagsReplacesSet(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTagRepo(db, cache.New[*models.Tag]())

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO tags`).
		WithArgs("highway", models.TagTypeTasks).
		WillReturnRows(tagRow(1, "highway", models.TagTypeTasks))
	mock.ExpectExec(`DELETE FROM tags_on_tasks`).
		WithArgs(int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO tags_on_tasks`).
		WithArgs(int64(1), int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tags, err := repo.SetTaskTags(context.Background(), 10, []string{"highway"})
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTagRepoSetTaskTagsClearsWithEmptyList(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTagRepo(db, cache.New[*models.Tag]())

	// No names resolve, so the delete runs and no insert follows.
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM tags_on_tasks`).
		WithArgs(int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	tags, err := repo.SetTaskTags(context.Background(), 10, nil)
	require.NoError(t, err)
	assert.Empty(t, tags)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepoSaveTaskIdempotent(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepo(db, nil)

	// The conflict target swallows a repeat bookmark.
	mock.ExpectExec(`INSERT INTO saved_tasks`).
		WithArgs(int64(7), int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, repo.SaveTask(context.Background(), 7, 42))
}

func TestUserRepoSavedTaskIDsNewestFirst(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepo(db, nil)

	mock.ExpectQuery(`SELECT task_id FROM saved_tasks`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"task_id"}).AddRow(42).AddRow(17))

	ids, err := repo.SavedTaskIDs(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, []int64{42, 17}, ids)
}

func TestUserRepoAddReviewTimeSpent(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepo(db, nil)

	mock.ExpectExec(`INSERT INTO user_metrics \(user_id, total_review_time`).
		WithArgs(int64(7), int64(30000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.AddReviewTimeSpent(context.Background(), 7, 30000))
}

func TestTaskRepoRecordActionDefaultsToStatusSet(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTaskRepo(db)

	mock.ExpectExec(`INSERT INTO status_actions`).
		WithArgs(int64(7), int64(3), int64(10), models.ActionStatusSet,
			models.TaskStatusCreated, models.TaskStatusFixed, "").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.RecordAction(context.Background(), &models.StatusAction{
		UserID:    7,
		ProjectID: 3,
		TaskID:    10,
		OldStatus: models.TaskStatusCreated,
		NewStatus: models.TaskStatusFixed,
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRepoReviseStatusMissing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTaskRepo(db)

	mock.ExpectExec(`UPDATE tasks`).
		WithArgs(int64(10), models.TaskStatusAlreadyFixed).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.ReviseStatus(context.Background(), 10, models.TaskStatusAlreadyFixed)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestReviewRepoMarkUnnecessaryRequiresPending(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReviewRepo(db)

	// Only a still-Requested review can be retired.
	mock.ExpectExec(`UPDATE task_review`).
		WithArgs(int64(10), models.ReviewStatusUnnecessary, int64(8),
			models.ReviewStatusRequested).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkUnnecessary(context.Background(), 10, 8)
	assert.ErrorIs(t, err, ErrReviewNotFound)
}
