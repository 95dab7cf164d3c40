// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package review

import (
	"context"
	"database/sql/driver"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maproulette/maproulette-backend/internal/apierror"
	"github.com/maproulette/maproulette-backend/internal/cache"
	"github.com/maproulette/maproulette-backend/internal/models"
	"github.com/maproulette/maproulette-backend/internal/store"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := store.NewDatabase(sqlx.NewDb(mockDB, "sqlmock"), slog.Default())
	svc := NewService(db,
		store.NewReviewRepo(db),
		store.NewTaskRepo(db),
		store.NewChallengeRepo(db, cache.New[*models.Challenge]()),
		store.NewUserRepo(db, nil),
		store.NewLockRepo(db, time.Hour),
		store.NewTagRepo(db, cache.New[*models.Tag]()),
		nil, nil, slog.Default())
	return svc, mock
}

func reviewRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "task_id", "review_status", "review_requested_by", "reviewed_by",
		"reviewed_at", "review_started_at", "meta_review_status",
		"meta_reviewed_by", "meta_reviewed_at",
	})
}

func TestNextRequiresAuthentication(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Next(context.Background(), models.Guest(), nil, models.ReviewTasksRequested, store.ReviewOrder{}, false)
	assert.True(t, apierror.IsKind(err, apierror.KindNotAuthorized))
}

func TestStartRejectsSelfReview(t *testing.T) {
	svc, mock := newTestService(t)
	mapper := &models.User{ID: 7}

	requested := models.ReviewStatusRequested
	mock.ExpectQuery(`SELECT id, task_id, review_status`).
		WillReturnRows(reviewRows().AddRow(
			1, 10, requested, int64(7), nil, nil, nil, nil, nil, nil))

	_, err := svc.Start(context.Background(), mapper, 10)
	assert.ErrorIs(t, err, ErrSelfReview)
}

func TestStartWithoutPendingReview(t *testing.T) {
	svc, mock := newTestService(t)
	reviewer := &models.User{ID: 8}

	mock.ExpectQuery(`SELECT id, task_id, review_status`).
		WillReturnRows(reviewRows())

	_, err := svc.Start(context.Background(), reviewer, 10)
	assert.ErrorIs(t, err, ErrNotReviewable)
}

func TestDecideRejectsRequestedAsDecision(t *testing.T) {
	svc, _ := newTestService(t)
	reviewer := &models.User{ID: 8}
	_, err := svc.Decide(context.Background(), reviewer, 10, Decision{Status: models.ReviewStatusRequested})
	assert.True(t, apierror.IsKind(err, apierror.KindInvalid))
}

func TestDecideRejectsSelfReview(t *testing.T) {
	svc, mock := newTestService(t)
	mapper := &models.User{ID: 7}

	requested := models.ReviewStatusRequested
	mock.ExpectQuery(`SELECT id, task_id, review_status`).
		WillReturnRows(reviewRows().AddRow(
			1, 10, requested, int64(7), nil, nil, nil, nil, nil, nil))

	_, err := svc.Decide(context.Background(), mapper, 10, Decision{Status: models.ReviewStatusApproved})
	assert.ErrorIs(t, err, ErrSelfReview)
}

func TestDecideDisputeOnlyByMapper(t *testing.T) {
	svc, mock := newTestService(t)
	stranger := &models.User{ID: 9}

	rejected := models.ReviewStatusRejected
	mock.ExpectQuery(`SELECT id, task_id, review_status`).
		WillReturnRows(reviewRows().AddRow(
			1, 10, rejected, int64(7), int64(8), nil, nil, nil, nil, nil))

	_, err := svc.Decide(context.Background(), stranger, 10, Decision{Status: models.ReviewStatusDisputed})
	assert.True(t, apierror.IsKind(err, apierror.KindForbidden))
}

func TestDecideRejectsIllegalTransition(t *testing.T) {
	svc, mock := newTestService(t)
	reviewer := &models.User{ID: 8}

	// Unnecessary is terminal.
	unnecessary := models.ReviewStatusUnnecessary
	mock.ExpectQuery(`SELECT id, task_id, review_status`).
		WillReturnRows(reviewRows().AddRow(
			1, 10, unnecessary, int64(7), int64(8), nil, nil, nil, nil, nil))

	_, err := svc.Decide(context.Background(), reviewer, 10, Decision{Status: models.ReviewStatusApproved})
	assert.True(t, apierror.IsKind(err, apierror.KindInvalid))
}

func TestDecideRecordsVerdictAndCounters(t *testing.T) {
	svc, mock := newTestService(t)
	reviewer := &models.User{ID: 8}

	requested := models.ReviewStatusRequested
	mock.ExpectQuery(`SELECT id, task_id, review_status`).
		WillReturnRows(reviewRows().AddRow(
			1, 10, requested, int64(7), nil, nil, nil, nil, nil, nil))

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE task_review`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO task_review_history`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	// First decision counts toward total_ and initial_ for the mapper.
	mock.ExpectExec(`INSERT INTO user_metrics \(user_id, total_approved\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO user_metrics \(user_id, initial_approved\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Review time lands on the reviewer, then the lease drops.
	mock.ExpectExec(`INSERT INTO user_metrics \(user_id, total_review_time`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM locked_items`).WillReturnResult(sqlmock.NewResult(0, 1))

	approved := models.ReviewStatusApproved
	mock.ExpectQuery(`SELECT id, task_id, review_status`).
		WillReturnRows(reviewRows().AddRow(
			1, 10, approved, int64(7), int64(8), time.Now(), nil, nil, nil, nil))
	mock.ExpectQuery(`SELECT DISTINCT reviewed_by FROM task_review_history`).
		WillReturnRows(sqlmock.NewRows([]string{"reviewed_by"}).AddRow(int64(8)))

	review, err := svc.Decide(context.Background(), reviewer, 10, Decision{
		Status:          models.ReviewStatusApproved,
		Comment:         "looks right",
		TimeSpentMillis: 30_000,
	})
	require.NoError(t, err)
	require.NotNil(t, review.ReviewStatus)
	assert.Equal(t, models.ReviewStatusApproved, *review.ReviewStatus)
	assert.Empty(t, review.AdditionalReviewers)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecideRevisesTaskStatus(t *testing.T) {
	svc, mock := newTestService(t)
	reviewer := &models.User{ID: 8}

	requested := models.ReviewStatusRequested
	mock.ExpectQuery(`SELECT id, task_id, review_status`).
		WillReturnRows(reviewRows().AddRow(
			1, 10, requested, int64(7), nil, nil, nil, nil, nil, nil))

	// The revision path resolves the task and its challenge up front.
	mock.ExpectQuery(`SELECT tasks\.id, tasks\.name`).
		WillReturnRows(taskRows().AddRow(
			int64(10), "task-10", int64(3), "", int(models.TaskStatusFixed),
			int(models.TaskPriorityHigh), nil, nil, nil, int64(7), nil, nil, nil, nil, 1.5, 2.5))
	mock.ExpectQuery(`SELECT id, name, parent_id, owner_id`).
		WillReturnRows(challengeRows().AddRow(challengeRow(3, 2)...))

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE task_review`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO task_review_history`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO user_metrics \(user_id, total_assisted\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO user_metrics \(user_id, initial_assisted\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Fixed becomes AlreadyFixed; the mapper keeps credit, their score moves.
	mock.ExpectExec(`UPDATE tasks SET status`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO status_actions`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO user_metrics \(user_id, score\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE user_metrics SET total_fixed = GREATEST`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE user_metrics SET total_already_fixed`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectExec(`DELETE FROM locked_items`).WillReturnResult(sqlmock.NewResult(0, 1))

	assisted := models.ReviewStatusAssisted
	mock.ExpectQuery(`SELECT id, task_id, review_status`).
		WillReturnRows(reviewRows().AddRow(
			1, 10, assisted, int64(7), int64(8), time.Now(), nil, nil, nil, nil))
	mock.ExpectQuery(`SELECT DISTINCT reviewed_by FROM task_review_history`).
		WillReturnRows(sqlmock.NewRows([]string{"reviewed_by"}).AddRow(int64(8)))

	already := models.TaskStatusAlreadyFixed
	_, err := svc.Decide(context.Background(), reviewer, 10, Decision{
		Status:        models.ReviewStatusAssisted,
		NewTaskStatus: &already,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClearRequestMarksUnnecessary(t *testing.T) {
	svc, mock := newTestService(t)
	owner := &models.User{ID: 9}

	mock.ExpectExec(`UPDATE task_review`).WillReturnResult(sqlmock.NewResult(0, 1))
	unnecessary := models.ReviewStatusUnnecessary
	mock.ExpectQuery(`SELECT id, task_id, review_status`).
		WillReturnRows(reviewRows().AddRow(
			1, 10, unnecessary, int64(7), int64(9), time.Now(), nil, nil, nil, nil))
	mock.ExpectQuery(`SELECT DISTINCT reviewed_by FROM task_review_history`).
		WillReturnRows(sqlmock.NewRows([]string{"reviewed_by"}).AddRow(int64(9)))

	review, err := svc.ClearRequest(context.Background(), owner, 10)
	require.NoError(t, err)
	require.NotNil(t, review.ReviewStatus)
	assert.Equal(t, models.ReviewStatusUnnecessary, *review.ReviewStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClearRequestWithoutPendingReview(t *testing.T) {
	svc, mock := newTestService(t)
	owner := &models.User{ID: 9}

	// Nothing pending: the guarded UPDATE touches no row.
	mock.ExpectExec(`UPDATE task_review`).WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := svc.ClearRequest(context.Background(), owner, 10)
	assert.ErrorIs(t, err, ErrNotReviewable)
}

func TestLoadReviewListsPriorReviewers(t *testing.T) {
	svc, mock := newTestService(t)

	approved := models.ReviewStatusApproved
	mock.ExpectQuery(`SELECT id, task_id, review_status`).
		WillReturnRows(reviewRows().AddRow(
			1, 10, approved, int64(7), int64(9), time.Now(), nil, nil, nil, nil))
	// Reviewer 8 rejected first; 9 approved after the dispute.
	mock.ExpectQuery(`SELECT DISTINCT reviewed_by FROM task_review_history`).
		WillReturnRows(sqlmock.NewRows([]string{"reviewed_by"}).
			AddRow(int64(8)).AddRow(int64(9)))

	review, err := svc.loadReview(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{8}, review.AdditionalReviewers)
}

func TestDecideMetaRejectsOwnDecision(t *testing.T) {
	svc, mock := newTestService(t)
	reviewer := &models.User{ID: 8}

	approved := models.ReviewStatusApproved
	mock.ExpectQuery(`SELECT id, task_id, review_status`).
		WillReturnRows(reviewRows().AddRow(
			1, 10, approved, int64(7), int64(8), nil, nil, nil, nil, nil))

	_, err := svc.DecideMeta(context.Background(), reviewer, 10, models.ReviewStatusApproved, "", nil)
	assert.True(t, apierror.IsKind(err, apierror.KindForbidden))
}

func TestDecideMetaRequiresApprovedOrAssisted(t *testing.T) {
	svc, mock := newTestService(t)
	meta := &models.User{ID: 9}

	rejected := models.ReviewStatusRejected
	mock.ExpectQuery(`SELECT id, task_id, review_status`).
		WillReturnRows(reviewRows().AddRow(
			1, 10, rejected, int64(7), int64(8), nil, nil, nil, nil, nil))
	// The conditional UPDATE touches no row for a rejected review.
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE task_review`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := svc.DecideMeta(context.Background(), meta, 10, models.ReviewStatusApproved, "", nil)
	assert.True(t, apierror.IsKind(err, apierror.KindInvalid))
}

func taskRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "parent_id", "instruction", "status", "priority",
		"bundle_id", "is_bundle_primary", "mapped_on", "completed_by",
		"changeset_id", "geojson", "cooperative_work", "responses", "lat", "lng",
	})
}

func challengeRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "parent_id", "owner_id", "instruction", "difficulty",
		"status", "status_message", "enabled", "is_archived", "cooperative_type",
		"overpass_ql", "remote_geo_json", "review_setting", "refresh_interval",
		"last_task_refresh", "high_priority_rule", "medium_priority_rule",
		"low_priority_rule", "default_priority", "created", "modified",
	})
}

func challengeRow(id, projectID int64) []driver.Value {
	return []driver.Value{
		id, "challenge", projectID, int64(1), "", 1,
		int(models.ChallengeStatusReady), "", true, false,
		int(models.CooperativeTypeNone), "", "", true, nil, nil,
		"", "", "", int(models.TaskPriorityMedium), time.Now(), time.Now(),
	}
}
