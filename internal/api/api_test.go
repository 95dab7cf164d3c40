// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maproulette/maproulette-backend/internal/apierror"
	"github.com/maproulette/maproulette-backend/internal/models"
	"github.com/maproulette/maproulette-backend/internal/review"
	"github.com/maproulette/maproulette-backend/internal/store"
	"github.com/maproulette/maproulette-backend/internal/task"
	"github.com/maproulette/maproulette-backend/pkg/middleware"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"no tasks", task.ErrNoTasksAvailable, http.StatusNotFound},
		{"no reviews", review.ErrNoReviewsPending, http.StatusNotFound},
		{"task missing", store.ErrTaskNotFound, http.StatusNotFound},
		{"lock held", store.ErrLockHeld, http.StatusConflict},
		{"bundle conflict", store.ErrBundleConflict, http.StatusConflict},
		{"duplicate grant", store.ErrDuplicateGrant, http.StatusConflict},
		{"not locked", task.ErrNotLocked, http.StatusBadRequest},
		{"bad transition", task.ErrInvalidTransition, http.StatusBadRequest},
		{"self review", review.ErrSelfReview, http.StatusForbidden},
		{"invalid", apierror.New(apierror.KindInvalid, "bad"), http.StatusBadRequest},
		{"unauthorized", apierror.New(apierror.KindNotAuthorized, "no"), http.StatusUnauthorized},
		{"forbidden", apierror.New(apierror.KindForbidden, "no"), http.StatusForbidden},
		{"conflict", apierror.New(apierror.KindConflict, "busy"), http.StatusConflict},
		{"fatal", assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, httpStatus(tc.err))
		})
	}
}

func TestWriteErrorEnvelope(t *testing.T) {
	h := &Handler{logger: slog.Default()}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v2/task/1", nil)

	h.writeError(rec, req, store.ErrTaskNotFound)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, http.StatusNotFound, body.Status)
	assert.NotEmpty(t, body.Message)
}

func TestWriteErrorSanitisesInternalDetail(t *testing.T) {
	h := &Handler{logger: slog.Default()}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	h.writeError(rec, req, assert.AnError)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal server error", body.Message)
	assert.NotContains(t, body.Message, assert.AnError.Error())
}

func TestWriteErrorClearsSessionOnUnauthorized(t *testing.T) {
	h := &Handler{logger: slog.Default()}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	h.writeError(rec, req, apierror.New(apierror.KindNotAuthorized, "expired"))

	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	assert.Equal(t, middleware.SessionCookie, cookies[0].Name)
	assert.Negative(t, cookies[0].MaxAge)
}

func TestParseStatusList(t *testing.T) {
	statuses, err := parseStatusList("0, 3,6")
	require.NoError(t, err)
	assert.Equal(t, []models.TaskStatus{
		models.TaskStatusCreated, models.TaskStatusSkipped, models.TaskStatusTooHard,
	}, statuses)

	statuses, err = parseStatusList("")
	require.NoError(t, err)
	assert.Nil(t, statuses)

	_, err = parseStatusList("0,banana")
	assert.True(t, apierror.IsKind(err, apierror.KindInvalid))

	_, err = parseStatusList("42")
	assert.True(t, apierror.IsKind(err, apierror.KindInvalid))
}

func TestPathIDRejectsGarbage(t *testing.T) {
	h := &Handler{logger: slog.Default()}
	for _, raw := range []string{"abc", "-4", "0", ""} {
		req := httptest.NewRequest(http.MethodGet, "/api/v2/task/x", nil)
		req.SetPathValue("id", raw)
		rec := httptest.NewRecorder()
		h.getTask(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "id %q", raw)
	}
}

func TestHealth(t *testing.T) {
	h := &Handler{logger: slog.Default()}
	rec := httptest.NewRecorder()
	h.health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestWhoamiDefaultsToGuest(t *testing.T) {
	h := &Handler{logger: slog.Default()}
	rec := httptest.NewRecorder()
	h.whoami(rec, httptest.NewRequest(http.MethodGet, "/api/v2/user/whoami", nil))

	var user models.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))
	assert.Equal(t, models.GuestUserID, user.ID)
}

func TestLogoutClearsSession(t *testing.T) {
	h := &Handler{logger: slog.Default()}
	rec := httptest.NewRecorder()
	h.logout(rec, httptest.NewRequest(http.MethodPost, "/auth/logout", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	assert.Negative(t, cookies[0].MaxAge)
}

func TestAddTaskCommentRejectsBlank(t *testing.T) {
	h := &Handler{logger: slog.Default()}
	req := httptest.NewRequest(http.MethodPost, "/api/v2/task/5/comment",
		strings.NewReader(`{"comment":"   "}`))
	req.SetPathValue("id", "5")
	req = req.WithContext(middleware.WithUser(req.Context(), &models.User{ID: 9}))
	rec := httptest.NewRecorder()

	h.addTaskComment(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPreviewTagChangeRejectsEmptyList(t *testing.T) {
	h := &Handler{logger: slog.Default()}
	req := httptest.NewRequest(http.MethodPost, "/api/v2/changes/tagChange",
		strings.NewReader(`[]`))
	rec := httptest.NewRecorder()

	h.previewTagChange(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateVirtualChallengeValidation(t *testing.T) {
	h := &Handler{logger: slog.Default()}
	for name, payload := range map[string]string{
		"missing name":        `{"taskIds":[1]}`,
		"no tasks or filters": `{"name":"leftovers"}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/v2/virtualChallenge",
			strings.NewReader(payload))
		req = req.WithContext(middleware.WithUser(req.Context(), &models.User{ID: 9}))
		rec := httptest.NewRecorder()
		h.createVirtualChallenge(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}
