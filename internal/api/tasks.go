// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/maproulette/maproulette-backend/internal/apierror"
	"github.com/maproulette/maproulette-backend/internal/models"
	"github.com/maproulette/maproulette-backend/internal/store"
	"github.com/maproulette/maproulette-backend/internal/task"
	"github.com/maproulette/maproulette-backend/pkg/middleware"
)

// nextTask selects the next workable task in a challenge.
//
// Query parameters: strategy=random|proximity|sequential (default random),
// lat/lng or nearTask for proximity, current and direction for sequential,
// status as a comma list of status codes, onlySaved to restrict to the
// caller's bookmarks, excludeLocked=false to include leased tasks.
func (h *Handler) nextTask(w http.ResponseWriter, r *http.Request) {
	challengeID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	user := middleware.UserFromContext(r.Context())

	req := task.NextRequest{
		Strategy:    task.SelectionStrategy(r.URL.Query().Get("strategy")),
		ChallengeID: challengeID,
		Params: &models.SearchParameters{
			Challenge: models.ChallengeSearchParameters{IDs: []int64{challengeID}},
		},
	}
	if req.Strategy == "" {
		req.Strategy = task.SelectRandom
	}
	if statuses, err := parseStatusList(r.URL.Query().Get("status")); err != nil {
		h.writeError(w, r, err)
		return
	} else {
		req.Params.Task.Statuses = statuses
	}

	q := r.URL.Query()
	if q.Get("lat") != "" || q.Get("lng") != "" {
		lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
		lng, lngErr := strconv.ParseFloat(q.Get("lng"), 64)
		if latErr != nil || lngErr != nil {
			h.writeError(w, r, apierror.New(apierror.KindInvalid, "invalid lat/lng"))
			return
		}
		req.Near = &models.Point{Lat: lat, Lng: lng}
	}
	if near := q.Get("nearTask"); near != "" {
		id, err := strconv.ParseInt(near, 10, 64)
		if err != nil {
			h.writeError(w, r, apierror.New(apierror.KindInvalid, "invalid nearTask"))
			return
		}
		req.NearTaskID = id
	}
	if current := q.Get("current"); current != "" {
		id, err := strconv.ParseInt(current, 10, 64)
		if err != nil {
			h.writeError(w, r, apierror.New(apierror.KindInvalid, "invalid current task"))
			return
		}
		req.CurrentTaskID = id
	}
	req.Forward = q.Get("direction") != "backward"
	req.OnlySaved = q.Get("onlySaved") == "true"
	req.IncludeLocked = q.Get("excludeLocked") == "false"

	next, err := h.tasks.Next(r.Context(), user, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	t, err := h.taskRepo.Retrieve(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) startTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	user := middleware.UserFromContext(r.Context())
	t, lock, err := h.tasks.Start(r.Context(), user, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": t, "lock": lock})
}

func (h *Handler) releaseTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	user := middleware.UserFromContext(r.Context())
	if err := h.tasks.Release(r.Context(), user, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) refreshTaskLock(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	user := middleware.UserFromContext(r.Context())
	lock, err := h.tasks.RefreshLock(r.Context(), user, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lock)
}

// statusChangeBody is the optional payload of a status change.
type statusChangeBody struct {
	Comment             string          `json:"comment,omitempty"`
	Tags                []string        `json:"tags,omitempty"`
	Responses           json.RawMessage `json:"responses,omitempty"`
	Bundled             *bool           `json:"bundled,omitempty"`
	CompletionTimeSpent int64           `json:"completionTimeSpent,omitempty"`
}

func (h *Handler) setTaskStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	statusCode, err := strconv.Atoi(r.PathValue("status"))
	if err != nil {
		h.writeError(w, r, apierror.New(apierror.KindInvalid, "invalid status in path"))
		return
	}
	var body statusChangeBody
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	user := middleware.UserFromContext(r.Context())
	status := models.TaskStatus(statusCode)
	if _, err := h.tasks.Complete(r.Context(), user, id, task.Completion{
		Status:          status,
		Comment:         body.Comment,
		Tags:            body.Tags,
		Responses:       body.Responses,
		Bundled:         body.Bundled,
		TimeSpentMillis: body.CompletionTimeSpent,
	}); err != nil {
		h.writeError(w, r, err)
		return
	}
	if body.Comment != "" {
		if _, err := h.comments.Create(r.Context(), &store.Comment{
			UserID:     user.ID,
			TaskID:     id,
			Text:       body.Comment,
			TaskStatus: &status,
		}); err != nil {
			h.logger.Warn("failed to store status comment", "task", id, "error", err)
		}
		if h.mailer != nil {
			h.mailer.NotifyMentions(r.Context(), user, id, body.Comment)
		}
	}
	h.metrics.TasksCompleted.WithLabelValues(status.String()).Inc()
	w.WriteHeader(http.StatusNoContent)
}

// saveTask bookmarks the task for the caller.
func (h *Handler) saveTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	user := middleware.UserFromContext(r.Context())
	if err := h.users.SaveTask(r.Context(), user.ID, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) unsaveTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	user := middleware.UserFromContext(r.Context())
	if err := h.users.UnsaveTask(r.Context(), user.ID, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// savedTasks lists the caller's bookmarked tasks, most recently saved first.
func (h *Handler) savedTasks(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	ids, err := h.users.SavedTaskIDs(r.Context(), user.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	tasks, err := h.taskRepo.RetrieveList(r.Context(), ids, 0, 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handler) setTaskResponses(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var responses json.RawMessage
	if err := decodeBody(r, &responses); err != nil {
		h.writeError(w, r, err)
		return
	}
	user := middleware.UserFromContext(r.Context())
	if err := h.tasks.UpdateResponses(r.Context(), user, id, responses); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) clusterTasks(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	points := 25
	if raw := r.URL.Query().Get("points"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, r, apierror.New(apierror.KindInvalid, "invalid points"))
			return
		}
		points = parsed
	}
	params := &models.SearchParameters{}
	if raw := r.URL.Query().Get("challengeId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.writeError(w, r, apierror.New(apierror.KindInvalid, "invalid challengeId"))
			return
		}
		params.Challenge.IDs = []int64{id}
	}
	clusters, err := h.tasks.Clusters(r.Context(), user, params, points)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, clusters)
}

// bundleBody creates a bundle around a primary task.
type bundleBody struct {
	PrimaryID int64   `json:"primaryId"`
	TaskIDs   []int64 `json:"taskIds"`
}

func (h *Handler) createBundle(w http.ResponseWriter, r *http.Request) {
	var body bundleBody
	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	user := middleware.UserFromContext(r.Context())
	bundle, err := h.tasks.Bundle(r.Context(), user, body.PrimaryID, body.TaskIDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, bundle)
}

func (h *Handler) getBundle(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	bundle, err := h.bundles.Retrieve(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (h *Handler) deleteBundle(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	user := middleware.UserFromContext(r.Context())
	if err := h.tasks.Unbundle(r.Context(), user, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) taskComments(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	comments, err := h.comments.ForTask(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, comments)
}

func (h *Handler) addTaskComment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var body struct {
		Comment string `json:"comment"`
	}
	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(body.Comment) == "" {
		h.writeError(w, r, apierror.New(apierror.KindInvalid, "comment must not be empty"))
		return
	}
	user := middleware.UserFromContext(r.Context())
	comment, err := h.comments.Create(r.Context(),
		&store.Comment{UserID: user.ID, TaskID: id, Text: body.Comment})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.mailer != nil {
		h.mailer.NotifyMentions(r.Context(), user, id, body.Comment)
	}
	writeJSON(w, http.StatusCreated, comment)
}

// parseStatusList decodes a comma separated status code list.
func parseStatusList(raw string) ([]models.TaskStatus, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]models.TaskStatus, 0, len(parts))
	for _, part := range parts {
		code, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, apierror.New(apierror.KindInvalid, "invalid status %q", part)
		}
		status := models.TaskStatus(code)
		if !status.IsValid() {
			return nil, apierror.New(apierror.KindInvalid, "unknown status %d", code)
		}
		out = append(out, status)
	}
	return out, nil
}
