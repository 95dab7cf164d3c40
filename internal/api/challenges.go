// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"net/http"

	"github.com/maproulette/maproulette-backend/internal/apierror"
	"github.com/maproulette/maproulette-backend/internal/authz"
	"github.com/maproulette/maproulette-backend/internal/logging"
	"github.com/maproulette/maproulette-backend/internal/models"
	"github.com/maproulette/maproulette-backend/pkg/middleware"
)

func (h *Handler) getChallenge(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	c, err := h.challenges.Retrieve(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) createChallenge(w http.ResponseWriter, r *http.Request) {
	var c models.Challenge
	if err := decodeBody(r, &c); err != nil {
		h.writeError(w, r, err)
		return
	}
	if c.Name == "" || c.ParentID == 0 {
		h.writeError(w, r, apierror.New(apierror.KindInvalid,
			"challenge requires a name and a parent project"))
		return
	}
	user := middleware.UserFromContext(r.Context())
	if err := h.access.HasWriteAccess(r.Context(), user, authz.Item{
		Type: models.ItemChallenge, ProjectID: c.ParentID,
	}); err != nil {
		h.writeError(w, r, err)
		return
	}
	c.OwnerID = user.ID
	if c.Status == models.ChallengeStatusNone {
		c.Status = models.ChallengeStatusBuilding
	}
	created, err := h.challenges.Create(r.Context(), &c)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	// Builds from a data source run in the background; the response returns
	// as soon as the challenge row exists.
	if created.OverpassQL != "" || created.RemoteGeoJSON != "" {
		go h.buildAsync(created.ID)
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) buildAsync(challengeID int64) {
	ctx := logging.NewContext(context.Background(), h.logger)
	if err := h.builder.Build(ctx, challengeID); err != nil {
		h.logger.Warn("background challenge build failed",
			"challenge", challengeID, "error", err)
	}
}

func (h *Handler) updateChallenge(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	existing, err := h.challenges.Retrieve(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	user := middleware.UserFromContext(r.Context())
	if err := h.access.HasWriteAccess(r.Context(), user, authz.Item{
		Type: models.ItemChallenge, ID: id, ProjectID: existing.ParentID,
	}); err != nil {
		h.writeError(w, r, err)
		return
	}
	var c models.Challenge
	if err := decodeBody(r, &c); err != nil {
		h.writeError(w, r, err)
		return
	}
	c.ID = id
	c.ParentID = existing.ParentID
	c.OwnerID = existing.OwnerID
	if err := h.challenges.Update(r.Context(), &c); err != nil {
		h.writeError(w, r, err)
		return
	}
	updated, err := h.challenges.Retrieve(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) deleteChallenge(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	existing, err := h.challenges.Retrieve(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	user := middleware.UserFromContext(r.Context())
	if err := h.access.HasAdminAccess(r.Context(), user, authz.Item{
		Type: models.ItemChallenge, ID: id, ProjectID: existing.ParentID,
	}); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.challenges.Delete(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) rebuildChallenge(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	existing, err := h.challenges.Retrieve(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	user := middleware.UserFromContext(r.Context())
	if err := h.access.HasWriteAccess(r.Context(), user, authz.Item{
		Type: models.ItemChallenge, ID: id, ProjectID: existing.ParentID,
	}); err != nil {
		h.writeError(w, r, err)
		return
	}
	go h.buildAsync(id)
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) recomputePriorities(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	existing, err := h.challenges.Retrieve(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	user := middleware.UserFromContext(r.Context())
	if err := h.access.HasWriteAccess(r.Context(), user, authz.Item{
		Type: models.ItemChallenge, ID: id, ProjectID: existing.ParentID,
	}); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.tasks.RecomputePriorities(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// virtualChallengeBody creates a virtual challenge from a search snapshot.
// Tasks come either from an explicit id list or, when that is empty, from
// materialising the search parameters.
type virtualChallengeBody struct {
	Name    string                  `json:"name"`
	Params  models.SearchParameters `json:"searchParameters"`
	TaskIDs []int64                 `json:"taskIds"`
}

// virtualChallengeTaskCap bounds the snapshot when the tasks come from a
// search rather than an explicit id list.
const virtualChallengeTaskCap = 10000

func (h *Handler) createVirtualChallenge(w http.ResponseWriter, r *http.Request) {
	var body virtualChallengeBody
	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	if body.Name == "" {
		h.writeError(w, r, apierror.New(apierror.KindInvalid,
			"virtual challenge requires a name"))
		return
	}
	user := middleware.UserFromContext(r.Context())
	taskIDs := body.TaskIDs
	if len(taskIDs) == 0 {
		if !body.Params.HasTaskFilters() {
			h.writeError(w, r, apierror.New(apierror.KindInvalid,
				"virtual challenge requires explicit tasks or task filters"))
			return
		}
		var err error
		taskIDs, err = h.taskRepo.CandidateIDs(r.Context(), user, &body.Params, virtualChallengeTaskCap)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if len(taskIDs) == 0 {
			h.writeError(w, r, apierror.New(apierror.KindInvalid,
				"no tasks match the search"))
			return
		}
	}
	vc := &models.VirtualChallenge{
		Name:    body.Name,
		OwnerID: user.ID,
		Params:  body.Params,
		TaskIDs: taskIDs,
	}
	created, err := h.virtual.Create(r.Context(), vc)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) getVirtualChallenge(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	vc, err := h.virtual.Retrieve(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vc)
}

func (h *Handler) virtualChallengeTasks(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ids, err := h.virtual.TaskIDs(r.Context(), id)
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
