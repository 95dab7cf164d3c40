// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"
	"strconv"

	"github.com/maproulette/maproulette-backend/internal/apierror"
	"github.com/maproulette/maproulette-backend/internal/authz"
	"github.com/maproulette/maproulette-backend/internal/models"
	"github.com/maproulette/maproulette-backend/pkg/middleware"
)

// listKeywords pages the tag vocabulary, optionally narrowed by type and
// name prefix.
func (h *Handler) listKeywords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tagType := q.Get("tagType")
	if tagType == "" {
		tagType = models.TagTypeChallenges
	}
	limit, page := 50, 0
	var err error
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 {
			h.writeError(w, r, apierror.New(apierror.KindInvalid, "invalid limit"))
			return
		}
	}
	if raw := q.Get("page"); raw != "" {
		if page, err = strconv.Atoi(raw); err != nil || page < 0 {
			h.writeError(w, r, apierror.New(apierror.KindInvalid, "invalid page"))
			return
		}
	}
	tags, err := h.tags.List(r.Context(), tagType, q.Get("prefix"), limit, page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tags)
}

func (h *Handler) createKeyword(w http.ResponseWriter, r *http.Request) {
	var body models.Tag
	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	tag, err := h.tags.Create(r.Context(), &body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tag)
}

func (h *Handler) taskTags(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	tags, err := h.tags.ForTask(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tags)
}

// tagListBody replaces an item's keyword set.
type tagListBody struct {
	Tags []string `json:"tags"`
}

func (h *Handler) setTaskTags(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var body tagListBody
	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	task, err := h.taskRepo.Retrieve(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	challenge, err := h.challenges.Retrieve(r.Context(), task.ParentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	user := middleware.UserFromContext(r.Context())
	if err := h.access.HasWriteAccess(r.Context(), user, authz.Item{
		Type: models.ItemTask, ID: id, ProjectID: challenge.ParentID,
	}); err != nil {
		h.writeError(w, r, err)
		return
	}
	tags, err := h.tags.SetTaskTags(r.Context(), id, body.Tags)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tags)
}

func (h *Handler) challengeTags(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	tags, err := h.tags.ForChallenge(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tags)
}

func (h *Handler) setChallengeTags(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var body tagListBody
	if err := decodeBody(r, &body); err != nil {
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
	tags, err := h.tags.SetChallengeTags(r.Context(), id, body.Tags)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tags)
}
