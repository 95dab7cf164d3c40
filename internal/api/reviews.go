// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/maproulette/maproulette-backend/internal/apierror"
	"github.com/maproulette/maproulette-backend/internal/models"
	"github.com/maproulette/maproulette-backend/internal/review"
	"github.com/maproulette/maproulette-backend/internal/store"
	"github.com/maproulette/maproulette-backend/pkg/middleware"
)

func reviewParams(r *http.Request) (*models.SearchParameters, models.ReviewTasksType, error) {
	params := &models.SearchParameters{}
	reviewType := models.ReviewTasksRequested
	if raw := r.URL.Query().Get("reviewType"); raw != "" {
		code, err := strconv.Atoi(raw)
		if err != nil || code < int(models.ReviewTasksRequested) ||
			code > int(models.ReviewTasksMetaReview) {
			return nil, 0, apierror.New(apierror.KindInvalid, "invalid reviewType")
		}
		reviewType = models.ReviewTasksType(code)
	}
	if raw := r.URL.Query().Get("challengeId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, 0, apierror.New(apierror.KindInvalid, "invalid challengeId")
		}
		params.Challenge.IDs = []int64{id}
	}
	return params, reviewType, nil
}

// reviewOrderParam reads the sort and order query parameters. Sort keys are
// whitelisted in the store; anything unrecognised gets the default order.
func reviewOrderParam(r *http.Request) store.ReviewOrder {
	return store.ReviewOrder{
		SortBy:     r.URL.Query().Get("sort"),
		Descending: strings.EqualFold(r.URL.Query().Get("order"), "DESC"),
	}
}

func (h *Handler) nextReview(w http.ResponseWriter, r *http.Request) {
	params, reviewType, err := reviewParams(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	user := middleware.UserFromContext(r.Context())
	excludeOthers := r.URL.Query().Get("excludeOtherReviewers") == "true"
	next, err := h.reviews.Next(r.Context(), user, params, reviewType, reviewOrderParam(r), excludeOthers)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (h *Handler) listReviews(w http.ResponseWriter, r *http.Request) {
	params, reviewType, err := reviewParams(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, page := 50, 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 {
			h.writeError(w, r, apierror.New(apierror.KindInvalid, "invalid limit"))
			return
		}
	}
	if raw := r.URL.Query().Get("page"); raw != "" {
		if page, err = strconv.Atoi(raw); err != nil || page < 0 {
			h.writeError(w, r, apierror.New(apierror.KindInvalid, "invalid page"))
			return
		}
	}
	user := middleware.UserFromContext(r.Context())
	tasks, err := h.reviews.List(r.Context(), user, params, reviewType, reviewOrderParam(r), limit, page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handler) startReview(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	user := middleware.UserFromContext(r.Context())
	review, err := h.reviews.Start(r.Context(), user, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, review)
}

func (h *Handler) cancelReview(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	user := middleware.UserFromContext(r.Context())
	if err := h.reviews.Cancel(r.Context(), user, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseReviewStatus(r *http.Request) (models.ReviewStatus, error) {
	code, err := strconv.Atoi(r.PathValue("status"))
	if err != nil {
		return 0, apierror.New(apierror.KindInvalid, "invalid review status in path")
	}
	return models.ReviewStatus(code), nil
}

// reviewDecisionBody is the optional payload of a review decision.
type reviewDecisionBody struct {
	Comment string   `json:"comment,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	// NewTaskStatus lets the reviewer correct the task outcome in the same
	// call, typically alongside an Assisted verdict.
	NewTaskStatus   *int  `json:"newTaskStatus,omitempty"`
	ReviewTimeSpent int64 `json:"reviewTimeSpent,omitempty"`
}

func (h *Handler) decideReview(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status, err := parseReviewStatus(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var body reviewDecisionBody
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	decision := review.Decision{
		Status:          status,
		Comment:         body.Comment,
		Tags:            body.Tags,
		TimeSpentMillis: body.ReviewTimeSpent,
	}
	if body.NewTaskStatus != nil {
		taskStatus := models.TaskStatus(*body.NewTaskStatus)
		decision.NewTaskStatus = &taskStatus
	}
	user := middleware.UserFromContext(r.Context())
	if _, err := h.reviews.Decide(r.Context(), user, id, decision); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.metrics.ReviewsDecided.WithLabelValues(status.String()).Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decideMetaReview(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status, err := parseReviewStatus(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var body reviewDecisionBody
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	user := middleware.UserFromContext(r.Context())
	if _, err := h.reviews.DecideMeta(r.Context(), user, id, status, body.Comment, body.Tags); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// clearReviewRequest retires a pending request without a verdict.
func (h *Handler) clearReviewRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	user := middleware.UserFromContext(r.Context())
	if _, err := h.reviews.ClearRequest(r.Context(), user, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
