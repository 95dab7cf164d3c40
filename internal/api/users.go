// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"
	"net/mail"

	"github.com/google/uuid"

	"github.com/maproulette/maproulette-backend/internal/apierror"
	"github.com/maproulette/maproulette-backend/internal/authz"
	"github.com/maproulette/maproulette-backend/internal/models"
	"github.com/maproulette/maproulette-backend/pkg/middleware"
)

func (h *Handler) whoami(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, middleware.UserFromContext(r.Context()))
}

func (h *Handler) rotateAPIKey(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	newKey := uuid.NewString()
	if err := h.users.RotateAPIKey(r.Context(), user.ID, newKey); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"apiKey": newKey})
}

func (h *Handler) setEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	if body.Email != "" {
		if _, err := mail.ParseAddress(body.Email); err != nil {
			h.writeError(w, r, apierror.New(apierror.KindInvalid, "invalid email address"))
			return
		}
	}
	user := middleware.UserFromContext(r.Context())
	if err := h.users.SetEmail(r.Context(), user.ID, body.Email); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) userMetrics(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	user := middleware.UserFromContext(r.Context())
	if err := h.access.HasReadAccess(r.Context(), user, authz.Item{
		Type: models.ItemUser, ID: id,
	}); err != nil {
		h.writeError(w, r, err)
		return
	}
	metrics, err := h.users.Metrics(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}
