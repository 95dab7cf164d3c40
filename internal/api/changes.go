// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"

	"github.com/maproulette/maproulette-backend/internal/apierror"
	"github.com/maproulette/maproulette-backend/internal/osm"
	"github.com/maproulette/maproulette-backend/pkg/middleware"
)

// previewTagChange renders the effective delta of the requested tag edits,
// either as JSON or as the osmChange XML a submission would upload when
// changeType=osmchange.
func (h *Handler) previewTagChange(w http.ResponseWriter, r *http.Request) {
	var changes []osm.TagChange
	if err := decodeBody(r, &changes); err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(changes) == 0 {
		h.writeError(w, r, apierror.New(apierror.KindInvalid, "no changes supplied"))
		return
	}
	user := middleware.UserFromContext(r.Context())

	if r.URL.Query().Get("changeType") == "osmchange" {
		rendered, err := h.submitter.PreviewOSMChange(r.Context(), user, changes)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(rendered)
		return
	}

	deltas, err := h.submitter.PreviewTagChanges(r.Context(), user, changes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deltas)
}

// submitBody carries a changeset comment plus the edits to apply.
type submitBody struct {
	Comment string          `json:"comment"`
	Changes []osm.TagChange `json:"changes"`
}

func (h *Handler) submitChanges(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(body.Changes) == 0 {
		h.writeError(w, r, apierror.New(apierror.KindInvalid, "no changes supplied"))
		return
	}
	user := middleware.UserFromContext(r.Context())
	rendered, changesetID, err := h.submitter.SubmitTagChanges(
		r.Context(), user, body.Comment, body.Changes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if changesetID != 0 {
		h.metrics.ChangesetsOpened.Inc()
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rendered)
}
