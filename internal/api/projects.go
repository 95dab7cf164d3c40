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

func (h *Handler) listProjects(w http.ResponseWriter, r *http.Request) {
	limit, page := 50, 0
	var err error
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
	onlyEnabled := r.URL.Query().Get("onlyEnabled") != "false"
	projects, err := h.projects.List(r.Context(), onlyEnabled, limit, page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (h *Handler) getProject(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.projects.Retrieve(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) createProject(w http.ResponseWriter, r *http.Request) {
	var p models.Project
	if err := decodeBody(r, &p); err != nil {
		h.writeError(w, r, err)
		return
	}
	if p.Name == "" {
		h.writeError(w, r, apierror.New(apierror.KindInvalid, "project requires a name"))
		return
	}
	user := middleware.UserFromContext(r.Context())
	if user.IsGuest() {
		h.writeError(w, r, apierror.New(apierror.KindNotAuthorized,
			"authentication required"))
		return
	}
	p.OwnerID = user.ID
	created, err := h.projects.Create(r.Context(), &p, h.grants)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) updateProject(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	user := middleware.UserFromContext(r.Context())
	if err := h.access.HasWriteAccess(r.Context(), user, authz.Item{
		Type: models.ItemProject, ID: id,
	}); err != nil {
		h.writeError(w, r, err)
		return
	}
	existing, err := h.projects.Retrieve(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var p models.Project
	if err := decodeBody(r, &p); err != nil {
		h.writeError(w, r, err)
		return
	}
	p.ID = id
	p.OwnerID = existing.OwnerID
	if err := h.projects.Update(r.Context(), &p); err != nil {
		h.writeError(w, r, err)
		return
	}
	updated, err := h.projects.Retrieve(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) deleteProject(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	user := middleware.UserFromContext(r.Context())
	if err := h.access.HasAdminAccess(r.Context(), user, authz.Item{
		Type: models.ItemProject, ID: id,
	}); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.projects.Delete(r.Context(), id, h.grants); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) projectGrants(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	user := middleware.UserFromContext(r.Context())
	if err := h.access.HasAdminAccess(r.Context(), user, authz.Item{
		Type: models.ItemProject, ID: id,
	}); err != nil {
		h.writeError(w, r, err)
		return
	}
	grants, err := h.grants.ForTarget(r.Context(), models.GrantTarget{
		ObjectType: models.TargetTypeProject, ObjectID: id,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grants)
}

// grantBody assigns a role on the project to a user.
type grantBody struct {
	UserID int64       `json:"userId"`
	Role   models.Role `json:"role"`
}

func (h *Handler) createGrant(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var body grantBody
	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	user := middleware.UserFromContext(r.Context())
	if err := h.access.HasAdminAccess(r.Context(), user, authz.Item{
		Type: models.ItemProject, ID: id,
	}); err != nil {
		h.writeError(w, r, err)
		return
	}
	grantee, err := h.users.ByID(r.Context(), body.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	grant, err := h.grants.Create(r.Context(), &models.Grant{
		Name:    grantee.Name + " on project " + strconv.FormatInt(id, 10),
		Grantee: models.Grantee{GranteeType: models.GranteeTypeUser, GranteeID: grantee.ID},
		Role:    body.Role,
		Target:  models.GrantTarget{ObjectType: models.TargetTypeProject, ObjectID: id},
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

func (h *Handler) deleteGrant(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	grant, err := h.grants.ByID(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	user := middleware.UserFromContext(r.Context())
	if err := h.access.HasAdminAccess(r.Context(), user, authz.Item{
		Type: models.ItemProject, ID: grant.Target.ObjectID,
	}); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.grants.Delete(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
