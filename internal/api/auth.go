// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/maproulette/maproulette-backend/internal/apierror"
	"github.com/maproulette/maproulette-backend/internal/session"
	"github.com/maproulette/maproulette-backend/pkg/middleware"
)

// oauthStateCookie binds the authorization redirect to its callback.
const oauthStateCookie = "mr_oauth_state"

// loginRedirect sends the browser to the OSM authorization page.
func (h *Handler) loginRedirect(w http.ResponseWriter, r *http.Request) {
	if h.osmLogin == nil {
		h.writeError(w, r, apierror.New(apierror.KindInvalid, "osm login is not configured"))
		return
	}
	state, err := session.NewState()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   int((10 * time.Minute).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, h.osmLogin.AuthCodeURL(state), http.StatusFound)
}

// loginCallback exchanges the authorization code, upserts the user and issues
// the session cookie.
func (h *Handler) loginCallback(w http.ResponseWriter, r *http.Request) {
	if h.osmLogin == nil {
		h.writeError(w, r, apierror.New(apierror.KindInvalid, "osm login is not configured"))
		return
	}
	state, err := r.Cookie(oauthStateCookie)
	if err != nil || state.Value == "" || state.Value != r.URL.Query().Get("state") {
		h.writeError(w, r, apierror.New(apierror.KindNotAuthorized, "oauth state mismatch"))
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		h.writeError(w, r, apierror.New(apierror.KindNotAuthorized, "missing authorization code"))
		return
	}

	profile, token, err := h.osmLogin.Exchange(r.Context(), code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	user, err := h.users.Upsert(r.Context(), profile.ID, profile.Name, token, uuid.NewString())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	issued, err := h.sessions.Issue(user.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    issued,
		Path:     "/",
		MaxAge:   int(h.cfg.Auth.JWTExpiry.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{Name: oauthStateCookie, Value: "", Path: "/", MaxAge: -1})
	http.Redirect(w, r, h.cfg.Server.PublicOrigin, http.StatusFound)
}

func (h *Handler) logout(w http.ResponseWriter, _ *http.Request) {
	clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}
