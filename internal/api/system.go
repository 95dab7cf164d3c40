// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"

	"github.com/maproulette/maproulette-backend/pkg/middleware"
)

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ready verifies the database is reachable.
func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable,
			map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// websocket upgrades the connection and registers it with the hub.
func (h *Handler) websocket(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	h.metrics.WSConnections.Inc()
	defer h.metrics.WSConnections.Dec()
	h.hub.ServeHTTP(w, r, user.ID)
}
