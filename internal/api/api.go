// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

// Package api exposes the MapRoulette HTTP surface: task selection and
// lifecycle, reviews, challenge management, tag changes, websocket fan-out
// and the operational endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/maproulette/maproulette-backend/internal/apierror"
	"github.com/maproulette/maproulette-backend/internal/authz"
	"github.com/maproulette/maproulette-backend/internal/challenge"
	"github.com/maproulette/maproulette-backend/internal/config"
	"github.com/maproulette/maproulette-backend/internal/logging"
	"github.com/maproulette/maproulette-backend/internal/metrics"
	"github.com/maproulette/maproulette-backend/internal/notifications"
	"github.com/maproulette/maproulette-backend/internal/osm"
	"github.com/maproulette/maproulette-backend/internal/review"
	"github.com/maproulette/maproulette-backend/internal/session"
	"github.com/maproulette/maproulette-backend/internal/store"
	"github.com/maproulette/maproulette-backend/internal/task"
	"github.com/maproulette/maproulette-backend/internal/ws"
	"github.com/maproulette/maproulette-backend/pkg/middleware"
)

// Handler bundles the services behind the HTTP surface.
type Handler struct {
	cfg config.Config

	tasks     *task.Service
	reviews   *review.Service
	builder   *challenge.Builder
	submitter *osm.Submitter
	access    *authz.Service
	mailer    *notifications.Mailer

	users      *store.UserRepo
	projects   *store.ProjectRepo
	challenges *store.ChallengeRepo
	taskRepo   *store.TaskRepo
	virtual    *store.VirtualChallengeRepo
	bundles    *store.BundleRepo
	comments   *store.CommentRepo
	grants     *store.GrantRepo
	locks      *store.LockRepo
	tags       *store.TagRepo

	hub      *ws.Hub
	sessions *session.Manager
	osmLogin *session.OSMLogin
	metrics  *metrics.Metrics
	db       *store.Database
	logger   *slog.Logger
}

// Deps carries the handler dependencies; New keeps the field order honest.
type Deps struct {
	Config config.Config

	Tasks     *task.Service
	Reviews   *review.Service
	Builder   *challenge.Builder
	Submitter *osm.Submitter
	Access    *authz.Service
	Mailer    *notifications.Mailer

	Users      *store.UserRepo
	Projects   *store.ProjectRepo
	Challenges *store.ChallengeRepo
	TaskRepo   *store.TaskRepo
	Virtual    *store.VirtualChallengeRepo
	Bundles    *store.BundleRepo
	Comments   *store.CommentRepo
	Grants     *store.GrantRepo
	Locks      *store.LockRepo
	Tags       *store.TagRepo

	Hub      *ws.Hub
	Sessions *session.Manager
	OSMLogin *session.OSMLogin
	Metrics  *metrics.Metrics
	DB       *store.Database
	Logger   *slog.Logger
}

// New creates the handler.
func New(deps Deps) *Handler {
	return &Handler{
		cfg:        deps.Config,
		tasks:      deps.Tasks,
		reviews:    deps.Reviews,
		builder:    deps.Builder,
		submitter:  deps.Submitter,
		access:     deps.Access,
		mailer:     deps.Mailer,
		users:      deps.Users,
		projects:   deps.Projects,
		challenges: deps.Challenges,
		taskRepo:   deps.TaskRepo,
		virtual:    deps.Virtual,
		bundles:    deps.Bundles,
		comments:   deps.Comments,
		grants:     deps.Grants,
		locks:      deps.Locks,
		tags:       deps.Tags,
		hub:        deps.Hub,
		sessions:   deps.Sessions,
		osmLogin:   deps.OSMLogin,
		metrics:    deps.Metrics,
		db:         deps.DB,
		logger:     deps.Logger.With("component", "api"),
	}
}

// Router assembles the full route table with the middleware chains.
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	base := middleware.NewRouteBuilder(mux).With(
		middleware.Recovery(h.logger),
		middleware.Logger(h.logger),
		h.metrics.Middleware,
		middleware.Identity(h.users, h.sessions, h.cfg.Auth.SuperKey),
	)
	authed := base.Group(middleware.RequireUser())

	// Operational endpoints.
	base.HandleFunc("GET /health", h.health)
	base.HandleFunc("GET /ready", h.ready)
	base.Handle("GET /metrics", h.metrics.Handler())
	base.HandleFunc("GET /api/v2/ws", h.websocket)

	// OSM login.
	base.HandleFunc("GET /auth/osm", h.loginRedirect)
	base.HandleFunc("GET /auth/callback", h.loginCallback)
	base.HandleFunc("POST /auth/logout", h.logout)

	// Task selection and lifecycle.
	base.HandleFunc("GET /api/v2/challenge/{id}/task/next", h.nextTask)
	base.HandleFunc("GET /api/v2/task/{id}", h.getTask)
	base.HandleFunc("GET /api/v2/tasks/cluster", h.clusterTasks)
	authed.HandleFunc("PUT /api/v2/task/{id}/start", h.startTask)
	authed.HandleFunc("PUT /api/v2/task/{id}/release", h.releaseTask)
	authed.HandleFunc("PUT /api/v2/task/{id}/refreshLock", h.refreshTaskLock)
	authed.HandleFunc("PUT /api/v2/task/{id}/status/{status}", h.setTaskStatus)
	authed.HandleFunc("PUT /api/v2/task/{id}/responses", h.setTaskResponses)

	// Bookmarks.
	authed.HandleFunc("PUT /api/v2/task/{id}/save", h.saveTask)
	authed.HandleFunc("DELETE /api/v2/task/{id}/save", h.unsaveTask)
	authed.HandleFunc("GET /api/v2/user/savedTasks", h.savedTasks)

	// Bundles.
	authed.HandleFunc("POST /api/v2/taskBundle", h.createBundle)
	base.HandleFunc("GET /api/v2/taskBundle/{id}", h.getBundle)
	authed.HandleFunc("DELETE /api/v2/taskBundle/{id}", h.deleteBundle)

	// Comments.
	base.HandleFunc("GET /api/v2/task/{id}/comments", h.taskComments)
	authed.HandleFunc("POST /api/v2/task/{id}/comment", h.addTaskComment)

	// Reviews.
	authed.HandleFunc("GET /api/v2/review/next", h.nextReview)
	authed.HandleFunc("GET /api/v2/review", h.listReviews)
	authed.HandleFunc("PUT /api/v2/task/{id}/review/start", h.startReview)
	authed.HandleFunc("PUT /api/v2/task/{id}/review/cancel", h.cancelReview)
	authed.HandleFunc("PUT /api/v2/task/{id}/review/{status}", h.decideReview)
	authed.HandleFunc("DELETE /api/v2/task/{id}/review", h.clearReviewRequest)
	authed.HandleFunc("PUT /api/v2/task/{id}/metareview/{status}", h.decideMetaReview)

	// Projects.
	base.HandleFunc("GET /api/v2/projects", h.listProjects)
	base.HandleFunc("GET /api/v2/project/{id}", h.getProject)
	authed.HandleFunc("POST /api/v2/project", h.createProject)
	authed.HandleFunc("PUT /api/v2/project/{id}", h.updateProject)
	authed.HandleFunc("DELETE /api/v2/project/{id}", h.deleteProject)

	// Grants.
	base.HandleFunc("GET /api/v2/project/{id}/grants", h.projectGrants)
	authed.HandleFunc("POST /api/v2/project/{id}/grant", h.createGrant)
	authed.HandleFunc("DELETE /api/v2/grant/{id}", h.deleteGrant)

	// Challenges.
	base.HandleFunc("GET /api/v2/challenge/{id}", h.getChallenge)
	authed.HandleFunc("POST /api/v2/challenge", h.createChallenge)
	authed.HandleFunc("PUT /api/v2/challenge/{id}", h.updateChallenge)
	authed.HandleFunc("DELETE /api/v2/challenge/{id}", h.deleteChallenge)
	authed.HandleFunc("POST /api/v2/challenge/{id}/rebuild", h.rebuildChallenge)
	authed.HandleFunc("PUT /api/v2/challenge/{id}/resetPriorities", h.recomputePriorities)

	// Virtual challenges.
	authed.HandleFunc("POST /api/v2/virtualChallenge", h.createVirtualChallenge)
	base.HandleFunc("GET /api/v2/virtualChallenge/{id}", h.getVirtualChallenge)
	base.HandleFunc("GET /api/v2/virtualChallenge/{id}/tasks", h.virtualChallengeTasks)

	// Users.
	base.HandleFunc("GET /api/v2/user/whoami", h.whoami)
	authed.HandleFunc("PUT /api/v2/user/apikey", h.rotateAPIKey)
	authed.HandleFunc("PUT /api/v2/user/email", h.setEmail)
	base.HandleFunc("GET /api/v2/user/{id}/metrics", h.userMetrics)

	// Keywords.
	base.HandleFunc("GET /api/v2/keywords", h.listKeywords)
	authed.HandleFunc("POST /api/v2/keyword", h.createKeyword)
	base.HandleFunc("GET /api/v2/task/{id}/tags", h.taskTags)
	authed.HandleFunc("PUT /api/v2/task/{id}/tags", h.setTaskTags)
	base.HandleFunc("GET /api/v2/challenge/{id}/tags", h.challengeTags)
	authed.HandleFunc("PUT /api/v2/challenge/{id}/tags", h.setChallengeTags)

	// Tag changes.
	authed.HandleFunc("POST /api/v2/changes/tagChange", h.previewTagChange)
	authed.HandleFunc("POST /api/v2/changes/submit", h.submitChanges)

	return mux
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// httpStatus maps domain errors onto transport codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, task.ErrNoTasksAvailable),
		errors.Is(err, review.ErrNoReviewsPending),
		errors.Is(err, store.ErrTaskNotFound),
		errors.Is(err, store.ErrChallengeNotFound),
		errors.Is(err, store.ErrProjectNotFound),
		errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, store.ErrGrantNotFound),
		errors.Is(err, store.ErrReviewNotFound),
		errors.Is(err, store.ErrBundleNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrLockHeld),
		errors.Is(err, store.ErrBundleConflict),
		errors.Is(err, store.ErrDuplicateGrant):
		return http.StatusConflict
	case errors.Is(err, task.ErrNotLocked),
		errors.Is(err, task.ErrInvalidTransition),
		errors.Is(err, review.ErrNotReviewable),
		errors.Is(err, store.ErrLockNotHeld):
		return http.StatusBadRequest
	case errors.Is(err, review.ErrSelfReview):
		return http.StatusForbidden
	}
	switch apierror.KindOf(err) {
	case apierror.KindInvalid:
		return http.StatusBadRequest
	case apierror.KindNotAuthorized:
		return http.StatusUnauthorized
	case apierror.KindForbidden:
		return http.StatusForbidden
	case apierror.KindNotFound:
		return http.StatusNotFound
	case apierror.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	message := apierror.MessageOf(err)
	if status == http.StatusInternalServerError {
		// Internal detail stays in the log.
		logging.FromContext(r.Context()).Error("request failed",
			"path", r.URL.Path, "error", err)
		message = "internal server error"
	}
	if status == http.StatusUnauthorized {
		clearSessionCookie(w)
	}
	writeJSON(w, status, errorBody{Status: status, Message: message})
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apierror.New(apierror.KindInvalid, "invalid %s in path", name)
	}
	return id, nil
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierror.Wrap(apierror.KindInvalid, err, "malformed request body")
	}
	return nil
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}
