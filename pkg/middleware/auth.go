// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/maproulette/maproulette-backend/internal/logging"
	"github.com/maproulette/maproulette-backend/internal/models"
)

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "apiKey"

// SessionCookie carries the signed session token issued after OSM login.
const SessionCookie = "mr_session"

type userContextKey struct{}

// WithUser attaches the resolved identity to the context.
func WithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext returns the resolved identity, guest if none was attached.
func UserFromContext(ctx context.Context) *models.User {
	if user, ok := ctx.Value(userContextKey{}).(*models.User); ok {
		return user
	}
	return models.Guest()
}

// UserFinder resolves credentials to user records.
type UserFinder interface {
	ByAPIKey(ctx context.Context, apiKey string) (*models.User, error)
	ByID(ctx context.Context, id int64) (*models.User, error)
}

// TokenVerifier checks a session token and returns the user id it names.
type TokenVerifier interface {
	Verify(token string) (int64, error)
}

// Identity resolves the caller from the apiKey header, a bearer token or the
// session cookie, in that order. Unresolvable requests continue as guest so
// read-only routes stay public; credentialed routes reject guests themselves.
func Identity(users UserFinder, sessions TokenVerifier, superKey string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			user := resolveUser(ctx, r, users, sessions, superKey)
			next.ServeHTTP(w, r.WithContext(WithUser(ctx, user)))
		})
	}
}

func resolveUser(ctx context.Context, r *http.Request, users UserFinder,
	sessions TokenVerifier, superKey string) *models.User {
	log := logging.FromContext(ctx)

	if key := r.Header.Get(APIKeyHeader); key != "" {
		if superKey != "" && key == superKey {
			super := models.Guest()
			super.ID = models.SuperKeyUserID
			super.Name = "SuperKey"
			super.IsSuperUser = true
			return super
		}
		user, err := users.ByAPIKey(ctx, key)
		if err == nil {
			return user
		}
		log.Debug("api key did not resolve to a user", "error", err)
	}

	token := bearerToken(r)
	if token == "" {
		if cookie, err := r.Cookie(SessionCookie); err == nil {
			token = cookie.Value
		}
	}
	if token != "" && sessions != nil {
		if userID, err := sessions.Verify(token); err == nil {
			if user, err := users.ByID(ctx, userID); err == nil {
				return user
			}
		} else {
			log.Debug("session token rejected", "error", err)
		}
	}
	return models.Guest()
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

// RequireUser rejects guests with a 401 before the handler runs.
func RequireUser() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if UserFromContext(r.Context()).IsGuest() {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"status":401,"message":"authentication required"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
