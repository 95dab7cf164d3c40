// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

// Package authz implements the grant-based authorisation model. Every
// mutating path goes through the Service check functions; decisions are made
// by a casbin enforcer whose policies are projected from the grants table.
package authz

import (
	_ "embed"
	"fmt"
	"log/slog"

	"github.com/casbin/casbin/v2"
	casbinmodel "github.com/casbin/casbin/v2/model"

	"github.com/maproulette/maproulette-backend/internal/models"
)

//go:embed rbac_model.conf
var embeddedModel string

// Enforcer wraps the casbin enforcer with grant-shaped policy loading.
type Enforcer struct {
	enforcer *casbin.SyncedEnforcer
	adapter  *grantAdapter
	logger   *slog.Logger
}

// NewEnforcer creates the enforcer and performs the initial policy load.
func NewEnforcer(grants GrantProvider, logger *slog.Logger) (*Enforcer, error) {
	m, err := casbinmodel.NewModelFromString(embeddedModel)
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded casbin model: %w", err)
	}

	adapter := &grantAdapter{grants: grants}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, fmt.Errorf("failed to create enforcer: %w", err)
	}
	enforcer.AddFunction("actionMatch", actionMatchWrapper)

	if err := enforcer.LoadPolicy(); err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}

	logger.Info("authorization enforcer initialized")
	return &Enforcer{enforcer: enforcer, adapter: adapter, logger: logger}, nil
}

// Reload re-projects the grants table into policies. Called after any grant
// mutation.
func (e *Enforcer) Reload() error {
	return e.enforcer.LoadPolicy()
}

// Enforce checks whether the subject may perform the action on the object.
func (e *Enforcer) Enforce(subject, object, action string) (bool, error) {
	return e.enforcer.Enforce(subject, object, action)
}

// actionMatch implements the role ladder: a granted action satisfies a
// requested one when the granted role implies it. Policy actions come from
// Role.String().
func actionMatch(requested, granted string) bool {
	return roleFromAction(granted).Implies(roleFromAction(requested))
}

func roleFromAction(action string) models.Role {
	switch action {
	case "superuser":
		return models.RoleSuperUser
	case "admin":
		return models.RoleAdmin
	case "write":
		return models.RoleWrite
	case "read":
		return models.RoleRead
	default:
		return models.Role(0)
	}
}

func actionMatchWrapper(args ...any) (any, error) {
	if len(args) != 2 {
		return false, fmt.Errorf("actionMatch expects 2 arguments, got %d", len(args))
	}
	requested, ok1 := args[0].(string)
	granted, ok2 := args[1].(string)
	if !ok1 || !ok2 {
		return false, fmt.Errorf("actionMatch expects string arguments")
	}
	return actionMatch(requested, granted), nil
}
