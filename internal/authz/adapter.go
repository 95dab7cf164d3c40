// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"context"
	"errors"

	"github.com/casbin/casbin/v2/model"
	"github.com/casbin/casbin/v2/persist"

	"github.com/maproulette/maproulette-backend/internal/models"
)

// GrantProvider supplies the current grant set. The grants repository
// implements it; tests use a static slice.
type GrantProvider interface {
	AllGrants(ctx context.Context) ([]models.Grant, error)
}

// grantAdapter projects grants into casbin policy rules. Policy writes go
// through the grants repository, never through casbin, so the mutating
// Adapter methods are unsupported.
type grantAdapter struct {
	grants GrantProvider
}

var _ persist.Adapter = (*grantAdapter)(nil)

// LoadPolicy projects every grant into a "p" rule:
//
//	p, <granteeType>:<id>, <targetType>:<id>, <role>
//
// Superuser grants target every object.
func (a *grantAdapter) LoadPolicy(m model.Model) error {
	grants, err := a.grants.AllGrants(context.Background())
	if err != nil {
		return err
	}
	for _, g := range grants {
		object := g.Target.Object()
		if g.Role == models.RoleSuperUser {
			object = "*"
		}
		rule := []string{g.Grantee.Subject(), object, g.Role.String()}
		if err := persist.LoadPolicyArray(append([]string{"p"}, rule...), m); err != nil {
			return err
		}
	}
	return nil
}

// SavePolicy is unsupported: grants are the source of truth.
func (a *grantAdapter) SavePolicy(model.Model) error {
	return errors.New("policies are projected from grants; mutate the grants table instead")
}

func (a *grantAdapter) AddPolicy(string, string, []string) error {
	return errors.New("policies are projected from grants; mutate the grants table instead")
}

func (a *grantAdapter) RemovePolicy(string, string, []string) error {
	return errors.New("policies are projected from grants; mutate the grants table instead")
}

func (a *grantAdapter) RemoveFilteredPolicy(string, string, int, ...string) error {
	return errors.New("policies are projected from grants; mutate the grants table instead")
}
