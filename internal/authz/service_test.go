// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maproulette/maproulette-backend/internal/apierror"
	"github.com/maproulette/maproulette-backend/internal/models"
)

type staticGrants struct {
	grants []models.Grant
}

func (s *staticGrants) AllGrants(context.Context) ([]models.Grant, error) {
	return s.grants, nil
}

func grant(userID int64, role models.Role, projectID int64) models.Grant {
	return models.Grant{
		Grantee: models.Grantee{GranteeType: models.GranteeTypeUser, GranteeID: userID},
		Role:    role,
		Target:  models.GrantTarget{ObjectType: models.TargetTypeProject, ObjectID: projectID},
	}
}

func newTestService(t *testing.T, grants ...models.Grant) *Service {
	t.Helper()
	enforcer, err := NewEnforcer(&staticGrants{grants: grants}, slog.Default())
	require.NoError(t, err)
	return NewService(enforcer, slog.Default())
}

func TestReadsArePublic(t *testing.T) {
	svc := newTestService(t)
	guest := models.Guest()

	for _, itemType := range []models.ItemType{
		models.ItemProject, models.ItemChallenge, models.ItemTask,
		models.ItemTag, models.ItemVirtualChallenge,
	} {
		assert.NoError(t, svc.HasReadAccess(context.Background(), guest,
			Item{Type: itemType, ID: 1}), "guest should read %s", itemType)
	}
}

func TestUserReadsRestricted(t *testing.T) {
	svc := newTestService(t)
	alice := &models.User{ID: 5}
	bob := &models.User{ID: 6}
	super := &models.User{ID: 7, IsSuperUser: true}

	assert.NoError(t, svc.HasReadAccess(context.Background(), alice, Item{Type: models.ItemUser, ID: 5}))
	assert.Error(t, svc.HasReadAccess(context.Background(), bob, Item{Type: models.ItemUser, ID: 5}))
	assert.NoError(t, svc.HasReadAccess(context.Background(), super, Item{Type: models.ItemUser, ID: 5}))
}

func TestGrantReadsRestricted(t *testing.T) {
	svc := newTestService(t)
	grantee := &models.User{ID: 5}
	other := &models.User{ID: 6}

	item := Item{Type: models.ItemGrant, ID: 1, OwnerID: 5}
	assert.NoError(t, svc.HasReadAccess(context.Background(), grantee, item))
	assert.Error(t, svc.HasReadAccess(context.Background(), other, item))
}

func TestWriteRequiresGrantOnProject(t *testing.T) {
	svc := newTestService(t,
		grant(5, models.RoleWrite, 10),
		grant(6, models.RoleAdmin, 10),
		grant(7, models.RoleRead, 10),
	)

	writer := &models.User{ID: 5}
	admin := &models.User{ID: 6}
	reader := &models.User{ID: 7}
	stranger := &models.User{ID: 8}

	task := Item{Type: models.ItemTask, ID: 99, ProjectID: 10}
	assert.NoError(t, svc.HasWriteAccess(context.Background(), writer, task))
	assert.NoError(t, svc.HasWriteAccess(context.Background(), admin, task))
	assert.Error(t, svc.HasWriteAccess(context.Background(), reader, task))
	assert.Error(t, svc.HasWriteAccess(context.Background(), stranger, task))

	otherProject := Item{Type: models.ItemTask, ID: 99, ProjectID: 11}
	assert.Error(t, svc.HasWriteAccess(context.Background(), writer, otherProject))
}

func TestAdminRequiresAdminGrant(t *testing.T) {
	svc := newTestService(t,
		grant(5, models.RoleWrite, 10),
		grant(6, models.RoleAdmin, 10),
	)

	writer := &models.User{ID: 5}
	admin := &models.User{ID: 6}

	project := Item{Type: models.ItemProject, ID: 10}
	assert.Error(t, svc.HasAdminAccess(context.Background(), writer, project))
	assert.NoError(t, svc.HasAdminAccess(context.Background(), admin, project))
}

func TestOwnershipAloneIsNotAdmin(t *testing.T) {
	svc := newTestService(t)
	owner := &models.User{ID: 5}

	// The owner has no Admin grant, so admin access is denied.
	err := svc.HasAdminAccess(context.Background(), owner,
		Item{Type: models.ItemProject, ID: 10, OwnerID: 5})
	require.Error(t, err)
	assert.True(t, apierror.IsKind(err, apierror.KindForbidden))
}

func TestGuestNeverMutates(t *testing.T) {
	svc := newTestService(t, grant(models.GuestUserID, models.RoleAdmin, 10))
	guest := models.Guest()

	err := svc.HasWriteAccess(context.Background(), guest,
		Item{Type: models.ItemTask, ID: 1, ProjectID: 10})
	require.Error(t, err)
	assert.True(t, apierror.IsKind(err, apierror.KindForbidden))
}

func TestGrantWritesSuperuserOnly(t *testing.T) {
	svc := newTestService(t, grant(5, models.RoleAdmin, 10))
	admin := &models.User{ID: 5}
	super := &models.User{ID: 6, IsSuperUser: true}

	item := Item{Type: models.ItemGrant, ID: 1, ProjectID: 10}
	assert.Error(t, svc.HasWriteAccess(context.Background(), admin, item))
	assert.NoError(t, svc.HasWriteAccess(context.Background(), super, item))
	assert.Error(t, svc.HasAdminAccess(context.Background(), admin, item))
	assert.NoError(t, svc.HasAdminAccess(context.Background(), super, item))
}

func TestSuperuserGrantBypassesEverything(t *testing.T) {
	svc := newTestService(t, models.Grant{
		Grantee: models.Grantee{GranteeType: models.GranteeTypeUser, GranteeID: 9},
		Role:    models.RoleSuperUser,
		Target:  models.GrantTarget{ObjectType: models.TargetTypeGroup, ObjectID: 0},
	})

	// The superuser grant projects onto every object in the enforcer.
	user := &models.User{ID: 9}
	assert.NoError(t, svc.HasWriteAccess(context.Background(), user,
		Item{Type: models.ItemTask, ID: 1, ProjectID: 1234}))
	assert.NoError(t, svc.HasAdminAccess(context.Background(), user,
		Item{Type: models.ItemChallenge, ID: 1, ProjectID: 77}))
}

func TestVirtualChallengeWritesOwnerOnly(t *testing.T) {
	svc := newTestService(t)
	owner := &models.User{ID: 5}
	other := &models.User{ID: 6}

	item := Item{Type: models.ItemVirtualChallenge, ID: 3, OwnerID: 5}
	assert.NoError(t, svc.HasWriteAccess(context.Background(), owner, item))
	assert.Error(t, svc.HasWriteAccess(context.Background(), other, item))
}

func TestActionMatchLadder(t *testing.T) {
	tests := []struct {
		requested string
		granted   string
		want      bool
	}{
		{"read", "read", true},
		{"read", "write", true},
		{"read", "admin", true},
		{"write", "write", true},
		{"write", "admin", true},
		{"write", "read", false},
		{"admin", "write", false},
		{"admin", "admin", true},
		{"admin", "superuser", true},
	}
	for _, tt := range tests {
		t.Run(tt.requested+"_vs_"+tt.granted, func(t *testing.T) {
			assert.Equal(t, tt.want, actionMatch(tt.requested, tt.granted))
		})
	}
}
