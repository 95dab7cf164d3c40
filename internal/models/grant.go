// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package models

import "fmt"

// Role is the privilege level carried by a grant.
type Role int

const (
	RoleSuperUser Role = -1
	RoleAdmin     Role = 1
	RoleWrite     Role = 2
	RoleRead      Role = 3
)

// String returns the canonical role name.
func (r Role) String() string {
	switch r {
	case RoleSuperUser:
		return "superuser"
	case RoleAdmin:
		return "admin"
	case RoleWrite:
		return "write"
	case RoleRead:
		return "read"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Implies reports whether holding this role satisfies a requirement for the
// other. Admin implies write implies read; superuser implies everything.
func (r Role) Implies(other Role) bool {
	if r == RoleSuperUser {
		return true
	}
	if r <= 0 || other <= 0 {
		return r == other
	}
	return r <= other
}

// GranteeType identifies what kind of principal a grant is issued to.
type GranteeType string

const (
	GranteeTypeUser GranteeType = "user"
	GranteeTypeTeam GranteeType = "team"
)

// Grantee is the principal side of a grant edge.
type Grantee struct {
	GranteeType GranteeType `json:"granteeType" db:"grantee_type"`
	GranteeID   int64       `json:"granteeId" db:"grantee_id"`
}

// Subject returns the casbin subject string for the grantee.
func (g Grantee) Subject() string {
	return fmt.Sprintf("%s:%d", g.GranteeType, g.GranteeID)
}

// TargetType identifies what kind of object a grant is scoped to.
type TargetType string

const (
	TargetTypeProject TargetType = "project"
	TargetTypeGroup   TargetType = "group"
)

// GrantTarget is the object side of a grant edge.
type GrantTarget struct {
	ObjectType TargetType `json:"objectType" db:"object_type"`
	ObjectID   int64      `json:"objectId" db:"object_id"`
}

// Object returns the casbin object string for the target.
func (t GrantTarget) Object() string {
	return fmt.Sprintf("%s:%d", t.ObjectType, t.ObjectID)
}

// Grant links a grantee to a target under a role. Unique on the triple.
type Grant struct {
	ID      int64       `json:"id" db:"id"`
	Name    string      `json:"name" db:"name"`
	Grantee Grantee     `json:"grantee"`
	Role    Role        `json:"role" db:"role"`
	Target  GrantTarget `json:"target"`
}

// ItemType enumerates the item kinds gated by the authorisation model.
type ItemType string

const (
	ItemProject          ItemType = "project"
	ItemChallenge        ItemType = "challenge"
	ItemVirtualChallenge ItemType = "virtual_challenge"
	ItemTask             ItemType = "task"
	ItemTag              ItemType = "tag"
	ItemUser             ItemType = "user"
	ItemGrant            ItemType = "grant"
	ItemBundle           ItemType = "bundle"
)
