// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"strings"
	"time"
)

// ChallengeStatus tracks the build lifecycle of a challenge. Transitions are
// one-way from Building; tasks only exist while the challenge is in
// Ready, PartiallyLoaded or Finished.
type ChallengeStatus int

const (
	ChallengeStatusNone            ChallengeStatus = 0
	ChallengeStatusBuilding        ChallengeStatus = 1
	ChallengeStatusFailed          ChallengeStatus = 2
	ChallengeStatusReady           ChallengeStatus = 3
	ChallengeStatusPartiallyLoaded ChallengeStatus = 4
	ChallengeStatusFinished        ChallengeStatus = 5
	ChallengeStatusEmpty           ChallengeStatus = 6
)

// HasTasks reports whether tasks may exist under this status.
func (s ChallengeStatus) HasTasks() bool {
	switch s {
	case ChallengeStatusReady, ChallengeStatusPartiallyLoaded, ChallengeStatusFinished:
		return true
	}
	return false
}

// CooperativeType marks challenges whose tasks carry pre-computed OSM edits.
type CooperativeType int

const (
	CooperativeTypeNone       CooperativeType = 0
	CooperativeTypeTags       CooperativeType = 1
	CooperativeTypeChangeFile CooperativeType = 2
)

// Challenge is a named collection of tasks with a common editing goal.
type Challenge struct {
	ID              int64           `json:"id" db:"id"`
	Name            string          `json:"name" db:"name"`
	ParentID        int64           `json:"parentId" db:"parent_id"`
	OwnerID         int64           `json:"ownerId" db:"owner_id"`
	Instruction     string          `json:"instruction" db:"instruction"`
	Difficulty      int             `json:"difficulty" db:"difficulty"`
	Status          ChallengeStatus `json:"status" db:"status"`
	StatusMessage   string          `json:"statusMessage,omitempty" db:"status_message"`
	Enabled         bool            `json:"enabled" db:"enabled"`
	Archived        bool            `json:"isArchived" db:"is_archived"`
	CooperativeType CooperativeType `json:"cooperativeType" db:"cooperative_type"`
	OverpassQL      string          `json:"overpassQL,omitempty" db:"overpass_ql"`
	RemoteGeoJSON   string          `json:"remoteGeoJson,omitempty" db:"remote_geo_json"`
	ReviewEnabled   bool            `json:"reviewSetting" db:"review_setting"`
	// RefreshInterval is a Postgres interval literal ("24 hours"). Tasks
	// rebuild from the data source on this cadence when set.
	RefreshInterval  *string      `json:"refreshInterval,omitempty" db:"refresh_interval"`
	LastTaskRefresh  *time.Time   `json:"lastTaskRefresh,omitempty" db:"last_task_refresh"`
	HighPriorityRule string       `json:"highPriorityRule,omitempty" db:"high_priority_rule"`
	MedPriorityRule  string       `json:"mediumPriorityRule,omitempty" db:"medium_priority_rule"`
	LowPriorityRule  string       `json:"lowPriorityRule,omitempty" db:"low_priority_rule"`
	DefaultPriority  TaskPriority `json:"defaultPriority" db:"default_priority"`
	Location         *Point       `json:"location,omitempty"`
	Bounding         *BoundingBox `json:"bounding,omitempty"`
	Created          time.Time    `json:"created" db:"created"`
	Modified         time.Time    `json:"modified" db:"modified"`
}

// IsRemoteTemplate reports whether the remote GeoJSON source is templated with
// {x} for multi-file loading.
func (c *Challenge) IsRemoteTemplate() bool {
	return strings.Contains(c.RemoteGeoJSON, "{x}")
}

// Project is the top-level container for challenges.
type Project struct {
	ID          int64     `json:"id" db:"id"`
	OwnerID     int64     `json:"ownerId" db:"owner_id"`
	Name        string    `json:"name" db:"name"`
	DisplayName string    `json:"displayName" db:"display_name"`
	Description string    `json:"description,omitempty" db:"description"`
	Enabled     bool      `json:"enabled" db:"enabled"`
	IsVirtual   bool      `json:"isVirtual" db:"is_virtual"`
	Created     time.Time `json:"created" db:"created"`
	Modified    time.Time `json:"modified" db:"modified"`
}

// VirtualChallenge is an ephemeral, user-scoped challenge defined by a saved
// SearchParameters snapshot plus an expiry.
type VirtualChallenge struct {
	ID        int64            `json:"id" db:"id"`
	Name      string           `json:"name" db:"name"`
	OwnerID   int64            `json:"ownerId" db:"owner_id"`
	Params    SearchParameters `json:"searchParameters"`
	TaskIDs   []int64          `json:"taskIds,omitempty"`
	ExpiresAt time.Time        `json:"expiry" db:"expires_at"`
}
