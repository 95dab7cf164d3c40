// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

// Package models holds the domain entities shared by the services and stores.
package models

import (
	"encoding/json"
	"time"
)

// TaskStatus enumerates the lifecycle states of a task.
type TaskStatus int

const (
	TaskStatusCreated       TaskStatus = 0
	TaskStatusFixed         TaskStatus = 1
	TaskStatusFalsePositive TaskStatus = 2
	TaskStatusSkipped       TaskStatus = 3
	TaskStatusDeleted       TaskStatus = 4
	TaskStatusAlreadyFixed  TaskStatus = 5
	TaskStatusTooHard       TaskStatus = 6
	TaskStatusAnswered      TaskStatus = 7
	TaskStatusValidated     TaskStatus = 9
	TaskStatusDisabled      TaskStatus = 10
)

// String returns the display name used in logs and API payloads.
func (s TaskStatus) String() string {
	switch s {
	case TaskStatusCreated:
		return "Created"
	case TaskStatusFixed:
		return "Fixed"
	case TaskStatusFalsePositive:
		return "False_Positive"
	case TaskStatusSkipped:
		return "Skipped"
	case TaskStatusDeleted:
		return "Deleted"
	case TaskStatusAlreadyFixed:
		return "Already_Fixed"
	case TaskStatusTooHard:
		return "Too_Hard"
	case TaskStatusAnswered:
		return "Answered"
	case TaskStatusValidated:
		return "Validated"
	case TaskStatusDisabled:
		return "Disabled"
	default:
		return "Unknown"
	}
}

// IsValid reports whether the value is a known task status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusCreated, TaskStatusFixed, TaskStatusFalsePositive,
		TaskStatusSkipped, TaskStatusDeleted, TaskStatusAlreadyFixed,
		TaskStatusTooHard, TaskStatusAnswered, TaskStatusValidated,
		TaskStatusDisabled:
		return true
	}
	return false
}

// statusTransitions is the legal transition graph. A status absent from the
// map is terminal. Skipped may move to any non-Created status.
var statusTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusCreated: {
		TaskStatusFixed, TaskStatusFalsePositive, TaskStatusSkipped,
		TaskStatusAlreadyFixed, TaskStatusTooHard, TaskStatusDisabled,
		TaskStatusAnswered,
	},
	TaskStatusFalsePositive: {TaskStatusFixed, TaskStatusTooHard},
	TaskStatusSkipped: {
		TaskStatusFixed, TaskStatusFalsePositive, TaskStatusSkipped,
		TaskStatusDeleted, TaskStatusAlreadyFixed, TaskStatusTooHard,
		TaskStatusAnswered, TaskStatusValidated, TaskStatusDisabled,
	},
	TaskStatusAlreadyFixed: {TaskStatusFixed, TaskStatusFalsePositive, TaskStatusTooHard},
	TaskStatusTooHard:      {TaskStatusFixed, TaskStatusFalsePositive, TaskStatusAlreadyFixed},
}

// CanTransition reports whether moving from -> to is legal for a regular user.
// Re-asserting the current status is always legal, so completion is idempotent
// on terminal statuses. Superusers may override terminal Answered tasks; that
// bypass lives in the task service, not here.
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	for _, t := range statusTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// TaskPriority classifies how urgently a task should be surfaced.
type TaskPriority int

const (
	TaskPriorityHigh   TaskPriority = 0
	TaskPriorityMedium TaskPriority = 1
	TaskPriorityLow    TaskPriority = 2
)

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Task is a single unit of mapping work inside a challenge.
type Task struct {
	ID              int64           `json:"id" db:"id"`
	Name            string          `json:"name" db:"name"`
	ParentID        int64           `json:"parentId" db:"parent_id"`
	Instruction     string          `json:"instruction" db:"instruction"`
	Geometries      json.RawMessage `json:"geometries" db:"geojson"`
	Location        Point           `json:"location"`
	Status          TaskStatus      `json:"status" db:"status"`
	Priority        TaskPriority    `json:"priority" db:"priority"`
	BundleID        *int64          `json:"bundleId,omitempty" db:"bundle_id"`
	IsBundlePrimary *bool           `json:"isBundlePrimary,omitempty" db:"is_bundle_primary"`
	CooperativeWork json.RawMessage `json:"cooperativeWork,omitempty" db:"cooperative_work"`
	MappedOn        *time.Time      `json:"mappedOn,omitempty" db:"mapped_on"`
	CompletedBy     *int64          `json:"completedBy,omitempty" db:"completed_by"`
	ChangesetID     *int64          `json:"changesetId,omitempty" db:"changeset_id"`
	Responses       json.RawMessage `json:"completionResponses,omitempty" db:"responses"`
	Created         time.Time       `json:"created" db:"created"`
	Modified        time.Time       `json:"modified" db:"modified"`
}

// HasCooperativeWork reports whether the task carries a pre-computed OSM edit.
func (t *Task) HasCooperativeWork() bool {
	return len(t.CooperativeWork) > 0 && string(t.CooperativeWork) != "null"
}

// TaskBundle groups tasks for batch completion. Exactly one member is primary.
type TaskBundle struct {
	ID            int64   `json:"id" db:"id"`
	OwnerID       int64   `json:"ownerId" db:"owner_id"`
	PrimaryTaskID int64   `json:"primaryTaskId" db:"primary_task_id"`
	TaskIDs       []int64 `json:"taskIds"`
}

// TaskCluster is a k-means bucket over task centroids for map previews.
type TaskCluster struct {
	ClusterID    int               `json:"clusterId"`
	NumberOfPts  int               `json:"numberOfPoints"`
	Point        Point             `json:"point"`
	Bounding     BoundingBox       `json:"bounding"`
	ChallengeIDs []int64           `json:"challengeIds,omitempty"`
	Params       *SearchParameters `json:"params,omitempty"`
}

// BoundingBox is an axis-aligned WGS84 envelope.
type BoundingBox struct {
	MinLng float64 `json:"minLng"`
	MinLat float64 `json:"minLat"`
	MaxLng float64 `json:"maxLng"`
	MaxLat float64 `json:"maxLat"`
}

// Contains reports whether the point lies inside the envelope.
func (b BoundingBox) Contains(p Point) bool {
	return p.Lng >= b.MinLng && p.Lng <= b.MaxLng &&
		p.Lat >= b.MinLat && p.Lat <= b.MaxLat
}

// Expand grows the envelope to include the point.
func (b BoundingBox) Expand(p Point) BoundingBox {
	if b.MinLng == 0 && b.MaxLng == 0 && b.MinLat == 0 && b.MaxLat == 0 {
		return BoundingBox{MinLng: p.Lng, MinLat: p.Lat, MaxLng: p.Lng, MaxLat: p.Lat}
	}
	out := b
	if p.Lng < out.MinLng {
		out.MinLng = p.Lng
	}
	if p.Lng > out.MaxLng {
		out.MaxLng = p.Lng
	}
	if p.Lat < out.MinLat {
		out.MinLat = p.Lat
	}
	if p.Lat > out.MaxLat {
		out.MaxLat = p.Lat
	}
	return out
}
