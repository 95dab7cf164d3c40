// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from TaskStatus
		to   TaskStatus
		want bool
	}{
		{"created to fixed", TaskStatusCreated, TaskStatusFixed, true},
		{"created to false positive", TaskStatusCreated, TaskStatusFalsePositive, true},
		{"created to skipped", TaskStatusCreated, TaskStatusSkipped, true},
		{"created to answered", TaskStatusCreated, TaskStatusAnswered, true},
		{"created to disabled", TaskStatusCreated, TaskStatusDisabled, true},
		{"created to validated", TaskStatusCreated, TaskStatusValidated, false},
		{"fixed is terminal", TaskStatusFixed, TaskStatusFalsePositive, false},
		{"fixed re-asserted", TaskStatusFixed, TaskStatusFixed, true},
		{"answered re-asserted", TaskStatusAnswered, TaskStatusAnswered, true},
		{"false positive to fixed", TaskStatusFalsePositive, TaskStatusFixed, true},
		{"false positive to too hard", TaskStatusFalsePositive, TaskStatusTooHard, true},
		{"false positive to skipped", TaskStatusFalsePositive, TaskStatusSkipped, false},
		{"skipped to any non-created", TaskStatusSkipped, TaskStatusValidated, true},
		{"skipped back to created", TaskStatusSkipped, TaskStatusCreated, false},
		{"already fixed to fixed", TaskStatusAlreadyFixed, TaskStatusFixed, true},
		{"too hard to already fixed", TaskStatusTooHard, TaskStatusAlreadyFixed, true},
		{"too hard to answered", TaskStatusTooHard, TaskStatusAnswered, false},
		{"answered is terminal", TaskStatusAnswered, TaskStatusFixed, false},
		{"validated is terminal", TaskStatusValidated, TaskStatusFixed, false},
		{"disabled is terminal", TaskStatusDisabled, TaskStatusCreated, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTaskStatusIsValid(t *testing.T) {
	assert.True(t, TaskStatusCreated.IsValid())
	assert.True(t, TaskStatusDisabled.IsValid())
	assert.False(t, TaskStatus(8).IsValid())
	assert.False(t, TaskStatus(42).IsValid())
}

func TestBoundingBoxExpand(t *testing.T) {
	var box BoundingBox
	box = box.Expand(Point{Lat: 10, Lng: 20})
	box = box.Expand(Point{Lat: -5, Lng: 30})

	assert.Equal(t, BoundingBox{MinLng: 20, MinLat: -5, MaxLng: 30, MaxLat: 10}, box)
	assert.True(t, box.Contains(Point{Lat: 0, Lng: 25}))
	assert.False(t, box.Contains(Point{Lat: 11, Lng: 25}))
}

func TestScoreFor(t *testing.T) {
	assert.Equal(t, 5, ScoreFor(TaskStatusFixed))
	assert.Equal(t, 3, ScoreFor(TaskStatusFalsePositive))
	assert.Equal(t, 3, ScoreFor(TaskStatusAlreadyFixed))
	assert.Equal(t, 3, ScoreFor(TaskStatusAnswered))
	assert.Equal(t, 1, ScoreFor(TaskStatusTooHard))
	assert.Equal(t, 0, ScoreFor(TaskStatusSkipped))
	assert.Equal(t, 0, ScoreFor(TaskStatusCreated))
}
