// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package challenge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maproulette/maproulette-backend/internal/models"
	"github.com/maproulette/maproulette-backend/internal/osm"
)

func pointFeature(id string, lng, lat float64) osm.Feature {
	return osm.Feature{
		Type:       "Feature",
		Geometry:   map[string]any{"type": "Point", "coordinates": []any{lng, lat}},
		Properties: map[string]any{"@id": id},
	}
}

func TestCentroidOfPoint(t *testing.T) {
	p, err := centroid(map[string]any{"type": "Point", "coordinates": []any{13.4, 52.5}})
	require.NoError(t, err)
	assert.InDelta(t, 13.4, p.Lng, 1e-9)
	assert.InDelta(t, 52.5, p.Lat, 1e-9)
}

func TestCentroidOfLineString(t *testing.T) {
	p, err := centroid(map[string]any{
		"type": "LineString",
		"coordinates": []any{
			[]any{0.0, 0.0},
			[]any{2.0, 4.0},
		},
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, p.Lng, 1e-9)
	assert.InDelta(t, 2.0, p.Lat, 1e-9)
}

func TestCentroidRejectsEmptyGeometry(t *testing.T) {
	_, err := centroid(map[string]any{"type": "Point"})
	assert.Error(t, err)
	_, err = centroid(map[string]any{"type": "LineString", "coordinates": []any{}})
	assert.Error(t, err)
}

func TestFeatureNamePrefersOSMID(t *testing.T) {
	f := pointFeature("way/123", 0, 0)
	assert.Equal(t, "way/123", featureName(f, 9))

	f.Properties = map[string]any{}
	assert.Equal(t, "10", featureName(f, 9))
}

func TestFeatureTaskCarriesChallengeDefaults(t *testing.T) {
	b := &Builder{}
	c := &models.Challenge{
		ID:              4,
		Instruction:     "fix the thing",
		DefaultPriority: models.TaskPriorityMedium,
	}
	task, err := b.featureTask(c, pointFeature("node/5", 1, 2), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), task.ParentID)
	assert.Equal(t, "fix the thing", task.Instruction)
	assert.Equal(t, "node/5", task.Name)
	assert.Equal(t, models.TaskStatusCreated, task.Status)
	assert.Equal(t, models.TaskPriorityMedium, task.Priority)
	assert.InDelta(t, 1.0, task.Location.Lng, 1e-9)
	assert.False(t, task.HasCooperativeWork())
}

func TestFeatureTaskExtractsCooperativeWork(t *testing.T) {
	b := &Builder{}
	c := &models.Challenge{ID: 4, CooperativeType: models.CooperativeTypeTags}
	f := pointFeature("node/5", 1, 2)
	f.Properties["cooperativeWork"] = map[string]any{
		"meta": map[string]any{"version": 2.0},
	}
	task, err := b.featureTask(c, f, 0)
	require.NoError(t, err)
	assert.True(t, task.HasCooperativeWork())
}

func TestBuildOutcome(t *testing.T) {
	status, message := buildOutcome(0, nil)
	assert.Equal(t, models.ChallengeStatusEmpty, status)
	assert.Empty(t, message)

	status, message = buildOutcome(0, []string{"way/1", "way/2"})
	assert.Equal(t, models.ChallengeStatusFailed, status)
	assert.Contains(t, message, "way/1, way/2")

	status, message = buildOutcome(5, []string{"node/9"})
	assert.Equal(t, models.ChallengeStatusPartiallyLoaded, status)
	assert.Contains(t, message, "1 records could not be loaded")
	assert.Contains(t, message, "node/9")

	status, message = buildOutcome(5, nil)
	assert.Equal(t, models.ChallengeStatusReady, status)
	assert.Empty(t, message)
}

func TestFailedRecordsMessageTruncates(t *testing.T) {
	failed := make([]string, maxFailedRecords+5)
	for i := range failed {
		failed[i] = "node/1"
	}
	message := failedRecordsMessage(failed)
	assert.Contains(t, message, "and 5 more")
}
