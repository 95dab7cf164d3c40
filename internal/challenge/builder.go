// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

// Package challenge builds and refreshes challenge tasks from their
// configured data source, either an Overpass query or remote GeoJSON.
package challenge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/maproulette/maproulette-backend/internal/apierror"
	"github.com/maproulette/maproulette-backend/internal/models"
	"github.com/maproulette/maproulette-backend/internal/osm"
	"github.com/maproulette/maproulette-backend/internal/store"
)

// maxRemoteFiles caps {x} template expansion so a bad template cannot loop
// forever.
const maxRemoteFiles = 100

// maxRemoteBody caps one remote GeoJSON file.
const maxRemoteBody = 256 << 20

// overpassQuerier runs OverpassQL and returns GeoJSON features.
type overpassQuerier interface {
	Query(ctx context.Context, ql string) ([]osm.Feature, error)
}

// Builder sources tasks for challenges and keeps them fresh.
type Builder struct {
	challenges *store.ChallengeRepo
	tasks      *store.TaskRepo
	overpass   overpassQuerier
	http       *http.Client
	logger     *slog.Logger
}

// NewBuilder creates the builder.
func NewBuilder(challenges *store.ChallengeRepo, tasks *store.TaskRepo,
	overpass overpassQuerier, logger *slog.Logger) *Builder {
	return &Builder{
		challenges: challenges,
		tasks:      tasks,
		overpass:   overpass,
		http:       &http.Client{Timeout: 2 * time.Minute},
		logger:     logger.With("component", "challenge-builder"),
	}
}

// Build sources the features for the challenge and upserts one task per
// feature. The challenge moves to Building first, then to Ready, Empty,
// PartiallyLoaded or Failed depending on the outcome. Unusable features do
// not abort the build; their names are kept on the status message instead.
func (b *Builder) Build(ctx context.Context, challengeID int64) error {
	c, err := b.challenges.Retrieve(ctx, challengeID)
	if err != nil {
		return err
	}
	if err := b.challenges.SetStatus(ctx, c.ID, models.ChallengeStatusBuilding, ""); err != nil {
		return err
	}

	features, err := b.sourceFeatures(ctx, c)
	if err != nil {
		b.logger.Warn("challenge build failed", "challenge", c.ID, "error", err)
		if statusErr := b.challenges.SetStatus(ctx, c.ID,
			models.ChallengeStatusFailed, err.Error()); statusErr != nil {
			b.logger.Error("failed to record build failure",
				"challenge", c.ID, "error", statusErr)
		}
		return err
	}

	built := 0
	var failed []string
	for i, feature := range features {
		task, err := b.featureTask(c, feature, i)
		if err != nil {
			b.logger.Warn("skipping unusable feature",
				"challenge", c.ID, "feature", i, "error", err)
			failed = append(failed, featureName(feature, i))
			continue
		}
		if _, err := b.tasks.Upsert(ctx, task); err != nil {
			return b.failBuild(ctx, c.ID, err)
		}
		built++
	}

	status, message := buildOutcome(built, failed)
	if err := b.challenges.SetStatus(ctx, c.ID, status, message); err != nil {
		return err
	}
	if err := b.challenges.MarkRefreshed(ctx, c.ID); err != nil {
		return err
	}
	if built > 0 {
		if err := b.challenges.RefreshLocation(ctx, c.ID); err != nil {
			b.logger.Warn("failed to roll up challenge location",
				"challenge", c.ID, "error", err)
		}
	}
	b.logger.Info("challenge built", "challenge", c.ID, "tasks", built)
	return nil
}

func (b *Builder) failBuild(ctx context.Context, challengeID int64, err error) error {
	if statusErr := b.challenges.SetStatus(ctx, challengeID,
		models.ChallengeStatusFailed, err.Error()); statusErr != nil {
		b.logger.Error("failed to record build failure",
			"challenge", challengeID, "error", statusErr)
	}
	return err
}

// maxFailedRecords bounds how many record names the status message carries.
const maxFailedRecords = 25

// buildOutcome maps build counts to the final status. A build that produced
// some tasks but dropped records lands on PartiallyLoaded so organizers can
// see which records need fixing.
func buildOutcome(built int, failed []string) (models.ChallengeStatus, string) {
	switch {
	case built == 0 && len(failed) == 0:
		return models.ChallengeStatusEmpty, ""
	case built == 0:
		return models.ChallengeStatusFailed, failedRecordsMessage(failed)
	case len(failed) > 0:
		return models.ChallengeStatusPartiallyLoaded, failedRecordsMessage(failed)
	default:
		return models.ChallengeStatusReady, ""
	}
}

func failedRecordsMessage(failed []string) string {
	listed := failed
	var suffix string
	if len(failed) > maxFailedRecords {
		listed = failed[:maxFailedRecords]
		suffix = fmt.Sprintf(" and %d more", len(failed)-maxFailedRecords)
	}
	return fmt.Sprintf("%d records could not be loaded: %s%s",
		len(failed), strings.Join(listed, ", "), suffix)
}

// RefreshDueChallenges rebuilds every challenge whose refresh interval has
// elapsed. One failing challenge does not stop the rest.
func (b *Builder) RefreshDueChallenges(ctx context.Context) error {
	due, err := b.challenges.DueForRefresh(ctx)
	if err != nil {
		return err
	}
	for _, c := range due {
		if err := b.Build(ctx, c.ID); err != nil {
			b.logger.Warn("scheduled rebuild failed", "challenge", c.ID, "error", err)
		}
	}
	return nil
}

func (b *Builder) sourceFeatures(ctx context.Context, c *models.Challenge) ([]osm.Feature, error) {
	switch {
	case c.OverpassQL != "":
		return b.overpass.Query(ctx, c.OverpassQL)
	case c.RemoteGeoJSON != "":
		return b.fetchRemote(ctx, c)
	default:
		return nil, apierror.New(apierror.KindInvalid,
			"challenge %d has no data source", c.ID)
	}
}

// fetchRemote loads the remote GeoJSON source. A {x} template expands from 1
// upward until a file is missing.
func (b *Builder) fetchRemote(ctx context.Context, c *models.Challenge) ([]osm.Feature, error) {
	if !c.IsRemoteTemplate() {
		return b.fetchGeoJSON(ctx, c.RemoteGeoJSON)
	}
	var all []osm.Feature
	for i := 1; i <= maxRemoteFiles; i++ {
		url := strings.ReplaceAll(c.RemoteGeoJSON, "{x}", strconv.Itoa(i))
		features, err := b.fetchGeoJSON(ctx, url)
		if apierror.IsKind(err, apierror.KindNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		all = append(all, features...)
	}
	return all, nil
}

func (b *Builder) fetchGeoJSON(ctx context.Context, url string) ([]osm.Feature, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindInvalid, err, "bad remote geojson url")
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindFatal, err, "remote geojson fetch failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, apierror.New(apierror.KindNotFound, "remote geojson missing: %s", url)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apierror.New(apierror.KindFatal,
			"remote geojson returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteBody))
	if err != nil {
		return nil, err
	}
	var fc struct {
		Features []osm.Feature `json:"features"`
	}
	if err := json.Unmarshal(body, &fc); err != nil {
		return nil, apierror.Wrap(apierror.KindInvalid, err, "malformed remote geojson")
	}
	return fc.Features, nil
}

// featureTask converts one sourced feature into a task ready to upsert.
func (b *Builder) featureTask(c *models.Challenge, feature osm.Feature, index int) (*models.Task, error) {
	location, err := centroid(feature.Geometry)
	if err != nil {
		return nil, err
	}
	geometries, err := json.Marshal(map[string]any{
		"type":     "FeatureCollection",
		"features": []osm.Feature{feature},
	})
	if err != nil {
		return nil, err
	}
	priority, err := models.EvaluatePriority(c, models.TaskProperties(geometries))
	if err != nil {
		priority = c.DefaultPriority
	}
	task := &models.Task{
		Name:        featureName(feature, index),
		ParentID:    c.ID,
		Instruction: c.Instruction,
		Geometries:  geometries,
		Status:      models.TaskStatusCreated,
		Priority:    priority,
		Location:    location,
	}
	if c.CooperativeType != models.CooperativeTypeNone {
		if coop, ok := feature.Properties["cooperativeWork"]; ok {
			if raw, err := json.Marshal(coop); err == nil {
				task.CooperativeWork = raw
			}
		}
	}
	return task, nil
}

// featureName derives a stable task name so rebuilds update instead of
// duplicating.
func featureName(feature osm.Feature, index int) string {
	for _, key := range []string{"@id", "osmid", "osm_id", "id", "name"} {
		if v, ok := feature.Properties[key]; ok {
			if s := fmt.Sprintf("%v", v); s != "" {
				return s
			}
		}
	}
	return strconv.Itoa(index + 1)
}

// centroid averages the coordinates of a GeoJSON geometry.
func centroid(geometry map[string]any) (models.Point, error) {
	coords, ok := geometry["coordinates"]
	if !ok {
		return models.Point{}, apierror.New(apierror.KindInvalid, "feature has no coordinates")
	}
	var (
		sumLng, sumLat float64
		count          int
	)
	var walk func(v any)
	walk = func(v any) {
		list, ok := v.([]any)
		if !ok || len(list) == 0 {
			return
		}
		if lng, ok := list[0].(float64); ok && len(list) >= 2 {
			if lat, ok := list[1].(float64); ok {
				sumLng += lng
				sumLat += lat
				count++
				return
			}
		}
		for _, child := range list {
			walk(child)
		}
	}
	walk(coords)
	if count == 0 {
		return models.Point{}, apierror.New(apierror.KindInvalid, "feature has no usable coordinates")
	}
	return models.Point{Lng: sumLng / float64(count), Lat: sumLat / float64(count)}, nil
}
