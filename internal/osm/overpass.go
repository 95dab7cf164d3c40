// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package osm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/maproulette/maproulette-backend/internal/apierror"
)

// OverpassClient executes OverpassQL queries for challenge task building.
type OverpassClient struct {
	endpoint string
	http     *http.Client
	logger   *slog.Logger
}

// NewOverpassClient builds the client. The default endpoint is the public
// Overpass API.
func NewOverpassClient(endpoint string, timeout time.Duration, logger *slog.Logger) *OverpassClient {
	if endpoint == "" {
		endpoint = "https://overpass-api.de/api/interpreter"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OverpassClient{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
		logger:   logger.With("component", "overpass"),
	}
}

type overpassElement struct {
	Type  string            `json:"type"`
	ID    int64             `json:"id"`
	Lat   float64           `json:"lat"`
	Lon   float64           `json:"lon"`
	Nodes []int64           `json:"nodes"`
	Tags  map[string]string `json:"tags"`
}

type overpassResult struct {
	Elements []overpassElement `json:"elements"`
}

// Feature is one GeoJSON feature produced from an Overpass result.
type Feature struct {
	Type       string         `json:"type"`
	Geometry   map[string]any `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

// Query runs the OverpassQL statement and converts the result to GeoJSON
// features. The query is forced to JSON output. Ways referencing nodes absent
// from the result are emitted without geometry detail beyond their first
// resolvable point; ways with no resolvable nodes are skipped.
func (c *OverpassClient) Query(ctx context.Context, ql string) ([]Feature, error) {
	if !strings.Contains(ql, "[out:json]") {
		ql = "[out:json];" + ql
	}
	form := url.Values{"data": {ql}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindFatal, err, "overpass api unreachable")
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 256<<20))
	if err != nil {
		return nil, apierror.Wrap(apierror.KindFatal, err, "failed to read overpass response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apierror.New(apierror.KindFatal, "overpass returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(payload[:min(len(payload), 512)])))
	}

	var result overpassResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, apierror.Wrap(apierror.KindFatal, err, "failed to decode overpass response")
	}
	return c.toFeatures(result.Elements), nil
}

func (c *OverpassClient) toFeatures(elements []overpassElement) []Feature {
	nodes := map[int64][2]float64{}
	for _, el := range elements {
		if el.Type == "node" {
			nodes[el.ID] = [2]float64{el.Lon, el.Lat}
		}
	}

	features := make([]Feature, 0, len(elements))
	for _, el := range elements {
		props := map[string]any{"@id": fmt.Sprintf("%s/%d", el.Type, el.ID)}
		for k, v := range el.Tags {
			props[k] = v
		}
		switch el.Type {
		case "node":
			if len(el.Tags) == 0 {
				// Bare way-member nodes do not become tasks.
				continue
			}
			features = append(features, Feature{
				Type:       "Feature",
				Geometry:   map[string]any{"type": "Point", "coordinates": []float64{el.Lon, el.Lat}},
				Properties: props,
			})
		case "way":
			coords := make([][]float64, 0, len(el.Nodes))
			for _, ref := range el.Nodes {
				if pt, ok := nodes[ref]; ok {
					coords = append(coords, []float64{pt[0], pt[1]})
				}
			}
			if len(coords) < 2 {
				c.logger.Warn("skipping way with unresolvable geometry", "way", el.ID)
				continue
			}
			features = append(features, Feature{
				Type:       "Feature",
				Geometry:   map[string]any{"type": "LineString", "coordinates": coords},
				Properties: props,
			})
		}
	}
	return features
}
