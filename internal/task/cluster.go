// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"context"
	"math"

	"github.com/maproulette/maproulette-backend/internal/models"
)

const (
	maxClusterPoints     = 100
	maxKMeansIterations  = 20
	clusterSampleCeiling = 10000
)

// Clusters buckets matching tasks into at most numberOfPoints k-means
// clusters for map previews. The candidate set is capped; previews do not
// need exactness.
func (s *Service) Clusters(ctx context.Context, user *models.User, params *models.SearchParameters, numberOfPoints int) ([]models.TaskCluster, error) {
	if numberOfPoints <= 0 || numberOfPoints > maxClusterPoints {
		numberOfPoints = maxClusterPoints
	}
	tasks, err := s.tasks.ClusterPoints(ctx, user, params, clusterSampleCeiling)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	if len(tasks) <= numberOfPoints {
		// One cluster per task.
		out := make([]models.TaskCluster, len(tasks))
		for i, t := range tasks {
			out[i] = models.TaskCluster{
				ClusterID:   i,
				NumberOfPts: 1,
				Point:       t.Location,
				Bounding:    models.BoundingBox{}.Expand(t.Location),
			}
		}
		return out, nil
	}
	return kMeans(tasks, numberOfPoints, s.randInt), nil
}

// kMeans is a plain Lloyd iteration over task centroids. Seeds are sampled
// from the input; empty clusters are dropped at the end.
func kMeans(tasks []models.Task, k int, randInt func(int) int) []models.TaskCluster {
	centroids := make([]models.Point, k)
	for i := range centroids {
		centroids[i] = tasks[randInt(len(tasks))].Location
	}

	assignment := make([]int, len(tasks))
	for iter := 0; iter < maxKMeansIterations; iter++ {
		moved := false
		for i, t := range tasks {
			best, bestDist := 0, math.MaxFloat64
			for c, centroid := range centroids {
				if d := sqDist(t.Location, centroid); d < bestDist {
					best, bestDist = c, d
				}
			}
			if assignment[i] != best {
				assignment[i] = best
				moved = true
			}
		}
		if !moved && iter > 0 {
			break
		}

		sums := make([]models.Point, k)
		counts := make([]int, k)
		for i, t := range tasks {
			c := assignment[i]
			sums[c].Lat += t.Location.Lat
			sums[c].Lng += t.Location.Lng
			counts[c]++
		}
		for c := range centroids {
			if counts[c] > 0 {
				centroids[c] = models.Point{
					Lat: sums[c].Lat / float64(counts[c]),
					Lng: sums[c].Lng / float64(counts[c]),
				}
			}
		}
	}

	clusters := make([]models.TaskCluster, 0, k)
	for c := range centroids {
		var cluster *models.TaskCluster
		challengeSeen := map[int64]bool{}
		for i, t := range tasks {
			if assignment[i] != c {
				continue
			}
			if cluster == nil {
				clusters = append(clusters, models.TaskCluster{
					ClusterID: len(clusters),
					Point:     centroids[c],
					Bounding:  models.BoundingBox{}.Expand(t.Location),
				})
				cluster = &clusters[len(clusters)-1]
			} else {
				cluster.Bounding = cluster.Bounding.Expand(t.Location)
			}
			cluster.NumberOfPts++
			if !challengeSeen[t.ParentID] {
				challengeSeen[t.ParentID] = true
				cluster.ChallengeIDs = append(cluster.ChallengeIDs, t.ParentID)
			}
		}
	}
	return clusters
}

func sqDist(a, b models.Point) float64 {
	dLat := a.Lat - b.Lat
	dLng := a.Lng - b.Lng
	return dLat*dLat + dLng*dLng
}
