// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package models

import "encoding/json"

// Property predicate operation types accepted by SearchParameters.
const (
	PropertyOpEquals   = "equals"
	PropertyOpNotEqual = "not_equal"
	PropertyOpContains = "contains"
	PropertyOpExists   = "exists"
	PropertyOpMissing  = "missing"
)

// PropertyPredicate is a single test over a task's GeoJSON property map.
type PropertyPredicate struct {
	Key       string `json:"key"`
	Value     string `json:"value,omitempty"`
	Operation string `json:"operationType"`
}

// FuzzySearch tolerances. Levenshtein distances below Score match; Metaphone
// comparisons use Size characters.
type FuzzySearch struct {
	SearchString string `json:"searchString"`
	Score        int    `json:"levenshteinScore"`
	Size         int    `json:"metaphoneSize"`
}

// Defaults for fuzzy matching.
const (
	DefaultFuzzyScore = 3
	DefaultMetaphone  = 4
)

// TaskSearchParameters holds the task-scoped filters of SearchParameters.
type TaskSearchParameters struct {
	Statuses           []TaskStatus        `json:"taskStatus,omitempty"`
	ReviewStatuses     []ReviewStatus      `json:"taskReviewStatus,omitempty"`
	MetaReviewStatuses []ReviewStatus      `json:"metaReviewStatus,omitempty"`
	Priorities         []TaskPriority      `json:"taskPriorities,omitempty"`
	TagNames           []string            `json:"taskTags,omitempty"`
	Properties         []PropertyPredicate `json:"taskProperties,omitempty"`
	ExcludedIDs        []int64             `json:"excludedTaskIds,omitempty"`
	BundleID           *int64              `json:"bundleId,omitempty"`
	// SavedBy restricts candidates to tasks the user has saved. Set from the
	// authenticated user, never from the request body.
	SavedBy *int64 `json:"-"`
}

// ChallengeSearchParameters holds the challenge-scoped filters.
type ChallengeSearchParameters struct {
	IDs        []int64  `json:"challengeIds,omitempty"`
	Name       string   `json:"challengeName,omitempty"`
	TagNames   []string `json:"challengeTags,omitempty"`
	Difficulty *int     `json:"challengeDifficulty,omitempty"`
	Enabled    *bool    `json:"challengeEnabled,omitempty"`
}

// SearchParameters is the composite filter object accepted by every
// list/search endpoint. Owner, Reviewer, MetaReviewer and Mapper match user
// display names; fields named in InvertFields have their predicate negated
// when composed into SQL.
type SearchParameters struct {
	ProjectIDs         []int64                   `json:"projectIds,omitempty"`
	ProjectSearch      string                    `json:"projectSearch,omitempty"`
	ProjectEnabled     *bool                     `json:"projectEnabled,omitempty"`
	Challenge          ChallengeSearchParameters `json:"challengeParams"`
	Task               TaskSearchParameters      `json:"taskParams"`
	Owner              string                    `json:"owner,omitempty"`
	Reviewer           string                    `json:"reviewer,omitempty"`
	MetaReviewer       string                    `json:"metaReviewer,omitempty"`
	Mapper             string                    `json:"mapper,omitempty"`
	Location           *BoundingBox              `json:"location,omitempty"`
	BoundingGeometries []json.RawMessage         `json:"boundingGeometries,omitempty"`
	Fuzzy              *FuzzySearch              `json:"fuzzySearch,omitempty"`
	InvertFields       []string                  `json:"invertFields,omitempty"`
}

// Inverted reports whether the named field's predicate should be negated.
func (p *SearchParameters) Inverted(field string) bool {
	for _, f := range p.InvertFields {
		if f == field {
			return true
		}
	}
	return false
}

// HasTaskFilters reports whether any task-scoped filter is set.
func (p *SearchParameters) HasTaskFilters() bool {
	t := p.Task
	return len(t.Statuses) > 0 || len(t.ReviewStatuses) > 0 ||
		len(t.Priorities) > 0 || len(t.TagNames) > 0 ||
		len(t.Properties) > 0 || len(t.ExcludedIDs) > 0 || t.BundleID != nil
}
