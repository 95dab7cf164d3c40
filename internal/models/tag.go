// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"strings"
	"time"
)

// Tag type discriminators. Challenge keywords and task tags live in the same
// table, distinguished by type; a name is unique within its type only.
const (
	TagTypeChallenges = "challenges"
	TagTypeTasks      = "tasks"
)

// Tag is a keyword attached to challenges or tasks for search and grouping.
// Names are stored lowercased.
type Tag struct {
	ID          int64     `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description *string   `json:"description,omitempty" db:"description"`
	TagType     string    `json:"tagType" db:"tag_type"`
	Created     time.Time `json:"created" db:"created"`
	Modified    time.Time `json:"modified" db:"modified"`
}

// NormalizeTagName lowercases and trims a tag name for storage and lookup.
func NormalizeTagName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NormalizeTagNames maps NormalizeTagName over the list, dropping empties and
// duplicates while keeping first-seen order.
func NormalizeTagNames(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		n := NormalizeTagName(name)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
