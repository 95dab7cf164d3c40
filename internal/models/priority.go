// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Priority rule operators. The symbolic spellings are canonical; the word
// spellings remain accepted on input for challenges created by older clients.
const (
	OpEqual       = "=="
	OpNotEqual    = "!="
	OpLess        = "<"
	OpLessEqual   = "<="
	OpGreater     = ">"
	OpGreaterEq   = ">="
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpIsEmpty     = "is_empty"
	OpIsNotEmpty  = "is_not_empty"
)

var operatorAliases = map[string]string{
	"equal":            OpEqual,
	"not_equal":        OpNotEqual,
	"less":             OpLess,
	"less_or_equal":    OpLessEqual,
	"greater":          OpGreater,
	"greater_or_equal": OpGreaterEq,
}

// canonicalOperator maps word spellings onto symbolic ones.
func canonicalOperator(op string) string {
	if c, ok := operatorAliases[op]; ok {
		return c
	}
	return op
}

// PriorityRule is a node in a priority rule tree: either a predicate over a
// single task property, or a boolean combination of child rules.
type PriorityRule struct {
	Condition string         `json:"condition,omitempty"`
	Rules     []PriorityRule `json:"rules,omitempty"`
	Key       string         `json:"key,omitempty"`
	Operator  string         `json:"operator,omitempty"`
	Value     string         `json:"value,omitempty"`
	Type      string         `json:"type,omitempty"`
}

// ParsePriorityRule decodes a serialized rule tree. An empty string yields a
// nil rule, which never matches.
func ParsePriorityRule(raw string) (*PriorityRule, error) {
	if strings.TrimSpace(raw) == "" || raw == "{}" {
		return nil, nil
	}
	var rule PriorityRule
	if err := json.Unmarshal([]byte(raw), &rule); err != nil {
		return nil, fmt.Errorf("invalid priority rule: %w", err)
	}
	return &rule, nil
}

// IsLeaf reports whether the node is a single predicate.
func (r *PriorityRule) IsLeaf() bool { return len(r.Rules) == 0 }

// Matches evaluates the rule tree against a task's property map.
func (r *PriorityRule) Matches(properties map[string]string) bool {
	if r == nil {
		return false
	}
	if r.IsLeaf() {
		return r.matchLeaf(properties)
	}
	any := strings.EqualFold(r.Condition, "OR")
	for _, child := range r.Rules {
		matched := child.Matches(properties)
		if any && matched {
			return true
		}
		if !any && !matched {
			return false
		}
	}
	return !any
}

func (r *PriorityRule) matchLeaf(properties map[string]string) bool {
	value, present := properties[r.Key]
	op := canonicalOperator(r.Operator)

	switch op {
	case OpIsEmpty:
		return !present || value == ""
	case OpIsNotEmpty:
		return present && value != ""
	}
	if !present {
		return false
	}

	switch r.Type {
	case "integer", "long":
		lhs, err1 := strconv.ParseInt(value, 10, 64)
		rhs, err2 := strconv.ParseInt(r.Value, 10, 64)
		if err1 != nil || err2 != nil {
			return false
		}
		return compareOrdered(op, lhs, rhs)
	case "double":
		lhs, err1 := strconv.ParseFloat(value, 64)
		rhs, err2 := strconv.ParseFloat(r.Value, 64)
		if err1 != nil || err2 != nil {
			return false
		}
		return compareOrdered(op, lhs, rhs)
	default:
		switch op {
		case OpEqual:
			return value == r.Value
		case OpNotEqual:
			return value != r.Value
		case OpContains:
			return strings.Contains(value, r.Value)
		case OpNotContains:
			return !strings.Contains(value, r.Value)
		case OpLess:
			return value < r.Value
		case OpLessEqual:
			return value <= r.Value
		case OpGreater:
			return value > r.Value
		case OpGreaterEq:
			return value >= r.Value
		}
	}
	return false
}

func compareOrdered[T int64 | float64](op string, lhs, rhs T) bool {
	switch op {
	case OpEqual:
		return lhs == rhs
	case OpNotEqual:
		return lhs != rhs
	case OpLess:
		return lhs < rhs
	case OpLessEqual:
		return lhs <= rhs
	case OpGreater:
		return lhs > rhs
	case OpGreaterEq:
		return lhs >= rhs
	default:
		return false
	}
}

// EvaluatePriority classifies a task's properties against the challenge's
// three rule trees, returning the first matching priority. The challenge
// default applies when nothing matches.
func EvaluatePriority(c *Challenge, properties map[string]string) (TaskPriority, error) {
	trees := []struct {
		raw      string
		priority TaskPriority
	}{
		{c.HighPriorityRule, TaskPriorityHigh},
		{c.MedPriorityRule, TaskPriorityMedium},
		{c.LowPriorityRule, TaskPriorityLow},
	}
	for _, t := range trees {
		rule, err := ParsePriorityRule(t.raw)
		if err != nil {
			return c.DefaultPriority, err
		}
		if rule.Matches(properties) {
			return t.priority, nil
		}
	}
	return c.DefaultPriority, nil
}

// TaskProperties flattens the first feature's properties from a GeoJSON
// feature collection into a string map for rule evaluation.
func TaskProperties(geometries json.RawMessage) map[string]string {
	var fc struct {
		Features []struct {
			Properties map[string]json.RawMessage `json:"properties"`
		} `json:"features"`
	}
	props := map[string]string{}
	if err := json.Unmarshal(geometries, &fc); err != nil {
		return props
	}
	for _, f := range fc.Features {
		for k, v := range f.Properties {
			var s string
			if err := json.Unmarshal(v, &s); err == nil {
				props[k] = s
				continue
			}
			props[k] = strings.Trim(string(v), `"`)
		}
	}
	return props
}
