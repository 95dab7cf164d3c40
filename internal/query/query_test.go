// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maproulette/maproulette-backend/internal/apierror"
)

func TestValidateColumn(t *testing.T) {
	tests := []struct {
		column string
		valid  bool
	}{
		{"tasks.status", true},
		{"parent_id", true},
		{"Tasks2.priority", true},
		{"status; DROP TABLE tasks", false},
		{"status OR 1=1", false},
		{"col-name", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.column, func(t *testing.T) {
			err := ValidateColumn(tt.column)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, apierror.IsKind(err, apierror.KindInvalid))
			}
		})
	}
}

func TestSimpleFilter(t *testing.T) {
	q := New("SELECT * FROM tasks",
		NewFilter(
			NewParameter("parent_id", int64(7)),
			FilterParameter("status", IN, []int{0, 3}),
		))

	sql, params, err := q.SQL()
	require.NoError(t, err)
	assert.Contains(t, sql, "SELECT * FROM tasks WHERE parent_id = :")
	assert.Contains(t, sql, "status IN (:")
	assert.Len(t, params, 3)
}

func TestEmptyInCollapses(t *testing.T) {
	q := New("SELECT * FROM tasks",
		NewFilter(FilterParameter("status", IN, []int{})))

	sql, params, err := q.SQL()
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM tasks", sql)
	assert.Empty(t, params)
}

func TestConditionalGroupSkipped(t *testing.T) {
	q := New("SELECT * FROM tasks", NewGroupedFilter(AND,
		ConditionalFilterGroup(AND, false, NewParameter("status", 1)),
		NewFilterGroup(OR,
			NewParameter("priority", 0),
			NewParameter("priority", 1),
		)))

	sql, params, err := q.SQL()
	require.NoError(t, err)
	assert.Contains(t, sql, "priority = :")
	assert.Contains(t, sql, " OR ")
	assert.NotContains(t, sql, "status")
	assert.Len(t, params, 2)
}

func TestMultipleGroupsParenthesised(t *testing.T) {
	q := New("SELECT * FROM tasks", NewGroupedFilter(OR,
		NewFilterGroup(AND, NewParameter("a", 1), NewParameter("b", 2)),
		NewFilterGroup(AND, NewParameter("c", 3)),
	))
	sql, _, err := q.SQL()
	require.NoError(t, err)
	assert.Regexp(t, `WHERE \(a = :\w+ AND b = :\w+\) OR \(c = :\w+\)`, sql)
}

func TestEveryPlaceholderBound(t *testing.T) {
	q := New("SELECT * FROM tasks",
		NewFilter(
			NewParameter("status", 1),
			NewParameter("status", 2),
			FilterParameter("name", ILIKE, "%river%"),
		)).WithPaging(10, 3)

	sql, params, err := q.SQL()
	require.NoError(t, err)

	re := regexp.MustCompile(`:(mr_\w+)`)
	seen := map[string]int{}
	for _, m := range re.FindAllStringSubmatch(sql, -1) {
		seen[m[1]]++
	}
	assert.Len(t, seen, len(params))
	for key := range seen {
		_, ok := params[key]
		assert.True(t, ok, "placeholder %s has no binding", key)
	}
	// Reusing the same column twice keeps both bindings distinct.
	assert.Len(t, params, 5)
}

func TestSQLIsDeterministic(t *testing.T) {
	q := New("SELECT * FROM tasks",
		NewFilter(NewParameter("status", 1))).WithPaging(5, 0)
	first, _, err := q.SQL()
	require.NoError(t, err)
	second, _, err := q.SQL()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestNullAndBoolOperators(t *testing.T) {
	sqlOf := func(p Parameter) string {
		s, _, err := New("SELECT 1 FROM t", NewFilter(p)).SQL()
		require.NoError(t, err)
		return s
	}

	assert.Contains(t, sqlOf(Parameter{Column: "reviewed_by", Op: NULL}), "reviewed_by IS NULL")
	assert.Contains(t, sqlOf(Parameter{Column: "reviewed_by", Op: NULL, Negate: true}), "reviewed_by IS NOT NULL")
	assert.Contains(t, sqlOf(Parameter{Column: "enabled", Op: BOOL}), "WHERE enabled")
	assert.Contains(t, sqlOf(Parameter{Column: "enabled", Op: BOOL, Negate: true}), "NOT enabled")
}

func TestBetween(t *testing.T) {
	q := New("SELECT * FROM tasks",
		NewFilter(FilterParameter("created", BETWEEN, []any{"2025-01-01", "2025-02-01"})))
	sql, params, err := q.SQL()
	require.NoError(t, err)
	assert.Regexp(t, `created BETWEEN :\w+ AND :\w+`, sql)
	assert.Len(t, params, 2)
}

func TestOrderConsolidation(t *testing.T) {
	q := New("SELECT * FROM tasks", Filter{}).
		WithOrder(
			OrderField{Name: "priority", Direction: ASC, IsColumn: true},
			OrderField{Name: "id", Direction: ASC, IsColumn: true},
		)
	sql, _, err := q.SQL()
	require.NoError(t, err)
	assert.Contains(t, sql, "ORDER BY priority, id ASC")

	q = New("SELECT * FROM tasks", Filter{}).
		WithOrder(
			OrderField{Name: "priority", Direction: ASC, IsColumn: true},
			OrderField{Name: "id", Direction: DESC, IsColumn: true},
		)
	sql, _, err = q.SQL()
	require.NoError(t, err)
	assert.Contains(t, sql, "ORDER BY priority ASC, id DESC")
}

func TestGrouping(t *testing.T) {
	q := New("SELECT status, COUNT(*) FROM tasks", Filter{}).
		WithGrouping("status")
	sql, _, err := q.SQL()
	require.NoError(t, err)
	assert.Contains(t, sql, "GROUP BY status")

	q = New("SELECT 1 FROM tasks", Filter{}).WithGrouping("status; --")
	_, _, err = q.SQL()
	assert.Error(t, err)
}

func TestPagingOffset(t *testing.T) {
	q := New("SELECT * FROM tasks", Filter{}).WithPaging(25, 2)
	sql, params, err := q.SQL()
	require.NoError(t, err)
	assert.Regexp(t, `LIMIT :\w+ OFFSET :\w+`, sql)

	values := make([]any, 0, len(params))
	for _, v := range params {
		values = append(values, v)
	}
	assert.ElementsMatch(t, []any{25, 50}, values)
}

func TestSubQueryFilter(t *testing.T) {
	inner := New("SELECT task_id FROM tags_on_tasks",
		NewFilter(NewParameter("tag_id", 9)))
	outer := New("SELECT * FROM tasks",
		NewFilter(SubQueryFilter{Column: "tasks.id", Inner: inner, Op: IN}.AsParameter()))

	sql, params, err := outer.SQL()
	require.NoError(t, err)
	assert.Contains(t, sql, "tasks.id IN (SELECT task_id FROM tags_on_tasks WHERE tag_id = :")
	assert.Len(t, params, 1)
}

func TestFuzzyExpansion(t *testing.T) {
	q := New("SELECT * FROM challenges",
		NewFilter(FuzzyParameter("name", "rivr", 0, 0)))
	sql, params, err := q.SQL()
	require.NoError(t, err)
	assert.Contains(t, sql, "LEVENSHTEIN(LOWER(name), LOWER(:")
	assert.Contains(t, sql, ") < 3")
	assert.Contains(t, sql, "METAPHONE(LOWER(name), 4)")
	assert.Contains(t, sql, "SOUNDEX(LOWER(name))")
	assert.Len(t, params, 1)
	for _, v := range params {
		assert.Equal(t, "rivr", v)
	}
}

func TestForceBaseAppendsAnd(t *testing.T) {
	q := New("SELECT * FROM tasks WHERE deleted = false",
		NewFilter(NewParameter("status", 0)))
	sql, _, err := q.SQL()
	require.NoError(t, err)
	assert.Contains(t, sql, "WHERE deleted = false AND status = :")
}

func TestCustomParameterVerbatim(t *testing.T) {
	q := New("SELECT * FROM tasks",
		NewFilter(CustomParameter("tasks.location && ST_MakeEnvelope(0, 0, 1, 1, 4326)")))
	sql, params, err := q.SQL()
	require.NoError(t, err)
	assert.Contains(t, sql, "ST_MakeEnvelope(0, 0, 1, 1, 4326)")
	assert.Empty(t, params)
}

func TestInvalidColumnFailsBeforeEmit(t *testing.T) {
	q := New("SELECT * FROM tasks",
		NewFilter(NewParameter("id; DELETE FROM tasks", 1)))
	_, _, err := q.SQL()
	require.Error(t, err)
	assert.True(t, apierror.IsKind(err, apierror.KindInvalid))
}

func TestSaltsDifferAcrossInstances(t *testing.T) {
	extract := func() string {
		sql, _, err := New("SELECT * FROM t", NewFilter(NewParameter("a", 1))).SQL()
		require.NoError(t, err)
		m := regexp.MustCompile(`:mr_(\w+)_\d+`).FindStringSubmatch(sql)
		require.NotNil(t, m)
		return m[1]
	}
	salts := map[string]bool{}
	for i := 0; i < 8; i++ {
		salts[extract()] = true
	}
	assert.Greater(t, len(salts), 1)
}

func TestFlattenScalar(t *testing.T) {
	q := New("SELECT * FROM tasks", NewFilter(FilterParameter("id", IN, int64(4))))
	sql, params, err := q.SQL()
	require.NoError(t, err)
	assert.Regexp(t, `id IN \(:\w+\)`, sql)
	assert.Len(t, params, 1)
}

func ExampleQuery_SQL() {
	q := New("SELECT * FROM tasks", NewFilter(NewParameter("parent_id", 1)))
	sql, params, _ := q.SQL()
	fmt.Println(strings.Count(sql, ":") == len(params))
	// Output: true
}
