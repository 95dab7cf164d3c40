// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

// Package query is a composable SQL builder producing statement strings plus
// named bound parameters. Every repository composes its WHERE clauses through
// it so that search criteria stay orthogonal and injection-safe.
package query

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/maproulette/maproulette-backend/internal/apierror"
)

// Operator is a SQL comparison operator supported by Parameter.
type Operator int

const (
	EQ Operator = iota
	NEQ
	GT
	GTE
	LT
	LTE
	IN
	LIKE
	ILIKE
	BETWEEN
	NULL
	SIMILAR_TO
	EXISTS
	BOOL
	CUSTOM
)

func (o Operator) symbol() string {
	switch o {
	case EQ:
		return "="
	case NEQ:
		return "<>"
	case GT:
		return ">"
	case GTE:
		return ">="
	case LT:
		return "<"
	case LTE:
		return "<="
	case LIKE:
		return "LIKE"
	case ILIKE:
		return "ILIKE"
	case SIMILAR_TO:
		return "SIMILAR TO"
	default:
		return ""
	}
}

var validColumn = regexp.MustCompile(`^[A-Za-z0-9_.]+$`)

// ValidateColumn rejects any column name containing characters outside
// [A-Za-z0-9_.]. Called before any SQL is emitted.
func ValidateColumn(name string) error {
	if !validColumn.MatchString(name) {
		return apierror.New(apierror.KindInvalid, "invalid column name %q", name)
	}
	return nil
}

// Parameter is a typed predicate over one column.
type Parameter struct {
	Column     string
	Op         Operator
	Value      any
	Negate     bool
	Table      string
	UseLiteral bool
}

// NewParameter builds an EQ predicate; the common case.
func NewParameter(column string, value any) Parameter {
	return Parameter{Column: column, Op: EQ, Value: value}
}

// FilterParameter builds a predicate with an explicit operator.
func FilterParameter(column string, op Operator, value any) Parameter {
	return Parameter{Column: column, Op: op, Value: value}
}

// CustomParameter emits the given fragment verbatim. The caller is responsible
// for having validated it.
func CustomParameter(fragment string) Parameter {
	return Parameter{Op: CUSTOM, Value: fragment}
}

func (p Parameter) qualifiedColumn() string {
	if p.Table != "" {
		return p.Table + "." + p.Column
	}
	return p.Column
}

// sql renders the predicate, registering bindings in ctx. An IN over an empty
// iterable collapses to the empty string so the surrounding group skips it.
func (p Parameter) sql(ctx *buildContext) (string, error) {
	if p.Op == CUSTOM {
		fragment, _ := p.Value.(string)
		return fragment, nil
	}
	if p.Op == fuzzyOp {
		return p.sqlFuzzy(ctx)
	}
	if p.Op == subQueryOp {
		return p.sqlSubQuery(ctx)
	}
	if p.Op == customBoundOp {
		return p.sqlCustomBound(ctx)
	}

	if err := ValidateColumn(p.qualifiedColumn()); err != nil {
		return "", err
	}
	column := p.qualifiedColumn()

	switch p.Op {
	case NULL:
		if p.Negate {
			return column + " IS NOT NULL", nil
		}
		return column + " IS NULL", nil
	case BOOL:
		if p.Negate {
			return "NOT " + column, nil
		}
		return column, nil
	case IN:
		values := flatten(p.Value)
		if len(values) == 0 {
			return "", nil
		}
		keys := make([]string, len(values))
		for i, v := range values {
			keys[i] = ":" + ctx.bind(v)
		}
		clause := fmt.Sprintf("%s IN (%s)", column, strings.Join(keys, ","))
		if p.Negate {
			clause = "NOT " + clause
		}
		return clause, nil
	case BETWEEN:
		bounds := flatten(p.Value)
		if len(bounds) != 2 {
			return "", apierror.New(apierror.KindInvalid, "BETWEEN on %s requires exactly two bounds", column)
		}
		clause := fmt.Sprintf("%s BETWEEN :%s AND :%s", column, ctx.bind(bounds[0]), ctx.bind(bounds[1]))
		if p.Negate {
			clause = "NOT " + clause
		}
		return clause, nil
	case EXISTS:
		fragment, _ := p.Value.(string)
		if p.Negate {
			return "NOT EXISTS (" + fragment + ")", nil
		}
		return "EXISTS (" + fragment + ")", nil
	default:
		op := p.Op.symbol()
		if op == "" {
			return "", apierror.New(apierror.KindInvalid, "unsupported operator %d on column %s", int(p.Op), column)
		}
		var rhs string
		if p.UseLiteral {
			rhs = fmt.Sprintf("%v", p.Value)
		} else {
			rhs = ":" + ctx.bind(p.Value)
		}
		clause := fmt.Sprintf("%s %s %s", column, op, rhs)
		if p.Negate {
			clause = "NOT " + clause
		}
		return clause, nil
	}
}

// flatten normalises a slice-ish value into []any.
func flatten(value any) []any {
	if value == nil {
		return nil
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{value}
	}
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// customBoundOp renders a caller-supplied fragment whose "{}" markers are
// replaced by salted placeholders bound to the supplied values.
const customBoundOp Operator = -3

type customBoundSpec struct {
	template string
	values   []any
}

// CustomBound emits the template verbatim except that each "{}" marker is
// replaced by a named placeholder bound to the corresponding value. Used for
// spatial and hstore predicates the Parameter grammar cannot express.
func CustomBound(template string, values ...any) Parameter {
	return Parameter{Op: customBoundOp, Value: customBoundSpec{template: template, values: values}}
}

func (p Parameter) sqlCustomBound(ctx *buildContext) (string, error) {
	spec := p.Value.(customBoundSpec)
	if strings.Count(spec.template, "{}") != len(spec.values) {
		return "", apierror.New(apierror.KindInvalid,
			"custom fragment expects %d bindings, got %d",
			strings.Count(spec.template, "{}"), len(spec.values))
	}
	out := spec.template
	for _, v := range spec.values {
		out = strings.Replace(out, "{}", ":"+ctx.bind(v), 1)
	}
	return out, nil
}

// fuzzyOp is internal; it renders the three-way phonetic disjunction.
const fuzzyOp Operator = -1

type fuzzySpec struct {
	column string
	search string
	score  int
	size   int
}

// FuzzyParameter expands a fuzzy search over a column into a Levenshtein,
// Metaphone and Soundex disjunction.
func FuzzyParameter(column, search string, score, size int) Parameter {
	if score < 1 {
		score = 3
	}
	if size < 1 {
		size = 4
	}
	return Parameter{Column: column, Op: fuzzyOp,
		Value: fuzzySpec{column: column, search: search, score: score, size: size}}
}

func (p Parameter) sqlFuzzy(ctx *buildContext) (string, error) {
	spec := p.Value.(fuzzySpec)
	if err := ValidateColumn(spec.column); err != nil {
		return "", err
	}
	key := ctx.bind(spec.search)
	return fmt.Sprintf(
		"(LEVENSHTEIN(LOWER(%[1]s), LOWER(:%[2]s)) < %[3]d"+
			" OR METAPHONE(LOWER(%[1]s), %[4]d) = METAPHONE(LOWER(:%[2]s), %[4]d)"+
			" OR SOUNDEX(LOWER(%[1]s)) = SOUNDEX(LOWER(:%[2]s)))",
		spec.column, key, spec.score, spec.size), nil
}
