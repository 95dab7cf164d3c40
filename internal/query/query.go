// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// JoinKey combines predicates or groups.
type JoinKey string

const (
	AND JoinKey = "AND"
	OR  JoinKey = "OR"
)

// buildContext accumulates named bindings during one SQL render. Placeholder
// keys are salted per builder instance so composing multiple queries never
// collides on a shared column name.
type buildContext struct {
	salt    string
	counter int
	params  map[string]any
}

func newBuildContext(salt string) *buildContext {
	return &buildContext{salt: salt, params: map[string]any{}}
}

// bind registers a value and returns its placeholder key (without the leading
// colon).
func (c *buildContext) bind(value any) string {
	c.counter++
	key := fmt.Sprintf("mr_%s_%d", c.salt, c.counter)
	c.params[key] = value
	return key
}

// newSalt derives a short random salt for placeholder keys.
func newSalt() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// FilterGroup conjoins predicates under one join key. When Condition is false
// the whole group renders to the empty string.
type FilterGroup struct {
	Params    []Parameter
	Key       JoinKey
	Condition bool
}

// NewFilterGroup builds an unconditional group.
func NewFilterGroup(key JoinKey, params ...Parameter) FilterGroup {
	return FilterGroup{Params: params, Key: key, Condition: true}
}

// ConditionalFilterGroup builds a group that only renders when condition holds.
func ConditionalFilterGroup(key JoinKey, condition bool, params ...Parameter) FilterGroup {
	return FilterGroup{Params: params, Key: key, Condition: condition}
}

func (g FilterGroup) sql(ctx *buildContext) (string, error) {
	if !g.Condition {
		return "", nil
	}
	clauses := make([]string, 0, len(g.Params))
	for _, p := range g.Params {
		clause, err := p.sql(ctx)
		if err != nil {
			return "", err
		}
		if clause != "" {
			clauses = append(clauses, clause)
		}
	}
	switch len(clauses) {
	case 0:
		return "", nil
	case 1:
		return clauses[0], nil
	default:
		return strings.Join(clauses, " "+string(g.Key)+" "), nil
	}
}

// Filter is the top-level combination of groups, parenthesised when there is
// more than one effective group.
type Filter struct {
	Groups []FilterGroup
	Key    JoinKey
}

// NewFilter wraps parameters into a single AND group.
func NewFilter(params ...Parameter) Filter {
	return Filter{Groups: []FilterGroup{NewFilterGroup(AND, params...)}, Key: AND}
}

// NewGroupedFilter combines prebuilt groups.
func NewGroupedFilter(key JoinKey, groups ...FilterGroup) Filter {
	return Filter{Groups: groups, Key: key}
}

func (f Filter) sql(ctx *buildContext) (string, error) {
	rendered := make([]string, 0, len(f.Groups))
	for _, g := range f.Groups {
		clause, err := g.sql(ctx)
		if err != nil {
			return "", err
		}
		if clause != "" {
			rendered = append(rendered, clause)
		}
	}
	switch len(rendered) {
	case 0:
		return "", nil
	case 1:
		return rendered[0], nil
	default:
		for i, clause := range rendered {
			rendered[i] = "(" + clause + ")"
		}
		return strings.Join(rendered, " "+string(f.Key)+" "), nil
	}
}

// Direction orders results.
type Direction string

const (
	ASC  Direction = "ASC"
	DESC Direction = "DESC"
)

// OrderField names one ordering column. Non-column fields (expressions vetted
// by the caller) skip column validation.
type OrderField struct {
	Name      string
	Direction Direction
	Table     string
	IsColumn  bool
}

// Order is an ORDER BY clause. The direction consolidates to a single suffix
// when every field shares it.
type Order struct {
	Fields []OrderField
}

func (o Order) sql() (string, error) {
	if len(o.Fields) == 0 {
		return "", nil
	}
	uniform := true
	for _, f := range o.Fields {
		if f.Direction != o.Fields[0].Direction {
			uniform = false
			break
		}
	}
	parts := make([]string, 0, len(o.Fields))
	for _, f := range o.Fields {
		name := f.Name
		if f.Table != "" {
			name = f.Table + "." + name
		}
		if f.IsColumn {
			if err := ValidateColumn(name); err != nil {
				return "", err
			}
		}
		if uniform {
			parts = append(parts, name)
		} else {
			parts = append(parts, name+" "+string(f.Direction))
		}
	}
	clause := "ORDER BY " + strings.Join(parts, ", ")
	if uniform && o.Fields[0].Direction != "" {
		clause += " " + string(o.Fields[0].Direction)
	}
	return clause, nil
}

// Paging emits LIMIT/OFFSET. Limit <= 0 means no paging; the offset is
// limit*page. Placeholder keys are salted like every other binding.
type Paging struct {
	Limit int
	Page  int
}

func (p Paging) sql(ctx *buildContext) string {
	if p.Limit <= 0 {
		return ""
	}
	limitKey := ctx.bind(p.Limit)
	offsetKey := ctx.bind(p.Limit * p.Page)
	return fmt.Sprintf("LIMIT :%s OFFSET :%s", limitKey, offsetKey)
}

// Grouping emits GROUP BY over validated columns.
type Grouping struct {
	Columns []string
}

func (g Grouping) sql() (string, error) {
	if len(g.Columns) == 0 {
		return "", nil
	}
	for _, c := range g.Columns {
		if err := ValidateColumn(c); err != nil {
			return "", err
		}
	}
	return "GROUP BY " + strings.Join(g.Columns, ", "), nil
}

// Query assembles SELECT … WHERE … GROUP BY … ORDER BY … LIMIT and binds
// parameters. SQL() is pure: repeated calls yield identical output modulo the
// per-instance salt.
type Query struct {
	Filter    Filter
	Base      string
	Paging    Paging
	Order     Order
	Grouping  Grouping
	ForceBase bool

	salt string
}

// New builds a query over the base statement.
func New(base string, filter Filter) *Query {
	return &Query{Base: base, Filter: filter, salt: newSalt()}
}

// WithPaging sets the paging clause.
func (q *Query) WithPaging(limit, page int) *Query {
	q.Paging = Paging{Limit: limit, Page: page}
	return q
}

// WithOrder sets the ordering clause.
func (q *Query) WithOrder(fields ...OrderField) *Query {
	q.Order = Order{Fields: fields}
	return q
}

// WithGrouping sets the GROUP BY clause.
func (q *Query) WithGrouping(columns ...string) *Query {
	q.Grouping = Grouping{Columns: columns}
	return q
}

// SQL renders the statement and its named bindings.
func (q *Query) SQL() (string, map[string]any, error) {
	if q.salt == "" {
		q.salt = newSalt()
	}
	ctx := newBuildContext(q.salt)
	statement, err := q.sqlWith(ctx)
	if err != nil {
		return "", nil, err
	}
	return statement, ctx.params, nil
}

func (q *Query) sqlWith(ctx *buildContext) (string, error) {
	where, err := q.Filter.sql(ctx)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(q.Base)
	if where != "" {
		if q.ForceBase || strings.Contains(strings.ToUpper(q.Base), " WHERE ") {
			b.WriteString(" AND ")
		} else {
			b.WriteString(" WHERE ")
		}
		b.WriteString(where)
	}
	if grouping, err := q.Grouping.sql(); err != nil {
		return "", err
	} else if grouping != "" {
		b.WriteString(" ")
		b.WriteString(grouping)
	}
	if order, err := q.Order.sql(); err != nil {
		return "", err
	} else if order != "" {
		b.WriteString(" ")
		b.WriteString(order)
	}
	if paging := q.Paging.sql(ctx); paging != "" {
		b.WriteString(" ")
		b.WriteString(paging)
	}
	return b.String(), nil
}

// SubQueryFilter nests a query as a predicate on the outer one. The inner
// query renders with its own salt so parameter keys never collide.
type SubQueryFilter struct {
	Column string
	Inner  *Query
	Op     Operator
	Negate bool
}

// AsParameter renders the sub-query into a CUSTOM parameter, merging the inner
// bindings into the outer context at render time.
func (s SubQueryFilter) AsParameter() Parameter {
	return Parameter{Op: subQueryOp, Column: s.Column, Value: s}
}

const subQueryOp Operator = -2

func (p Parameter) sqlSubQuery(ctx *buildContext) (string, error) {
	s := p.Value.(SubQueryFilter)
	if s.Inner == nil {
		return "", nil
	}
	inner, params, err := s.Inner.SQL()
	if err != nil {
		return "", err
	}
	for k, v := range params {
		ctx.params[k] = v
	}
	var clause string
	switch s.Op {
	case EXISTS:
		clause = "EXISTS (" + inner + ")"
	case IN:
		if err := ValidateColumn(s.Column); err != nil {
			return "", err
		}
		clause = s.Column + " IN (" + inner + ")"
	default:
		if err := ValidateColumn(s.Column); err != nil {
			return "", err
		}
		clause = s.Column + " " + s.Op.symbol() + " (" + inner + ")"
	}
	if s.Negate {
		clause = "NOT " + clause
	}
	return clause, nil
}
