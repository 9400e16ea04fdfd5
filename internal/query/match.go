// Compiles and evaluates match expressions.

package query

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
)

// Expr is a compiled match expression. It is one of *FieldClause, *AndClause,
// *OrClause or the never-matching clause produced for malformed input.
type Expr interface {
	// Match reports whether doc satisfies the expression.
	Match(doc map[string]any) bool
}

// FieldClause tests the value found at Path.
type FieldClause struct {
	Path string
	Cond Condition
}

// Match implements Expr.
func (c *FieldClause) Match(doc map[string]any) bool {
	return c.Cond.Test(Resolve(doc, c.Path))
}

// AndClause matches when every sub-expression matches. Valid is false when the
// source value was not a list, in which case nothing matches.
type AndClause struct {
	Exprs []Expr
	Valid bool
}

// Match implements Expr.
func (c *AndClause) Match(doc map[string]any) bool {
	if !c.Valid {
		return false
	}
	for _, e := range c.Exprs {
		if !e.Match(doc) {
			return false
		}
	}
	return true
}

// OrClause matches when at least one sub-expression matches. Valid is false
// when the source value was not a list, in which case nothing matches.
type OrClause struct {
	Exprs []Expr
	Valid bool
}

// Match implements Expr.
func (c *OrClause) Match(doc map[string]any) bool {
	if !c.Valid {
		return false
	}
	return slices.ContainsFunc(c.Exprs, func(e Expr) bool { return e.Match(doc) })
}

// never is the compiled form of a malformed clause.
type never struct{ reason string }

func (never) Match(map[string]any) bool { return false }

func (n never) String() string { return "never(" + n.reason + ")" }

// Compile builds an Expr from a MongoDB-style filter. An empty or nil filter
// matches every document. Several top-level keys are ANDed together.
func Compile(filter map[string]any) Expr {
	keys := slices.Sorted(maps.Keys(filter))
	exprs := make([]Expr, 0, len(keys))
	for _, k := range keys {
		exprs = append(exprs, compileKey(k, filter[k]))
	}
	if len(exprs) == 1 {
		return exprs[0]
	}
	return &AndClause{Exprs: exprs, Valid: true}
}

// Matches is a convenience for Compile(filter).Match(doc).
func Matches(doc, filter map[string]any) bool {
	return Compile(filter).Match(doc)
}

// Filter returns the documents matching e, preserving order.
func Filter(docs []map[string]any, e Expr) []map[string]any {
	out := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		if e.Match(d) {
			out = append(out, d)
		}
	}
	return out
}

func compileKey(key string, value any) Expr {
	switch key {
	case "$and":
		exprs, ok := compileList(value)
		return &AndClause{Exprs: exprs, Valid: ok}
	case "$or":
		exprs, ok := compileList(value)
		return &OrClause{Exprs: exprs, Valid: ok}
	}
	if strings.HasPrefix(key, "$") {
		return never{reason: "unknown operator " + key}
	}
	return &FieldClause{Path: key, Cond: compileCondition(value)}
}

func compileList(value any) ([]Expr, bool) {
	list, ok := asList(value)
	if !ok {
		return nil, false
	}
	exprs := make([]Expr, 0, len(list))
	for _, item := range list {
		sub, ok := asObject(item)
		if !ok {
			exprs = append(exprs, never{reason: fmt.Sprintf("non-object clause %T", item)})
			continue
		}
		exprs = append(exprs, Compile(sub))
	}
	return exprs, true
}

// Condition tests a resolved value.
type Condition interface {
	Test(r Resolved) bool
}

// compileCondition returns an equality condition for literals and an operator
// condition for objects whose keys are all operators.
func compileCondition(value any) Condition {
	obj, ok := asObject(value)
	if !ok || !hasOperator(obj) {
		return eqCond{want: value}
	}
	for k := range obj {
		if !strings.HasPrefix(k, "$") {
			return failCond{}
		}
	}
	var conds []Condition
	for _, op := range slices.Sorted(maps.Keys(obj)) {
		arg := obj[op]
		switch op {
		case "$eq":
			conds = append(conds, eqCond{want: arg})
		case "$ne":
			conds = append(conds, neCond{other: arg})
		case "$in":
			list, ok := asList(arg)
			conds = append(conds, inCond{list: list, valid: ok})
		case "$nin":
			list, ok := asList(arg)
			conds = append(conds, ninCond{list: list, valid: ok})
		case "$regex":
			var re *regexp.Regexp
			switch opts := obj["$options"].(type) {
			case nil:
				re = compileRegex(arg, "")
			case string:
				re = compileRegex(arg, opts)
			}
			conds = append(conds, regexCond{re: re})
		case "$options":
			// Consumed by $regex.
		case "$gt", "$gte", "$lt", "$lte":
			conds = append(conds, cmpCond{op: op, bound: arg})
		default:
			conds = append(conds, failCond{})
		}
	}
	switch len(conds) {
	case 0:
		return failCond{}
	case 1:
		return conds[0]
	default:
		return allCond(conds)
	}
}

func hasOperator(obj map[string]any) bool {
	for k := range obj {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

type failCond struct{}

func (failCond) Test(Resolved) bool { return false }

type allCond []Condition

func (a allCond) Test(r Resolved) bool {
	for _, c := range a {
		if !c.Test(r) {
			return false
		}
	}
	return true
}

// eqCond: scalar equality, or membership when the path crossed an array. A
// list condition against a set compares the whole set in order.
type eqCond struct{ want any }

func (c eqCond) Test(r Resolved) bool {
	switch r.Kind {
	case Scalar:
		return Equal(r.Value, c.want)
	case Set:
		if _, ok := asList(c.want); ok {
			return Equal(r.Items, c.want)
		}
		return contains(r.Items, c.want)
	default:
		return false
	}
}

// neCond is the negation of eqCond; a missing field is always "not equal".
type neCond struct{ other any }

func (c neCond) Test(r Resolved) bool {
	return !eqCond{want: c.other}.Test(r)
}

type inCond struct {
	list  []any
	valid bool
}

func (c inCond) Test(r Resolved) bool {
	if !c.valid || len(c.list) == 0 {
		return false
	}
	switch r.Kind {
	case Scalar:
		return contains(c.list, r.Value)
	case Set:
		return slices.ContainsFunc(r.Items, func(v any) bool { return contains(c.list, v) })
	default:
		return false
	}
}

type ninCond struct {
	list  []any
	valid bool
}

func (c ninCond) Test(r Resolved) bool {
	if !c.valid {
		return false
	}
	return !inCond{list: c.list, valid: true}.Test(r)
}

type regexCond struct{ re *regexp.Regexp }

func (c regexCond) Test(r Resolved) bool {
	if c.re == nil {
		return false
	}
	switch r.Kind {
	case Scalar:
		return c.re.MatchString(toString(r.Value))
	case Set:
		return slices.ContainsFunc(r.Items, func(v any) bool {
			return v != nil && c.re.MatchString(toString(v))
		})
	default:
		return false
	}
}

// compileRegex returns nil when the pattern or flags are invalid.
func compileRegex(pattern any, flags string) *regexp.Regexp {
	var src string
	switch p := pattern.(type) {
	case string:
		src = p
	case *regexp.Regexp:
		if p == nil {
			return nil
		}
		if flags == "" {
			return p
		}
		src = p.String()
	default:
		return nil
	}
	prefix, ok := regexFlags(flags)
	if !ok {
		return nil
	}
	re, err := regexp.Compile(prefix + src)
	if err != nil {
		return nil
	}
	return re
}

// regexFlags maps JavaScript-style flags to an RE2 inline flag group.
func regexFlags(flags string) (string, bool) {
	var seen [128]bool
	var inline strings.Builder
	for _, f := range flags {
		if f >= 128 || seen[f] {
			return "", false
		}
		seen[f] = true
		switch f {
		case 'i', 'm', 's':
			inline.WriteRune(f)
		case 'g', 'u', 'd':
		default:
			return "", false
		}
	}
	if inline.Len() == 0 {
		return "", true
	}
	return "(?" + inline.String() + ")", true
}

// cmpCond implements $gt, $gte, $lt and $lte between values of the same type.
type cmpCond struct {
	op    string
	bound any
}

func (c cmpCond) Test(r Resolved) bool {
	switch r.Kind {
	case Scalar:
		return c.holds(r.Value)
	case Set:
		return slices.ContainsFunc(r.Items, c.holds)
	default:
		return false
	}
}

func (c cmpCond) holds(v any) bool {
	if v == nil || c.bound == nil || typeRank(v) != typeRank(c.bound) {
		return false
	}
	n := Compare(v, c.bound)
	switch c.op {
	case "$gt":
		return n > 0
	case "$gte":
		return n >= 0
	case "$lt":
		return n < 0
	default:
		return n <= 0
	}
}
