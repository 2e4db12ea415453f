// Package resolver implements the Property Resolver (spec.md §4.5): an
// LDAP-like filter language evaluated against a property set with ternary
// (True/False/Undefined) semantics rather than boolean ones, so a missing
// or mistyped property never silently matches.
package resolver

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"golemmarket/market/model"
)

// Tri is a ternary resolution result.
type Tri int

const (
	Undefined Tri = iota
	False
	True
)

func (t Tri) String() string {
	switch t {
	case True:
		return "True"
	case False:
		return "False"
	default:
		return "Undefined"
	}
}

// Coercion is an explicit type-coercion code attached to a property
// reference ("$d", "$v", "$t" in spec.md §4.5).
type Coercion byte

const (
	CoerceNone     Coercion = 0
	CoerceDateTime Coercion = 'd'
	CoerceVersion  Coercion = 'v'
	CoerceTyped    Coercion = 't'
)

// PropertyRef names the property (and, optionally, an aspect of it) an
// expression node resolves against.
type PropertyRef struct {
	Name   string
	Aspect string
	Coerce Coercion
}

// Expr is a resolved node of the filter expression tree.
type Expr interface {
	Resolve(props model.PropertySet) Tri
}

// alwaysTrue is the Expr for an empty constraint string: no predicate to
// fail, so every property set matches.
type alwaysTrue struct{}

func (alwaysTrue) Resolve(model.PropertySet) Tri { return True }

// Matches reports whether demandConstraint resolves True against offerProps
// AND offerConstraint resolves True against demandProps — the bilateral
// match condition spec.md §4.5 requires. Undefined on either side is not a
// match.
func Matches(demandConstraint, offerConstraint Expr, offerProps, demandProps model.PropertySet) bool {
	if demandConstraint.Resolve(offerProps) != True {
		return false
	}
	return offerConstraint.Resolve(demandProps) == True
}

type andExpr struct{ operands []Expr }

func (e andExpr) Resolve(props model.PropertySet) Tri {
	result := True
	for _, operand := range e.operands {
		switch operand.Resolve(props) {
		case False:
			return False
		case Undefined:
			result = Undefined
		}
	}
	return result
}

type orExpr struct{ operands []Expr }

func (e orExpr) Resolve(props model.PropertySet) Tri {
	result := False
	for _, operand := range e.operands {
		switch operand.Resolve(props) {
		case True:
			return True
		case Undefined:
			result = Undefined
		}
	}
	return result
}

type notExpr struct{ operand Expr }

func (e notExpr) Resolve(props model.PropertySet) Tri {
	switch e.operand.Resolve(props) {
	case True:
		return False
	case False:
		return True
	default:
		return Undefined
	}
}

type presentExpr struct{ ref PropertyRef }

func (e presentExpr) Resolve(props model.PropertySet) Tri {
	if e.ref.Aspect != "" {
		// Aspects are not carried by this property model; presence of an
		// aspect can never be confirmed, matching the implicit-property
		// fallback the protocol uses when a referenced aspect is absent.
		return Undefined
	}
	if _, ok := props[e.ref.Name]; ok {
		return True
	}
	return False
}

type compareOp int

const (
	opEquals compareOp = iota
	opLess
	opLessEqual
	opGreater
	opGreaterEqual
)

type compareExpr struct {
	ref PropertyRef
	op  compareOp
	raw string
}

func (e compareExpr) Resolve(props model.PropertySet) Tri {
	if e.ref.Aspect != "" {
		return Undefined
	}
	value, ok := props[e.ref.Name]
	if !ok {
		return Undefined
	}
	return compareValue(value, e.op, e.raw, e.ref.Coerce)
}

func compareValue(value model.PropertyValue, op compareOp, raw string, coerce Coercion) Tri {
	if coerce == CoerceDateTime || value.Kind == model.KindDateTime {
		return compareTimes(value, op, raw)
	}
	if coerce == CoerceVersion || value.Kind == model.KindVersion {
		return compareVersions(value, op, raw)
	}
	switch value.Kind {
	case model.KindInt:
		return compareInts(value, op, raw)
	case model.KindFloat:
		return compareFloats(value, op, raw)
	case model.KindList:
		return compareList(value, op, raw)
	default:
		return compareStrings(value, op, raw)
	}
}

func compareTimes(value model.PropertyValue, op compareOp, raw string) Tri {
	left, err := time.Parse(time.RFC3339, value.Str)
	if err != nil {
		return Undefined
	}
	right, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return Undefined
	}
	return triFromOrdering(left.Compare(right), op)
}

func compareVersions(value model.PropertyValue, op compareOp, raw string) Tri {
	left, right := normalizeSemver(value.Str), normalizeSemver(raw)
	if !semver.IsValid(left) || !semver.IsValid(right) {
		return Undefined
	}
	return triFromOrdering(semver.Compare(left, right), op)
}

func normalizeSemver(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

func compareInts(value model.PropertyValue, op compareOp, raw string) Tri {
	right, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return Undefined
	}
	switch {
	case value.Int < right:
		return triFromOrdering(-1, op)
	case value.Int > right:
		return triFromOrdering(1, op)
	default:
		return triFromOrdering(0, op)
	}
}

func compareFloats(value model.PropertyValue, op compareOp, raw string) Tri {
	right, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return Undefined
	}
	switch {
	case value.Flt < right:
		return triFromOrdering(-1, op)
	case value.Flt > right:
		return triFromOrdering(1, op)
	default:
		return triFromOrdering(0, op)
	}
}

func compareStrings(value model.PropertyValue, op compareOp, raw string) Tri {
	if op == opEquals {
		if strings.Contains(raw, "*") {
			re, err := wildcardToRegexp(raw)
			if err != nil {
				return Undefined
			}
			if re.MatchString(value.Str) {
				return True
			}
			return False
		}
		if value.Str == raw {
			return True
		}
		return False
	}
	// Wildcarded comparisons beyond equality are undefined (spec.md §4.5).
	if strings.Contains(raw, "*") {
		return Undefined
	}
	return triFromOrdering(strings.Compare(value.Str, raw), op)
}

func compareList(value model.PropertyValue, op compareOp, raw string) Tri {
	if op != opEquals {
		return Undefined
	}
	var re *regexp.Regexp
	if strings.Contains(raw, "*") {
		compiled, err := wildcardToRegexp(raw)
		if err != nil {
			return Undefined
		}
		re = compiled
	}
	for _, item := range value.List {
		if re != nil {
			if re.MatchString(item) {
				return True
			}
			continue
		}
		if item == raw {
			return True
		}
	}
	return False
}

func triFromOrdering(cmp int, op compareOp) Tri {
	var ok bool
	switch op {
	case opEquals:
		ok = cmp == 0
	case opLess:
		ok = cmp < 0
	case opLessEqual:
		ok = cmp <= 0
	case opGreater:
		ok = cmp > 0
	case opGreaterEqual:
		ok = cmp >= 0
	}
	if ok {
		return True
	}
	return False
}

func wildcardToRegexp(pattern string) (*regexp.Regexp, error) {
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return regexp.Compile("^" + strings.Join(parts, ".*") + "$")
}
