package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golemmarket/ids"
)

// PropertyKind is the typed value kind a property can carry, per the data
// model's "flat map from dotted property names to typed values".
type PropertyKind string

const (
	KindString   PropertyKind = "string"
	KindInt      PropertyKind = "int"
	KindFloat    PropertyKind = "float"
	KindDateTime PropertyKind = "datetime"
	KindVersion  PropertyKind = "version"
	KindList     PropertyKind = "list"
)

// PropertyValue is a single typed value in an Offer/Demand property set.
type PropertyValue struct {
	Kind PropertyKind `json:"kind"`
	Str  string       `json:"str,omitempty"`
	Int  int64        `json:"int,omitempty"`
	Flt  float64      `json:"flt,omitempty"`
	List []string     `json:"list,omitempty"`
}

func StringValue(v string) PropertyValue     { return PropertyValue{Kind: KindString, Str: v} }
func IntValue(v int64) PropertyValue         { return PropertyValue{Kind: KindInt, Int: v} }
func FloatValue(v float64) PropertyValue     { return PropertyValue{Kind: KindFloat, Flt: v} }
func DateTimeValue(rfc3339 string) PropertyValue {
	return PropertyValue{Kind: KindDateTime, Str: rfc3339}
}
func VersionValue(semver string) PropertyValue { return PropertyValue{Kind: KindVersion, Str: semver} }
func ListValue(items []string) PropertyValue   { return PropertyValue{Kind: KindList, List: items} }

// PropertySet is the flat dotted-name -> typed value map carried by an Offer
// or Demand.
type PropertySet map[string]PropertyValue

// SortedNames returns the property names in deterministic order, used both
// for content-addressed hashing and for stable flattening.
func (p PropertySet) SortedNames() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HashInputs produces the flat name=value string map that ids.NewSubscriptionID
// hashes, collapsing each typed PropertyValue to a stable textual encoding.
func (p PropertySet) HashInputs() map[string]string {
	out := make(map[string]string, len(p))
	for name, value := range p {
		out[name] = value.hashText()
	}
	return out
}

func (v PropertyValue) hashText() string {
	switch v.Kind {
	case KindInt:
		return fmt.Sprintf("i:%d", v.Int)
	case KindFloat:
		return fmt.Sprintf("f:%v", v.Flt)
	case KindList:
		return fmt.Sprintf("l:%s", strings.Join(v.List, ","))
	case KindDateTime:
		return fmt.Sprintf("d:%s", v.Str)
	case KindVersion:
		return fmt.Sprintf("v:%s", v.Str)
	default:
		return fmt.Sprintf("s:%s", v.Str)
	}
}

// Flattened is the nested-map representation used by the property resolver
// (spec.md §4.5): dotted names are split on unquoted dots into path segments
// before matching so a constraint like `a."b.c".d` addresses a single literal
// segment `b.c`.
type Flattened map[string]any

// Flatten expands a PropertySet's dotted names into a nested map structure.
func (p PropertySet) Flatten() Flattened {
	root := Flattened{}
	for _, name := range p.SortedNames() {
		segments := ids.NormalizeDotted(name)
		insertFlattened(root, segments, p[name])
	}
	return root
}

func insertFlattened(node Flattened, segments []string, value PropertyValue) {
	if len(segments) == 1 {
		node[segments[0]] = value
		return
	}
	head := segments[0]
	child, ok := node[head].(Flattened)
	if !ok {
		child = Flattened{}
		node[head] = child
	}
	insertFlattened(child, segments[1:], value)
}

// Marshal/Unmarshal support storing a PropertySet as a single JSON column.

func (p PropertySet) MarshalJSON() ([]byte, error) {
	raw := map[string]PropertyValue(p)
	return json.Marshal(raw)
}

func (p *PropertySet) UnmarshalJSON(data []byte) error {
	raw := map[string]PropertyValue{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = raw
	return nil
}
