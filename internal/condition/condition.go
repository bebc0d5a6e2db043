// Package condition evaluates tenant-authored trigger conditions against event
// payloads.
//
// A condition is a JSON predicate tree, never code. Accepted forms:
//
//	{"field": "priority", "op": "eq", "value": "critical"}   comparison
//	{"all": [ ... ]} / {"any": [ ... ]} / {"not": { ... }}   combinators
//	{"priority": "critical", "level": 3}                      shorthand, all fields equal
//	[ ... ]                                                   shorthand for "all"
//
// Fields are dot paths into the payload; numeric segments index arrays
// ("skills.0.level"). An empty or null condition always matches.
package condition

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidCondition marks a malformed condition tree.
var ErrInvalidCondition = errors.New("invalid condition")

type Operator string

const (
	OpEquals    Operator = "eq"
	OpNotEquals Operator = "ne"
	OpGreater   Operator = "gt"
	OpGreaterEq Operator = "gte"
	OpLess      Operator = "lt"
	OpLessEq    Operator = "lte"
	OpContains  Operator = "contains"
	OpIn        Operator = "in"
	OpExists    Operator = "exists"
	OpAbsent    Operator = "absent"
)

// aliases accepted on input and normalized on parse.
var operatorAliases = map[string]Operator{
	"eq": OpEquals, "equals": OpEquals, "==": OpEquals,
	"ne": OpNotEquals, "neq": OpNotEquals, "not_equals": OpNotEquals, "!=": OpNotEquals,
	"gt": OpGreater, ">": OpGreater,
	"gte": OpGreaterEq, ">=": OpGreaterEq,
	"lt": OpLess, "<": OpLess,
	"lte": OpLessEq, "<=": OpLessEq,
	"contains": OpContains,
	"in": OpIn, "one_of": OpIn,
	"exists": OpExists,
	"absent": OpAbsent, "not_exists": OpAbsent,
}

type Kind int

const (
	KindCompare Kind = iota
	KindAll
	KindAny
	KindNot
)

// Node is one element of a parsed predicate tree.
type Node struct {
	Kind     Kind
	Children []*Node // KindAll, KindAny; KindNot has exactly one

	Field string   // KindCompare
	Op    Operator // KindCompare
	Value any      // KindCompare
}

// IsEmpty reports whether raw encodes an unconditional trigger.
func IsEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return true
	}
	switch string(trimmed) {
	case "null", "{}", "[]":
		return true
	}
	return false
}

// Parse decodes raw into a predicate tree. An empty condition yields a nil
// tree, which matches everything.
func Parse(raw json.RawMessage) (*Node, error) {
	if IsEmpty(raw) {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCondition, err)
	}
	return parseValue(v, "$")
}

// Validate checks that raw is a well-formed condition tree.
func Validate(raw json.RawMessage) error {
	_, err := Parse(raw)
	return err
}

func parseValue(v any, at string) (*Node, error) {
	switch t := v.(type) {
	case []any:
		return parseList(KindAll, t, at)
	case map[string]any:
		return parseObject(t, at)
	default:
		return nil, fmt.Errorf("%w: %s: expected object or array, got %T", ErrInvalidCondition, at, v)
	}
}

func parseList(kind Kind, items []any, at string) (*Node, error) {
	n := &Node{Kind: kind, Children: make([]*Node, 0, len(items))}
	for i, item := range items {
		child, err := parseValue(item, fmt.Sprintf("%s[%d]", at, i))
		if err != nil {
			return nil, err
		}
		n.Children = append(n.Children, child)
	}
	return n, nil
}

func parseObject(m map[string]any, at string) (*Node, error) {
	if _, ok := m["op"]; ok {
		return parseCompare(m, at)
	}
	if _, ok := m["field"]; ok {
		return parseCompare(m, at)
	}

	if len(m) == 1 {
		for key, val := range m {
			switch key {
			case "all", "any":
				items, ok := val.([]any)
				if !ok {
					return nil, fmt.Errorf("%w: %s.%s: expected array", ErrInvalidCondition, at, key)
				}
				kind := KindAll
				if key == "any" {
					kind = KindAny
				}
				return parseList(kind, items, at+"."+key)
			case "not":
				child, err := parseValue(val, at+".not")
				if err != nil {
					return nil, err
				}
				return &Node{Kind: KindNot, Children: []*Node{child}}, nil
			}
		}
	}

	// Shorthand: every key is a field path that must equal its value.
	// Keys are sorted so evaluation order is stable.
	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "all", "any", "not":
			return nil, fmt.Errorf("%w: %s: combinator %q mixed with field keys", ErrInvalidCondition, at, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	n := &Node{Kind: KindAll, Children: make([]*Node, 0, len(keys))}
	for _, k := range keys {
		n.Children = append(n.Children, &Node{Kind: KindCompare, Field: k, Op: OpEquals, Value: m[k]})
	}
	return n, nil
}

func parseCompare(m map[string]any, at string) (*Node, error) {
	field, ok := m["field"].(string)
	if !ok || field == "" {
		return nil, fmt.Errorf("%w: %s: field is required", ErrInvalidCondition, at)
	}

	opStr := "eq"
	if raw, present := m["op"]; present {
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s: op must be a string", ErrInvalidCondition, at)
		}
		opStr = s
	}
	op, ok := operatorAliases[opStr]
	if !ok {
		return nil, fmt.Errorf("%w: %s: unknown operator %q", ErrInvalidCondition, at, opStr)
	}

	value, hasValue := m["value"]
	switch op {
	case OpExists, OpAbsent:
	case OpIn:
		if _, isList := value.([]any); !isList {
			return nil, fmt.Errorf("%w: %s: operator in requires an array value", ErrInvalidCondition, at)
		}
	default:
		if !hasValue {
			return nil, fmt.Errorf("%w: %s: operator %s requires a value", ErrInvalidCondition, at, op)
		}
	}

	for k := range m {
		switch k {
		case "field", "op", "value":
		default:
			return nil, fmt.Errorf("%w: %s: unexpected key %q", ErrInvalidCondition, at, k)
		}
	}

	return &Node{Kind: KindCompare, Field: field, Op: op, Value: value}, nil
}
