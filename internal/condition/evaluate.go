package condition

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Evaluate parses conditions and evaluates them against payload. A malformed
// tree returns false together with an ErrInvalidCondition error; callers treat
// that as a non-match.
func Evaluate(conditions json.RawMessage, payload map[string]any) (bool, error) {
	node, err := Parse(conditions)
	if err != nil {
		return false, err
	}
	return node.Match(payload), nil
}

// Match evaluates the tree against payload. A nil tree always matches.
func (n *Node) Match(payload map[string]any) bool {
	if n == nil {
		return true
	}
	switch n.Kind {
	case KindAll:
		for _, c := range n.Children {
			if !c.Match(payload) {
				return false
			}
		}
		return true
	case KindAny:
		for _, c := range n.Children {
			if c.Match(payload) {
				return true
			}
		}
		return false
	case KindNot:
		return !n.Children[0].Match(payload)
	case KindCompare:
		actual, found := Lookup(payload, n.Field)
		return compare(n.Op, actual, found, n.Value)
	}
	return false
}

func compare(op Operator, actual any, found bool, expected any) bool {
	switch op {
	case OpAbsent:
		return !found
	case OpExists:
		return found
	}
	if !found {
		return false
	}

	switch op {
	case OpEquals:
		return equal(actual, expected)
	case OpNotEquals:
		return !equal(actual, expected)
	case OpGreater:
		c, ok := order(actual, expected)
		return ok && c > 0
	case OpGreaterEq:
		c, ok := order(actual, expected)
		return ok && c >= 0
	case OpLess:
		c, ok := order(actual, expected)
		return ok && c < 0
	case OpLessEq:
		c, ok := order(actual, expected)
		return ok && c <= 0
	case OpContains:
		return contains(actual, expected)
	case OpIn:
		set, ok := expected.([]any)
		if !ok {
			return false
		}
		for _, candidate := range set {
			if equal(actual, candidate) {
				return true
			}
		}
		return false
	}
	return false
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		return ok && sa == sb
	}
	return reflect.DeepEqual(a, b)
}

// order compares numbers numerically and strings lexically. Mixed or
// unordered types report ok=false.
func order(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, ok := a.(string)
	if !ok {
		return 0, false
	}
	sb, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

func contains(actual, expected any) bool {
	switch t := actual.(type) {
	case string:
		s, ok := expected.(string)
		return ok && strings.Contains(t, s)
	case []any:
		for _, item := range t {
			if equal(item, expected) {
				return true
			}
		}
		return false
	case []string:
		s, ok := expected.(string)
		if !ok {
			return false
		}
		for _, item := range t {
			if item == s {
				return true
			}
		}
		return false
	case map[string]any:
		key, ok := expected.(string)
		if !ok {
			return false
		}
		_, present := t[key]
		return present
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// String renders the tree for log lines.
func (n *Node) String() string {
	if n == nil {
		return "true"
	}
	switch n.Kind {
	case KindAll, KindAny:
		sep := " && "
		if n.Kind == KindAny {
			sep = " || "
		}
		parts := make([]string, len(n.Children))
		for i, c := range n.Children {
			parts[i] = c.String()
		}
		return "(" + strings.Join(parts, sep) + ")"
	case KindNot:
		return "!" + n.Children[0].String()
	}
	if n.Op == OpExists || n.Op == OpAbsent {
		return fmt.Sprintf("%s %s", n.Field, n.Op)
	}
	return fmt.Sprintf("%s %s %v", n.Field, n.Op, n.Value)
}
