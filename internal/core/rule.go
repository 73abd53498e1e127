package core

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// Outcome is the three-valued result of evaluating a rule node.
type Outcome int

const (
	NoMatch Outcome = iota
	Match
)

// EvalError reports why a field node could not be evaluated. It is counted
// and logged at debug by callers, and treated as NoMatch for the affected
// group, per the error taxonomy.
type EvalError struct {
	Field string
	Kind  string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("rule eval error: field %q: %s", e.Field, e.Kind)
}

// Evaluate walks node against context, coercing field values per
// fieldTypes. It never mutates node or context.
func Evaluate(node Node, context map[string]any, fieldTypes FieldTypes) (Outcome, error) {
	switch node.Kind {
	case "":
		// An empty rule node gates nothing: the experiment always matches.
		return Match, nil
	case NodeField:
		return evaluateField(node, context, fieldTypes)
	case NodeAnd:
		if len(node.Children) == 0 {
			return NoMatch, &EvalError{Kind: "empty and"}
		}
		for _, child := range node.Children {
			outcome, err := Evaluate(child, context, fieldTypes)
			if err != nil {
				return NoMatch, err
			}
			if outcome == NoMatch {
				return NoMatch, nil
			}
		}
		return Match, nil
	case NodeOr:
		if len(node.Children) == 0 {
			return NoMatch, &EvalError{Kind: "empty or"}
		}
		for _, child := range node.Children {
			outcome, err := Evaluate(child, context, fieldTypes)
			if err != nil {
				return NoMatch, err
			}
			if outcome == Match {
				return Match, nil
			}
		}
		return NoMatch, nil
	case NodeNot:
		if len(node.Children) != 1 {
			return NoMatch, &EvalError{Kind: "not requires exactly one child"}
		}
		outcome, err := Evaluate(node.Children[0], context, fieldTypes)
		if err != nil {
			return NoMatch, err
		}
		if outcome == Match {
			return NoMatch, nil
		}
		return Match, nil
	default:
		return NoMatch, &EvalError{Kind: "unknown node kind " + string(node.Kind)}
	}
}

// CollectFields appends every field name referenced anywhere in the tree to
// out, for load-time validation against field_types (invariant I3).
func CollectFields(node Node, out []string) []string {
	switch node.Kind {
	case NodeField:
		return append(out, node.Field)
	default:
		for _, child := range node.Children {
			out = CollectFields(child, out)
		}
		return out
	}
}

func evaluateField(node Node, context map[string]any, fieldTypes FieldTypes) (Outcome, error) {
	kind, declared := fieldTypes[node.Field]
	if !declared {
		return NoMatch, &EvalError{Field: node.Field, Kind: "undeclared field"}
	}

	raw, present := context[node.Field]
	if !present {
		return NoMatch, &EvalError{Field: node.Field, Kind: "missing context field"}
	}

	switch node.Op {
	case OpEq, OpNeq:
		if len(node.Values) != 1 {
			return NoMatch, &EvalError{Field: node.Field, Kind: "eq/neq requires exactly one value"}
		}
		eq, err := equalCoerced(kind, raw, node.Values[0])
		if err != nil {
			return NoMatch, &EvalError{Field: node.Field, Kind: err.Error()}
		}
		if node.Op == OpNeq {
			eq = !eq
		}
		return boolOutcome(eq), nil
	case OpGt, OpGte, OpLt, OpLte:
		if len(node.Values) != 1 {
			return NoMatch, &EvalError{Field: node.Field, Kind: "ordered comparison requires exactly one value"}
		}
		cmp, err := compareCoerced(kind, raw, node.Values[0])
		if err != nil {
			return NoMatch, &EvalError{Field: node.Field, Kind: err.Error()}
		}
		var result bool
		switch node.Op {
		case OpGt:
			result = cmp > 0
		case OpGte:
			result = cmp >= 0
		case OpLt:
			result = cmp < 0
		case OpLte:
			result = cmp <= 0
		}
		return boolOutcome(result), nil
	case OpIn, OpNotIn:
		member := false
		for _, candidate := range node.Values {
			eq, err := equalCoerced(kind, raw, candidate)
			if err != nil {
				return NoMatch, &EvalError{Field: node.Field, Kind: err.Error()}
			}
			if eq {
				member = true
				break
			}
		}
		if node.Op == OpNotIn {
			member = !member
		}
		return boolOutcome(member), nil
	case OpLike, OpNotLike:
		if kind != FieldString {
			return NoMatch, &EvalError{Field: node.Field, Kind: "like/not_like requires a string field"}
		}
		if len(node.Values) != 1 {
			return NoMatch, &EvalError{Field: node.Field, Kind: "like/not_like requires exactly one value"}
		}
		pattern, ok := node.Values[0].(string)
		if !ok {
			return NoMatch, &EvalError{Field: node.Field, Kind: "like/not_like pattern must be a string"}
		}
		value, ok := raw.(string)
		if !ok {
			return NoMatch, &EvalError{Field: node.Field, Kind: "type mismatch: expected string"}
		}
		matched := globMatch(pattern, value)
		if node.Op == OpNotLike {
			matched = !matched
		}
		return boolOutcome(matched), nil
	default:
		return NoMatch, &EvalError{Field: node.Field, Kind: "unknown operator " + string(node.Op)}
	}
}

func boolOutcome(b bool) Outcome {
	if b {
		return Match
	}
	return NoMatch
}

// equalCoerced compares contextValue to ruleValue after coercing both to
// kind.
func equalCoerced(kind FieldKind, contextValue, ruleValue any) (bool, error) {
	switch kind {
	case FieldString:
		a, err := asString(contextValue)
		if err != nil {
			return false, err
		}
		b, err := asString(ruleValue)
		if err != nil {
			return false, err
		}
		return a == b, nil
	case FieldBool:
		a, err := asBool(contextValue)
		if err != nil {
			return false, err
		}
		b, err := asBool(ruleValue)
		if err != nil {
			return false, err
		}
		return a == b, nil
	case FieldInt:
		a, err := asInt64(contextValue)
		if err != nil {
			return false, err
		}
		b, err := asInt64(ruleValue)
		if err != nil {
			return false, err
		}
		return a == b, nil
	case FieldFloat:
		a, err := asFloat64(contextValue)
		if err != nil {
			return false, err
		}
		b, err := asFloat64(ruleValue)
		if err != nil {
			return false, err
		}
		return a == b, nil
	case FieldSemver:
		a, err := asSemver(contextValue)
		if err != nil {
			return false, err
		}
		b, err := asSemver(ruleValue)
		if err != nil {
			return false, err
		}
		return a.Equal(b), nil
	default:
		return false, fmt.Errorf("unknown field kind %q", kind)
	}
}

// compareCoerced returns <0, 0, >0 for contextValue compared to ruleValue
// under kind. Only numeric and semver kinds are orderable.
func compareCoerced(kind FieldKind, contextValue, ruleValue any) (int, error) {
	switch kind {
	case FieldInt:
		a, err := asInt64(contextValue)
		if err != nil {
			return 0, err
		}
		b, err := asInt64(ruleValue)
		if err != nil {
			return 0, err
		}
		switch {
		case a < b:
			return -1, nil
		case a > b:
			return 1, nil
		default:
			return 0, nil
		}
	case FieldFloat:
		a, err := asFloat64(contextValue)
		if err != nil {
			return 0, err
		}
		b, err := asFloat64(ruleValue)
		if err != nil {
			return 0, err
		}
		switch {
		case a < b:
			return -1, nil
		case a > b:
			return 1, nil
		default:
			return 0, nil
		}
	case FieldSemver:
		a, err := asSemver(contextValue)
		if err != nil {
			return 0, err
		}
		b, err := asSemver(ruleValue)
		if err != nil {
			return 0, err
		}
		return a.Compare(b), nil
	default:
		return 0, fmt.Errorf("field kind %q does not support ordered comparison", kind)
	}
}

func asString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("type mismatch: expected string, got %T", v)
	}
	return s, nil
}

func asBool(v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("type mismatch: expected bool, got %T", v)
	}
	return b, nil
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("type mismatch: %v is not an integer", n)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("type mismatch: expected int, got %T", v)
	}
}

func asFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("type mismatch: expected float, got %T", v)
	}
}

func asSemver(v any) (*semver.Version, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("type mismatch: expected semver string, got %T", v)
	}
	parsed, err := semver.NewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("invalid semver %q: %w", s, err)
	}
	return parsed, nil
}

// globMatch reports whether value matches pattern in its entirety, with '*'
// as the sole metacharacter matching any run of characters (including
// none). No library in the example pack treats '*' as the only special
// character over arbitrary strings: path.Match also special-cases '?' and
// '[...]' and refuses to let '*' cross '/', which this spec's values must
// be able to do, so the translation to regexp is hand-rolled here.
var globCache sync.Map // pattern string -> *regexp.Regexp

func globMatch(pattern, value string) bool {
	re, ok := globCache.Load(pattern)
	if !ok {
		re = regexp.MustCompile("^" + globToRegexp(pattern) + "$")
		globCache.Store(pattern, re)
	}
	return re.(*regexp.Regexp).MatchString(value)
}

func globToRegexp(pattern string) string {
	var b strings.Builder
	for i, part := range strings.Split(pattern, "*") {
		if i > 0 {
			b.WriteString(".*")
		}
		b.WriteString(regexp.QuoteMeta(part))
	}
	return b.String()
}
