package rules

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// operand is the left-hand side of a condition: the value found at the
// condition's field path, if any.
type operand struct {
	value Value
	found bool
}

type operatorFunc func(lhs operand, rhs Value, c Condition) (bool, error)

var operators = map[Operator]operatorFunc{
	OpEquals:             opEquals,
	OpNotEquals:          opNotEquals,
	OpContains:           opContains,
	OpNotContains:        opNotContains,
	OpStartsWith:         opStartsWith,
	OpEndsWith:           opEndsWith,
	OpGreaterThan:        opGreaterThan,
	OpGreaterThanOrEqual: opGreaterThanOrEqual,
	OpLessThan:           opLessThan,
	OpLessThanOrEqual:    opLessThanOrEqual,
	OpInArray:            opInArray,
	OpNotInArray:         opNotInArray,
	OpIsEmpty:            opIsEmpty,
	OpIsNotEmpty:         opIsNotEmpty,
	OpMatchesRegex:       opMatchesRegex,
	OpIsBetween:          opIsBetween,
	OpExists:             opExists,
	OpNotExists:          opNotExists,
}

func opEquals(lhs operand, rhs Value, c Condition) (bool, error) {
	return equal(lhs.value, rhs, c.CaseSensitive), nil
}

func opNotEquals(lhs operand, rhs Value, c Condition) (bool, error) {
	return !equal(lhs.value, rhs, c.CaseSensitive), nil
}

func opContains(lhs operand, rhs Value, c Condition) (bool, error) {
	if !lhs.found {
		return false, nil
	}
	if lhs.value.Kind() == KindList {
		for _, it := range lhs.value.List() {
			if equal(it, rhs, c.CaseSensitive) {
				return true, nil
			}
		}
		return false, nil
	}
	return strings.Contains(fold(lhs.value.String(), c.CaseSensitive), fold(rhs.String(), c.CaseSensitive)), nil
}

func opNotContains(lhs operand, rhs Value, c Condition) (bool, error) {
	ok, err := opContains(lhs, rhs, c)
	return !ok, err
}

func opStartsWith(lhs operand, rhs Value, c Condition) (bool, error) {
	if !lhs.found {
		return false, nil
	}
	return strings.HasPrefix(fold(lhs.value.String(), c.CaseSensitive), fold(rhs.String(), c.CaseSensitive)), nil
}

func opEndsWith(lhs operand, rhs Value, c Condition) (bool, error) {
	if !lhs.found {
		return false, nil
	}
	return strings.HasSuffix(fold(lhs.value.String(), c.CaseSensitive), fold(rhs.String(), c.CaseSensitive)), nil
}

func opGreaterThan(lhs operand, rhs Value, c Condition) (bool, error) {
	return order(lhs.value, rhs, c.ValueType) > 0, nil
}

func opGreaterThanOrEqual(lhs operand, rhs Value, c Condition) (bool, error) {
	return order(lhs.value, rhs, c.ValueType) >= 0, nil
}

func opLessThan(lhs operand, rhs Value, c Condition) (bool, error) {
	return order(lhs.value, rhs, c.ValueType) < 0, nil
}

func opLessThanOrEqual(lhs operand, rhs Value, c Condition) (bool, error) {
	return order(lhs.value, rhs, c.ValueType) <= 0, nil
}

func opInArray(lhs operand, rhs Value, c Condition) (bool, error) {
	if rhs.Kind() != KindList {
		return false, fmt.Errorf("%s requires a list value, got %s", c.Operator, rhs.Kind())
	}
	if !lhs.found {
		return false, nil
	}
	for _, it := range rhs.List() {
		if equal(lhs.value, it, c.CaseSensitive) {
			return true, nil
		}
	}
	return false, nil
}

func opNotInArray(lhs operand, rhs Value, c Condition) (bool, error) {
	ok, err := opInArray(lhs, rhs, c)
	return !ok, err
}

func opIsEmpty(lhs operand, _ Value, _ Condition) (bool, error) {
	return !lhs.found || lhs.value.Empty(), nil
}

func opIsNotEmpty(lhs operand, _ Value, _ Condition) (bool, error) {
	return lhs.found && !lhs.value.Empty(), nil
}

func opMatchesRegex(lhs operand, rhs Value, c Condition) (bool, error) {
	re, err := compilePattern(rhs.String(), c.CaseSensitive)
	if err != nil {
		return false, err
	}
	if !lhs.found {
		return false, nil
	}
	return re.MatchString(lhs.value.String()), nil
}

func opIsBetween(lhs operand, rhs Value, c Condition) (bool, error) {
	bounds := rhs.List()
	if rhs.Kind() != KindList || len(bounds) != 2 {
		return false, fmt.Errorf("%s requires a [low, high] range", c.Operator)
	}
	return order(lhs.value, bounds[0], c.ValueType) >= 0 &&
		order(lhs.value, bounds[1], c.ValueType) <= 0, nil
}

func opExists(lhs operand, _ Value, _ Condition) (bool, error) {
	return lhs.found, nil
}

func opNotExists(lhs operand, _ Value, _ Condition) (bool, error) {
	return !lhs.found, nil
}

// equal compares numerically when both sides parse as numbers, as instants
// when either side is a time, and as strings otherwise.
func equal(a, b Value, caseSensitive bool) bool {
	if a.IsNull() || b.IsNull() {
		return a.IsNull() && b.IsNull()
	}
	if a.Kind() == KindTime || b.Kind() == KindTime {
		ta, okA := a.AsTime()
		tb, okB := b.AsTime()
		return okA && okB && ta.Equal(tb)
	}
	na, nb := a.Num(), b.Num()
	if a.Kind() != KindBool && b.Kind() != KindBool && !math.IsNaN(na) && !math.IsNaN(nb) {
		return na == nb
	}
	return fold(a.String(), caseSensitive) == fold(b.String(), caseSensitive)
}

// order returns -1, 0, or 1. Values that are not numbers sort below every
// number, so the ordering is total.
func order(a, b Value, vt ValueType) int {
	if vt == TypeDate || a.Kind() == KindTime || b.Kind() == KindTime {
		return compareFloat(timeNum(a), timeNum(b))
	}
	return compareFloat(a.Num(), b.Num())
}

func timeNum(v Value) float64 {
	t, ok := v.AsTime()
	if !ok {
		return math.NaN()
	}
	return float64(t.UnixMilli())
}

func compareFloat(a, b float64) int {
	nanA, nanB := math.IsNaN(a), math.IsNaN(b)
	switch {
	case nanA && nanB:
		return 0
	case nanA:
		return -1
	case nanB:
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func fold(s string, caseSensitive bool) string {
	if caseSensitive {
		return s
	}
	return strings.ToLower(s)
}

const maxCachedPatterns = 512

var patternCache = newCache[*regexp.Regexp](maxCachedPatterns)

func compilePattern(pattern string, caseSensitive bool) (*regexp.Regexp, error) {
	if !caseSensitive {
		pattern = "(?i)" + pattern
	}
	if re, ok := patternCache.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	patternCache.Add(pattern, re)
	return re, nil
}

// coerce converts the condition's literal to its declared type.
func coerce(v Value, vt ValueType) Value {
	switch vt {
	case TypeNumber:
		return Number(v.Num())
	case TypeString:
		if v.Kind() == KindList {
			return v
		}
		return String(v.String())
	case TypeBoolean:
		if v.Kind() == KindString {
			return Bool(strings.EqualFold(v.String(), "true"))
		}
		return Bool(v.Truthy())
	case TypeDate:
		if t, ok := v.AsTime(); ok {
			return Time(t)
		}
	}
	return v
}

func evalCondition(ctx Context, c Condition) (bool, error) {
	fn, ok := operators[c.Operator.Canonical()]
	if !ok {
		return false, fmt.Errorf("unknown operator %q", c.Operator)
	}
	v, found := ctx.Lookup(c.Field)
	lhs := operand{value: v, found: found}
	if c.ValueType == TypeDate && found {
		lhs.value = coerce(v, TypeDate)
	}

	res, err := fn(lhs, coerce(c.Value, c.ValueType), c)
	if err != nil {
		return false, fmt.Errorf("condition on %s: %w", c.Field, err)
	}
	if c.Negate {
		res = !res
	}
	return res, nil
}
