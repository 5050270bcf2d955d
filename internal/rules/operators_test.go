package rules

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func orderContext() Context {
	return Context{
		Order: FromGo(map[string]any{
			"id":      42,
			"total":   150,
			"status":  "Shipped",
			"tags":    []any{"fragile", "gift"},
			"note":    "",
			"sku":     "ABC-123",
			"created": "2024-05-01T10:00:00Z",
			"nothing": nil,
			"items": []any{
				map[string]any{"sku": "X1", "qty": 2},
			},
		}),
	}
}

func TestOperators(t *testing.T) {
	ctx := orderContext()

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals folds case", Condition{Field: "order.status", Operator: OpEquals, Value: String("shipped")}, true},
		{"equals case sensitive", Condition{Field: "order.status", Operator: OpEquals, Value: String("shipped"), CaseSensitive: true}, false},
		{"equals numeric string", Condition{Field: "order.total", Operator: OpEquals, Value: String("150")}, true},
		{"not equals", Condition{Field: "order.total", Operator: OpNotEquals, Value: Number(100)}, true},
		{"contains substring", Condition{Field: "order.status", Operator: OpContains, Value: String("HIP")}, true},
		{"contains list member", Condition{Field: "order.tags", Operator: OpContains, Value: String("gift")}, true},
		{"not contains list member", Condition{Field: "order.tags", Operator: OpNotContains, Value: String("perishable")}, true},
		{"starts with", Condition{Field: "order.sku", Operator: OpStartsWith, Value: String("abc")}, true},
		{"ends with", Condition{Field: "order.sku", Operator: OpEndsWith, Value: String("123")}, true},
		{"greater than", Condition{Field: "order.total", Operator: OpGreaterThan, Value: Number(100)}, true},
		{"greater or equal", Condition{Field: "order.total", Operator: OpGreaterThanOrEqual, Value: Number(150)}, true},
		{"less than", Condition{Field: "order.total", Operator: OpLessThan, Value: Number(100)}, false},
		{"less or equal", Condition{Field: "order.total", Operator: OpLessThanOrEqual, Value: Number(150)}, true},
		{"missing sorts lowest", Condition{Field: "order.missing", Operator: OpGreaterThan, Value: Number(0)}, false},
		{"missing below zero", Condition{Field: "order.missing", Operator: OpLessThan, Value: Number(0)}, true},
		{"text sorts lowest", Condition{Field: "order.status", Operator: OpGreaterThan, Value: Number(-1e9)}, false},
		{"in array", Condition{Field: "order.status", Operator: OpInArray, Value: FromGo([]any{"pending", "shipped"})}, true},
		{"not in array", Condition{Field: "order.status", Operator: OpNotInArray, Value: FromGo([]any{"pending", "shipped"})}, false},
		{"is empty blank", Condition{Field: "order.note", Operator: OpIsEmpty}, true},
		{"is empty missing", Condition{Field: "order.missing", Operator: OpIsEmpty}, true},
		{"is empty null", Condition{Field: "order.nothing", Operator: OpIsEmpty}, true},
		{"is not empty", Condition{Field: "order.sku", Operator: OpIsNotEmpty}, true},
		{"matches regex", Condition{Field: "order.sku", Operator: OpMatchesRegex, Value: String(`^[A-Z]{3}-\d+$`), CaseSensitive: true}, true},
		{"between inclusive", Condition{Field: "order.total", Operator: OpIsBetween, Value: FromGo([]any{100, 150})}, true},
		{"between outside", Condition{Field: "order.total", Operator: OpIsBetween, Value: FromGo([]any{151, 200})}, false},
		{"exists", Condition{Field: "order.total", Operator: OpExists}, true},
		{"exists null", Condition{Field: "order.nothing", Operator: OpExists}, true},
		{"exists missing", Condition{Field: "order.missing", Operator: OpExists}, false},
		{"not exists", Condition{Field: "customer.email", Operator: OpNotExists}, true},
		{"list index path", Condition{Field: "order.items.0.qty", Operator: OpEquals, Value: Number(2)}, true},
		{"date compare", Condition{Field: "order.created", Operator: OpGreaterThan, Value: String("2024-01-01"), ValueType: TypeDate}, true},
		{"negate", Condition{Field: "order.status", Operator: OpEquals, Value: String("shipped"), Negate: true}, false},
		{"alias in_set", Condition{Field: "order.status", Operator: "in_set", Value: FromGo([]any{"shipped"})}, true},
		{"alias between", Condition{Field: "order.total", Operator: "between", Value: FromGo([]any{0, 1000})}, true},
		{"alias matches_pattern", Condition{Field: "order.sku", Operator: "matches_pattern", Value: String("abc")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evalCondition(ctx, tt.cond)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOperatorErrors(t *testing.T) {
	ctx := orderContext()

	tests := []struct {
		name string
		cond Condition
	}{
		{"bad pattern", Condition{Field: "order.sku", Operator: OpMatchesRegex, Value: String("([")}},
		{"in array without list", Condition{Field: "order.status", Operator: OpInArray, Value: String("shipped")}},
		{"between without range", Condition{Field: "order.total", Operator: OpIsBetween, Value: FromGo([]any{1})}},
		{"unknown operator", Condition{Field: "order.total", Operator: "roughly"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := evalCondition(ctx, tt.cond)
			assert.Error(t, err)
		})
	}
}

func TestCompareFloatIsTotal(t *testing.T) {
	nan := Number(0).Num() - String("x").Num()
	assert.Equal(t, 0, compareFloat(nan, nan))
	assert.Equal(t, -1, compareFloat(nan, -1e308))
	assert.Equal(t, 1, compareFloat(0, nan))
	assert.Equal(t, -1, compareFloat(1, 2))
	assert.Equal(t, 0, compareFloat(2, 2))
}

func TestPatternCacheIsBounded(t *testing.T) {
	for i := 0; i < maxCachedPatterns+50; i++ {
		_, err := compilePattern(fmt.Sprintf("^sku-%d$", i), true)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, patternCache.Len(), maxCachedPatterns)

	re, err := compilePattern("^SKU-1$", false)
	require.NoError(t, err)
	assert.True(t, re.MatchString("sku-1"))
}

func TestExpressionCacheIsBounded(t *testing.T) {
	for i := 0; i < maxCachedPrograms+20; i++ {
		v, err := Eval(fmt.Sprintf("x + %d", i), map[string]any{"x": 1})
		require.NoError(t, err)
		require.Equal(t, float64(1+i), v.Num())
	}
	assert.LessOrEqual(t, exprProg.Len(), maxCachedPrograms)
}
