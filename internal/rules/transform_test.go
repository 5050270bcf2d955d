package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransforms(t *testing.T) {
	ctx := orderContext()

	tests := []struct {
		name  string
		typ   TransformType
		in    Value
		props map[string]any
		want  string
	}{
		{"uppercase", TransformUppercase, String("abc"), nil, "ABC"},
		{"lowercase", TransformLowercase, String("AbC"), nil, "abc"},
		{"capitalize", TransformCapitalize, String("hELLO world"), nil, "Hello world"},
		{"currency", TransformFormatCurrency, Number(19.5), nil, "$19.50"},
		{"currency negative", TransformFormatCurrency, String("-5"), map[string]any{"currency": "gbp"}, "-£5.00"},
		{"currency yen", TransformFormatCurrency, Number(300), map[string]any{"currency": "JPY"}, "¥300"},
		{"number", TransformFormatNumber, Number(3.14159), map[string]any{"decimals": 3}, "3.142"},
		{"date default", TransformFormatDate, String("2024-05-01T10:00:00Z"), nil, "05/01/2024"},
		{"date layout", TransformFormatDate, String("2024-05-01T10:07:00Z"), map[string]any{"format": "YYYY-MM-DD HH:mm"}, "2024-05-01 10:07"},
		{"truncate", TransformTruncate, String("Hello World"), map[string]any{"length": 8}, "Hello..."},
		{"truncate short", TransformTruncate, String("Hi"), map[string]any{"length": 8}, "Hi"},
		{"pad left", TransformPadLeft, Number(42), map[string]any{"length": 5, "char": "0"}, "00042"},
		{"pad right", TransformPadRight, String("ab"), map[string]any{"length": 4}, "ab  "},
		{"replace", TransformReplace, String("A-B-C"), map[string]any{"pattern": "-", "replacement": ""}, "ABC"},
		{"extract", TransformExtractRegex, String("Order #12345"), map[string]any{"pattern": `#(\d+)`}, "12345"},
		{"extract no match", TransformExtractRegex, String("none"), map[string]any{"pattern": `#(\d+)`}, ""},
		{"calculate", TransformCalculate, Number(10), map[string]any{"expression": "value * 2.0"}, "20"},
		{"calculate with context", TransformCalculate, String("10"), map[string]any{"expression": "order.total + value"}, "160"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ApplyTransform(tt.typ, tt.in, tt.props, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.String())
		})
	}
}

func TestTransformErrors(t *testing.T) {
	ctx := orderContext()

	tests := []struct {
		name  string
		typ   TransformType
		in    Value
		props map[string]any
	}{
		{"currency of text", TransformFormatCurrency, String("abc"), nil},
		{"date of text", TransformFormatDate, String("yesterday"), nil},
		{"replace without pattern", TransformReplace, String("x"), nil},
		{"bad extract group", TransformExtractRegex, String("x"), map[string]any{"pattern": "x", "group": 2}},
		{"calculate syntax", TransformCalculate, Number(1), map[string]any{"expression": "value +"}},
		{"calculate missing", TransformCalculate, Number(1), nil},
		{"unknown", "rot13", String("x"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ApplyTransform(tt.typ, tt.in, tt.props, ctx)
			assert.Error(t, err)
		})
	}
}
