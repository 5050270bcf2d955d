package rules

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

type transformFunc func(in Value, props map[string]any, ctx Context) (Value, error)

var transforms = map[TransformType]transformFunc{
	TransformUppercase:      transformUppercase,
	TransformLowercase:      transformLowercase,
	TransformCapitalize:     transformCapitalize,
	TransformFormatCurrency: transformFormatCurrency,
	TransformFormatDate:     transformFormatDate,
	TransformFormatNumber:   transformFormatNumber,
	TransformTruncate:       transformTruncate,
	TransformPadLeft:        transformPadLeft,
	TransformPadRight:       transformPadRight,
	TransformReplace:        transformReplace,
	TransformExtractRegex:   transformExtractRegex,
	TransformCalculate:      transformCalculate,
}

// ApplyTransform runs a named transform on in.
func ApplyTransform(t TransformType, in Value, props map[string]any, ctx Context) (Value, error) {
	fn, ok := transforms[t]
	if !ok {
		return Value{}, fmt.Errorf("unknown transform %q", t)
	}
	return fn(in, props, ctx)
}

var currencySymbols = map[string]string{
	"USD": "$",
	"NZD": "$",
	"AUD": "$",
	"CAD": "$",
	"EUR": "€",
	"GBP": "£",
	"JPY": "¥",
	"INR": "₹",
}

var printer = message.NewPrinter(language.English)

func transformUppercase(in Value, _ map[string]any, _ Context) (Value, error) {
	return String(strings.ToUpper(in.String())), nil
}

func transformLowercase(in Value, _ map[string]any, _ Context) (Value, error) {
	return String(strings.ToLower(in.String())), nil
}

func transformCapitalize(in Value, _ map[string]any, _ Context) (Value, error) {
	s := in.String()
	r, size := utf8.DecodeRuneInString(s)
	if size == 0 {
		return String(s), nil
	}
	return String(string(unicode.ToUpper(r)) + strings.ToLower(s[size:])), nil
}

func transformFormatCurrency(in Value, props map[string]any, _ Context) (Value, error) {
	n := in.Num()
	if math.IsNaN(n) {
		return Value{}, fmt.Errorf("format_currency: %q is not a number", in.String())
	}
	code := strings.ToUpper(propString(props, "currency", "USD"))
	symbol, ok := currencySymbols[code]
	if !ok {
		symbol = code + " "
	}
	decimals := propInt(props, "decimals", 2)
	if code == "JPY" {
		decimals = propInt(props, "decimals", 0)
	}

	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	}
	return String(sign + symbol + printer.Sprintf("%v", number.Decimal(n, number.Scale(decimals)))), nil
}

func transformFormatNumber(in Value, props map[string]any, _ Context) (Value, error) {
	n := in.Num()
	if math.IsNaN(n) {
		return Value{}, fmt.Errorf("format_number: %q is not a number", in.String())
	}
	return String(printer.Sprintf("%v", number.Decimal(n, number.Scale(propInt(props, "decimals", 2))))), nil
}

var dateTokens = strings.NewReplacer(
	"YYYY", "2006",
	"YY", "06",
	"MM", "01",
	"DD", "02",
	"HH", "15",
	"mm", "04",
	"ss", "05",
)

func transformFormatDate(in Value, props map[string]any, _ Context) (Value, error) {
	t, ok := in.AsTime()
	if !ok {
		return Value{}, fmt.Errorf("format_date: %q is not a date", in.String())
	}
	layout := dateTokens.Replace(propString(props, "format", "MM/DD/YYYY"))
	return String(t.Format(layout)), nil
}

func transformTruncate(in Value, props map[string]any, _ Context) (Value, error) {
	runes := []rune(in.String())
	length := propInt(props, "length", 50)
	if length < 0 {
		return Value{}, fmt.Errorf("truncate: negative length %d", length)
	}
	if len(runes) <= length {
		return String(string(runes)), nil
	}
	suffix := []rune(propString(props, "suffix", "..."))
	if len(suffix) >= length {
		return String(string(runes[:length])), nil
	}
	return String(string(runes[:length-len(suffix)]) + string(suffix)), nil
}

func transformPadLeft(in Value, props map[string]any, _ Context) (Value, error) {
	return pad(in.String(), props, true), nil
}

func transformPadRight(in Value, props map[string]any, _ Context) (Value, error) {
	return pad(in.String(), props, false), nil
}

func pad(s string, props map[string]any, left bool) Value {
	length := propInt(props, "length", 0)
	char := propString(props, "char", " ")
	if char == "" {
		char = " "
	}
	missing := length - utf8.RuneCountInString(s)
	if missing <= 0 {
		return String(s)
	}
	fill := []rune(strings.Repeat(char, missing))[:missing]
	if left {
		return String(string(fill) + s)
	}
	return String(s + string(fill))
}

func transformReplace(in Value, props map[string]any, _ Context) (Value, error) {
	pattern := propString(props, "pattern", "")
	if pattern == "" {
		return Value{}, fmt.Errorf("replace: pattern is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Value{}, fmt.Errorf("replace: %w", err)
	}
	return String(re.ReplaceAllString(in.String(), propString(props, "replacement", ""))), nil
}

func transformExtractRegex(in Value, props map[string]any, _ Context) (Value, error) {
	pattern := propString(props, "pattern", "")
	if pattern == "" {
		return Value{}, fmt.Errorf("extract_regex: pattern is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Value{}, fmt.Errorf("extract_regex: %w", err)
	}
	group := 0
	if re.NumSubexp() > 0 {
		group = 1
	}
	group = propInt(props, "group", group)
	if group > re.NumSubexp() {
		return Value{}, fmt.Errorf("extract_regex: group %d out of range", group)
	}
	m := re.FindStringSubmatch(in.String())
	if m == nil {
		return String(""), nil
	}
	return String(m[group]), nil
}

// transformCalculate evaluates properties.expression with CEL. The input is
// bound as "value" next to the context roots.
func transformCalculate(in Value, props map[string]any, ctx Context) (Value, error) {
	expr := propString(props, "expression", "")
	if expr == "" {
		return Value{}, fmt.Errorf("calculate: expression is required")
	}
	vars := ctx.Vars()
	if n := in.Num(); !math.IsNaN(n) && in.Kind() != KindBool {
		vars["value"] = n
	} else {
		vars["value"] = in.Native()
	}
	return Eval(expr, vars)
}

func propString(props map[string]any, key, def string) string {
	v, ok := props[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func propInt(props map[string]any, key string, def int) int {
	v, ok := props[key]
	if !ok || v == nil {
		return def
	}
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	case string:
		if n, err := strconv.Atoi(x); err == nil {
			return n
		}
	}
	return def
}

func propFloat(props map[string]any, key string) (float64, bool) {
	v, ok := props[key]
	if !ok || v == nil {
		return 0, false
	}
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}
