package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindTime
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindTime:
		return "time"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	}
	return "null"
}

// Value is an immutable tagged value read from a business context.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	t    time.Time
	list []Value
	m    map[string]Value
}

func Null() Value                  { return Value{} }
func Bool(b bool) Value            { return Value{kind: KindBool, b: b} }
func Number(n float64) Value       { return Value{kind: KindNumber, n: n} }
func String(s string) Value        { return Value{kind: KindString, s: s} }
func Time(t time.Time) Value       { return Value{kind: KindTime, t: t} }
func List(items ...Value) Value    { return Value{kind: KindList, list: items} }
func Map(m map[string]Value) Value { return Value{kind: KindMap, m: m} }

// FromGo converts decoded JSON-ish data into a Value. Unknown types are
// rendered with fmt and stored as strings.
func FromGo(v any) Value {
	switch x := v.(type) {
	case nil:
		return Null()
	case Value:
		return x
	case bool:
		return Bool(x)
	case string:
		return String(x)
	case float64:
		return Number(x)
	case float32:
		return Number(float64(x))
	case int:
		return Number(float64(x))
	case int32:
		return Number(float64(x))
	case int64:
		return Number(float64(x))
	case uint:
		return Number(float64(x))
	case uint64:
		return Number(float64(x))
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return String(x.String())
		}
		return Number(f)
	case time.Time:
		return Time(x)
	case []any:
		items := make([]Value, len(x))
		for i, it := range x {
			items[i] = FromGo(it)
		}
		return List(items...)
	case []string:
		items := make([]Value, len(x))
		for i, it := range x {
			items[i] = String(it)
		}
		return List(items...)
	case map[string]any:
		m := make(map[string]Value, len(x))
		for k, it := range x {
			m[k] = FromGo(it)
		}
		return Map(m)
	case map[string]string:
		m := make(map[string]Value, len(x))
		for k, it := range x {
			m[k] = String(it)
		}
		return Map(m)
	default:
		return String(fmt.Sprint(x))
	}
}

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsNull() bool  { return v.kind == KindNull }
func (v Value) List() []Value { return v.list }

// Field returns a map member.
func (v Value) Field(name string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	f, ok := v.m[name]
	return f, ok
}

// Index returns a list element.
func (v Value) Index(i int) (Value, bool) {
	if v.kind != KindList || i < 0 || i >= len(v.list) {
		return Value{}, false
	}
	return v.list[i], true
}

// Path walks a dotted path of map keys and list indexes, such as
// "items.0.sku". Any missing segment yields ok == false.
func (v Value) Path(path string) (Value, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Value{}, false
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		var ok bool
		switch cur.Kind() {
		case KindMap:
			cur, ok = cur.Field(seg)
		case KindList:
			i, err := strconv.Atoi(seg)
			if err != nil {
				return Value{}, false
			}
			cur, ok = cur.Index(i)
		}
		if !ok {
			return Value{}, false
		}
	}
	return cur, true
}

// Num coerces to a number. Strings are parsed, times become unix millis,
// booleans become 0/1. Anything else is NaN.
func (v Value) Num() float64 {
	switch v.kind {
	case KindNumber:
		return v.n
	case KindBool:
		if v.b {
			return 1
		}
		return 0
	case KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
		if err != nil {
			return math.NaN()
		}
		return f
	case KindTime:
		return float64(v.t.UnixMilli())
	}
	return math.NaN()
}

func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n != 0 && !math.IsNaN(v.n)
	case KindString:
		return v.s != ""
	case KindTime:
		return !v.t.IsZero()
	case KindList:
		return len(v.list) > 0
	case KindMap:
		return len(v.m) > 0
	}
	return false
}

// String renders the value the way it would appear on a label.
func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case KindString:
		return v.s
	case KindTime:
		return v.t.Format(time.RFC3339)
	case KindList, KindMap:
		b, _ := json.Marshal(v.Native())
		return string(b)
	}
	return ""
}

// AsTime interprets the value as a timestamp.
func (v Value) AsTime() (time.Time, bool) {
	switch v.kind {
	case KindTime:
		return v.t, true
	case KindNumber:
		return time.UnixMilli(int64(v.n)).UTC(), true
	case KindString:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, v.s); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// Native converts back to plain Go values (map[string]any, []any, ...).
func (v Value) Native() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindTime:
		return v.t
	case KindList:
		out := make([]any, len(v.list))
		for i, it := range v.list {
			out[i] = it.Native()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, it := range v.m {
			out[k] = it.Native()
		}
		return out
	}
	return nil
}

// Empty reports null, "", and empty collections.
func (v Value) Empty() bool {
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return strings.TrimSpace(v.s) == ""
	case KindList:
		return len(v.list) == 0
	case KindMap:
		return len(v.m) == 0
	}
	return false
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Native())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = FromGo(raw)
	return nil
}
