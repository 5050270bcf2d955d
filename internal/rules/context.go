package rules

import (
	"strings"
	"time"
)

// Context is the business data a rule pass reads. It is never written
// during evaluation.
type Context struct {
	Order        Value     `json:"order"`
	Product      Value     `json:"product"`
	Customer     Value     `json:"customer"`
	Vendor       Value     `json:"vendor"`
	LabelProfile Value     `json:"label_profile"`
	CustomFields Value     `json:"custom_fields"`
	Timestamp    time.Time `json:"timestamp"`
}

func (c Context) root(name string) (Value, bool) {
	var v Value
	switch name {
	case "order":
		v = c.Order
	case "product":
		v = c.Product
	case "customer":
		v = c.Customer
	case "vendor":
		v = c.Vendor
	case "labelProfile", "label_profile":
		v = c.LabelProfile
	case "customFields", "custom_fields":
		v = c.CustomFields
	case "timestamp":
		if c.Timestamp.IsZero() {
			return Value{}, false
		}
		return Time(c.Timestamp), true
	default:
		return Value{}, false
	}
	if v.IsNull() {
		return Value{}, false
	}
	return v, true
}

// Lookup resolves a dotted path such as "order.items.0.sku". Any missing
// segment yields ok == false; a present JSON null yields Null() and true.
func (c Context) Lookup(path string) (Value, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Value{}, false
	}

	name, rest, nested := strings.Cut(path, ".")
	cur, ok := c.root(name)
	if !ok {
		return Value{}, false
	}
	if !nested {
		return cur, true
	}
	return cur.Path(rest)
}

// Vars exposes the context roots as plain Go values, keyed by root name.
func (c Context) Vars() map[string]any {
	vars := map[string]any{
		"order":        c.Order.Native(),
		"product":      c.Product.Native(),
		"customer":     c.Customer.Native(),
		"vendor":       c.Vendor.Native(),
		"labelProfile": c.LabelProfile.Native(),
		"customFields": c.CustomFields.Native(),
		"timestamp":    c.Timestamp,
	}
	for k, v := range vars {
		if v == nil {
			vars[k] = map[string]any{}
		}
	}
	return vars
}
