package rules

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/orrn/labelpress/internal/template"
)

type actionFunc func(tpl *template.Template, a Action, ctx Context) (any, error)

var actions = map[ActionType]actionFunc{
	ActionShow:         actionShow,
	ActionHide:         actionHide,
	ActionSetText:      actionSetText,
	ActionSetProperty:  actionSetProperty,
	ActionTransform:    actionTransform,
	ActionSetBarcode:   actionSetBarcode,
	ActionSetQRCode:    actionSetQRCode,
	ActionApplyStyle:   actionApplyStyle,
	ActionModifyLayout: actionModifyLayout,
	ActionRemove:       actionRemove,
}

func lookupElement(tpl *template.Template, id string) (*template.Element, error) {
	e := tpl.Element(id)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", template.ErrElementNotFound, id)
	}
	return e, nil
}

func actionShow(tpl *template.Template, a Action, _ Context) (any, error) {
	e, err := lookupElement(tpl, a.Target)
	if err != nil {
		return nil, err
	}
	e.Hidden = false
	return true, nil
}

func actionHide(tpl *template.Template, a Action, _ Context) (any, error) {
	e, err := lookupElement(tpl, a.Target)
	if err != nil {
		return nil, err
	}
	e.Hidden = true
	return false, nil
}

func actionSetText(tpl *template.Template, a Action, ctx Context) (any, error) {
	e, err := lookupElement(tpl, a.Target)
	if err != nil {
		return nil, err
	}
	return setLiteral(e, Substitute(a.Value.String(), ctx)), nil
}

func actionSetBarcode(tpl *template.Template, a Action, ctx Context) (any, error) {
	e, err := lookupElement(tpl, a.Target)
	if err != nil {
		return nil, err
	}
	if e.Type != template.ElementBarcode {
		return nil, fmt.Errorf("element %s is %s, not a barcode", e.ID, e.Type)
	}
	if sym, ok := a.Properties["symbology"]; ok {
		if e.Style == nil {
			e.Style = template.Style{}
		}
		e.Style["symbology"] = sym
	}
	return setLiteral(e, Substitute(a.Value.String(), ctx)), nil
}

func actionSetQRCode(tpl *template.Template, a Action, ctx Context) (any, error) {
	e, err := lookupElement(tpl, a.Target)
	if err != nil {
		return nil, err
	}
	if e.Type != template.ElementQRCode {
		return nil, fmt.Errorf("element %s is %s, not a qr code", e.ID, e.Type)
	}
	return setLiteral(e, Substitute(a.Value.String(), ctx)), nil
}

func setLiteral(e *template.Element, s string) string {
	e.Content.Literal = s
	e.Content.Binding = nil
	e.Content.Formula = ""
	return s
}

func actionTransform(tpl *template.Template, a Action, ctx Context) (any, error) {
	e, err := lookupElement(tpl, a.Target)
	if err != nil {
		return nil, err
	}

	in := a.Value
	switch {
	case in.Kind() == KindString:
		in = String(Substitute(in.String(), ctx))
	case !in.IsNull():
	case e.Content.Binding != nil:
		v, ok := ctx.Lookup(e.Content.Binding.Field)
		if !ok {
			v = String(e.Content.Binding.Default)
		}
		in = v
	default:
		in = String(e.Content.Literal)
	}

	out, err := ApplyTransform(a.Transform, in, a.Properties, ctx)
	if err != nil {
		return nil, err
	}
	return setLiteral(e, out.String()), nil
}

func actionApplyStyle(tpl *template.Template, a Action, _ Context) (any, error) {
	e, err := lookupElement(tpl, a.Target)
	if err != nil {
		return nil, err
	}
	if len(a.Properties) == 0 {
		return nil, fmt.Errorf("apply_style requires properties")
	}
	if e.Style == nil {
		e.Style = template.Style{}
	}
	applied := template.Style(a.Properties).Clone()
	for k, v := range applied {
		e.Style[k] = v
	}
	return map[string]any(applied.Clone()), nil
}

func actionModifyLayout(tpl *template.Template, a Action, _ Context) (any, error) {
	e, err := lookupElement(tpl, a.Target)
	if err != nil {
		return nil, err
	}
	g := e.Geometry
	for _, key := range []string{"x", "y", "width", "height", "rotation"} {
		v, ok := propFloat(a.Properties, key)
		if !ok {
			continue
		}
		if err := setGeometry(e, &g, key, v); err != nil {
			return nil, err
		}
	}
	e.Geometry = fitGeometry(tpl, e, g)
	return e.Geometry, nil
}

// setProperty paths: name, hidden, visible, layer_id, style.<key>,
// geometry.<x|y|width|height|rotation>, content.<literal|binding|formula>.
func actionSetProperty(tpl *template.Template, a Action, ctx Context) (any, error) {
	id, path, ok := strings.Cut(a.Target, ".")
	if !ok {
		path = propString(a.Properties, "property", "")
	}
	if path == "" {
		return nil, fmt.Errorf("set_property requires a property path")
	}
	e, err := lookupElement(tpl, id)
	if err != nil {
		return nil, err
	}

	val := a.Value
	if val.Kind() == KindString {
		val = String(Substitute(val.String(), ctx))
	}

	head, rest, _ := strings.Cut(path, ".")
	switch head {
	case "name":
		e.Name = val.String()
		return e.Name, nil
	case "hidden":
		e.Hidden = coerce(val, TypeBoolean).Truthy()
		return e.Hidden, nil
	case "visible":
		e.Hidden = !coerce(val, TypeBoolean).Truthy()
		return !e.Hidden, nil
	case "layer_id", "layerId":
		e.LayerID = val.String()
		return e.LayerID, nil
	case "style":
		if rest == "" {
			return nil, fmt.Errorf("set_property: style requires a key")
		}
		if e.Style == nil {
			e.Style = template.Style{}
		}
		e.Style[rest] = val.Native()
		return val.Native(), nil
	case "geometry":
		g := e.Geometry
		if err := setGeometry(e, &g, rest, val.Num()); err != nil {
			return nil, err
		}
		e.Geometry = fitGeometry(tpl, e, g)
		return e.Geometry, nil
	case "content":
		switch rest {
		case "literal", "text":
			return setLiteral(e, val.String()), nil
		case "binding":
			e.Content.Binding = &template.DataBinding{Field: val.String()}
			return val.String(), nil
		case "formula":
			e.Content.Formula = val.String()
			return e.Content.Formula, nil
		}
	}
	return nil, fmt.Errorf("set_property: unsupported property %q", path)
}

func actionRemove(tpl *template.Template, a Action, _ Context) (any, error) {
	if err := tpl.RemoveElement(a.Target); err != nil {
		return nil, err
	}
	return true, nil
}

func setGeometry(e *template.Element, g *template.Geometry, key string, v float64) error {
	if math.IsNaN(v) {
		return fmt.Errorf("geometry %s: not a number", key)
	}
	switch key {
	case "x", "y":
		if e.Constraints.LockPosition {
			return fmt.Errorf("element %s position is locked", e.ID)
		}
		if key == "x" {
			g.X = v
		} else {
			g.Y = v
		}
	case "width", "height":
		if v <= 0 {
			return fmt.Errorf("geometry %s must be positive, got %g", key, v)
		}
		if key == "width" {
			g.Width = v
		} else {
			g.Height = v
		}
	case "rotation":
		g.Rotation = v
	default:
		return fmt.Errorf("unknown geometry field %q", key)
	}
	return nil
}

// fitGeometry applies the element's size constraints and then keeps the
// result inside the canvas. With LockAspect a changed width drives the
// height, otherwise a changed height drives the width. Min and max limits
// are applied after that and win over the ratio.
func fitGeometry(tpl *template.Template, e *template.Element, g template.Geometry) template.Geometry {
	c := e.Constraints
	if orig := e.Geometry; c.LockAspect && orig.Width > 0 && orig.Height > 0 {
		ratio := orig.Width / orig.Height
		switch {
		case g.Width != orig.Width:
			g.Height = g.Width / ratio
		case g.Height != orig.Height:
			g.Width = g.Height * ratio
		}
	}
	if c.MinWidth > 0 && g.Width < c.MinWidth {
		g.Width = c.MinWidth
	}
	if c.MaxWidth > 0 && g.Width > c.MaxWidth {
		g.Width = c.MaxWidth
	}
	if c.MinHeight > 0 && g.Height < c.MinHeight {
		g.Height = c.MinHeight
	}
	if c.MaxHeight > 0 && g.Height > c.MaxHeight {
		g.Height = c.MaxHeight
	}
	return tpl.Clamp(g)
}

var placeholder = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Substitute replaces {{path}} placeholders with context values. Paths that
// do not resolve are left as written.
func Substitute(s string, ctx Context) string {
	return Expand(s, ctx.Lookup)
}

// Expand replaces {{path}} placeholders with whatever lookup resolves.
// Unresolved placeholders are left as written.
func Expand(s string, lookup func(path string) (Value, bool)) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		v, ok := lookup(placeholder.FindStringSubmatch(m)[1])
		if !ok {
			return m
		}
		return v.String()
	})
}
