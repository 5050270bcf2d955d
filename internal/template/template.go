package template

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrElementNotFound  = errors.New("element not found")
	ErrDuplicateElement = errors.New("duplicate element id")
	ErrInvalidGeometry  = errors.New("invalid geometry")
	ErrInvalidCanvas    = errors.New("invalid canvas size")
)

// MinDimension is the smallest width or height an element may shrink to.
const MinDimension = 0.1

type ElementType string

const (
	ElementText      ElementType = "text"
	ElementBarcode   ElementType = "barcode"
	ElementQRCode    ElementType = "qr_code"
	ElementImage     ElementType = "image"
	ElementRectangle ElementType = "rectangle"
	ElementLine      ElementType = "line"
	ElementCircle    ElementType = "circle"
	ElementTable     ElementType = "table"
	ElementContainer ElementType = "container"
)

func (t ElementType) Valid() bool {
	switch t {
	case ElementText, ElementBarcode, ElementQRCode, ElementImage, ElementRectangle,
		ElementLine, ElementCircle, ElementTable, ElementContainer:
		return true
	}
	return false
}

// Size is the canvas size in millimetres at a print resolution.
type Size struct {
	WidthMM  float64 `json:"width_mm"`
	HeightMM float64 `json:"height_mm"`
	DPI      int     `json:"dpi"`
}

type Margins struct {
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
	Left   float64 `json:"left"`
}

type Geometry struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Rotation float64 `json:"rotation"`
}

// Style is an open set of presentation properties (fontSize, color, fontWeight, ...).
type Style map[string]any

type DataBinding struct {
	Field   string `json:"field"`
	Default string `json:"default,omitempty"`
	Format  string `json:"format,omitempty"`
}

// ConditionalContent replaces an element's content when the rule RuleID
// matches in a rule pass. The first matching entry wins; without a match the
// element keeps its base content.
type ConditionalContent struct {
	RuleID  string `json:"rule_id"`
	Literal string `json:"literal"`
	Style   Style  `json:"style,omitempty"`
}

type Content struct {
	Literal     string               `json:"literal,omitempty"`
	Binding     *DataBinding         `json:"binding,omitempty"`
	Formula     string               `json:"formula,omitempty"`
	Conditional []ConditionalContent `json:"conditional,omitempty"`
}

type Constraints struct {
	MinWidth     float64 `json:"min_width,omitempty"`
	MinHeight    float64 `json:"min_height,omitempty"`
	MaxWidth     float64 `json:"max_width,omitempty"`
	MaxHeight    float64 `json:"max_height,omitempty"`
	LockAspect   bool    `json:"lock_aspect,omitempty"`
	LockPosition bool    `json:"lock_position,omitempty"`
}

type Element struct {
	ID          string      `json:"id"`
	Type        ElementType `json:"type"`
	Name        string      `json:"name,omitempty"`
	LayerID     string      `json:"layer_id,omitempty"`
	Geometry    Geometry    `json:"geometry"`
	Style       Style       `json:"style,omitempty"`
	Content     Content     `json:"content"`
	Hidden      bool        `json:"hidden,omitempty"`
	RuleRefs    []string    `json:"rule_refs,omitempty"`
	Constraints Constraints `json:"constraints"`
}

type Layer struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Hidden bool   `json:"hidden,omitempty"`
	Locked bool   `json:"locked,omitempty"`
	ZIndex int    `json:"z_index"`
}

// Template is a label layout. Callers own their Template; code that derives
// a modified layout works on Clone. When RuleRefs, or any element's
// RuleRefs, are set, only the referenced rules are evaluated against it.
type Template struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Size        Size       `json:"size"`
	SafeMargins Margins    `json:"safe_margins"`
	Elements    []*Element `json:"elements"`
	Layers      []Layer    `json:"layers,omitempty"`
	RuleRefs    []string   `json:"rule_refs,omitempty"`
	Version     int        `json:"version"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Element returns the element with id, or nil.
func (t *Template) Element(id string) *Element {
	for _, e := range t.Elements {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (t *Template) RemoveElement(id string) error {
	for i, e := range t.Elements {
		if e.ID == id {
			t.Elements = append(t.Elements[:i], t.Elements[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrElementNotFound, id)
}

// ReferencedRules returns the template's rule ids followed by those of its
// elements, without duplicates. Empty means the template is not scoped.
func (t *Template) ReferencedRules() []string {
	var out []string
	seen := make(map[string]bool)
	add := func(ids []string) {
		for _, id := range ids {
			if id != "" && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	add(t.RuleRefs)
	for _, e := range t.Elements {
		add(e.RuleRefs)
	}
	return out
}

// VisibleElements returns the elements that should be rendered: not hidden
// and not on a hidden layer.
func (t *Template) VisibleElements() []*Element {
	hiddenLayers := make(map[string]bool)
	for _, l := range t.Layers {
		if l.Hidden {
			hiddenLayers[l.ID] = true
		}
	}

	out := make([]*Element, 0, len(t.Elements))
	for _, e := range t.Elements {
		if e.Hidden || hiddenLayers[e.LayerID] {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Clamp forces g inside the canvas, keeping width and height at or above
// MinDimension.
func (t *Template) Clamp(g Geometry) Geometry {
	w, h := t.Size.WidthMM, t.Size.HeightMM

	g.Width = clamp(g.Width, MinDimension, w)
	g.Height = clamp(g.Height, MinDimension, h)
	g.X = clamp(g.X, 0, w-g.Width)
	g.Y = clamp(g.Y, 0, h-g.Height)
	return g
}

func (t *Template) InBounds(g Geometry) bool {
	return g.Width > 0 && g.Height > 0 &&
		g.X >= 0 && g.Y >= 0 &&
		g.X+g.Width <= t.Size.WidthMM && g.Y+g.Height <= t.Size.HeightMM
}

// Validate checks canvas size, element id uniqueness, and geometry bounds.
func (t *Template) Validate() error {
	if t.Size.WidthMM <= 0 || t.Size.HeightMM <= 0 {
		return fmt.Errorf("%w: %gx%g", ErrInvalidCanvas, t.Size.WidthMM, t.Size.HeightMM)
	}
	if t.Size.DPI <= 0 {
		return fmt.Errorf("%w: dpi must be positive", ErrInvalidCanvas)
	}

	seen := make(map[string]bool, len(t.Elements))
	for _, e := range t.Elements {
		if e.ID == "" {
			return fmt.Errorf("element id is required")
		}
		if seen[e.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateElement, e.ID)
		}
		seen[e.ID] = true

		if !e.Type.Valid() {
			return fmt.Errorf("element %s: unknown type %q", e.ID, e.Type)
		}
		for i, cc := range e.Content.Conditional {
			if cc.RuleID == "" {
				return fmt.Errorf("element %s: conditional[%d] needs a rule_id", e.ID, i)
			}
		}
		if !t.InBounds(e.Geometry) {
			return fmt.Errorf("%w: element %s at (%g,%g) %gx%g", ErrInvalidGeometry,
				e.ID, e.Geometry.X, e.Geometry.Y, e.Geometry.Width, e.Geometry.Height)
		}
	}
	return nil
}

// Lint reports layout problems that do not prevent printing.
func (t *Template) Lint() []string {
	var warnings []string
	m := t.SafeMargins

	for _, e := range t.Elements {
		g := e.Geometry
		if g.X < m.Left || g.Y < m.Top ||
			g.X+g.Width > t.Size.WidthMM-m.Right ||
			g.Y+g.Height > t.Size.HeightMM-m.Bottom {
			warnings = append(warnings, fmt.Sprintf("element %s extends outside safe margins", e.ID))
		}
	}

	for i := 0; i < len(t.Elements); i++ {
		for j := i + 1; j < len(t.Elements); j++ {
			a, b := t.Elements[i], t.Elements[j]
			if a.LayerID == b.LayerID && overlaps(a.Geometry, b.Geometry) {
				warnings = append(warnings, fmt.Sprintf("elements %s and %s overlap", a.ID, b.ID))
			}
		}
	}
	return warnings
}

func overlaps(a, b Geometry) bool {
	return a.X < b.X+b.Width && b.X < a.X+a.Width &&
		a.Y < b.Y+b.Height && b.Y < a.Y+a.Height
}

func clamp(v, lo, hi float64) float64 {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
