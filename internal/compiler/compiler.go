package compiler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/orrn/labelpress/internal/core"
	"github.com/orrn/labelpress/internal/rules"
	"github.com/orrn/labelpress/internal/template"
)

var (
	ErrNoItems         = errors.New("no label items")
	ErrUnknownFormat   = errors.New("no renderer for format")
	ErrMissingTemplate = errors.New("template is required")
)

// Renderer turns a resolved document into printer-ready bytes.
type Renderer interface {
	Format() core.Format
	Render(doc *Document) ([]byte, error)
}

// Document is a template with every element's content resolved for each
// label item.
type Document struct {
	TemplateID string        `json:"template_id,omitempty"`
	Name       string        `json:"name,omitempty"`
	Size       template.Size `json:"size"`
	Labels     []Label       `json:"labels"`
}

type Label struct {
	ItemID   string    `json:"item_id,omitempty"`
	Copies   int       `json:"copies"`
	Fields   any       `json:"fields,omitempty"`
	Elements []Element `json:"elements,omitempty"`
}

type Element struct {
	ID       string               `json:"id"`
	Type     template.ElementType `json:"type"`
	Geometry template.Geometry    `json:"geometry"`
	Style    template.Style       `json:"style,omitempty"`
	Text     string               `json:"text,omitempty"`
}

type Option func(*Compiler)

func WithLogger(log zerolog.Logger) Option {
	return func(c *Compiler) { c.log = log.With().Str("component", "compiler").Logger() }
}

// WithRenderer registers r under its format. The first renderer registered
// becomes the output format unless WithFormat says otherwise.
func WithRenderer(r Renderer) Option {
	return func(c *Compiler) {
		if c.format == "" {
			c.format = r.Format()
		}
		c.renderers[r.Format()] = r
	}
}

func WithFormat(f core.Format) Option {
	return func(c *Compiler) { c.format = f }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Compiler) { c.timeout = d }
}

// Compiler implements core.Compiler.
type Compiler struct {
	renderers map[core.Format]Renderer
	format    core.Format
	timeout   time.Duration
	log       zerolog.Logger
}

// New builds a Compiler. Without any renderer it emits JSON documents.
func New(opts ...Option) *Compiler {
	c := &Compiler{
		renderers: make(map[core.Format]Renderer),
		log:       zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	if len(c.renderers) == 0 {
		c.renderers[core.FormatJSON] = DocumentRenderer{}
	}
	if c.format == "" {
		c.format = core.FormatJSON
	}
	return c
}

func (c *Compiler) Format() core.Format { return c.format }

func (c *Compiler) Compile(ctx context.Context, tpl *template.Template, items []core.LabelData) (*core.CompiledOutput, error) {
	return c.CompileFormat(ctx, c.format, tpl, items)
}

// CompileFormat renders with the renderer registered for format. The caller's
// template is never modified.
func (c *Compiler) CompileFormat(ctx context.Context, format core.Format, tpl *template.Template, items []core.LabelData) (*core.CompiledOutput, error) {
	r, ok := c.renderers[format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
	if len(items) == 0 {
		return nil, ErrNoItems
	}
	if tpl == nil && format != core.FormatJSON {
		return nil, ErrMissingTemplate
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	doc, err := c.resolve(ctx, tpl.Clone(), items)
	if err != nil {
		return nil, err
	}

	data, err := r.Render(doc)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", format, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.log.Debug().
		Str("format", string(format)).
		Int("labels", len(doc.Labels)).
		Int("bytes", len(data)).
		Msg("compiled")
	return core.NewCompiledOutput(format, data), nil
}

func (c *Compiler) resolve(ctx context.Context, tpl *template.Template, items []core.LabelData) (*Document, error) {
	doc := &Document{Labels: make([]Label, 0, len(items))}
	var visible []*template.Element
	if tpl != nil {
		doc.TemplateID = tpl.ID
		doc.Name = tpl.Name
		doc.Size = tpl.Size
		visible = tpl.VisibleElements()
	}

	for i, it := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		fields := rules.FromGo(it.Fields)
		copies := it.Quantity
		if copies <= 0 {
			copies = 1
		}
		lbl := Label{ItemID: it.ID, Copies: copies}
		if tpl == nil {
			lbl.Fields = fields.Native()
		}

		for _, e := range visible {
			text, err := resolveContent(e.Content, fields)
			if err != nil {
				return nil, fmt.Errorf("item %d element %s: %w", i, e.ID, err)
			}
			lbl.Elements = append(lbl.Elements, Element{
				ID:       e.ID,
				Type:     e.Type,
				Geometry: e.Geometry,
				Style:    e.Style,
				Text:     text,
			})
		}
		doc.Labels = append(doc.Labels, lbl)
	}
	return doc, nil
}

// resolveContent picks the element text: a data binding wins, then a
// formula, then the literal with {{field}} placeholders filled in.
func resolveContent(ct template.Content, fields rules.Value) (string, error) {
	switch {
	case ct.Binding != nil && ct.Binding.Field != "":
		v, ok := fields.Path(ct.Binding.Field)
		if !ok || v.Empty() {
			return rules.Expand(ct.Binding.Default, fields.Path), nil
		}
		if ct.Binding.Format == "" {
			return v.String(), nil
		}
		out, err := rules.ApplyTransform(rules.TransformType(ct.Binding.Format), v, nil, rules.Context{})
		if err != nil {
			return "", fmt.Errorf("binding %s: %w", ct.Binding.Field, err)
		}
		return out.String(), nil

	case ct.Formula != "":
		v, err := rules.Eval(ct.Formula, map[string]any{"item": fields.Native()})
		if err != nil {
			return "", err
		}
		return v.String(), nil
	}
	return rules.Expand(ct.Literal, fields.Path), nil
}
