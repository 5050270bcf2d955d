package template

func (t *Template) Clone() *Template {
	if t == nil {
		return nil
	}
	out := *t
	out.Elements = make([]*Element, len(t.Elements))
	for i, e := range t.Elements {
		out.Elements[i] = e.Clone()
	}
	out.Layers = append([]Layer(nil), t.Layers...)
	out.RuleRefs = append([]string(nil), t.RuleRefs...)
	return &out
}

func (e *Element) Clone() *Element {
	if e == nil {
		return nil
	}
	out := *e
	out.Style = e.Style.Clone()
	out.RuleRefs = append([]string(nil), e.RuleRefs...)
	out.Content = e.Content.clone()
	return &out
}

func (c Content) clone() Content {
	out := c
	if c.Binding != nil {
		b := *c.Binding
		out.Binding = &b
	}
	if c.Conditional != nil {
		out.Conditional = make([]ConditionalContent, len(c.Conditional))
		for i, cc := range c.Conditional {
			cc.Style = cc.Style.Clone()
			out.Conditional[i] = cc
		}
	}
	return out
}

func (s Style) Clone() Style {
	if s == nil {
		return nil
	}
	out := make(Style, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, vv := range x {
			m[k] = cloneValue(vv)
		}
		return m
	case Style:
		return x.Clone()
	case []any:
		s := make([]any, len(x))
		for i, vv := range x {
			s[i] = cloneValue(vv)
		}
		return s
	case []string:
		return append([]string(nil), x...)
	default:
		return v
	}
}
