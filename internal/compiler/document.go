package compiler

import (
	"encoding/json"

	"github.com/orrn/labelpress/internal/core"
)

// DocumentRenderer emits the resolved document as JSON, for previews and
// development printers.
type DocumentRenderer struct {
	Indent bool
}

func (DocumentRenderer) Format() core.Format { return core.FormatJSON }

func (r DocumentRenderer) Render(doc *Document) ([]byte, error) {
	if r.Indent {
		return json.MarshalIndent(doc, "", "  ")
	}
	return json.Marshal(doc)
}
