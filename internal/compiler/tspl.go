package compiler

import (
	"fmt"
	"strings"

	"github.com/orrn/labelpress/internal/core"
	"github.com/orrn/labelpress/internal/template"
)

const defaultDPI = 203

// TSPLRenderer writes TSPL2 command streams. Geometry is converted from
// millimetres to dots at the template DPI.
type TSPLRenderer struct {
	GapMM float64
}

func (TSPLRenderer) Format() core.Format { return core.FormatTSPL }

func (r TSPLRenderer) Render(doc *Document) ([]byte, error) {
	dpi := doc.Size.DPI
	if dpi <= 0 {
		dpi = defaultDPI
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SIZE %g mm, %g mm\n", doc.Size.WidthMM, doc.Size.HeightMM)
	fmt.Fprintf(&sb, "GAP %g mm, 0 mm\n", r.GapMM)
	sb.WriteString("DIRECTION 0\n")

	for _, lbl := range doc.Labels {
		sb.WriteString("CLS\n")
		for _, e := range lbl.Elements {
			cmd, err := tsplElement(e, dpi)
			if err != nil {
				return nil, fmt.Errorf("element %s: %w", e.ID, err)
			}
			if cmd != "" {
				sb.WriteString(cmd)
				sb.WriteString("\n")
			}
		}
		fmt.Fprintf(&sb, "PRINT %d\n", lbl.Copies)
	}
	return []byte(sb.String()), nil
}

func tsplElement(e Element, dpi int) (string, error) {
	g := e.Geometry
	x, y := mmToDots(g.X, dpi), mmToDots(g.Y, dpi)
	w, h := mmToDots(g.Width, dpi), mmToDots(g.Height, dpi)
	rot := rotation(g.Rotation)
	thickness := styleInt(e.Style, "thickness", 1)

	switch e.Type {
	case template.ElementText:
		font := styleString(e.Style, "font", "3")
		scale := styleInt(e.Style, "scale", 1)
		return fmt.Sprintf(`TEXT %d,%d,"%s",%d,%d,%d,"%s"`, x, y, font, rot, scale, scale, escapeTSPL(e.Text)), nil
	case template.ElementBarcode:
		symbology := styleString(e.Style, "symbology", "128")
		narrow := styleInt(e.Style, "narrow", 2)
		return fmt.Sprintf(`BARCODE %d,%d,"%s",%d,1,%d,%d,%d,"%s"`,
			x, y, symbology, h, rot, narrow, narrow, escapeTSPL(e.Text)), nil
	case template.ElementQRCode:
		level := styleString(e.Style, "level", "M")
		cell := styleInt(e.Style, "cell_width", 4)
		return fmt.Sprintf(`QRCODE %d,%d,%s,%d,A,%d,"%s"`, x, y, level, cell, rot, escapeTSPL(e.Text)), nil
	case template.ElementRectangle:
		return fmt.Sprintf("BOX %d,%d,%d,%d,%d", x, y, x+w, y+h, thickness), nil
	case template.ElementLine:
		if h < thickness {
			h = thickness
		}
		return fmt.Sprintf("BAR %d,%d,%d,%d", x, y, w, h), nil
	case template.ElementCircle:
		return fmt.Sprintf("CIRCLE %d,%d,%d,%d", x, y, w, thickness), nil
	case template.ElementImage:
		return fmt.Sprintf(`PUTBMP %d,%d,"%s"`, x, y, escapeTSPL(e.Text)), nil
	case template.ElementTable, template.ElementContainer:
		if e.Text == "" {
			return "", nil
		}
		font := styleString(e.Style, "font", "3")
		return fmt.Sprintf(`BLOCK %d,%d,%d,%d,"%s",%d,1,1,"%s"`, x, y, w, h, font, rot, escapeTSPL(e.Text)), nil
	}
	return "", fmt.Errorf("unsupported element type %q", e.Type)
}

func mmToDots(mm float64, dpi int) int {
	return int(mm * float64(dpi) / 25.4)
}

// rotation snaps to the four angles TSPL accepts.
func rotation(deg float64) int {
	r := (int(deg)%360 + 360) % 360
	return (r + 45) / 90 * 90 % 360
}

func escapeTSPL(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	s = strings.ReplaceAll(s, "\t", "\\t")
	return s
}

func styleString(s template.Style, key, def string) string {
	if v, ok := s[key].(string); ok && v != "" {
		return v
	}
	return def
}

func styleInt(s template.Style, key string, def int) int {
	switch v := s[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}
