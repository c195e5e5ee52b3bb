package terminal

import (
	"regexp"

	"github.com/tuzig/vt10x"

	"github.com/paseo-sh/paseo/pkg/protocol"
)

// vt10x glyph mode bits, in declaration order of the emulator's
// attribute set.
const (
	vtAttrReverse   int16 = 1 << 0
	vtAttrUnderline int16 = 1 << 1
	vtAttrBold      int16 = 1 << 2
	vtAttrItalic    int16 = 1 << 4
)

var ansiEscape = regexp.MustCompile(`\x1b(\[[0-9;?]*[a-zA-Z]|\][^\x07\x1b]*(\x07|\x1b\\)?|[()][0-9A-B])`)

// convertGlyph maps one emulator cell to the wire representation.
func convertGlyph(g vt10x.Glyph) protocol.Cell {
	cell := protocol.Cell{Char: " "}
	if g.Char != 0 {
		cell.Char = string(g.Char)
	}
	cell.FG, cell.FGMode = convertColor(g.FG, vt10x.DefaultFG)
	cell.BG, cell.BGMode = convertColor(g.BG, vt10x.DefaultBG)

	if g.Mode&vtAttrBold != 0 {
		cell.Attrs |= protocol.AttrBold
	}
	if g.Mode&vtAttrItalic != 0 {
		cell.Attrs |= protocol.AttrItalic
	}
	if g.Mode&vtAttrUnderline != 0 {
		cell.Attrs |= protocol.AttrUnderline
	}
	if g.Mode&vtAttrReverse != 0 {
		cell.Attrs |= protocol.AttrReverse
	}
	return cell
}

// convertColor classifies the emulator color value: the 16 ANSI slots,
// the 256-color cube, or a packed 24-bit value.
func convertColor(c vt10x.Color, def vt10x.Color) (uint32, protocol.ColorMode) {
	v := uint32(c)
	switch {
	case c == def:
		return 0, protocol.ColorDefault
	case v < 16:
		return v, protocol.ColorANSI16
	case v < 256:
		return v, protocol.ColorIndexed
	default:
		return v, protocol.ColorTruecolor
	}
}

// stripControl reduces a raw output line to its printable text for the
// scrollback ring.
func stripControl(line []byte) string {
	clean := ansiEscape.ReplaceAll(line, nil)
	out := make([]byte, 0, len(clean))
	for _, b := range clean {
		if b == '\r' || (b < 0x20 && b != '\t') || b == 0x7f {
			continue
		}
		out = append(out, b)
	}
	return string(out)
}
