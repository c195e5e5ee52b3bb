package protocol

// ColorMode selects how a cell color value is interpreted.
type ColorMode uint8

const (
	ColorDefault  ColorMode = 0
	ColorANSI16   ColorMode = 1
	ColorIndexed  ColorMode = 2
	ColorTruecolor ColorMode = 3
)

// Cell attribute bits.
const (
	AttrBold uint8 = 1 << iota
	AttrItalic
	AttrUnderline
	AttrReverse
)

// Cell is one character cell of a terminal grid.
type Cell struct {
	Char   string    `json:"c"`
	FG     uint32    `json:"fg,omitempty"`
	BG     uint32    `json:"bg,omitempty"`
	FGMode ColorMode `json:"fgMode,omitempty"`
	BGMode ColorMode `json:"bgMode,omitempty"`
	Attrs  uint8     `json:"attrs,omitempty"`
}

// CursorState is the terminal cursor position and visibility.
type CursorState struct {
	Row     int  `json:"row"`
	Col     int  `json:"col"`
	Visible bool `json:"visible"`
}

// TerminalInfo is the directory entry for a terminal.
type TerminalInfo struct {
	ID   string `json:"id"`
	Cwd  string `json:"cwd"`
	Name string `json:"name"`
	Rows int    `json:"rows"`
	Cols int    `json:"cols"`
}

// TerminalState is the full screen snapshot pushed to terminal
// subscribers. Grid is rows × cols.
type TerminalState struct {
	TerminalInfo
	Grid       [][]Cell    `json:"grid"`
	Scrollback []string    `json:"scrollback,omitempty"`
	Cursor     CursorState `json:"cursor"`
	// StreamID keys this terminal's frames on the binary multiplex.
	StreamID uint32 `json:"streamId"`
}

// TerminalInputType discriminates send_terminal_input payloads.
type TerminalInputType string

const (
	TerminalInputData   TerminalInputType = "input"
	TerminalInputResize TerminalInputType = "resize"
	TerminalInputSignal TerminalInputType = "signal"
)
