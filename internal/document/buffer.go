// Package document models the editor buffer a generation writes into.
package document

import "strings"

// Position is a zero-based line/column pair. Col is a byte offset into the line.
type Position struct {
	Line int `json:"line"`
	Col  int `json:"col"`
}

// Buffer is a mutable, line-addressable text buffer with one cursor and one
// selection. Line indices passed to it must be within [0, LineCount()-1],
// except InsertLine which also accepts LineCount() to append.
type Buffer interface {
	LineCount() int
	Line(n int) string
	SetLine(n int, text string)
	InsertLine(n int, text string)
	Cursor() Position
	SetCursor(pos Position)
	Selection() string
	ReplaceSelection(text string)
}

// LastLine returns the index of the last line in buf.
func LastLine(buf Buffer) int {
	return buf.LineCount() - 1
}

// Text returns the whole buffer with lines joined by "\n".
func Text(buf Buffer) string {
	var b strings.Builder
	for i := 0; i < buf.LineCount(); i++ {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(buf.Line(i))
	}
	return b.String()
}

// Contains reports whether pos addresses an existing line with a non-negative
// column. Columns past the end of the line are allowed.
func Contains(buf Buffer, pos Position) bool {
	return pos.Line >= 0 && pos.Line < buf.LineCount() && pos.Col >= 0
}

// Offset converts pos to a byte offset into Text(buf). Positions outside the
// buffer are clamped to its start or end.
func Offset(buf Buffer, pos Position) int {
	last := LastLine(buf)
	if pos.Line < 0 {
		return 0
	}
	if pos.Line > last {
		pos = Position{Line: last, Col: len(buf.Line(last))}
	}
	offset := 0
	for i := 0; i < pos.Line; i++ {
		offset += len(buf.Line(i)) + 1
	}
	col := pos.Col
	if n := len(buf.Line(pos.Line)); col > n {
		col = n
	}
	if col < 0 {
		col = 0
	}
	return offset + col
}

// IsBlank reports whether a line holds only whitespace.
func IsBlank(line string) bool {
	return strings.TrimSpace(line) == ""
}
