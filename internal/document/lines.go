package document

import "strings"

// Lines is an in-memory Buffer. It always holds at least one line.
type Lines struct {
	lines     []string
	cursor    Position
	selection Selection
}

// Selection is a half-open range [From, To) in buffer positions.
type Selection struct {
	From Position `json:"from"`
	To   Position `json:"to"`
}

// Empty reports whether the selection covers no text.
func (s Selection) Empty() bool {
	return s.From == s.To
}

// NewLines builds a buffer from lines. A nil or empty slice yields one empty line.
func NewLines(lines []string) *Lines {
	cp := append([]string(nil), lines...)
	if len(cp) == 0 {
		cp = []string{""}
	}
	return &Lines{lines: cp}
}

// FromText splits text on "\n" into a buffer.
func FromText(text string) *Lines {
	return NewLines(strings.Split(text, "\n"))
}

func (l *Lines) LineCount() int { return len(l.lines) }

func (l *Lines) Line(n int) string { return l.lines[n] }

func (l *Lines) SetLine(n int, text string) { l.lines[n] = text }

func (l *Lines) InsertLine(n int, text string) {
	l.lines = append(l.lines, "")
	copy(l.lines[n+1:], l.lines[n:])
	l.lines[n] = text
}

func (l *Lines) Cursor() Position { return l.cursor }

func (l *Lines) SetCursor(pos Position) { l.cursor = pos }

// Snapshot returns a copy of the buffer's lines.
func (l *Lines) Snapshot() []string {
	return append([]string(nil), l.lines...)
}

// Select sets the selection range.
func (l *Lines) Select(sel Selection) { l.selection = sel }

func (l *Lines) Selection() string {
	if l.selection.Empty() {
		return ""
	}
	text := Text(l)
	from, to := Offset(l, l.selection.From), Offset(l, l.selection.To)
	if from > to {
		from, to = to, from
	}
	return text[from:to]
}

func (l *Lines) ReplaceSelection(repl string) {
	text := Text(l)
	from, to := Offset(l, l.selection.From), Offset(l, l.selection.To)
	if from > to {
		from, to = to, from
	}
	l.lines = strings.Split(text[:from]+repl+text[to:], "\n")

	// Collapse the selection to the end of the inserted text.
	end := positionAt(l, from+len(repl))
	l.selection = Selection{From: end, To: end}
	l.cursor = end
}

func positionAt(buf Buffer, offset int) Position {
	for i := 0; i < buf.LineCount(); i++ {
		n := len(buf.Line(i))
		if offset <= n {
			return Position{Line: i, Col: offset}
		}
		offset -= n + 1
	}
	last := LastLine(buf)
	return Position{Line: last, Col: len(buf.Line(last))}
}
