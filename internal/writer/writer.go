// Package writer streams generated text into a document buffer line by line.
package writer

import (
	"github.com/youruser/quill/internal/document"
	"github.com/youruser/quill/internal/logging"
)

var log = logging.Get()

// InsertionLine returns the first blank line at or after line. When the scan
// reaches the end of the buffer without finding one, an empty line is
// appended and its index returned.
func InsertionLine(buf document.Buffer, line int) int {
	if line < 0 {
		line = 0
	}
	last := document.LastLine(buf)
	for i := line; i <= last; i++ {
		if document.IsBlank(buf.Line(i)) {
			return i
		}
	}
	buf.InsertLine(buf.LineCount(), "")
	return document.LastLine(buf)
}

// Writer applies a fragment stream to a buffer. It is not safe for
// concurrent use; the session guard makes sure only one exists at a time.
//
// Layout after Close, with S the concatenated fragments:
//
//	separator   (the blank insertion line, left untouched)
//	S line 1
//	...
//	S line n
//	trailing blank line
type Writer struct {
	buf      document.Buffer
	split    Splitter
	first    int
	current  int
	received int
	closed   bool
}

// New finds the insertion point at or after invocationLine, keeps it as the
// blank separator and opens a fresh line right after it for writing.
func New(buf document.Buffer, invocationLine int) *Writer {
	sep := InsertionLine(buf, invocationLine)
	buf.InsertLine(sep+1, "")
	w := &Writer{buf: buf, first: sep + 1, current: sep + 1}
	w.moveCursor()
	log.Debug("writer: separator at line %d, writing from line %d", sep, w.first)
	return w
}

// Write applies one fragment. Text before the first newline extends the
// current line; every newline opens a new line below it.
func (w *Writer) Write(fragment string) {
	if w.closed {
		return
	}
	w.received += len(fragment)
	for _, op := range w.split.Feed(fragment) {
		switch op.Kind {
		case OpAppend:
			w.buf.SetLine(w.current, w.buf.Line(w.current)+op.Text)
		case OpBreak:
			w.current++
			w.buf.InsertLine(w.current, op.Text)
		}
	}
	w.moveCursor()
}

// WriteString implements io.StringWriter.
func (w *Writer) WriteString(s string) (int, error) {
	w.Write(s)
	return len(s), nil
}

// Close ends the stream by inserting one blank line after the last written
// line. Calling Close more than once has no further effect.
func (w *Writer) Close() {
	if w.closed {
		return
	}
	w.closed = true
	w.buf.InsertLine(w.current+1, "")
	log.Debug("writer: closed after %d bytes, lines %d-%d", w.received, w.first, w.current)
}

// Lines returns the first and last line index written so far.
func (w *Writer) Lines() (first, last int) {
	return w.first, w.current
}

// Received returns the number of bytes written so far.
func (w *Writer) Received() int {
	return w.received
}

func (w *Writer) moveCursor() {
	w.buf.SetCursor(document.Position{Line: w.current, Col: len(w.buf.Line(w.current))})
}
