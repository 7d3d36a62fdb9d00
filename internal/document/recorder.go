package document

// Edit operations reported by Recorder.
const (
	OpSetLine          = "set_line"
	OpInsertLine       = "insert_line"
	OpCursor           = "cursor"
	OpReplaceSelection = "replace_selection"
)

// Edit describes one mutation applied to a buffer.
type Edit struct {
	Op     string    `json:"op"`
	Line   int       `json:"line"`
	Text   string    `json:"text,omitempty"`
	Cursor *Position `json:"cursor,omitempty"`
}

// Recorder wraps a Buffer and reports every mutation to a callback after it
// has been applied. Reads pass straight through.
type Recorder struct {
	Buffer
	onEdit func(Edit)
}

// NewRecorder wraps buf. onEdit may be nil.
func NewRecorder(buf Buffer, onEdit func(Edit)) *Recorder {
	return &Recorder{Buffer: buf, onEdit: onEdit}
}

func (r *Recorder) emit(e Edit) {
	if r.onEdit != nil {
		r.onEdit(e)
	}
}

func (r *Recorder) SetLine(n int, text string) {
	r.Buffer.SetLine(n, text)
	r.emit(Edit{Op: OpSetLine, Line: n, Text: text})
}

func (r *Recorder) InsertLine(n int, text string) {
	r.Buffer.InsertLine(n, text)
	r.emit(Edit{Op: OpInsertLine, Line: n, Text: text})
}

func (r *Recorder) SetCursor(pos Position) {
	r.Buffer.SetCursor(pos)
	r.emit(Edit{Op: OpCursor, Line: pos.Line, Cursor: &pos})
}

func (r *Recorder) ReplaceSelection(text string) {
	r.Buffer.ReplaceSelection(text)
	r.emit(Edit{Op: OpReplaceSelection, Text: text})
}
