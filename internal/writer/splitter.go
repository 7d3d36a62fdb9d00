package writer

import "strings"

// OpKind says how an Op lands in the document.
type OpKind int

const (
	// OpAppend extends the current line.
	OpAppend OpKind = iota
	// OpBreak ends the current line and starts a new one holding Text.
	OpBreak
)

// Op is one line-level step derived from a fragment.
type Op struct {
	Kind OpKind
	Text string
}

// Splitter turns a stream of fragments into line operations. It keeps no
// text of its own beyond the fragment being split, so every character it
// receives is emitted exactly once and in order.
type Splitter struct {
	lines int
}

// Feed splits one fragment. A fragment without newlines yields a single
// append; each newline yields a break carrying the text that follows it.
// Empty appends are dropped.
func (s *Splitter) Feed(fragment string) []Op {
	if fragment == "" {
		return nil
	}
	segments := strings.Split(fragment, "\n")
	ops := make([]Op, 0, len(segments))
	if segments[0] != "" {
		ops = append(ops, Op{Kind: OpAppend, Text: segments[0]})
	}
	for _, seg := range segments[1:] {
		ops = append(ops, Op{Kind: OpBreak, Text: seg})
		s.lines++
	}
	return ops
}

// Breaks returns how many newlines have been consumed so far.
func (s *Splitter) Breaks() int {
	return s.lines
}
