// Package commands turns settings into the list of actions the editor
// exposes.
package commands

import (
	"strings"
	"sync"

	"github.com/youruser/quill/internal/config"
	"github.com/youruser/quill/internal/document"
	"github.com/youruser/quill/internal/logging"
	"github.com/youruser/quill/internal/session"
)

var log = logging.Get()

// Descriptor declares one invocable action.
type Descriptor struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Template string       `json:"template,omitempty"`
	Mode     session.Mode `json:"mode"`
	// NeedsPrompt is set when the editor must ask the user for the prompt.
	NeedsPrompt bool `json:"needs_prompt"`
}

// Builtins are always present, ahead of any custom command.
var Builtins = []Descriptor{
	{ID: "generate-from-prompt", Name: "Generate from prompt", Mode: session.ModePrompt, NeedsPrompt: true},
	{ID: "generate-from-line", Name: "Generate from current line", Mode: session.ModeLine},
	{ID: "ask-pdf", Name: "Ask the nearest PDF", Mode: session.ModePDF, NeedsPrompt: true},
	{ID: "generate-image", Name: "Generate image from prompt", Mode: session.ModeImage, NeedsPrompt: true},
	{ID: "generate-image-from-line", Name: "Generate image from current line", Mode: session.ModeImage},
	{ID: "transcribe-audio", Name: "Transcribe the nearest audio file", Mode: session.ModeTranscribe},
}

// ID returns the command identifier for a custom command line: lowercase,
// with spaces replaced by hyphens.
func ID(line string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(line)), " ", "-")
}

// Build returns the built-in commands followed by one command per non-blank
// line of the selection and PDF command settings. When two commands share
// an ID the first one wins.
func Build(s config.Settings) []Descriptor {
	seen := make(map[string]bool)
	var out []Descriptor
	add := func(d Descriptor) {
		if d.ID == "" || seen[d.ID] {
			return
		}
		seen[d.ID] = true
		out = append(out, d)
	}

	for _, d := range Builtins {
		add(d)
	}
	for _, line := range strings.Split(s.SelectionCommands, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			add(Descriptor{ID: ID(line), Name: line, Template: line, Mode: session.ModeSelection})
		}
	}
	for _, line := range strings.Split(s.PDFCommands, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			add(Descriptor{ID: ID(line), Name: line, Template: line, Mode: session.ModePDF})
		}
	}
	return out
}

// Find returns the descriptor with the given ID.
func Find(list []Descriptor, id string) (Descriptor, bool) {
	for _, d := range list {
		if d.ID == id {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Invocation turns the descriptor into a run against a document. prompt is
// the user's input for commands that need one and is ignored otherwise.
func (d Descriptor) Invocation(docPath string, buf document.Buffer, prompt string) session.Invocation {
	inv := session.Invocation{Mode: d.Mode, DocPath: docPath, Buffer: buf}
	switch {
	case d.Mode == session.ModeSelection:
		inv.Suffix = d.Template
	case d.Template != "":
		inv.Prompt = d.Template
	case d.NeedsPrompt:
		inv.Prompt = prompt
	case d.Mode == session.ModeImage && buf != nil && document.Contains(buf, buf.Cursor()):
		inv.Prompt = buf.Line(buf.Cursor().Line)
	}
	return inv
}

// Registry holds the current command list and is rebuilt whenever the
// settings change.
type Registry struct {
	mu   sync.RWMutex
	list []Descriptor
}

// NewRegistry builds the initial list from s.
func NewRegistry(s config.Settings) *Registry {
	return &Registry{list: Build(s)}
}

// Rebuild replaces the list. Its signature matches config.Store.OnChange.
func (r *Registry) Rebuild(s config.Settings) {
	list := Build(s)
	r.mu.Lock()
	r.list = list
	r.mu.Unlock()
	log.Debug("commands: rebuilt %d commands", len(list))
}

// List returns a copy of the current commands.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Descriptor(nil), r.list...)
}

// Find looks up a current command by ID.
func (r *Registry) Find(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Find(r.list, id)
}
