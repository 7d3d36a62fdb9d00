// Package resolve finds the attachment link nearest to the cursor and maps
// it to a vault path.
package resolve

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/youruser/quill/internal/apperr"
	"github.com/youruser/quill/internal/logging"
	"github.com/youruser/quill/internal/vault"
)

var log = logging.Get()

// AudioExtensions lists the audio/video types accepted for transcription.
var AudioExtensions = []string{"flac", "m4a", "mp3", "mp4", "mpeg", "mpga", "oga", "ogg", "wav", "webm", "mov"}

// Matcher finds links of one style. Group 1 of its pattern is the link target.
type Matcher struct {
	Name    string
	pattern *regexp.Regexp
	escaped bool // target is URL-escaped (markdown links)
}

func wikiMatcher(name, ext string) Matcher {
	return Matcher{
		Name:    name,
		pattern: regexp.MustCompile(`(?i)!?\[\[([^\[\]|#\n]+?\.(?:` + ext + `))(?:[#|][^\[\]\n]*)?\]\]`),
	}
}

func markdownMatcher(name, ext string) Matcher {
	return Matcher{
		Name:    name,
		pattern: regexp.MustCompile(`(?i)!?\[[^\[\]\n]*\]\(<?([^()<>\n]+?\.(?:` + ext + `))>?(?:#[^()\n]*)?\)`),
		escaped: true,
	}
}

// PDFMatchers match wiki and markdown links to PDF files.
func PDFMatchers() []Matcher {
	return []Matcher{wikiMatcher("pdf-wiki", "pdf"), markdownMatcher("pdf-markdown", "pdf")}
}

// AudioMatchers match wiki and markdown links to supported audio files.
func AudioMatchers() []Matcher {
	ext := strings.Join(AudioExtensions, "|")
	return []Matcher{wikiMatcher("audio-wiki", ext), markdownMatcher("audio-markdown", ext)}
}

// Match is one link found in the document.
type Match struct {
	Start  int
	Target string
	Style  string
}

// FindAll returns every link any matcher finds in text, in offset order.
func FindAll(text string, matchers ...Matcher) []Match {
	var matches []Match
	for _, m := range matchers {
		for _, loc := range m.pattern.FindAllStringSubmatchIndex(text, -1) {
			target := strings.TrimSpace(text[loc[2]:loc[3]])
			if m.escaped {
				if unescaped, err := url.PathUnescape(target); err == nil {
					target = unescaped
				}
			}
			matches = append(matches, Match{Start: loc[0], Target: target, Style: m.Name})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Start < matches[j].Start })
	return matches
}

// Nearest returns the link whose start offset is closest to cursor. Ties go
// to the earlier link.
func Nearest(text string, cursor int, matchers ...Matcher) (Match, error) {
	matches := FindAll(text, matchers...)
	if len(matches) == 0 {
		return Match{}, apperr.ErrNoLinkFound
	}
	best := matches[0]
	bestDist := distance(best.Start, cursor)
	for _, m := range matches[1:] {
		if d := distance(m.Start, cursor); d < bestDist {
			best, bestDist = m, d
		}
	}
	return best, nil
}

func distance(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}

// AttachmentDir returns the vault folder that attachments for docPath live
// in, given the attachment folder setting:
//
//	"" or "/"   vault root
//	"./"        the document's folder
//	"./name"    folder name under the document's folder
//	"name"      folder name under the vault root
func AttachmentDir(folder, docPath string) string {
	folder = strings.TrimSpace(folder)
	docDir := path.Dir(docPath)
	if docDir == "." || docDir == "/" {
		docDir = ""
	}
	switch {
	case folder == "" || folder == "/":
		return ""
	case folder == "." || folder == "./":
		return docDir
	case strings.HasPrefix(folder, "./"):
		return strings.Trim(path.Join(docDir, strings.TrimPrefix(folder, "./")), "/")
	default:
		return strings.Trim(path.Clean(folder), "/")
	}
}

// Resolver maps links to files in a vault.
type Resolver struct {
	Store            vault.Store
	AttachmentFolder string
}

// Resolve finds the link nearest to cursor in text and returns the vault
// path of the file it points to.
func (r *Resolver) Resolve(docPath, text string, cursor int, matchers ...Matcher) (string, error) {
	if docPath == "" {
		return "", apperr.ErrNoActiveDocument
	}
	m, err := Nearest(text, cursor, matchers...)
	if err != nil {
		return "", err
	}
	log.Debug("resolve: nearest %s link %q at offset %d (cursor %d)", m.Style, m.Target, m.Start, cursor)
	return r.Locate(docPath, m.Target)
}

// Locate maps one link target to an existing vault path. When the expected
// location is missing, the first file in the vault with the same name wins.
func (r *Resolver) Locate(docPath, link string) (string, error) {
	candidate := link
	if dir := AttachmentDir(r.AttachmentFolder, docPath); dir != "" && !strings.Contains(link, "/") {
		candidate = path.Join(dir, link)
	}
	if cleaned, err := vault.Clean(candidate); err == nil && r.Store.Exists(cleaned) {
		return cleaned, nil
	}
	if found, ok := vault.FindByName(r.Store, link); ok {
		log.Debug("resolve: %q not at %q, found by name at %q", link, candidate, found)
		return found, nil
	}
	return "", fmt.Errorf("%w: %s", apperr.ErrFileNotFound, link)
}
