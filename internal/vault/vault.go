// Package vault is the attachment storage the extension reads PDFs and audio
// from and writes generated images to. Paths are slash-separated and
// relative to the vault root.
package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/youruser/quill/internal/apperr"
)

// Path validation errors.
var (
	ErrPathEscape  = errors.New("path escapes vault root")
	ErrInvalidPath = errors.New("invalid path")
)

// Store is the storage surface the pipeline consumes.
type Store interface {
	ReadFile(name string) ([]byte, error)
	Exists(name string) bool
	CreateBinary(name string, data []byte) error
	CreateFolder(name string) error
	ListFiles() ([]string, error)
	AvailablePath(base, ext string) (string, error)
}

// FS implements Store on an afero file system rooted at the vault.
type FS struct {
	fs afero.Fs
}

// NewFS returns a Store over fs. fs is expected to be rooted at the vault
// (for example afero.NewBasePathFs or an in-memory fs in tests).
func NewFS(fs afero.Fs) *FS {
	return &FS{fs: fs}
}

// Open returns a Store rooted at dir on the local disk.
func Open(dir string) (*FS, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault root %s is not a directory", dir)
	}
	return NewFS(afero.NewBasePathFs(afero.NewOsFs(), dir)), nil
}

// Clean normalizes a vault-relative path and rejects anything that would
// leave the vault root. Note: "..." or "..foo" are valid names, not traversals.
func Clean(name string) (string, error) {
	if name == "" || strings.ContainsRune(name, '\x00') {
		return "", ErrInvalidPath
	}
	cleaned := path.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
	rel := strings.TrimPrefix(cleaned, "/")
	if rel == "" {
		return "", ErrInvalidPath
	}
	// path.Clean on a rooted path already drops leading "..", so compare the
	// raw segments to catch escapes instead of silently clamping them.
	depth := 0
	for _, seg := range strings.Split(strings.ReplaceAll(name, "\\", "/"), "/") {
		switch seg {
		case "", ".":
		case "..":
			depth--
			if depth < 0 {
				return "", ErrPathEscape
			}
		default:
			depth++
		}
	}
	return rel, nil
}

// rooted maps a vault path onto the afero fs, which is always addressed from "/".
func rooted(name string) (string, error) {
	p, err := Clean(name)
	if err != nil {
		return "", err
	}
	return "/" + p, nil
}

func (v *FS) ReadFile(name string) ([]byte, error) {
	p, err := rooted(name)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(v.fs, p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", apperr.ErrFileNotFound, name)
	}
	return data, err
}

func (v *FS) Exists(name string) bool {
	p, err := rooted(name)
	if err != nil {
		return false
	}
	info, err := v.fs.Stat(p)
	return err == nil && !info.IsDir()
}

// CreateBinary writes data to a new file. It fails if the file exists.
func (v *FS) CreateBinary(name string, data []byte) error {
	p, err := rooted(name)
	if err != nil {
		return err
	}
	if _, err := v.fs.Stat(p); err == nil {
		return fmt.Errorf("%w: %s", fs.ErrExist, name)
	}
	if dir := path.Dir(p); dir != "/" {
		if err := v.fs.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return afero.WriteFile(v.fs, p, data, 0644)
}

func (v *FS) CreateFolder(name string) error {
	p, err := rooted(name)
	if err != nil {
		return err
	}
	return v.fs.MkdirAll(p, 0755)
}

// ListFiles returns every file in the vault in lexical order.
func (v *FS) ListFiles() ([]string, error) {
	var files []string
	err := afero.Walk(v.fs, "/", func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if p != "/" && strings.HasPrefix(info.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		files = append(files, strings.TrimPrefix(filepath.ToSlash(p), "/"))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// AvailablePath returns base+ext, or base-N+ext for the first N that does
// not exist yet.
func (v *FS) AvailablePath(base, ext string) (string, error) {
	if _, err := Clean(base + ext); err != nil {
		return "", err
	}
	candidate := base + ext
	for n := 1; v.exists(candidate); n++ {
		candidate = fmt.Sprintf("%s-%d%s", base, n, ext)
	}
	return strings.TrimPrefix(path.Clean("/"+candidate), "/"), nil
}

func (v *FS) exists(name string) bool {
	p, err := rooted(name)
	if err != nil {
		return false
	}
	_, err = v.fs.Stat(p)
	return err == nil
}

// FindByName returns the first file in lexical order whose base name is name.
func FindByName(s Store, name string) (string, bool) {
	files, err := s.ListFiles()
	if err != nil {
		return "", false
	}
	want := path.Base(name)
	for _, f := range files {
		if path.Base(f) == want {
			return f, true
		}
	}
	return "", false
}
