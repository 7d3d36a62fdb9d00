// Package logging writes quill's debug log. Logging is off unless QUILL_DEBUG
// is set or ~/.quill/debug exists; errors always reach stderr.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Direction of a protocol line relative to quill.
type Direction string

const (
	Inbound  Direction = "<-"
	Outbound Direction = "->"
)

// Document-carrying messages are clipped harder so buffers don't flood the log.
const (
	traceLimit    = 500
	documentLimit = 120
)

var documentKinds = map[string]bool{
	"generate":    true,
	"run_command": true,
	"edit":        true,
	"done":        true,
}

// Logger handles debug logging to file and stderr.
type Logger struct {
	mu      sync.Mutex
	out     io.Writer
	file    *os.File
	enabled bool
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Get returns the process logger, initializing it on first use.
func Get() *Logger {
	once.Do(func() {
		defaultLogger = &Logger{}
		defaultLogger.init()
	})
	return defaultLogger
}

// New returns a logger that writes every level to w.
func New(w io.Writer) *Logger {
	return &Logger{out: w, enabled: true}
}

func (l *Logger) init() {
	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "quill log: no home dir: %v\n", err)
		return
	}
	reason := ""
	switch {
	case os.Getenv("QUILL_DEBUG") == "1":
		reason = "QUILL_DEBUG=1"
	case exists(filepath.Join(home, ".quill", "debug")):
		reason = "~/.quill/debug"
	default:
		return
	}
	l.enabled = true

	dir := filepath.Join(home, ".quill", "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "quill log: create %s: %v\n", dir, err)
		return
	}
	path := filepath.Join(dir, "quill-"+time.Now().Format("2006-01-02_15-04-05")+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "quill log: open %s: %v\n", path, err)
		return
	}
	l.file = file
	l.out = file
	l.logf("INFO", "logging to %s (%s, pid %d)", path, reason, os.Getpid())
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Enabled reports whether debug logging is on.
func (l *Logger) Enabled() bool {
	return l.enabled
}

func (l *Logger) logf(level, format string, args ...any) {
	if l.out == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "%s %-5s %s\n", time.Now().Format("15:04:05.000"), level, msg)
}

func (l *Logger) Debug(format string, args ...any) {
	if l.enabled {
		l.logf("DEBUG", format, args...)
	}
}

func (l *Logger) Info(format string, args ...any) {
	if l.enabled {
		l.logf("INFO", format, args...)
	}
}

func (l *Logger) Warn(format string, args ...any) {
	if l.enabled {
		l.logf("WARN", format, args...)
	}
}

// Error logs to the debug log and, unless the log already is stderr, to stderr.
func (l *Logger) Error(format string, args ...any) {
	if l.file != nil || l.out == nil {
		fmt.Fprintf(os.Stderr, "quill error: %s\n", fmt.Sprintf(format, args...))
	}
	if l.enabled {
		l.logf("ERROR", format, args...)
	}
}

// Traffic logs one protocol line exchanged with the editor, tagged with its
// request id and message kind.
func (l *Logger) Traffic(dir Direction, id, kind string, raw []byte) {
	if !l.enabled {
		return
	}
	limit := traceLimit
	if documentKinds[kind] {
		limit = documentLimit
	}
	if id == "" {
		id = "-"
	}
	l.logf("PROTO", "%s %s %s %s", dir, id, kind, clip(raw, limit))
}

// Close closes the log file.
func (l *Logger) Close() {
	if l.file != nil {
		l.file.Close()
	}
}

// clip keeps the first max bytes of a single-line message and notes how many
// were dropped. Cuts never split a UTF-8 sequence.
func clip(raw []byte, max int) string {
	s := strings.TrimRight(string(raw), "\r\n")
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && cut < len(s) && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return fmt.Sprintf("%s... (+%d bytes)", s[:cut], len(s)-cut)
}
