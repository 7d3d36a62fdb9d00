package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"

	"github.com/spf13/cobra"

	"github.com/youruser/quill/internal/apperr"
	"github.com/youruser/quill/internal/config"
	"github.com/youruser/quill/internal/document"
	"github.com/youruser/quill/internal/llm"
	"github.com/youruser/quill/internal/logging"
	"github.com/youruser/quill/internal/session"
)

// maxRequestSize bounds one request line; documents travel inline.
const maxRequestSize = 16 * 1024 * 1024

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Speak the line-delimited JSON protocol on stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.open(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return newServer(a, cmd.OutOrStdout()).serve(cmd.InOrStdin())
		},
	}
}

// server answers one request per input line. Generations run in the
// background; everything else is answered inline.
type server struct {
	app       *app
	out       io.Writer
	respondMu sync.Mutex
	wg        sync.WaitGroup
}

func newServer(a *app, out io.Writer) *server {
	return &server{app: a, out: out}
}

func (s *server) serve(in io.Reader) error {
	defer s.wg.Wait()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestSize)
	for scanner.Scan() {
		if stop := s.handleRequest(scanner.Text()); stop {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			s.respond("", map[string]any{
				"type":    "error",
				"message": "Request too large (max 16MB). Send a smaller document.",
			})
		}
		return fmt.Errorf("stdin: %w", err)
	}
	return nil
}

// docRequest carries the document fields of generate and run_command.
type docRequest struct {
	ID        string              `json:"id"`
	Mode      string              `json:"mode"`
	Prompt    string              `json:"prompt"`
	Suffix    string              `json:"suffix"`
	Path      string              `json:"path"`
	Lines     []string            `json:"lines"`
	Cursor    document.Position   `json:"cursor"`
	Selection *document.Selection `json:"selection"`
}

func (s *server) handleRequest(line string) (stop bool) {
	var req map[string]any
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		log.Error("Invalid JSON request: %s", line)
		s.respond("", map[string]any{"type": "error", "message": "Invalid JSON"})
		return false
	}

	action, _ := req["action"].(string)
	reqID := requestID(req)
	log.Traffic(logging.Inbound, reqID, action, []byte(line))

	switch action {
	case "ping":
		s.respond(reqID, map[string]any{"type": "ok"})

	case "version":
		s.respond(reqID, map[string]any{"type": "version", "version": versionString()})

	case "generate", "run_command":
		var d docRequest
		if err := json.Unmarshal([]byte(line), &d); err != nil {
			s.respond(reqID, map[string]any{"type": "error", "message": "Invalid document: " + err.Error()})
			return false
		}
		inv, buf, err := s.invocation(action, d)
		if err != nil {
			s.respond(reqID, errorResponse(err))
			return false
		}
		s.generate(reqID, inv, buf)

	case "commands":
		s.respond(reqID, map[string]any{"type": "commands", "commands": s.app.commands.List()})

	case "settings_get":
		s.respond(reqID, map[string]any{"type": "settings", "settings": redacted(s.app.store.Get())})

	case "settings_set":
		key, _ := req["key"].(string)
		value, _ := req["value"].(string)
		if key == "" {
			s.respond(reqID, map[string]any{"type": "error", "message": "Missing required field: key"})
			return false
		}
		if err := s.app.store.Set(key, value); err != nil {
			s.respond(reqID, errorResponse(err))
			return false
		}
		s.respond(reqID, map[string]any{"type": "settings", "settings": redacted(s.app.store.Get())})

	case "estimate_tokens":
		text, _ := req["text"].(string)
		s.respond(reqID, map[string]any{
			"type":   "token_estimate",
			"tokens": llm.EstimateTokensSimple(text),
			"limit":  s.app.store.Get().MaxPromptTokens,
		})

	case "shutdown":
		s.respond(reqID, map[string]any{"type": "ok"})
		return true

	default:
		s.respond(reqID, map[string]any{"type": "error", "message": fmt.Sprintf("Unknown action: %s", action)})
	}
	return false
}

// invocation builds the run a generate or run_command request asks for.
// Edits and notices are streamed back as they happen.
func (s *server) invocation(action string, d docRequest) (session.Invocation, *document.Lines, error) {
	buf := document.NewLines(d.Lines)
	if !document.Contains(buf, d.Cursor) {
		return session.Invocation{}, nil, fmt.Errorf("%w: cursor %d:%d is outside the document (%d lines)",
			apperr.ErrInvalidInput, d.Cursor.Line, d.Cursor.Col, buf.LineCount())
	}
	buf.SetCursor(d.Cursor)
	if d.Selection != nil {
		buf.Select(*d.Selection)
	}

	if action == "run_command" {
		desc, ok := s.app.commands.Find(d.ID)
		if !ok {
			return session.Invocation{}, nil, fmt.Errorf("%w: unknown command %q", apperr.ErrInvalidInput, d.ID)
		}
		return desc.Invocation(d.Path, buf, d.Prompt), buf, nil
	}

	mode := session.Mode(d.Mode)
	if mode == "" {
		mode = session.ModePrompt
	}
	if !mode.Valid() {
		return session.Invocation{}, nil, fmt.Errorf("%w: unknown mode %q", apperr.ErrInvalidInput, d.Mode)
	}
	return session.Invocation{Mode: mode, Prompt: d.Prompt, Suffix: d.Suffix, DocPath: d.Path, Buffer: buf}, buf, nil
}

func (s *server) generate(reqID string, inv session.Invocation, lines *document.Lines) {
	inv.Buffer = document.NewRecorder(lines, func(e document.Edit) {
		s.respond(reqID, map[string]any{"type": "edit", "edit": e})
	})
	inv.Notifier = session.NotifyFunc(func(msg string) {
		s.respond(reqID, map[string]any{"type": "notice", "message": msg})
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error("generation %s panicked: %v\n%s", reqID, r, debug.Stack())
				s.respond(reqID, map[string]any{"type": "error", "message": fmt.Sprintf("Internal error: %v", r)})
			}
		}()
		if err := s.app.ctrl.Run(context.Background(), inv); err != nil {
			s.respond(reqID, errorResponse(err))
			return
		}
		s.respond(reqID, map[string]any{
			"type":   "done",
			"lines":  lines.Snapshot(),
			"cursor": lines.Cursor(),
		})
	}()
}

// redacted returns the settings with credentials masked.
func redacted(st config.Settings) config.Settings {
	for _, key := range []*string{&st.APIKey, &st.SearchAPIKey, &st.EnhanceAPIKey} {
		if *key != "" {
			*key = "********"
		}
	}
	return st
}

func errorResponse(err error) map[string]any {
	var msg string
	switch {
	case errors.Is(err, config.ErrNoConfig):
		msg = "Settings file not found"
	case errors.Is(err, config.ErrUnknownKey):
		msg = err.Error()
	default:
		msg = apperr.Message(err)
	}
	resp := map[string]any{"type": "error", "message": msg}
	if errors.Is(err, apperr.ErrAlreadyInProgress) {
		resp["busy"] = true
	}
	return resp
}

func (s *server) respond(reqID string, data map[string]any) {
	out, _ := json.Marshal(addResponseID(reqID, data))
	msgType, _ := data["type"].(string)
	s.respondMu.Lock()
	defer s.respondMu.Unlock()
	log.Traffic(logging.Outbound, reqID, msgType, out)
	fmt.Fprintln(s.out, string(out))
}

func addResponseID(reqID string, data map[string]any) map[string]any {
	if reqID == "" {
		return data
	}
	data["request_id"] = reqID
	return data
}

func requestID(req map[string]any) string {
	switch v := req["request_id"].(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		return ""
	}
}
