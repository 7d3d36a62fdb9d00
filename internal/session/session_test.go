package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/youruser/quill/internal/apperr"
	"github.com/youruser/quill/internal/config"
	"github.com/youruser/quill/internal/document"
	"github.com/youruser/quill/internal/llm"
	"github.com/youruser/quill/internal/vault"
)

type staticSettings struct{ s config.Settings }

func (f staticSettings) Get() config.Settings { return f.s }

// fakeAPI serves the chat, image, transcription, search and optimizer endpoints.
type fakeAPI struct {
	srv      *httptest.Server
	hits     int32
	searches int32
	enhances int32

	mu       sync.Mutex
	requests []llm.ChatRequest

	fragments []string
	noDone    bool
	block     chan struct{} // when set, chat requests wait on it
	entered   chan struct{}
	pause     time.Duration // between the first fragment and the rest
	slowness  time.Duration // before the optimizer answers
}

func newFakeAPI(t *testing.T, fragments ...string) *fakeAPI {
	t.Helper()
	f := &fakeAPI{fragments: fragments}
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.hits, 1)
		var req llm.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode chat request: %v", err)
		}
		f.mu.Lock()
		f.requests = append(f.requests, req)
		f.mu.Unlock()

		if f.block != nil {
			f.entered <- struct{}{}
			<-f.block
		}
		for i, frag := range f.fragments {
			if i == 1 && f.pause > 0 {
				w.(http.Flusher).Flush()
				time.Sleep(f.pause)
			}
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", frag)
		}
		if !f.noDone {
			fmt.Fprint(w, "data: [DONE]\n\n")
		}
	})
	mux.HandleFunc("/images/generations", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.hits, 1)
		fmt.Fprintf(w, `{"data":[{"b64_json":%q}]}`, base64.StdEncoding.EncodeToString([]byte("png")))
	})
	mux.HandleFunc("/audio/transcriptions", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.hits, 1)
		fmt.Fprint(w, `{"text":"  meeting notes  "}`)
	})
	mux.HandleFunc("/v7.0/search", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.searches, 1)
		fmt.Fprint(w, `{"webPages":{"value":[{"name":"Sky","url":"https://sky.example","snippet":"It is blue"}]}}`)
	})
	mux.HandleFunc("/optimize", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.enhances, 1)
		select {
		case <-r.Context().Done():
			return
		case <-time.After(f.slowness):
		}
		fmt.Fprint(w, `{"result":{"promptOptimized":"improved prompt"}}`)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) settings() config.Settings {
	s := config.Defaults()
	s.BaseURL = f.srv.URL
	s.APIKey = "sk-test"
	s.SearchBaseURL = f.srv.URL
	s.SearchAPIKey = "search-key"
	s.EnhanceURL = f.srv.URL + "/optimize"
	s.EnhanceAPIKey = "pp-key"
	return s
}

func (f *fakeAPI) lastRequest(t *testing.T) llm.ChatRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("no chat request was made")
	}
	return f.requests[len(f.requests)-1]
}

type notices struct {
	mu   sync.Mutex
	msgs []string
}

func (n *notices) Notify(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *notices) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

type fakePages struct{ pages []string }

func (f fakePages) Pages([]byte) ([]string, error) { return f.pages, nil }

func newController(t *testing.T, s config.Settings, files map[string]string) (*Controller, *notices) {
	t.Helper()
	fs := afero.NewMemMapFs()
	for name, data := range files {
		if err := afero.WriteFile(fs, "/"+name, []byte(data), 0644); err != nil {
			t.Fatal(err)
		}
	}
	n := &notices{}
	return NewController(staticSettings{s}, vault.NewFS(fs), n), n
}

func TestRunStreamsIntoDocument(t *testing.T) {
	api := newFakeAPI(t, "The", " sky\nis", " blue.")
	c, n := newController(t, api.settings(), nil)
	buf := document.NewLines([]string{"Summarize this"})

	if err := c.Run(context.Background(), Invocation{Mode: ModeLine, DocPath: "note.md", Buffer: buf}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"Summarize this", "", "The sky", "is blue.", ""}
	if got := buf.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("document = %q, want %q", got, want)
	}
	if got := buf.Cursor(); got != (document.Position{Line: 3, Col: len("is blue.")}) {
		t.Errorf("cursor = %+v", got)
	}
	if got := n.all(); !reflect.DeepEqual(got, []string{StatusGenerating, StatusDone}) {
		t.Errorf("notices = %q", got)
	}

	req := api.lastRequest(t)
	if len(req.Messages) != 1 || req.Messages[0].Content != "Summarize this" || !req.Stream {
		t.Errorf("request = %+v", req)
	}
}

func TestRunIsSingleFlight(t *testing.T) {
	api := newFakeAPI(t, "first")
	api.block = make(chan struct{})
	api.entered = make(chan struct{}, 1)
	c, n := newController(t, api.settings(), nil)

	first := document.NewLines([]string{"one"})
	done := make(chan error, 1)
	go func() {
		done <- c.Run(context.Background(), Invocation{Mode: ModeLine, Buffer: first})
	}()
	<-api.entered

	if !c.Busy() {
		t.Error("controller should report busy while streaming")
	}
	second := document.NewLines([]string{"two"})
	err := c.Run(context.Background(), Invocation{Mode: ModeLine, Buffer: second})
	if !errors.Is(err, apperr.ErrAlreadyInProgress) {
		t.Errorf("second Run err = %v, want ErrAlreadyInProgress", err)
	}
	if got := second.Snapshot(); !reflect.DeepEqual(got, []string{"two"}) {
		t.Errorf("rejected run changed its document: %q", got)
	}

	close(api.block)
	if err := <-done; err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if n := atomic.LoadInt32(&api.hits); n != 1 {
		t.Errorf("server saw %d requests, want 1", n)
	}
	if !strings.Contains(strings.Join(n.all(), "|"), apperr.Message(apperr.ErrAlreadyInProgress)) {
		t.Errorf("no busy notice in %q", n.all())
	}

	// The guard is free again.
	if err := c.Run(context.Background(), Invocation{Mode: ModeLine, Buffer: second}); err != nil {
		t.Errorf("Run after completion: %v", err)
	}
}

func TestMissingCredentialMakesNoRequest(t *testing.T) {
	tests := []struct {
		name  string
		mode  Mode
		edit  func(*config.Settings)
		files map[string]string
	}{
		{"text", ModeLine, func(s *config.Settings) { s.APIKey = "" }, nil},
		{"search", ModeLine, func(s *config.Settings) { s.SearchEnabled = true; s.SearchAPIKey = "" }, nil},
		{"image", ModeImage, func(s *config.Settings) { s.APIKey = "" }, nil},
		{"text with search", ModeLine, func(s *config.Settings) { s.SearchEnabled = true; s.APIKey = "" }, nil},
		{"text with enhance", ModeLine, func(s *config.Settings) { s.EnhanceEnabled = true; s.APIKey = "" }, nil},
		{"image with enhance", ModeImage, func(s *config.Settings) { s.EnhanceEnabled = true; s.APIKey = "" }, nil},
		{"transcribe", ModeTranscribe, func(s *config.Settings) { s.APIKey = "" }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI(t, "x")
			s := api.settings()
			tt.edit(&s)
			c, _ := newController(t, s, tt.files)
			buf := document.NewLines([]string{"a prompt"})

			err := c.Run(context.Background(), Invocation{Mode: tt.mode, Prompt: "a prompt", Buffer: buf})
			if !errors.Is(err, apperr.ErrMissingCredential) {
				t.Errorf("err = %v, want ErrMissingCredential", err)
			}
			hits, searches, enhances := atomic.LoadInt32(&api.hits), atomic.LoadInt32(&api.searches), atomic.LoadInt32(&api.enhances)
			if hits != 0 || searches != 0 || enhances != 0 {
				t.Errorf("requests made: api %d, search %d, enhance %d", hits, searches, enhances)
			}
			if got := buf.Snapshot(); !reflect.DeepEqual(got, []string{"a prompt"}) {
				t.Errorf("document changed: %q", got)
			}
		})
	}
}

func TestEnhancedPrompt(t *testing.T) {
	api := newFakeAPI(t, "ok")
	s := api.settings()
	s.EnhanceEnabled = true
	c, _ := newController(t, s, nil)

	if err := c.Run(context.Background(), Invocation{Mode: ModePrompt, Prompt: "poem", Buffer: document.NewLines(nil)}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := api.lastRequest(t).Messages[0].Content; got != "improved prompt" {
		t.Errorf("prompt = %q", got)
	}
}

func TestSlowEnhancerFallsBackToOriginal(t *testing.T) {
	api := newFakeAPI(t, "An", " answer")
	api.slowness = 3 * time.Second
	s := api.settings()
	s.EnhanceEnabled = true
	s.RequestTimeoutSeconds = 1
	c, _ := newController(t, s, nil)
	buf := document.NewLines([]string{"original prompt"})

	if err := c.Run(context.Background(), Invocation{Mode: ModeLine, Buffer: buf}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := api.lastRequest(t).Messages[0].Content; got != "original prompt" {
		t.Errorf("prompt = %q, want the unenhanced line", got)
	}
	want := []string{"original prompt", "", "An answer", ""}
	if got := buf.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("document = %q, want %q", got, want)
	}
}

func TestLongStreamOutlivesRequestTimeout(t *testing.T) {
	api := newFakeAPI(t, "slow", " but", " complete")
	api.pause = 1500 * time.Millisecond
	s := api.settings()
	s.RequestTimeoutSeconds = 1
	c, _ := newController(t, s, nil)
	buf := document.NewLines([]string{"tell a long story"})

	if err := c.Run(context.Background(), Invocation{Mode: ModeLine, Buffer: buf}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := buf.Line(2); got != "slow but complete" {
		t.Errorf("line = %q", got)
	}
}

func TestCursorOutsideDocument(t *testing.T) {
	api := newFakeAPI(t, "x")
	c, _ := newController(t, api.settings(), nil)

	for _, mode := range []Mode{ModeLine, ModeImage, ModeTranscribe} {
		buf := document.NewLines([]string{"only line"})
		buf.SetCursor(document.Position{Line: 5})
		err := c.Run(context.Background(), Invocation{Mode: mode, Prompt: "p", Buffer: buf})
		if !errors.Is(err, apperr.ErrInvalidInput) {
			t.Errorf("%s: err = %v, want ErrInvalidInput", mode, err)
		}
		if got := buf.Snapshot(); !reflect.DeepEqual(got, []string{"only line"}) {
			t.Errorf("%s: document changed: %q", mode, got)
		}
	}
	if n := atomic.LoadInt32(&api.hits); n != 0 {
		t.Errorf("server saw %d requests", n)
	}
}

func TestPDFContextWinsOverSearch(t *testing.T) {
	api := newFakeAPI(t, "Answer")
	s := api.settings()
	s.SearchEnabled = true
	c, _ := newController(t, s, map[string]string{"papers/study.pdf": "%PDF-1.4"})
	c.SetPageExtractor(fakePages{[]string{"Results  were\nsignificant."}})

	buf := document.NewLines([]string{"Reading ![[study.pdf]] today", ""})
	err := c.Run(context.Background(), Invocation{Mode: ModePDF, Prompt: "Summarize this document", DocPath: "papers/notes.md", Buffer: buf})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := atomic.LoadInt32(&api.searches); n != 0 {
		t.Errorf("search called %d times with a PDF present", n)
	}

	req := api.lastRequest(t)
	if len(req.Messages) != 2 || req.Messages[0].Role != llm.RoleSystem {
		t.Fatalf("messages = %+v", req.Messages)
	}
	if !strings.Contains(req.Messages[0].Content, "Page 1: Results were significant.\n") {
		t.Errorf("system message = %q", req.Messages[0].Content)
	}
	if req.Messages[1].Content != "Summarize this document" {
		t.Errorf("user message = %q", req.Messages[1].Content)
	}
}

func TestSearchContext(t *testing.T) {
	api := newFakeAPI(t, "Because of scattering.")
	s := api.settings()
	s.SearchEnabled = true
	c, _ := newController(t, s, nil)

	buf := document.NewLines([]string{"why is the sky blue"})
	if err := c.Run(context.Background(), Invocation{Mode: ModeLine, Buffer: buf}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := atomic.LoadInt32(&api.searches); n != 1 {
		t.Errorf("searches = %d, want 1", n)
	}
	req := api.lastRequest(t)
	if len(req.Messages) != 2 || !strings.Contains(req.Messages[0].Content, "https://sky.example") {
		t.Errorf("messages = %+v", req.Messages)
	}
}

func TestPDFModeWithoutLink(t *testing.T) {
	api := newFakeAPI(t, "x")
	c, n := newController(t, api.settings(), nil)
	buf := document.NewLines([]string{"no links here"})

	err := c.Run(context.Background(), Invocation{Mode: ModePDF, Prompt: "Summarize", DocPath: "a.md", Buffer: buf})
	if !errors.Is(err, apperr.ErrNoLinkFound) {
		t.Errorf("err = %v, want ErrNoLinkFound", err)
	}
	if msgs := n.all(); msgs[len(msgs)-1] != apperr.Message(err) {
		t.Errorf("last notice = %q", msgs[len(msgs)-1])
	}
}

func TestStreamFailureKeepsPartialText(t *testing.T) {
	api := newFakeAPI(t, "Partial", " answer\nsecond")
	api.noDone = true
	c, _ := newController(t, api.settings(), nil)
	buf := document.NewLines([]string{"question"})

	err := c.Run(context.Background(), Invocation{Mode: ModeLine, Buffer: buf})
	if !errors.Is(err, apperr.ErrUnexpectedResponse) {
		t.Fatalf("err = %v, want ErrUnexpectedResponse", err)
	}
	want := []string{"question", "", "Partial answer", "second"}
	if got := buf.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("document = %q, want %q", got, want)
	}
}

func TestSelectionPromptCarriesSuffix(t *testing.T) {
	api := newFakeAPI(t, "Bonjour")
	c, _ := newController(t, api.settings(), nil)
	buf := document.NewLines([]string{"Hello world", "next"})
	buf.Select(document.Selection{From: document.Position{Line: 0, Col: 0}, To: document.Position{Line: 0, Col: 11}})

	if err := c.Run(context.Background(), Invocation{Mode: ModeSelection, Suffix: "Translate to French", Buffer: buf}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := api.lastRequest(t).Messages[0].Content; got != "Hello world\n\nTranslate to French" {
		t.Errorf("prompt = %q", got)
	}
}

func TestImageInline(t *testing.T) {
	api := newFakeAPI(t)
	s := api.settings()
	s.ImageSaveMode = config.SaveInline
	c, _ := newController(t, s, nil)
	buf := document.NewLines([]string{"a fox"})

	if err := c.Run(context.Background(), Invocation{Mode: ModeImage, Prompt: "a fox", Buffer: buf}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"a fox", "", "![](data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("png")) + ")", ""}
	if got := buf.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("document = %q", got)
	}
}

func TestImageAttachment(t *testing.T) {
	api := newFakeAPI(t)
	s := api.settings()
	s.AttachmentFolder = "./assets"
	c, _ := newController(t, s, nil)
	buf := document.NewLines([]string{"a fox"})

	if err := c.Run(context.Background(), Invocation{Mode: ModeImage, Prompt: "a fox", DocPath: "notes/fox.md", Buffer: buf}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	embed := buf.Line(2)
	if !strings.HasPrefix(embed, "![[notes/assets/") || !strings.HasSuffix(embed, ".png]]") {
		t.Fatalf("embed = %q", embed)
	}
	if !c.vault.Exists(strings.TrimSuffix(strings.TrimPrefix(embed, "![["), "]]")) {
		t.Error("image file was not written")
	}
}

func TestTranscribe(t *testing.T) {
	api := newFakeAPI(t)
	wav := "RIFF\x24\x00\x00\x00WAVEfmt " + strings.Repeat("\x00", 64)
	c, _ := newController(t, api.settings(), map[string]string{"audio/memo.wav": wav})
	buf := document.NewLines([]string{"Standup [memo](audio/memo.wav)", "", "later"})

	if err := c.Run(context.Background(), Invocation{Mode: ModeTranscribe, DocPath: "daily.md", Buffer: buf}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"Standup [memo](audio/memo.wav)", "", "meeting notes", "", "later"}
	if got := buf.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("document = %q, want %q", got, want)
	}
}

func TestRunRejectsBadInvocations(t *testing.T) {
	api := newFakeAPI(t, "x")
	c, _ := newController(t, api.settings(), nil)

	if err := c.Run(context.Background(), Invocation{Mode: ModeLine}); !errors.Is(err, apperr.ErrNoActiveDocument) {
		t.Errorf("nil buffer err = %v", err)
	}
	if err := c.Run(context.Background(), Invocation{Mode: "poem", Buffer: document.NewLines(nil)}); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("unknown mode err = %v", err)
	}
	if err := c.Run(context.Background(), Invocation{Mode: ModeLine, Buffer: document.NewLines([]string{"   "})}); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("blank line err = %v", err)
	}
	if n := atomic.LoadInt32(&api.hits); n != 0 {
		t.Errorf("server saw %d requests", n)
	}
}

func TestGuard(t *testing.T) {
	g := NewGuard()
	release, err := g.TryAcquire()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.TryAcquire(); !errors.Is(err, apperr.ErrAlreadyInProgress) {
		t.Errorf("second acquire err = %v", err)
	}
	release()
	release()
	if g.Busy() {
		t.Error("guard still busy after release")
	}

	func() {
		defer func() { _ = recover() }()
		release, _ := g.TryAcquire()
		defer release()
		panic("boom")
	}()
	if g.Busy() {
		t.Error("guard not released after panic")
	}
}
