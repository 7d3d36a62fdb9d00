// Package session runs one generation from invocation to written document,
// one at a time.
package session

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/youruser/quill/internal/apperr"
	"github.com/youruser/quill/internal/config"
	"github.com/youruser/quill/internal/document"
	"github.com/youruser/quill/internal/enhance"
	"github.com/youruser/quill/internal/llm"
	"github.com/youruser/quill/internal/logging"
	"github.com/youruser/quill/internal/media"
	"github.com/youruser/quill/internal/promptctx"
	"github.com/youruser/quill/internal/resolve"
	"github.com/youruser/quill/internal/search"
	"github.com/youruser/quill/internal/vault"
	"github.com/youruser/quill/internal/writer"
)

var log = logging.Get()

// Mode selects where the prompt and its context come from.
type Mode string

const (
	ModePrompt     Mode = "prompt"     // Prompt typed by the user
	ModeLine       Mode = "line"       // Text of the cursor line
	ModeSelection  Mode = "selection"  // Selected text followed by Suffix
	ModePDF        Mode = "pdf"        // Prompt answered from the nearest PDF link
	ModeImage      Mode = "image"      // Prompt rendered as an image
	ModeTranscribe Mode = "transcribe" // Transcript of the nearest audio link
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModePrompt, ModeLine, ModeSelection, ModePDF, ModeImage, ModeTranscribe:
		return true
	}
	return false
}

// Invocation is one user-triggered generation.
type Invocation struct {
	Mode    Mode
	Prompt  string
	Suffix  string
	DocPath string
	Buffer  document.Buffer
	// Notifier overrides the controller's notifier for this run.
	Notifier Notifier
}

// Status messages sent to the Notifier.
const (
	StatusGenerating = "Generating..."
	StatusDone       = "Done"
)

// Notifier shows transient status messages to the user.
type Notifier interface {
	Notify(msg string)
}

// NotifyFunc adapts a func to Notifier.
type NotifyFunc func(msg string)

func (f NotifyFunc) Notify(msg string) { f(msg) }

// Settings supplies the current settings; *config.Store satisfies it.
type Settings interface {
	Get() config.Settings
}

// Controller wires the pipeline stages together for each invocation.
// Clients are built per run from the current settings, so changes apply to
// the next invocation without a restart.
type Controller struct {
	guard    *Guard
	settings Settings
	vault    vault.Store
	notifier Notifier
	pages    promptctx.PageExtractor
	searches *search.Cache

	clientsMu sync.Mutex
	clients   map[time.Duration]*http.Client

	// HTTPClient is used by every outgoing request when set.
	HTTPClient *http.Client
}

// NewController creates a controller reading attachments from v.
func NewController(settings Settings, v vault.Store, n Notifier) *Controller {
	if n == nil {
		n = NotifyFunc(func(string) {})
	}
	return &Controller{
		guard:    NewGuard(),
		settings: settings,
		vault:    v,
		notifier: n,
		pages:    promptctx.PDFExtractor{},
		searches: search.NewCache(search.DefaultCacheTTL),
	}
}

// SetPageExtractor replaces the PDF text extractor.
func (c *Controller) SetPageExtractor(p promptctx.PageExtractor) {
	c.pages = p
}

// Busy reports whether a generation is running.
func (c *Controller) Busy() bool {
	return c.guard.Busy()
}

// Run executes inv. While another run is in progress it returns
// apperr.ErrAlreadyInProgress without touching the document. On a failure
// mid-stream the text written so far stays in the document.
func (c *Controller) Run(ctx context.Context, inv Invocation) error {
	notifier := c.notifier
	if inv.Notifier != nil {
		notifier = inv.Notifier
	}

	release, err := c.guard.TryAcquire()
	if err != nil {
		notifier.Notify(apperr.Message(err))
		return err
	}
	defer release()

	s := c.settings.Get()
	notifier.Notify(StatusGenerating)
	start := time.Now()
	if err := c.run(ctx, s, inv); err != nil {
		log.Error("%s generation failed after %s: %v", inv.Mode, time.Since(start).Round(time.Millisecond), err)
		notifier.Notify(apperr.Message(err))
		return err
	}
	log.Info("%s generation finished in %s", inv.Mode, time.Since(start).Round(time.Millisecond))
	notifier.Notify(StatusDone)
	return nil
}

func (c *Controller) run(ctx context.Context, s config.Settings, inv Invocation) error {
	if inv.Buffer == nil {
		return apperr.ErrNoActiveDocument
	}
	if !inv.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", apperr.ErrInvalidInput, inv.Mode)
	}
	if cur := inv.Buffer.Cursor(); !document.Contains(inv.Buffer, cur) {
		return fmt.Errorf("%w: cursor %d:%d is outside the document (%d lines)",
			apperr.ErrInvalidInput, cur.Line, cur.Col, inv.Buffer.LineCount())
	}
	// Checked before any search or enhancer request.
	if s.APIKey == "" {
		return fmt.Errorf("%w: api_key is not set", apperr.ErrMissingCredential)
	}

	switch inv.Mode {
	case ModeTranscribe:
		return c.transcribe(ctx, s, inv)
	case ModeImage:
		return c.image(ctx, s, inv)
	default:
		return c.text(ctx, s, inv)
	}
}

// promptFor returns the prompt text the invocation's mode selects.
func promptFor(inv Invocation) string {
	switch inv.Mode {
	case ModeLine:
		return strings.TrimSpace(inv.Buffer.Line(inv.Buffer.Cursor().Line))
	case ModeSelection:
		sel := strings.TrimSpace(inv.Buffer.Selection())
		if sel == "" || inv.Suffix == "" {
			return sel
		}
		return sel + "\n\n" + inv.Suffix
	}
	return strings.TrimSpace(inv.Prompt)
}

func (c *Controller) text(ctx context.Context, s config.Settings, inv Invocation) error {
	prompt := promptFor(inv)
	if err := llm.ValidatePrompt(prompt, s.Model, s.MaxPromptTokens); err != nil {
		return err
	}

	req := promptctx.Request{Prompt: prompt, SearchEnabled: s.SearchEnabled}
	if inv.Mode == ModePDF {
		file, err := c.locate(inv, s, resolve.PDFMatchers())
		if err != nil {
			return err
		}
		if req.PDF, err = c.vault.ReadFile(file); err != nil {
			return err
		}
		log.Debug("pdf context from %s (%d bytes)", file, len(req.PDF))
	}

	assembler := promptctx.Assembler{
		Pages:         c.pages,
		Searcher:      func() (search.Searcher, error) { return c.searcher(s) },
		SearchTimeout: requestTimeout(s),
	}
	messages, err := assembler.Assemble(ctx, req)
	if err != nil {
		return err
	}

	if s.EnhanceEnabled {
		prompt = c.enhancer(s).OrOriginal(ctx, prompt, s.Model)
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})

	client := llm.NewClient(s.BaseURL, s.APIKey).WithHTTPClient(c.httpClient(s))

	// The writer is opened on the first fragment so a request that fails
	// before producing output leaves the document untouched.
	var w *writer.Writer
	line := inv.Buffer.Cursor().Line
	err = client.ChatStream(ctx, s.Model, messages, func(ev llm.StreamEvent) {
		if ev.Type != llm.EventContent {
			return
		}
		if w == nil {
			w = writer.New(inv.Buffer, line)
		}
		w.Write(ev.Content)
	})
	if err != nil {
		return err
	}
	if w != nil {
		w.Close()
	}
	return nil
}

func (c *Controller) image(ctx context.Context, s config.Settings, inv Invocation) error {
	prompt := promptFor(inv)
	if prompt == "" {
		return fmt.Errorf("%w: image prompt is empty", apperr.ErrInvalidInput)
	}
	if s.EnhanceEnabled {
		prompt = c.enhancer(s).OrOriginal(ctx, prompt, s.Model)
	}

	png, err := c.mediaClient(s).GenerateImage(ctx, prompt)
	if err != nil {
		return err
	}
	if c.vault == nil && s.ImageSaveMode != config.SaveInline {
		return fmt.Errorf("%w: no vault is open", apperr.ErrNoActiveDocument)
	}
	dir := ""
	if inv.DocPath != "" {
		dir = resolve.AttachmentDir(s.AttachmentFolder, inv.DocPath)
	}
	embed, err := media.SaveImage(c.vault, dir, s.ImageSaveMode, png)
	if err != nil {
		return err
	}
	writeAll(inv.Buffer, embed)
	return nil
}

func (c *Controller) transcribe(ctx context.Context, s config.Settings, inv Invocation) error {
	file, err := c.locate(inv, s, resolve.AudioMatchers())
	if err != nil {
		return err
	}
	audio, err := c.vault.ReadFile(file)
	if err != nil {
		return err
	}
	transcript, err := c.mediaClient(s).Transcribe(ctx, path.Base(file), audio)
	if err != nil {
		return err
	}
	writeAll(inv.Buffer, strings.TrimSpace(transcript))
	return nil
}

// locate resolves the link of the given kinds nearest to the cursor.
func (c *Controller) locate(inv Invocation, s config.Settings, matchers []resolve.Matcher) (string, error) {
	if c.vault == nil {
		return "", fmt.Errorf("%w: no vault is open", apperr.ErrNoActiveDocument)
	}
	r := resolve.Resolver{Store: c.vault, AttachmentFolder: s.AttachmentFolder}
	text := document.Text(inv.Buffer)
	return r.Resolve(inv.DocPath, text, document.Offset(inv.Buffer, inv.Buffer.Cursor()), matchers...)
}

func (c *Controller) searcher(s config.Settings) (search.Searcher, error) {
	next, err := search.New(search.Options{
		Engine:     s.SearchEngine,
		APIKey:     s.SearchAPIKey,
		BaseURL:    s.SearchBaseURL,
		Count:      s.SearchResults,
		HTTPClient: c.httpClient(s),
	})
	if err != nil {
		return nil, err
	}
	key := search.CacheKey{Engine: s.SearchEngine, BaseURL: s.SearchBaseURL, Count: s.SearchResults}
	return c.searches.Wrap(next, key), nil
}

func (c *Controller) enhancer(s config.Settings) *enhance.Client {
	return enhance.NewClient(s.EnhanceURL, s.EnhanceAPIKey).
		WithHTTPClient(c.httpClient(s)).
		WithTimeout(requestTimeout(s))
}

func (c *Controller) mediaClient(s config.Settings) *media.Client {
	return media.NewClient(media.Options{
		BaseURL:            s.BaseURL,
		APIKey:             s.APIKey,
		ImageModel:         s.ImageModel,
		ImageSize:          s.ImageSize,
		TranscriptionModel: s.TranscriptionModel,
		HTTPClient:         c.httpClient(s),
	})
}

func requestTimeout(s config.Settings) time.Duration {
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

// httpClient returns the client provider requests go through. The request
// timeout bounds connecting and waiting for response headers; a response body
// such as a chat stream may take as long as it needs.
func (c *Controller) httpClient(s config.Settings) *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	d := requestTimeout(s)

	c.clientsMu.Lock()
	defer c.clientsMu.Unlock()
	if hc, ok := c.clients[d]; ok {
		return hc
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = d
	if d > 0 {
		dialer := &net.Dialer{Timeout: d, KeepAlive: 30 * time.Second}
		t.DialContext = dialer.DialContext
		t.TLSHandshakeTimeout = d
	}
	hc := &http.Client{Transport: t}
	if c.clients == nil {
		c.clients = make(map[time.Duration]*http.Client)
	}
	c.clients[d] = hc
	return hc
}

// writeAll writes a complete, non-streamed result below the cursor using the
// same layout as streamed text.
func writeAll(buf document.Buffer, text string) {
	w := writer.New(buf, buf.Cursor().Line)
	w.Write(text)
	w.Close()
}
