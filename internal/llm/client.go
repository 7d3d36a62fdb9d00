package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/youruser/quill/internal/apperr"
	"github.com/youruser/quill/internal/logging"
)

var log = logging.Get()

// Client handles communication with an OpenAI-compatible chat API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new chat client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

// WithHTTPClient replaces the transport, mainly for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// StreamCallback is called for each event in the stream, in order.
type StreamCallback func(event StreamEvent)

func (c *Client) validate(messages []Message) error {
	if c.apiKey == "" {
		return fmt.Errorf("%w: api_key is not set", apperr.ErrMissingCredential)
	}
	if len(messages) == 0 || strings.TrimSpace(messages[len(messages)-1].Content) == "" {
		return fmt.Errorf("%w: prompt is empty", apperr.ErrInvalidInput)
	}
	return nil
}

func (c *Client) post(ctx context.Context, reqBody ChatRequest) (*http.Response, error) {
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if reqBody.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	log.Debug("HTTP POST %s/chat/completions (model: %s, messages: %d, stream: %v)",
		c.baseURL, reqBody.Model, len(reqBody.Messages), reqBody.Stream)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error("HTTP request failed: %v", err)
		return nil, fmt.Errorf("%w: %v", apperr.ErrNetwork, err)
	}

	log.Debug("HTTP response status: %d", resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		log.Error("API error %d: %s", resp.StatusCode, string(body))
		return nil, fmt.Errorf("%w: %d - %s", apperr.ErrProvider, resp.StatusCode, providerMessage(body))
	}
	return resp, nil
}

// providerMessage extracts error.message from a JSON error body, falling
// back to the raw body.
func providerMessage(body []byte) string {
	var resp ChatResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error != nil && resp.Error.Message != "" {
		return resp.Error.Message
	}
	return strings.TrimSpace(string(body))
}

// ChatStream sends a chat request and streams the response.
// The callback receives one content event per fragment, then a done event.
// Credentials and the prompt are checked before any request is made.
func (c *Client) ChatStream(ctx context.Context, model string, messages []Message, callback StreamCallback) error {
	if err := c.validate(messages); err != nil {
		return err
	}

	resp, err := c.post(ctx, ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return c.processStream(ctx, resp.Body, callback)
}

// processStream reads SSE events and calls the callback for each.
func (c *Client) processStream(ctx context.Context, reader io.Reader, callback StreamCallback) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var lastUsage *Usage
	fragments := 0
	log.Debug("Starting SSE stream processing")

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", apperr.ErrNetwork, ctx.Err())
		default:
		}

		line := scanner.Text()

		// SSE format: "data: {json}"; comments and other fields are ignored
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		// Stream end marker
		if data == "[DONE]" {
			log.Debug("SSE stream received [DONE] after %d fragments", fragments)
			callback(StreamEvent{Type: EventDone, Usage: lastUsage})
			return nil
		}

		var resp ChatResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			log.Error("Malformed stream fragment: %s", data)
			callback(StreamEvent{Type: EventError, Error: "malformed stream fragment"})
			return fmt.Errorf("%w: malformed stream fragment: %v", apperr.ErrProvider, err)
		}

		if resp.Error != nil {
			callback(StreamEvent{
				Type:  EventError,
				Error: resp.Error.Message,
			})
			return fmt.Errorf("%w: %s", apperr.ErrProvider, resp.Error.Message)
		}

		if resp.Usage != nil {
			lastUsage = resp.Usage
		}

		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		delta := choice.Delta
		if delta == nil {
			delta = choice.Message
		}
		if delta == nil || delta.Content == "" {
			continue
		}

		fragments++
		callback(StreamEvent{
			Type:    EventContent,
			Content: delta.Content,
		})
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", apperr.ErrNetwork, ctx.Err())
		}
		log.Error("SSE scanner error: %v", err)
		return fmt.Errorf("%w: %v", apperr.ErrNetwork, err)
	}

	// Content already delivered stays in the document; the caller reports
	// the truncated stream.
	log.Error("SSE stream ended without [DONE] after %d fragments", fragments)
	return fmt.Errorf("%w: stream ended without end marker", apperr.ErrUnexpectedResponse)
}
