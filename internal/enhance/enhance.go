// Package enhance rewrites prompts through a PromptPerfect-style optimizer.
package enhance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/youruser/quill/internal/apperr"
	"github.com/youruser/quill/internal/logging"
)

var log = logging.Get()

// Client calls the optimizer endpoint.
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates an enhancer posting to url (the full /optimize endpoint).
func NewClient(url, apiKey string) *Client {
	return &Client{url: url, apiKey: apiKey, httpClient: &http.Client{}}
}

// WithHTTPClient replaces the transport, mainly for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// WithTimeout bounds each Enhance call to d, independent of the caller's
// deadline. Zero means no bound.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

// TargetModel maps a chat model name onto the optimizer's model tag.
func TargetModel(model string) string {
	if strings.HasPrefix(strings.ToLower(model), "gpt-4") {
		return "gpt-4"
	}
	return "chatgpt"
}

type optimizeRequest struct {
	Data struct {
		Prompt      string `json:"prompt"`
		TargetModel string `json:"targetModel"`
	} `json:"data"`
}

type optimizeResponse struct {
	Result struct {
		PromptOptimized string `json:"promptOptimized"`
	} `json:"result"`
}

// Enhance returns the optimized prompt, or an error describing why none is
// available.
func (c *Client) Enhance(ctx context.Context, prompt, model string) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("%w: enhance_api_key is not set", apperr.ErrMissingCredential)
	}
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("%w: prompt is empty", apperr.ErrInvalidInput)
	}

	var body optimizeRequest
	body.Data.Prompt = prompt
	body.Data.TargetModel = TargetModel(model)
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", "token "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperr.ErrNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperr.ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: enhancer returned %d - %s", apperr.ErrProvider, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out optimizeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%w: %v", apperr.ErrUnexpectedResponse, err)
	}
	improved := strings.TrimSpace(out.Result.PromptOptimized)
	if improved == "" {
		return "", fmt.Errorf("%w: enhancer returned no prompt", apperr.ErrUnexpectedResponse)
	}
	return improved, nil
}

// OrOriginal returns the optimized prompt, or prompt unchanged when the
// optimizer fails for any reason, including running out of time.
func (c *Client) OrOriginal(ctx context.Context, prompt, model string) string {
	improved, err := c.Enhance(ctx, prompt, model)
	if err != nil {
		log.Warn("prompt enhancement skipped: %v", err)
		return prompt
	}
	log.Debug("prompt enhanced: %d -> %d chars", len(prompt), len(improved))
	return improved
}
