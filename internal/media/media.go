// Package media wraps the image generation and transcription endpoints of an
// OpenAI-compatible API.
package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"path"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	openai "github.com/sashabaranov/go-openai"

	"github.com/youruser/quill/internal/apperr"
	"github.com/youruser/quill/internal/logging"
	"github.com/youruser/quill/internal/resolve"
)

var log = logging.Get()

// Options configures a Client.
type Options struct {
	BaseURL            string
	APIKey             string
	ImageModel         string
	ImageSize          string
	TranscriptionModel string
	HTTPClient         *http.Client
}

// Client generates images and transcripts.
type Client struct {
	api  *openai.Client
	opts Options
}

// NewClient creates a media client. No request is made until a method is
// called.
func NewClient(opts Options) *Client {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(opts.BaseURL, "/")
	}
	if opts.HTTPClient != nil {
		cfg.HTTPClient = opts.HTTPClient
	}
	return &Client{api: openai.NewClientWithConfig(cfg), opts: opts}
}

// GenerateImage returns the PNG bytes of one image for prompt.
func (c *Client) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("%w: image prompt is empty", apperr.ErrInvalidInput)
	}
	if c.opts.APIKey == "" {
		return nil, fmt.Errorf("%w: api_key is not set", apperr.ErrMissingCredential)
	}

	log.Debug("image request (model: %s, size: %s, prompt: %d chars)", c.opts.ImageModel, c.opts.ImageSize, len(prompt))
	resp, err := c.api.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          c.opts.ImageModel,
		N:              1,
		Size:           c.opts.ImageSize,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, fmt.Errorf("%w: no image data returned", apperr.ErrUnexpectedResponse)
	}

	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("%w: image data is not base64: %v", apperr.ErrUnexpectedResponse, err)
	}
	return data, nil
}

// Transcribe returns the transcript of audio. name is the file name the
// audio was read from; its extension and the sniffed content type must both
// be a supported audio or video type.
func (c *Client) Transcribe(ctx context.Context, name string, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("%w: audio file is empty", apperr.ErrInvalidInput)
	}
	if err := CheckAudio(name, audio); err != nil {
		return "", err
	}
	if c.opts.APIKey == "" {
		return "", fmt.Errorf("%w: api_key is not set", apperr.ErrMissingCredential)
	}

	log.Debug("transcription request (model: %s, file: %s, %d bytes)", c.opts.TranscriptionModel, name, len(audio))
	resp, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.opts.TranscriptionModel,
		FilePath: path.Base(name),
		Reader:   bytes.NewReader(audio),
	})
	if err != nil {
		return "", classify(err)
	}
	return resp.Text, nil
}

// CheckAudio rejects files whose extension or content is not audio or video.
func CheckAudio(name string, data []byte) error {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	if !slices.Contains(resolve.AudioExtensions, ext) {
		return fmt.Errorf("%w: %s", apperr.ErrUnsupportedMediaType, name)
	}
	mt := mimetype.Detect(data)
	for m := mt; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "audio/") || strings.HasPrefix(m.String(), "video/") {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is %s", apperr.ErrUnsupportedMediaType, name, mt.String())
}

// classify maps go-openai errors onto the shared taxonomy.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %d - %s", apperr.ErrProvider, apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("%w: %d - %v", apperr.ErrProvider, reqErr.HTTPStatusCode, reqErr.Err)
	}
	return fmt.Errorf("%w: %v", apperr.ErrNetwork, err)
}
