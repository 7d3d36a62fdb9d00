package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"

	"github.com/youruser/quill/internal/apperr"
	"github.com/youruser/quill/internal/config"
	"github.com/youruser/quill/internal/vault"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nfake-image")

// wavBytes is enough of a RIFF/WAVE header for content sniffing.
var wavBytes = append([]byte("RIFF\x24\x00\x00\x00WAVEfmt \x10\x00\x00\x00\x01\x00\x01\x00"), make([]byte, 64)...)

func fakeAPI(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/images/generations", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		var req struct {
			Prompt         string `json:"prompt"`
			N              int    `json:"n"`
			Size           string `json:"size"`
			ResponseFormat string `json:"response_format"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode image request: %v", err)
		}
		if req.N != 1 || req.Size != "256x256" || req.ResponseFormat != "b64_json" {
			t.Errorf("image request = %+v", req)
		}
		if req.Prompt == "reject me" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"message":"Your request was rejected by the safety system.","type":"invalid_request_error"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"created":1,"data":[{"b64_json":%q}]}`, base64.StdEncoding.EncodeToString(pngBytes))
	})
	mux.HandleFunc("/v1/audio/transcriptions", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			return
		}
		data, _ := io.ReadAll(file)
		if header.Filename != "memo.wav" || len(data) != len(wavBytes) {
			t.Errorf("upload = %s (%d bytes)", header.Filename, len(data))
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("model = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"text":"hello from the memo"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(srv *httptest.Server, key string) *Client {
	return NewClient(Options{
		BaseURL:            srv.URL + "/v1",
		APIKey:             key,
		ImageModel:         "dall-e-2",
		ImageSize:          "256x256",
		TranscriptionModel: "whisper-1",
	})
}

func TestGenerateImage(t *testing.T) {
	var hits int32
	c := newTestClient(fakeAPI(t, &hits), "sk-test")

	data, err := c.GenerateImage(context.Background(), "a lighthouse at dusk")
	if err != nil {
		t.Fatalf("GenerateImage: %v", err)
	}
	if string(data) != string(pngBytes) {
		t.Errorf("data = %q", data)
	}
}

func TestGenerateImageProviderError(t *testing.T) {
	var hits int32
	c := newTestClient(fakeAPI(t, &hits), "sk-test")

	_, err := c.GenerateImage(context.Background(), "reject me")
	if !errors.Is(err, apperr.ErrProvider) || !strings.Contains(err.Error(), "safety system") {
		t.Errorf("err = %v, want provider error with message", err)
	}
}

func TestTranscribe(t *testing.T) {
	var hits int32
	c := newTestClient(fakeAPI(t, &hits), "sk-test")

	text, err := c.Transcribe(context.Background(), "audio/memo.wav", wavBytes)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hello from the memo" {
		t.Errorf("text = %q", text)
	}
}

func TestRejectedBeforeRequest(t *testing.T) {
	tests := []struct {
		name string
		key  string
		call func(*Client) error
		want error
	}{
		{"image without key", "", func(c *Client) error {
			_, err := c.GenerateImage(context.Background(), "a cat")
			return err
		}, apperr.ErrMissingCredential},
		{"empty image prompt", "sk-test", func(c *Client) error {
			_, err := c.GenerateImage(context.Background(), " ")
			return err
		}, apperr.ErrInvalidInput},
		{"audio without key", "", func(c *Client) error {
			_, err := c.Transcribe(context.Background(), "memo.wav", wavBytes)
			return err
		}, apperr.ErrMissingCredential},
		{"empty audio", "sk-test", func(c *Client) error {
			_, err := c.Transcribe(context.Background(), "memo.wav", nil)
			return err
		}, apperr.ErrInvalidInput},
		{"unsupported extension", "sk-test", func(c *Client) error {
			_, err := c.Transcribe(context.Background(), "notes.txt", wavBytes)
			return err
		}, apperr.ErrUnsupportedMediaType},
		{"text disguised as audio", "sk-test", func(c *Client) error {
			_, err := c.Transcribe(context.Background(), "memo.mp3", []byte("just some plain text, not audio"))
			return err
		}, apperr.ErrUnsupportedMediaType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits int32
			c := newTestClient(fakeAPI(t, &hits), tt.key)
			if err := tt.call(c); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if n := atomic.LoadInt32(&hits); n != 0 {
				t.Errorf("server saw %d requests, want 0", n)
			}
		})
	}
}

func TestUnsupportedMediaTypeIsInvalidInput(t *testing.T) {
	err := CheckAudio("clip.pdf", wavBytes)
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("err = %v, want it to classify as invalid input", err)
	}
}

func TestSaveImageAttachment(t *testing.T) {
	store := vault.NewFS(afero.NewMemMapFs())

	embed, err := SaveImage(store, "assets/img", config.SaveAttachment, pngBytes)
	if err != nil {
		t.Fatalf("SaveImage: %v", err)
	}
	if !strings.HasPrefix(embed, "![[assets/img/") || !strings.HasSuffix(embed, ".png]]") {
		t.Fatalf("embed = %q", embed)
	}
	name := strings.TrimSuffix(strings.TrimPrefix(embed, "![["), "]]")
	data, err := store.ReadFile(name)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", name, err)
	}
	if string(data) != string(pngBytes) {
		t.Errorf("stored %q", data)
	}

	second, err := SaveImage(store, "assets/img", config.SaveAttachment, pngBytes)
	if err != nil {
		t.Fatal(err)
	}
	if second == embed {
		t.Error("second image reused the first file name")
	}
}

func TestSaveImageVaultRoot(t *testing.T) {
	store := vault.NewFS(afero.NewMemMapFs())
	embed, err := SaveImage(store, "", config.SaveAttachment, pngBytes)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(embed, "/") {
		t.Errorf("embed = %q, want a file at the vault root", embed)
	}
}

func TestSaveImageInline(t *testing.T) {
	store := vault.NewFS(afero.NewMemMapFs())
	embed, err := SaveImage(store, "assets", config.SaveInline, pngBytes)
	if err != nil {
		t.Fatal(err)
	}
	want := "![](data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes) + ")"
	if embed != want {
		t.Errorf("embed = %q, want %q", embed, want)
	}
	if files, _ := store.ListFiles(); len(files) != 0 {
		t.Errorf("inline mode wrote files: %v", files)
	}
}
