package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

var (
	ErrNoConfig             = errors.New("settings file not found")
	ErrInvalidJSON          = errors.New("invalid settings JSON")
	ErrInvalidTOML          = errors.New("invalid settings TOML")
	ErrInvalidImageSize     = errors.New("image_size must be \"256x256\", \"512x512\", or \"1024x1024\"")
	ErrInvalidImageSaveMode = errors.New("image_save_mode must be \"attachment\" or \"inline\"")
	ErrInvalidSearchEngine  = errors.New("search_engine must be \"bing\", \"you\", or \"tavily\"")
	ErrUnknownKey           = errors.New("unknown settings key")
)

// Image save modes.
const (
	SaveAttachment = "attachment"
	SaveInline     = "inline"
)

// Settings holds every user-facing option of the extension.
type Settings struct {
	Model              string `json:"model" toml:"model"`
	BaseURL            string `json:"base_url" toml:"base_url"`
	APIKey             string `json:"api_key" toml:"api_key"`
	ImageModel         string `json:"image_model" toml:"image_model"`
	ImageSize          string `json:"image_size" toml:"image_size"`           // "256x256", "512x512" or "1024x1024"
	ImageSaveMode      string `json:"image_save_mode" toml:"image_save_mode"` // "attachment" or "inline"
	TranscriptionModel string `json:"transcription_model" toml:"transcription_model"`

	SearchEnabled bool   `json:"search_enabled" toml:"search_enabled"`
	SearchEngine  string `json:"search_engine" toml:"search_engine"` // "bing", "you" or "tavily"
	SearchAPIKey  string `json:"search_api_key" toml:"search_api_key"`
	SearchBaseURL string `json:"search_base_url,omitempty" toml:"search_base_url,omitempty"` // Overrides the engine's default endpoint
	SearchResults int    `json:"search_results" toml:"search_results"`

	EnhanceEnabled bool   `json:"enhance_enabled" toml:"enhance_enabled"`
	EnhanceAPIKey  string `json:"enhance_api_key" toml:"enhance_api_key"`
	EnhanceURL     string `json:"enhance_url" toml:"enhance_url"`

	SelectionCommands string `json:"selection_commands" toml:"selection_commands"` // One prompt suffix per line
	PDFCommands       string `json:"pdf_commands" toml:"pdf_commands"`             // One file-context prompt per line

	AttachmentFolder      string `json:"attachment_folder" toml:"attachment_folder"`
	MaxPromptTokens       int    `json:"max_prompt_tokens" toml:"max_prompt_tokens"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds" toml:"request_timeout_seconds"`
}

// Defaults returns the hard-coded settings every loaded file is merged over.
func Defaults() Settings {
	return Settings{
		Model:                 "gpt-4o-mini",
		BaseURL:               "https://api.openai.com/v1",
		ImageModel:            "dall-e-2",
		ImageSize:             "256x256",
		ImageSaveMode:         SaveAttachment,
		TranscriptionModel:    "whisper-1",
		SearchEngine:          "bing",
		SearchResults:         5,
		EnhanceURL:            "https://api.promptperfect.jina.ai/optimize",
		SelectionCommands:     "Summarize this\nTranslate to English\nFix grammar",
		PDFCommands:           "Summarize this document\nList the key findings",
		AttachmentFolder:      "/",
		MaxPromptTokens:       8000,
		RequestTimeoutSeconds: 120,
	}
}

// DefaultPath returns the settings file location.
// Resolution order: $QUILL_CONFIG > ~/.config/quill/settings.json, falling
// back to settings.toml when only that file exists.
func DefaultPath() (string, error) {
	if p := os.Getenv("QUILL_CONFIG"); p != "" {
		return p, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(homeDir, ".config", "quill")
	jsonPath := filepath.Join(dir, "settings.json")
	tomlPath := filepath.Join(dir, "settings.toml")
	if _, err := os.Stat(jsonPath); err != nil {
		if _, err := os.Stat(tomlPath); err == nil {
			return tomlPath, nil
		}
	}
	return jsonPath, nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// LoadFrom reads settings from path (JSON, or TOML for .toml files) and
// merges them over Defaults.
func LoadFrom(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoConfig
		}
		return nil, err
	}

	cfg := Defaults()
	if isTOML(path) {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, ErrInvalidTOML
		}
	} else if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, ErrInvalidJSON
	}

	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// fillDefaults restores defaults for keys present in the file but left empty.
func (s *Settings) fillDefaults() {
	d := Defaults()
	if s.Model == "" {
		s.Model = d.Model
	}
	if s.BaseURL == "" {
		s.BaseURL = d.BaseURL
	}
	if s.ImageModel == "" {
		s.ImageModel = d.ImageModel
	}
	if s.ImageSize == "" {
		s.ImageSize = d.ImageSize
	}
	if s.ImageSaveMode == "" {
		s.ImageSaveMode = d.ImageSaveMode
	}
	if s.TranscriptionModel == "" {
		s.TranscriptionModel = d.TranscriptionModel
	}
	if s.SearchEngine == "" {
		s.SearchEngine = d.SearchEngine
	}
	if s.SearchResults <= 0 {
		s.SearchResults = d.SearchResults
	}
	if s.EnhanceURL == "" {
		s.EnhanceURL = d.EnhanceURL
	}
	if s.MaxPromptTokens <= 0 {
		s.MaxPromptTokens = d.MaxPromptTokens
	}
	if s.RequestTimeoutSeconds <= 0 {
		s.RequestTimeoutSeconds = d.RequestTimeoutSeconds
	}
}

// Validate checks the enum-valued keys.
func (s *Settings) Validate() error {
	switch s.ImageSize {
	case "256x256", "512x512", "1024x1024":
	default:
		return ErrInvalidImageSize
	}
	switch s.ImageSaveMode {
	case SaveAttachment, SaveInline:
	default:
		return ErrInvalidImageSaveMode
	}
	switch s.SearchEngine {
	case "bing", "you", "tavily":
	default:
		return ErrInvalidSearchEngine
	}
	return nil
}

// Save writes settings to path in the format its extension implies.
func Save(path string, s Settings) error {
	var data []byte
	if isTOML(path) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(s); err != nil {
			return err
		}
		data = buf.Bytes()
	} else {
		var err error
		data, err = json.MarshalIndent(s, "", "  ")
		if err != nil {
			return err
		}
		data = append(data, '\n')
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// applyEnv returns s with credentials overridden from the environment.
// Priority: $QUILL_API_KEY / $QUILL_SEARCH_API_KEY / $QUILL_ENHANCE_API_KEY > file.
func applyEnv(s Settings) Settings {
	if key := os.Getenv("QUILL_API_KEY"); key != "" {
		s.APIKey = key
	}
	if key := os.Getenv("QUILL_SEARCH_API_KEY"); key != "" {
		s.SearchAPIKey = key
	}
	if key := os.Getenv("QUILL_ENHANCE_API_KEY"); key != "" {
		s.EnhanceAPIKey = key
	}
	if url := os.Getenv("QUILL_BASE_URL"); url != "" {
		s.BaseURL = url
	}
	return s
}
