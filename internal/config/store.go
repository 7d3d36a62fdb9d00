package config

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
)

// Store owns the live settings. Every change is validated and immediately
// persisted as a whole; listeners run after the write succeeds.
type Store struct {
	mu        sync.RWMutex
	path      string
	settings  Settings
	listeners []func(Settings)
}

// Open loads settings from path. A missing file yields defaults; the file is
// only created on the first change.
func Open(path string) (*Store, error) {
	s, err := LoadFrom(path)
	if errors.Is(err, ErrNoConfig) {
		d := Defaults()
		s, err = &d, nil
	}
	if err != nil {
		return nil, err
	}
	return &Store{path: path, settings: *s}, nil
}

// NewStore returns a store holding s that persists to path.
func NewStore(path string, s Settings) *Store {
	return &Store{path: path, settings: s}
}

// Path returns the file the store persists to.
func (st *Store) Path() string {
	return st.path
}

// Get returns a copy of the current settings with environment overrides
// applied. Overrides are never written back to disk.
func (st *Store) Get() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return applyEnv(st.settings)
}

// OnChange registers fn to run with the new settings after every change.
func (st *Store) OnChange(fn func(Settings)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.listeners = append(st.listeners, fn)
}

// Update applies fn to a copy of the settings, validates and saves the
// result. On any error the previous settings stay in effect.
func (st *Store) Update(fn func(*Settings)) error {
	st.mu.Lock()
	next := st.settings
	fn(&next)
	if err := next.Validate(); err != nil {
		st.mu.Unlock()
		return err
	}
	if err := Save(st.path, next); err != nil {
		st.mu.Unlock()
		return err
	}
	st.settings = next
	listeners := append([]func(Settings){}, st.listeners...)
	st.mu.Unlock()

	current := st.Get()
	for _, fn := range listeners {
		fn(current)
	}
	return nil
}

// Set changes one key by its settings-file name. Values are parsed
// according to the key's type.
func (st *Store) Set(key, value string) error {
	var apply func(*Settings)
	switch key {
	case "model":
		apply = func(s *Settings) { s.Model = value }
	case "base_url":
		apply = func(s *Settings) { s.BaseURL = value }
	case "api_key":
		apply = func(s *Settings) { s.APIKey = value }
	case "image_model":
		apply = func(s *Settings) { s.ImageModel = value }
	case "image_size":
		apply = func(s *Settings) { s.ImageSize = value }
	case "image_save_mode":
		apply = func(s *Settings) { s.ImageSaveMode = value }
	case "transcription_model":
		apply = func(s *Settings) { s.TranscriptionModel = value }
	case "search_engine":
		apply = func(s *Settings) { s.SearchEngine = value }
	case "search_api_key":
		apply = func(s *Settings) { s.SearchAPIKey = value }
	case "search_base_url":
		apply = func(s *Settings) { s.SearchBaseURL = value }
	case "enhance_api_key":
		apply = func(s *Settings) { s.EnhanceAPIKey = value }
	case "enhance_url":
		apply = func(s *Settings) { s.EnhanceURL = value }
	case "selection_commands":
		apply = func(s *Settings) { s.SelectionCommands = value }
	case "pdf_commands":
		apply = func(s *Settings) { s.PDFCommands = value }
	case "attachment_folder":
		apply = func(s *Settings) { s.AttachmentFolder = value }
	case "search_enabled", "enhance_enabled":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if key == "search_enabled" {
			apply = func(s *Settings) { s.SearchEnabled = b }
		} else {
			apply = func(s *Settings) { s.EnhanceEnabled = b }
		}
	case "search_results", "max_prompt_tokens", "request_timeout_seconds":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s must be a positive integer", key)
		}
		switch key {
		case "search_results":
			apply = func(s *Settings) { s.SearchResults = n }
		case "max_prompt_tokens":
			apply = func(s *Settings) { s.MaxPromptTokens = n }
		default:
			apply = func(s *Settings) { s.RequestTimeoutSeconds = n }
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return st.Update(apply)
}
