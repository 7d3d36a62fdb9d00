// Package apperr defines the error taxonomy shared by every pipeline stage.
//
// Stages wrap one of the sentinels with fmt.Errorf("%w: ...") so callers can
// classify failures with errors.Is regardless of where they happened.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrUnsupportedMediaType = fmt.Errorf("%w: unsupported media type", ErrInvalidInput)
	ErrMissingCredential    = errors.New("missing credential")
	ErrAlreadyInProgress    = errors.New("generation already in progress")
	ErrProvider             = errors.New("provider error")
	ErrNoLinkFound          = errors.New("no link found")
	ErrFileNotFound         = errors.New("file not found")
	ErrNoActiveDocument     = errors.New("no active document")
	ErrNetwork              = errors.New("network failure")
	ErrUnexpectedResponse   = errors.New("unexpected response")
	ErrSearchFailed         = errors.New("search failed")
)

// Message returns the notice shown to the user for err.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyInProgress):
		return "A generation is already in progress. Wait for it to finish."
	case errors.Is(err, ErrNoActiveDocument):
		return "No active document"
	case errors.Is(err, ErrNoLinkFound):
		return "No matching link found near the cursor"
	case errors.Is(err, ErrMissingCredential):
		return "Missing API key: " + err.Error()
	default:
		return err.Error()
	}
}
