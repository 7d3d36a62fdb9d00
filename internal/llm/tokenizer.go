package llm

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/youruser/quill/internal/apperr"
)

var codecs sync.Map // tokenizer.Encoding -> tokenizer.Codec

// encodingFor picks the encoding a chat model counts tokens with. Unknown
// models, including non-OpenAI ones behind a compatible API, fall back to
// cl100k_base.
func encodingFor(model string) tokenizer.Encoding {
	m := strings.ToLower(model)
	for _, prefix := range []string{"gpt-4o", "gpt-4.1", "o1", "o3", "o4"} {
		if strings.HasPrefix(m, prefix) {
			return tokenizer.O200kBase
		}
	}
	return tokenizer.Cl100kBase
}

func codecFor(enc tokenizer.Encoding) (tokenizer.Codec, error) {
	if c, ok := codecs.Load(enc); ok {
		return c.(tokenizer.Codec), nil
	}
	c, err := tokenizer.Get(enc)
	if err != nil {
		return nil, err
	}
	actual, _ := codecs.LoadOrStore(enc, c)
	return actual.(tokenizer.Codec), nil
}

// CountTokens returns the number of tokens model would see for text.
func CountTokens(model, text string) (int, error) {
	c, err := codecFor(encodingFor(model))
	if err != nil {
		return 0, err
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// EstimateTokensSimple returns the cl100k_base token count of text, or 0 if
// the tokenizer is unavailable.
func EstimateTokensSimple(text string) int {
	n, err := CountTokens("", text)
	if err != nil {
		return 0
	}
	return n
}

// ValidatePrompt rejects empty prompts and prompts longer than maxTokens
// for model. maxTokens <= 0 disables the length check.
func ValidatePrompt(prompt, model string, maxTokens int) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("%w: prompt is empty", apperr.ErrInvalidInput)
	}
	if maxTokens <= 0 {
		return nil
	}
	n, err := CountTokens(model, prompt)
	if err != nil {
		log.Warn("token count unavailable, skipping prompt limit: %v", err)
		return nil
	}
	if n > maxTokens {
		return fmt.Errorf("%w: prompt is %d tokens, limit is %d", apperr.ErrInvalidInput, n, maxTokens)
	}
	return nil
}
