// Package dialect describes the vendor-specific JSON shapes used by upstream
// LLM API families.
//
// DESIGN: A Dialect is a small descriptor, not an interface hierarchy:
//   - ParseUsage:    full response JSON -> *TokenUsage (nil when absent)
//   - ExtractModel:  response JSON + fallback -> model name
//   - Tag:           short identifier for log/record correlation
//
// Streaming event extraction is intentionally NOT dialect-specific: real
// payloads mix shapes, so the stream collector applies every known field path
// uniformly (see internal/proxy).
package dialect

import "github.com/tidwall/gjson"

// TokenUsage is a normalized token-usage snapshot.
type TokenUsage struct {
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int

	// Model is the model name embedded in the usage payload, when present.
	Model string
}

// HasTokens reports whether any counter is non-zero.
func (u TokenUsage) HasTokens() bool {
	return u.InputTokens > 0 || u.OutputTokens > 0 ||
		u.CacheReadTokens > 0 || u.CacheCreationTokens > 0
}

// Dialect describes how to read usage and model information out of one
// provider family's response JSON.
type Dialect struct {
	// Tag identifies the dialect in logs and usage records.
	Tag string

	// ParseUsage extracts usage from a complete (non-streaming) response
	// body. Returns nil when the body carries no usage object.
	ParseUsage func(body []byte) *TokenUsage

	// ExtractModel returns the model named by the response body, or
	// fallback when the body does not name one.
	ExtractModel func(body []byte, fallback string) string
}

// Anthropic is the typed-event dialect (message_start/message_delta streams,
// usage.input_tokens style response bodies).
var Anthropic = Dialect{
	Tag:          "anthropic",
	ParseUsage:   parseAnthropicUsage,
	ExtractModel: extractTopLevelModel,
}

// OpenAI is the header-less dialect (choices/delta streams,
// usage.prompt_tokens style response bodies).
var OpenAI = Dialect{
	Tag:          "openai",
	ParseUsage:   parseOpenAIUsage,
	ExtractModel: extractTopLevelModel,
}

// ForName returns the dialect registered under name. Unknown names fall back
// to the OpenAI shape, which is the loosest of the two.
func ForName(name string) Dialect {
	switch name {
	case "anthropic":
		return Anthropic
	case "openai":
		return OpenAI
	default:
		return OpenAI
	}
}

func parseAnthropicUsage(body []byte) *TokenUsage {
	usage := gjson.GetBytes(body, "usage")
	if !usage.Exists() {
		return nil
	}
	return &TokenUsage{
		InputTokens:         int(usage.Get("input_tokens").Int()),
		OutputTokens:        int(usage.Get("output_tokens").Int()),
		CacheReadTokens:     int(usage.Get("cache_read_input_tokens").Int()),
		CacheCreationTokens: int(usage.Get("cache_creation_input_tokens").Int()),
		Model:               usage.Get("model").String(),
	}
}

func parseOpenAIUsage(body []byte) *TokenUsage {
	usage := gjson.GetBytes(body, "usage")
	if !usage.Exists() {
		return nil
	}
	return &TokenUsage{
		InputTokens:         int(usage.Get("prompt_tokens").Int()),
		OutputTokens:        int(usage.Get("completion_tokens").Int()),
		CacheReadTokens:     int(usage.Get("prompt_tokens_details.cached_tokens").Int()),
		Model:               usage.Get("model").String(),
	}
}

func extractTopLevelModel(body []byte, fallback string) string {
	if m := gjson.GetBytes(body, "model").String(); m != "" {
		return m
	}
	return fallback
}
