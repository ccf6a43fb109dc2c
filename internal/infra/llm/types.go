// Package llm provides Substrate (C2) adapters: a vendor HTTP client with
// SSE streaming and prompt caching, and a deterministic mock for tests.
package llm

import "time"

// HTTPConfig configures the vendor HTTP adapter (spec §6).
type HTTPConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// wireSystemBlock mirrors spec §6's system prompt wire shape:
// {type:"text", text, cache_control?:{type:"ephemeral"}}.
type wireSystemBlock struct {
	Type         string            `json:"type"`
	Text         string            `json:"text"`
	CacheControl *wireCacheControl `json:"cache_control,omitempty"`
}

type wireCacheControl struct {
	Type string `json:"type"`
}

type wireContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type wireMessage struct {
	Role    string              `json:"role"`
	Content []wireContentBlock  `json:"content"`
}

type wireUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

type wireRequest struct {
	Model     string            `json:"model"`
	MaxTokens int               `json:"max_tokens"`
	System    []wireSystemBlock `json:"system,omitempty"`
	Messages  []wireMessage     `json:"messages"`
	Stream    bool              `json:"stream,omitempty"`
}

type wireResponse struct {
	ID      string             `json:"id"`
	Content []wireContentBlock `json:"content"`
	Usage   wireUsage          `json:"usage"`
}

// wireSSEEvent is one parsed Server-Sent-Event frame.
type wireSSEEvent struct {
	Event string
	Data  string
}
