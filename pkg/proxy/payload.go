// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"encoding/json"
)

const (
	// maxInlineFileChars bounds the active-file contents inlined into the
	// prompt context. Longer contents are omitted entirely rather than
	// truncated, so the model never sees a malformed partial file.
	maxInlineFileChars = 2000

	defaultMaxTokens   = 1024
	defaultTemperature = 0.2
	fallbackModel      = "gpt-4o-mini"
)

// gatewayRequest is the JSON body the plugin sends to the proxy endpoint.
type gatewayRequest struct {
	Prompt       string      `json:"prompt"`
	SystemPrompt string      `json:"systemPrompt"`
	Model        string      `json:"model"`
	ActiveFile   *activeFile `json:"activeFile"`

	// FileTree is accepted for forward compatibility with the plugin but is
	// not consulted when building the upstream payload.
	FileTree json.RawMessage `json:"fileTree"`

	// UpstreamPayload, when present, is forwarded verbatim as the upstream
	// request body. Endpoint optionally overrides the configured upstream
	// URL in that mode.
	UpstreamPayload json.RawMessage `json:"upstreamPayload"`
	Endpoint        string          `json:"endpoint"`
}

type activeFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatPayload struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

// passthrough reports whether the caller supplied a full upstream payload.
func (r *gatewayRequest) passthrough() bool {
	return len(r.UpstreamPayload) > 0 && string(r.UpstreamPayload) != "null"
}

// buildChatPayload assembles the default chat-completion request for a plugin
// prompt. Message order is fixed: the optional system prompt, the active
// file's path, the active file's contents when small enough, then the user's
// prompt.
func buildChatPayload(req *gatewayRequest, defaultModel string) chatPayload {
	model := req.Model
	if model == "" {
		model = defaultModel
	}
	if model == "" {
		model = fallbackModel
	}

	var messages []chatMessage
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	if req.ActiveFile != nil && req.ActiveFile.Path != "" {
		messages = append(messages, chatMessage{Role: "system", Content: "Active file path: " + req.ActiveFile.Path})
	}
	if req.ActiveFile != nil && req.ActiveFile.Content != "" && len(req.ActiveFile.Content) < maxInlineFileChars {
		messages = append(messages, chatMessage{Role: "system", Content: "Active file contents:\n" + req.ActiveFile.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	return chatPayload{
		Model:       model,
		Messages:    messages,
		MaxTokens:   defaultMaxTokens,
		Temperature: defaultTemperature,
		Stream:      true,
	}
}
