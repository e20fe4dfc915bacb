package models

import "encoding/json"

// ChatRequest is the narrow slice of an inbound chat-completion body the
// gateway reads. The full body is forwarded verbatim; this struct never
// round-trips back to the upstream.
type ChatRequest struct {
	Model               string        `json:"model"`
	Stream              bool          `json:"stream"`
	MaxTokens           int64         `json:"max_tokens"`
	MaxCompletionTokens int64         `json:"max_completion_tokens"`
	Messages            []ChatMessage `json:"messages"`
}

// DeclaredMaxTokens returns the completion cap the client declared, favoring
// the newer max_completion_tokens field. Zero means undeclared.
func (r *ChatRequest) DeclaredMaxTokens() int64 {
	if r.MaxCompletionTokens > 0 {
		return r.MaxCompletionTokens
	}
	return r.MaxTokens
}

// ChatMessage content is either a plain string or a list of typed parts;
// Content is kept raw and decoded on demand.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentPart is one element of a multi-part message content array.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageRef `json:"image_url,omitempty"`
}

// ImageRef points at an image by data URL or remote URL.
type ImageRef struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"` // "low", "high" or "auto"
}

// Parts decodes the content into text and image parts. A plain string
// content yields a single text part.
func (m *ChatMessage) Parts() []ContentPart {
	if len(m.Content) == 0 {
		return nil
	}
	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		return []ContentPart{{Type: "text", Text: text}}
	}
	var parts []ContentPart
	if err := json.Unmarshal(m.Content, &parts); err == nil {
		return parts
	}
	return nil
}
