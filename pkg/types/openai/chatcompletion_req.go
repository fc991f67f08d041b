// Package openai holds the OpenAI chat-completion wire types served by the gateway.
//
// The request side is deliberately looser than the official SDK types: clients of
// vision servers send `image` parts with raw base64 payloads and `image_url`
// objects carrying a `base64` field instead of `url`, and both must survive decoding.
package openai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	PartTypeText     = "text"
	PartTypeImageURL = "image_url"
	PartTypeImage    = "image"
)

type ChatCompletionRequest struct {
	Model               string        `json:"model"`
	Messages            []ChatMessage `json:"messages"`
	Temperature         *float64      `json:"temperature,omitempty"`
	TopP                *float64      `json:"top_p,omitempty"`
	MaxTokens           *int64        `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int64        `json:"max_completion_tokens,omitempty"`
	N                   *int64        `json:"n,omitempty"`
	Stream              bool          `json:"stream,omitempty"`
	Stop                StopList      `json:"stop,omitempty"`
}

// MaxTokenLimit returns max_completion_tokens if set, else max_tokens.
func (r *ChatCompletionRequest) MaxTokenLimit() (int64, bool) {
	if r.MaxCompletionTokens != nil {
		return *r.MaxCompletionTokens, true
	}
	if r.MaxTokens != nil {
		return *r.MaxTokens, true
	}
	return 0, false
}

// ImageCount counts image parts across all messages.
func (r *ChatCompletionRequest) ImageCount() int {
	n := 0
	for _, m := range r.Messages {
		for _, p := range m.Content.Parts {
			if p.IsImage() {
				n++
			}
		}
	}
	return n
}

type ChatMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
	Name    string         `json:"name,omitempty"`
}

// MessageContent is either a plain string or a list of typed parts.
type MessageContent struct {
	Text  *string
	Parts []ContentPart
}

func TextContent(s string) MessageContent {
	return MessageContent{Text: &s}
}

func PartsContent(parts ...ContentPart) MessageContent {
	return MessageContent{Parts: parts}
}

func (c MessageContent) IsString() bool {
	return c.Text != nil
}

// String renders the content as text only, joining text parts with a space.
func (c MessageContent) String() string {
	if c.Text != nil {
		return *c.Text
	}
	texts := make([]string, 0, len(c.Parts))
	for _, p := range c.Parts {
		if p.Type == PartTypeText {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, " ")
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Text != nil {
		return json.Marshal(*c.Text)
	}
	if c.Parts == nil {
		return []byte("null"), nil
	}
	return json.Marshal(c.Parts)
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0, bytes.Equal(data, []byte("null")):
		*c = MessageContent{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = MessageContent{Text: &s}
		return nil
	case data[0] == '[':
		var parts []ContentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		*c = MessageContent{Parts: parts}
		return nil
	default:
		return fmt.Errorf("message content must be a string or an array, got %s", string(data[:1]))
	}
}

type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
	Image    string    `json:"image,omitempty"` // raw base64, "image" parts only
}

func TextPart(s string) ContentPart {
	return ContentPart{Type: PartTypeText, Text: s}
}

func ImageURLPart(url string) ContentPart {
	return ContentPart{Type: PartTypeImageURL, ImageURL: &ImageURL{URL: url}}
}

func (p ContentPart) IsImage() bool {
	return p.Type == PartTypeImageURL || p.Type == PartTypeImage
}

type ImageURL struct {
	URL    string `json:"url,omitempty"`
	Base64 string `json:"base64,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func (u *ImageURL) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*u = ImageURL{URL: s}
		return nil
	}
	type plain ImageURL
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*u = ImageURL(p)
	return nil
}

// StopList accepts a single stop string or a list of them.
type StopList []string

func (s *StopList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var one string
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*s = StopList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}
