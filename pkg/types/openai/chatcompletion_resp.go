package openai

import (
	"time"

	"github.com/google/uuid"
)

const (
	ObjectChatCompletion      = "chat.completion"
	ObjectChatCompletionChunk = "chat.completion.chunk"
	ObjectModel               = "model"
	ObjectList                = "list"

	FinishReasonStop   = "stop"
	FinishReasonLength = "length"

	RoleAssistant = "assistant"
)

type ChatCompletion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

type Choice struct {
	Index        int          `json:"index"`
	Message      ReplyMessage `json:"message"`
	FinishReason *string      `json:"finish_reason"`
}

type ReplyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChunkDelta is empty on the final chunk of a stream.
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func NewUsage(prompt, completion int) *Usage {
	return &Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

type Model struct {
	ID         string  `json:"id"`
	Object     string  `json:"object"`
	Created    int64   `json:"created"`
	OwnedBy    string  `json:"owned_by"`
	Permission []any   `json:"permission"`
	Root       string  `json:"root"`
	Parent     *string `json:"parent"`
}

type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

func NewModel(id, ownedBy string, created time.Time) Model {
	return Model{
		ID:         id,
		Object:     ObjectModel,
		Created:    created.Unix(),
		OwnedBy:    ownedBy,
		Permission: []any{},
		Root:       id,
	}
}

// NewCompletionID returns an id of the form chatcmpl-<uuid>.
func NewCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

func FinishReason(s string) *string {
	if s == "" {
		s = FinishReasonStop
	}
	return &s
}

// NewChatCompletion builds a single-choice completion.
func NewChatCompletion(id, model string, created time.Time, content, finishReason string, usage *Usage) *ChatCompletion {
	return &ChatCompletion{
		ID:      id,
		Object:  ObjectChatCompletion,
		Created: created.Unix(),
		Model:   model,
		Choices: []Choice{{
			Index:        0,
			Message:      ReplyMessage{Role: RoleAssistant, Content: content},
			FinishReason: FinishReason(finishReason),
		}},
		Usage: usage,
	}
}

// NewContentChunk builds a chunk carrying one fragment of generated text.
func NewContentChunk(id, model string, created time.Time, role, content string) *ChatCompletionChunk {
	return &ChatCompletionChunk{
		ID:      id,
		Object:  ObjectChatCompletionChunk,
		Created: created.Unix(),
		Model:   model,
		Choices: []ChunkChoice{{
			Index: 0,
			Delta: ChunkDelta{Role: role, Content: content},
		}},
	}
}

// NewFinalChunk builds the chunk with an empty delta that closes a choice.
func NewFinalChunk(id, model string, created time.Time, finishReason string, usage *Usage) *ChatCompletionChunk {
	return &ChatCompletionChunk{
		ID:      id,
		Object:  ObjectChatCompletionChunk,
		Created: created.Unix(),
		Model:   model,
		Choices: []ChunkChoice{{
			Index:        0,
			FinishReason: FinishReason(finishReason),
		}},
		Usage: usage,
	}
}
