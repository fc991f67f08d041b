package generator

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cameragenai/vlmgate/pkg/multimodal"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/sirupsen/logrus"
)

// OpenAI generates with a model behind an OpenAI-compatible server (vLLM, llama.cpp, ...).
type OpenAI struct {
	client openai.Client
	model  string
}

// NewOpenAI talks to an OpenAI-compatible server. extra options are applied last.
func NewOpenAI(baseURL, apiKey string, httpClient *http.Client, model string, extra ...option.RequestOption) *OpenAI {
	opts := []option.RequestOption{
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	opts = append(opts, extra...)
	return &OpenAI{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (o *OpenAI) Generate(ctx context.Context, prompt *multimodal.Prompt, fn FragmentFunc) (*Result, error) {
	params, err := o.params(prompt)
	if err != nil {
		return nil, err
	}
	if fn != nil {
		return o.stream(ctx, params, fn)
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai chat completion: no choices returned")
	}
	return &Result{
		Text:             resp.Choices[0].Message.Content,
		FinishReason:     string(resp.Choices[0].FinishReason),
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
	}, nil
}

func (o *OpenAI) stream(ctx context.Context, params openai.ChatCompletionNewParams, fn FragmentFunc) (*Result, error) {
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}
	stream := o.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	out := &collector{fn: fn}
	result := &Result{}
	for stream.Next() {
		chunk := stream.Current()
		for _, choice := range chunk.Choices {
			if err := out.add(choice.Delta.Content); err != nil {
				return nil, err
			}
			if choice.FinishReason != "" {
				result.FinishReason = string(choice.FinishReason)
			}
		}
		if chunk.Usage.TotalTokens > 0 {
			result.PromptTokens = int(chunk.Usage.PromptTokens)
			result.CompletionTokens = int(chunk.Usage.CompletionTokens)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai chat completion stream: %w", err)
	}
	result.Text = out.String()
	logrus.WithContext(ctx).Debugf("[openai] stream done (%s), %d bytes", result.FinishReason, len(result.Text))
	return result, nil
}

func (o *OpenAI) params(prompt *multimodal.Prompt) (openai.ChatCompletionNewParams, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(prompt.Messages))
	for _, m := range prompt.Messages {
		msg, err := messageParam(m)
		if err != nil {
			return openai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	opts := prompt.Options
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(modelName(o.model, prompt)),
		Messages:    messages,
		Temperature: openai.Float(effectiveTemperature(opts)),
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}
	if opts.TopP != nil {
		params.TopP = openai.Float(*opts.TopP)
	}
	if len(opts.Stop) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: opts.Stop}
	}
	return params, nil
}

func messageParam(m multimodal.Message) (openai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case "system":
		return openai.SystemMessage(m.Text("\n")), nil
	case "assistant":
		return openai.AssistantMessage(m.Text("\n")), nil
	}

	images := m.Images()
	if len(images) == 0 {
		return openai.UserMessage(m.Text("\n")), nil
	}
	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Kind {
		case multimodal.PartText:
			parts = append(parts, openai.TextContentPart(p.Text))
		case multimodal.PartImage:
			u, err := p.Image.DataURL()
			if err != nil {
				return openai.ChatCompletionMessageParamUnion{}, err
			}
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: u}))
		}
	}
	return openai.UserMessage(parts), nil
}

// Ping lists the server's models.
func (o *OpenAI) Ping(ctx context.Context) error {
	if _, err := o.client.Models.List(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}
