package generator

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/cameragenai/vlmgate/pkg/multimodal"
	"github.com/ollama/ollama/api"
	"github.com/sirupsen/logrus"
)

// Ollama generates with a model served by an Ollama daemon.
type Ollama struct {
	client *api.Client
	model  string
}

func NewOllama(baseURL string, httpClient *http.Client, model string) (*Ollama, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse ollama base url: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Ollama{
		client: api.NewClient(base, httpClient),
		model:  model,
	}, nil
}

func (o *Ollama) Generate(ctx context.Context, prompt *multimodal.Prompt, fn FragmentFunc) (*Result, error) {
	req, err := o.chatRequest(prompt, fn != nil)
	if err != nil {
		return nil, err
	}

	out := &collector{fn: fn}
	result := &Result{}
	err = o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		if err := out.add(resp.Message.Content); err != nil {
			return err
		}
		if resp.Done {
			result.FinishReason = resp.DoneReason
			result.PromptTokens = resp.PromptEvalCount
			result.CompletionTokens = resp.EvalCount
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}
	result.Text = out.String()
	logrus.WithContext(ctx).Debugf("[ollama] model %s done (%s), %d+%d tokens",
		req.Model, result.FinishReason, result.PromptTokens, result.CompletionTokens)
	return result, nil
}

func (o *Ollama) chatRequest(prompt *multimodal.Prompt, stream bool) (*api.ChatRequest, error) {
	messages := make([]api.Message, 0, len(prompt.Messages))
	for _, m := range prompt.Messages {
		msg := api.Message{Role: m.Role, Content: m.Text("\n")}
		for _, img := range m.Images() {
			b, err := img.JPEG()
			if err != nil {
				return nil, err
			}
			msg.Images = append(msg.Images, api.ImageData(b))
		}
		messages = append(messages, msg)
	}

	opts := prompt.Options
	options := map[string]any{
		"temperature": effectiveTemperature(opts),
	}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	if opts.TopP != nil {
		options["top_p"] = *opts.TopP
	}
	if len(opts.Stop) > 0 {
		options["stop"] = opts.Stop
	}

	return &api.ChatRequest{
		Model:    modelName(o.model, prompt),
		Messages: messages,
		Stream:   &stream,
		Options:  options,
	}, nil
}

func (o *Ollama) Ping(ctx context.Context) error {
	return o.client.Heartbeat(ctx)
}
