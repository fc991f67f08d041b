package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cameragenai/vlmgate/pkg/imageio"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/sirupsen/logrus"
)

type stringList []string

func (l *stringList) String() string {
	return strings.Join(*l, ",")
}

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

type chatOptions struct {
	baseURL   string
	model     string
	prompt    string
	images    stringList
	maxTokens int64
	stream    bool
}

func main() {
	var opts chatOptions
	flag.StringVar(&opts.baseURL, "base-url", "http://localhost:8000/v1", "gateway base URL")
	flag.StringVar(&opts.model, "model", "dummy-qwen-visual-model", "model name")
	flag.StringVar(&opts.prompt, "prompt", "What is in the image?", "question to ask")
	flag.Var(&opts.images, "image", "image path or URL (repeatable)")
	flag.Int64Var(&opts.maxTokens, "max-tokens", 0, "completion token limit (0 uses the server default)")
	flag.BoolVar(&opts.stream, "stream", false, "stream the answer")
	flag.Parse()

	client := openai.NewClient(
		option.WithBaseURL(opts.baseURL),
		option.WithAPIKey("dummy-api-key"),
	)
	ctx := context.Background()
	params, err := buildParams(ctx, opts, imageio.NewLoader(nil))
	if err != nil {
		logrus.WithError(err).Fatal("failed to build request")
	}
	if err := run(ctx, client, params, opts.stream, os.Stdout); err != nil {
		logrus.WithError(err).Fatal("chat completion failed")
	}
}

func buildParams(ctx context.Context, opts chatOptions, loader *imageio.Loader) (openai.ChatCompletionNewParams, error) {
	parts := []openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(opts.prompt)}
	loader.AllowLocalFiles = true
	for _, ref := range opts.images {
		u, err := imageURL(ctx, loader, ref)
		if err != nil {
			return openai.ChatCompletionNewParams{}, err
		}
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: u}))
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(opts.model),
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage(parts)},
	}
	if opts.maxTokens > 0 {
		params.MaxTokens = openai.Int(opts.maxTokens)
	}
	return params, nil
}

// imageURL keeps remote and data URLs as they are and inlines local files as JPEG data URLs.
func imageURL(ctx context.Context, loader *imageio.Loader, ref string) (string, error) {
	if imageio.Classify(ref) != imageio.SourceLocal {
		return ref, nil
	}
	img, err := loader.Load(ctx, ref)
	if err != nil {
		return "", err
	}
	return img.RGB().DataURL()
}

func run(ctx context.Context, client openai.Client, params openai.ChatCompletionNewParams, stream bool, out io.Writer) error {
	if !stream {
		resp, err := client.Chat.Completions.New(ctx, params)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("no choices returned")
		}
		fmt.Fprintln(out, resp.Choices[0].Message.Content)
		return nil
	}

	s := client.Chat.Completions.NewStreaming(ctx, params)
	defer s.Close()
	for s.Next() {
		chunk := s.Current()
		if len(chunk.Choices) > 0 {
			fmt.Fprint(out, chunk.Choices[0].Delta.Content)
		}
	}
	fmt.Fprintln(out)
	return s.Err()
}
