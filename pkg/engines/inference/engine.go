// Package inference serves chat completions from a local generator: it ingests
// the request's images, runs the model and formats OpenAI responses.
package inference

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cameragenai/vlmgate/pkg/errutils"
	"github.com/cameragenai/vlmgate/pkg/generator"
	"github.com/cameragenai/vlmgate/pkg/imageio"
	"github.com/cameragenai/vlmgate/pkg/metrics"
	"github.com/cameragenai/vlmgate/pkg/multimodal"
	"github.com/cameragenai/vlmgate/pkg/tokenizer"
	"github.com/cameragenai/vlmgate/pkg/types/openai"
	"github.com/cameragenai/vlmgate/pkg/vlmgate"
	"github.com/sirupsen/logrus"
)

type Engine struct {
	model     string // reported when the request names no model
	profile   multimodal.Profile
	generator generator.Generator
	loader    *imageio.Loader
	counter   tokenizer.Counter
	now       func() time.Time
}

var _ vlmgate.Engine = (*Engine)(nil)

func NewEngine(model string, profile multimodal.Profile, gen generator.Generator, loader *imageio.Loader, counter tokenizer.Counter) *Engine {
	if loader == nil {
		loader = imageio.NewLoader(nil)
	}
	if counter == nil {
		counter = tokenizer.Estimate{}
	}
	return &Engine{
		model:     model,
		profile:   profile,
		generator: gen,
		loader:    loader,
		counter:   counter,
		now:       time.Now,
	}
}

// Generator exposes the underlying runtime, e.g. for readiness checks.
func (e *Engine) Generator() generator.Generator {
	return e.generator
}

func (e *Engine) Process(req *vlmgate.Request) (*vlmgate.Response, error) {
	ctx := req.Context()
	parsed, err := req.Body.Parsed()
	if err != nil {
		return nil, errutils.BadRequest(err, "Invalid request body: ")
	}
	creq, ok := parsed.(*openai.ChatCompletionRequest)
	if !ok {
		return nil, errutils.NewHandlerError(
			fmt.Errorf("unexpected body type %T", parsed),
			http.StatusInternalServerError, "Internal Server Error")
	}

	prompt, err := e.profile.Translate(ctx, creq, e.loader)
	if err != nil {
		return nil, err
	}

	model := creq.Model
	if model == "" {
		model = e.model
	}
	logrus.WithContext(ctx).Debugf("[inference] model %s, profile %s, %d messages, %d images, stream=%v",
		model, e.profile.Name, len(prompt.Messages), prompt.ImageCount(), creq.Stream)

	c := &completion{
		id:      openai.NewCompletionID(),
		model:   model,
		created: e.now(),
		req:     creq,
	}
	if creq.Stream {
		return e.stream(ctx, c, prompt), nil
	}

	start := time.Now()
	res, err := e.generator.Generate(ctx, prompt, nil)
	if err != nil {
		metrics.ObserveGeneration(model, time.Since(start), 0, 0, err)
		return nil, errutils.NewHandlerError(err, http.StatusInternalServerError, "Error generating response: "+err.Error())
	}
	usage := e.usage(creq, res)
	metrics.ObserveGeneration(model, time.Since(start), usage.PromptTokens, usage.CompletionTokens, nil)

	body := vlmgate.NewBodyFromParsed(
		openai.NewChatCompletion(c.id, c.model, c.created, res.Text, res.FinishReason, usage),
		&vlmgate.JSONParser[openai.ChatCompletion]{},
	)
	return vlmgate.NewNonStreamResponse(http.StatusOK, jsonHeader(), body), nil
}

// completion carries the fields shared by every object of one response.
type completion struct {
	id      string
	model   string
	created time.Time
	req     *openai.ChatCompletionRequest
}

func (e *Engine) stream(reqCtx context.Context, c *completion, prompt *multimodal.Prompt) *vlmgate.Response {
	ch := make(chan *vlmgate.StreamChunk)
	ctx, cancel := context.WithCancel(reqCtx)

	send := func(chunk *vlmgate.StreamChunk) error {
		select {
		case ch <- chunk:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	go func() {
		defer close(ch)
		defer metrics.StreamStarted()()
		log := logrus.WithContext(ctx)

		first := true
		start := time.Now()
		res, err := e.generator.Generate(ctx, prompt, func(fragment string) error {
			role := ""
			if first {
				role = openai.RoleAssistant
				first = false
			}
			return send(chunkOf(openai.NewContentChunk(c.id, c.model, c.created, role, fragment)))
		})
		if err != nil {
			metrics.ObserveGeneration(c.model, time.Since(start), 0, 0, err)
			if ctx.Err() != nil {
				log.Infof("[inference] stream aborted: %v", ctx.Err())
				return
			}
			log.Errorf("[inference] generation failed mid-stream: %v", err)
			errBody := errutils.ErrorBody{Error: errutils.ErrorDetail{
				Message: "Error generating response: " + err.Error(),
				Type:    "server_error",
				Code:    http.StatusInternalServerError,
			}}
			_ = send(&vlmgate.StreamChunk{
				Body: vlmgate.NewBodyFromParsed(&errBody, &vlmgate.JSONParser[errutils.ErrorBody]{}),
			})
			return
		}

		usage := e.usage(c.req, res)
		metrics.ObserveGeneration(c.model, time.Since(start), usage.PromptTokens, usage.CompletionTokens, nil)
		if err := send(chunkOf(openai.NewFinalChunk(c.id, c.model, c.created, res.FinishReason, usage))); err != nil {
			return
		}
		if err := send(vlmgate.DoneChunk()); err != nil {
			return
		}
		log.Debugf("[inference] stream finished, %d completion tokens", usage.CompletionTokens)
	}()

	return vlmgate.NewStreamResponse(http.StatusOK, nil, vlmgate.NewStreamChan(ch, cancel))
}

// usage prefers the runtime's counts and approximates what it did not report.
func (e *Engine) usage(req *openai.ChatCompletionRequest, res *generator.Result) *openai.Usage {
	prompt := res.PromptTokens
	if prompt == 0 {
		prompt = tokenizer.PromptTokens(e.counter, req)
	}
	completion := res.CompletionTokens
	if completion == 0 {
		completion = e.counter.Count(res.Text)
	}
	return openai.NewUsage(prompt, completion)
}

func chunkOf(chunk *openai.ChatCompletionChunk) *vlmgate.StreamChunk {
	return &vlmgate.StreamChunk{
		Body: vlmgate.NewBodyFromParsed(chunk, &vlmgate.JSONParser[openai.ChatCompletionChunk]{}),
	}
}

func jsonHeader() http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return h
}
