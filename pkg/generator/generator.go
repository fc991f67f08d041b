// Package generator runs prompts against model runtimes.
package generator

import (
	"context"
	"strings"

	"github.com/cameragenai/vlmgate/pkg/multimodal"
)

// FragmentFunc receives generated text as it is produced. Returning an error stops generation.
type FragmentFunc func(fragment string) error

type Result struct {
	Text             string
	PromptTokens     int // 0 when the runtime does not report usage
	CompletionTokens int
	FinishReason     string
}

type Generator interface {
	// Generate runs the prompt. When fn is non-nil every fragment is passed to
	// it before Generate returns the complete result.
	Generate(ctx context.Context, prompt *multimodal.Prompt, fn FragmentFunc) (*Result, error)
}

// Checker is implemented by generators that can report readiness.
type Checker interface {
	Ping(ctx context.Context) error
}

// collector accumulates streamed fragments and forwards them to fn.
type collector struct {
	sb strings.Builder
	fn FragmentFunc
}

func (c *collector) add(fragment string) error {
	if fragment == "" {
		return nil
	}
	c.sb.WriteString(fragment)
	if c.fn != nil {
		return c.fn(fragment)
	}
	return nil
}

func (c *collector) String() string {
	return c.sb.String()
}

// modelName picks the configured upstream model, defaulting to the requested one.
func modelName(configured string, prompt *multimodal.Prompt) string {
	if configured != "" {
		return configured
	}
	return prompt.Model
}

// effectiveTemperature maps the sampling flag onto a runtime temperature: greedy decoding is temperature 0.
func effectiveTemperature(opts multimodal.Options) float64 {
	if !opts.Sample {
		return 0
	}
	return opts.Temperature
}
