package ruleengine

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/cameragenai/vlmgate/pkg/types/openai"
	"github.com/cameragenai/vlmgate/pkg/vlmgate"
)

// VisionFeatureExtractor exposes request shape to rule expressions:
// imageCount, messageCount, promptTextLen, stream, maxTokens, and prefixN /
// suffixN hashes of the first message for sticky routing.
type VisionFeatureExtractor struct {
	PrefixHashLen []int
	SuffixHashLen []int
}

var _ FeatureExtractor = (*VisionFeatureExtractor)(nil)

func (e *VisionFeatureExtractor) Features(req *vlmgate.Request) (map[string]any, error) {
	parsed, err := req.Body.Parsed()
	if err != nil {
		return nil, fmt.Errorf("parse request body failed: %w", err)
	}
	creq, ok := parsed.(*openai.ChatCompletionRequest)
	if !ok {
		return nil, fmt.Errorf("unsupported request body type %T", parsed)
	}

	r := map[string]any{
		"imageCount":    creq.ImageCount(),
		"messageCount":  len(creq.Messages),
		"promptTextLen": promptTextLen(creq),
		"stream":        creq.Stream,
	}
	maxTokens, _ := creq.MaxTokenLimit()
	r["maxTokens"] = int(maxTokens)

	first := ""
	if len(creq.Messages) > 0 {
		first = strings.TrimSpace(creq.Messages[0].Content.String())
	}
	for _, l := range e.PrefixHashLen {
		r[fmt.Sprintf("prefix%d", l)] = textHash(creq.Model, head(first, l))
	}
	for _, l := range e.SuffixHashLen {
		r[fmt.Sprintf("suffix%d", l)] = textHash(creq.Model, tail(first, l))
	}
	return r, nil
}

func promptTextLen(req *openai.ChatCompletionRequest) int {
	n := 0
	for _, m := range req.Messages {
		n += len([]rune(m.Content.String()))
	}
	return n
}

func head(s string, l int) string {
	r := []rune(s)
	if len(r) > l {
		r = r[:l]
	}
	return string(r)
}

func tail(s string, l int) string {
	r := []rune(s)
	if len(r) > l {
		r = r[len(r)-l:]
	}
	return string(r)
}

func textHash(model, text string) string {
	h := fnv.New32a()
	h.Write([]byte(model))
	h.Write([]byte(text))
	return fmt.Sprintf("%08x", h.Sum32())
}
